package stores

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"
)

// Lockfile implements the single-writer guarantee for a project's state
// directory. The lock file records pid, hostname and acquisition time;
// a lock whose holder process no longer exists is treated as stale and
// reclaimed, so a crashed invocation never wedges the project.
type Lockfile struct {
	path     string
	released bool
}

// AcquireLock takes the lock at path or fails with *LockedError when
// another live invocation holds it.
func AcquireLock(path string) (*Lockfile, error) {
	for attempt := 0; attempt < 2; attempt++ {
		err := writeLockFile(path)
		if err == nil {
			return &Lockfile{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}

		holder, readErr := readLockFile(path)
		if readErr != nil {
			// Unreadable or torn lock file: treat as stale.
			if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
				return nil, fmt.Errorf("failed to remove unreadable lock file: %w", rmErr)
			}
			continue
		}

		if holderAlive(holder) {
			return nil, &LockedError{Holder: *holder}
		}

		// Holder is gone; reclaim and retry once.
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, fmt.Errorf("failed to reclaim stale lock: %w", rmErr)
		}
	}
	return nil, errors.New("failed to acquire state store lock")
}

// Release removes the lock file. Safe to call more than once.
func (l *Lockfile) Release() error {
	if l.released {
		return nil
	}
	l.released = true
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *Lockfile) Path() string {
	return l.path
}

func writeLockFile(path string) error {
	hostname, _ := os.Hostname()
	info := LockInfo{
		PID:        os.Getpid(),
		Hostname:   hostname,
		AcquiredAt: time.Now().UTC(),
	}
	data, err := json.Marshal(&info)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func readLockFile(path string) (*LockInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	if info.PID <= 0 {
		return nil, fmt.Errorf("lock file %s has no pid", path)
	}
	return &info, nil
}

// holderAlive reports whether the lock holder process still exists.
// Locks taken on another host cannot be probed and are assumed live.
func holderAlive(info *LockInfo) bool {
	hostname, _ := os.Hostname()
	if info.Hostname != "" && hostname != "" && info.Hostname != hostname {
		return true
	}
	// Signal 0 probes for existence without delivering anything.
	err := syscall.Kill(info.PID, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
