package stores

import (
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

func TestLockAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.lock")

	lock, err := AcquireLock(path)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}

	info, err := readLockFile(path)
	if err != nil {
		t.Fatalf("lock file unreadable: %v", err)
	}
	if info.PID != os.Getpid() {
		t.Errorf("lock records pid %d, expected %d", info.PID, os.Getpid())
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("lock file still present after release")
	}

	// Release is idempotent.
	if err := lock.Release(); err != nil {
		t.Errorf("second Release failed: %v", err)
	}
}

func TestLockHeldByLiveProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.lock")

	lock, err := AcquireLock(path)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	defer lock.Release()

	// This process holds the lock, so a second acquisition must fail.
	_, err = AcquireLock(path)
	var locked *LockedError
	if !errors.As(err, &locked) {
		t.Fatalf("expected *LockedError, got %v", err)
	}
	if locked.Holder.PID != os.Getpid() {
		t.Errorf("holder pid %d, expected %d", locked.Holder.PID, os.Getpid())
	}
}

func TestLockReclaimsDeadHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.lock")

	// A short-lived child gives us a pid that is guaranteed gone.
	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Fatalf("failed to run child process: %v", err)
	}
	deadPID := cmd.Process.Pid

	hostname, _ := os.Hostname()
	info := LockInfo{PID: deadPID, Hostname: hostname, AcquiredAt: time.Now().UTC()}
	data, err := json.Marshal(&info)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	lock, err := AcquireLock(path)
	if err != nil {
		t.Fatalf("expected stale lock from dead pid %d to be reclaimed, got %v", deadPID, err)
	}
	defer lock.Release()

	got, err := readLockFile(path)
	if err != nil {
		t.Fatalf("reclaimed lock unreadable: %v", err)
	}
	if got.PID != os.Getpid() {
		t.Errorf("reclaimed lock records pid %d, expected %d", got.PID, os.Getpid())
	}
}

func TestLockReclaimsCorruptLockFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.lock")
	if err := os.WriteFile(path, []byte("not json at all"), 0o644); err != nil {
		t.Fatal(err)
	}

	lock, err := AcquireLock(path)
	if err != nil {
		t.Fatalf("expected corrupt lock to be reclaimed, got %v", err)
	}
	defer lock.Release()

	info, err := readLockFile(path)
	if err != nil {
		t.Fatalf("reclaimed lock unreadable: %v", err)
	}
	if info.PID != os.Getpid() {
		t.Errorf("reclaimed lock records pid %d, expected %d", info.PID, os.Getpid())
	}
}

func TestLockAssumesRemoteHolderAlive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.lock")

	// A lock taken on another host cannot be probed with a signal, so it
	// must be treated as live regardless of the pid.
	info := LockInfo{PID: os.Getpid(), Hostname: "some-other-host", AcquiredAt: time.Now().UTC()}
	data, err := json.Marshal(&info)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	_, err = AcquireLock(path)
	var locked *LockedError
	if !errors.As(err, &locked) {
		t.Fatalf("expected *LockedError for remote holder, got %v", err)
	}
	if locked.Holder.Hostname != "some-other-host" {
		t.Errorf("unexpected holder: %+v", locked.Holder)
	}
}

func TestOpenFailsWhileLockHeld(t *testing.T) {
	dir := t.TempDir()

	store, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	_, err = Open(dir)
	var locked *LockedError
	if !errors.As(err, &locked) {
		t.Fatalf("expected *LockedError from second Open, got %v", err)
	}

	// After Close the store can be opened again.
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	second, err := Open(dir)
	if err != nil {
		t.Fatalf("Open after Close failed: %v", err)
	}
	second.Close()
}
