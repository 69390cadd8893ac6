package stores

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	stateFileName = "state.json"
	lockFileName  = "state.lock"
)

// stateDocument is the on-disk layout of the store.
type stateDocument struct {
	Version int                    `json:"version"`
	Entries map[string]*StateEntry `json:"entries"`
}

// FileStore persists state entries in a single JSON document guarded by
// a process-wide lock file. Writes go to a temporary file which is then
// atomically renamed over the live file, so a partially written state is
// never observable.
type FileStore struct {
	mu      sync.Mutex
	dir     string
	path    string
	lock    *Lockfile
	entries map[string]*StateEntry
	closed  bool
}

// Open acquires the store lock for the given directory, loads the
// current state document and returns the store. The lock is held until
// Close; a stale lock left by a dead process is reclaimed.
func Open(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	lock, err := AcquireLock(filepath.Join(dir, lockFileName))
	if err != nil {
		return nil, err
	}

	s := &FileStore{
		dir:     dir,
		path:    filepath.Join(dir, stateFileName),
		lock:    lock,
		entries: make(map[string]*StateEntry),
	}

	if err := s.load(); err != nil {
		_ = lock.Release()
		return nil, err
	}

	return s, nil
}

// load reads the live state file. A missing file means a fresh project.
// A leftover temporary file from an interrupted write is ignored: only
// the renamed live file holds committed entries.
func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read state file: %w", err)
	}

	var doc stateDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse state file %s: %w", s.path, err)
	}
	if doc.Entries != nil {
		s.entries = doc.Entries
	}
	return nil
}

// persist writes the full document to a temp file and renames it over
// the live file.
func (s *FileStore) persist() error {
	doc := stateDocument{Version: 1, Entries: s.entries}
	data, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write state temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to commit state file: %w", err)
	}
	return nil
}

// Get retrieves an entry by resource key.
func (s *FileStore) Get(key string) (*StateEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *entry
	return &copied, nil
}

// Put creates or replaces an entry and persists immediately.
func (s *FileStore) Put(entry *StateEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	copied := *entry
	if existing, ok := s.entries[entry.Key]; ok {
		copied.CreatedAt = existing.CreatedAt
	} else if copied.CreatedAt.IsZero() {
		copied.CreatedAt = now
	}
	copied.UpdatedAt = now

	s.entries[entry.Key] = &copied
	return s.persist()
}

// Remove deletes an entry. Absent keys are a no-op.
func (s *FileStore) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; !ok {
		return nil
	}
	delete(s.entries, key)
	return s.persist()
}

// List returns entries whose key has the given prefix, sorted by key.
func (s *FileStore) List(prefix string) ([]*StateEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]*StateEntry, 0, len(s.entries))
	for key, entry := range s.entries {
		if strings.HasPrefix(key, prefix) {
			copied := *entry
			entries = append(entries, &copied)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

// Close releases the store lock.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.lock.Release()
}
