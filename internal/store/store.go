// Package store persists the active session record as a single JSON file.
//
// The store holds no policy: it only reads and writes the record. Writers
// always replace the whole record so two components can never clobber each
// other by patching different fields. A corrupt record fails closed: it is
// treated as absent and the file is removed.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/parleyhq/parley/internal/logging"
	"github.com/parleyhq/parley/pkg/types"
)

// Store reads and writes the persisted session record.
type Store struct {
	path string
	lock *FileLock
}

// New creates a store backed by the file at path.
func New(path string) *Store {
	return &Store{
		path: path,
		lock: NewFileLock(path),
	}
}

// Path returns the backing file path. The event watcher uses it to observe
// writes made by other processes.
func (s *Store) Path() string {
	return s.path
}

// Load reads the persisted session record. A missing file returns (nil, nil).
// A malformed record is cleared and also returns (nil, nil).
func (s *Store) Load() (*types.Session, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read session record: %w", err)
	}

	var session types.Session
	if err := json.Unmarshal(data, &session); err != nil {
		logging.Warn().
			Str("path", s.path).
			Err(err).
			Msg("clearing corrupt session record")
		if clearErr := s.Clear(); clearErr != nil {
			return nil, fmt.Errorf("failed to clear corrupt record: %w", clearErr)
		}
		return nil, nil
	}

	return &session, nil
}

// Save replaces the persisted record with the given session. The write is
// atomic: temp file then rename, under an exclusive file lock.
func (s *Store) Save(session types.Session) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer s.lock.Unlock()

	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename file: %w", err)
	}

	return nil
}

// Clear removes the persisted record. Clearing an absent record is a no-op.
func (s *Store) Clear() error {
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer s.lock.Unlock()

	if err := os.Remove(s.path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to delete session record: %w", err)
	}

	return nil
}
