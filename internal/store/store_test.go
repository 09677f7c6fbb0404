package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/parleyhq/parley/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "session.json"))
}

func TestStore_LoadAbsent(t *testing.T) {
	s := newTestStore(t)

	session, err := s.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if session != nil {
		t.Errorf("Expected nil session for absent record, got %+v", session)
	}
}

func TestStore_SaveLoadRoundtrip(t *testing.T) {
	s := newTestStore(t)

	saved := types.Session{
		SessionID:        "sess_123",
		UserID:           "user_a",
		Authenticated:    true,
		CreatedLocallyAt: time.Now().Truncate(time.Second),
	}
	if err := s.Save(saved); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded == nil {
		t.Fatal("Expected session, got nil")
	}
	if loaded.SessionID != saved.SessionID {
		t.Errorf("Expected session id %q, got %q", saved.SessionID, loaded.SessionID)
	}
	if loaded.UserID != saved.UserID {
		t.Errorf("Expected user id %q, got %q", saved.UserID, loaded.UserID)
	}
	if !loaded.Authenticated {
		t.Error("Expected authenticated record")
	}
}

func TestStore_SaveReplacesWholeRecord(t *testing.T) {
	s := newTestStore(t)

	if err := s.Save(types.Session{SessionID: "first", UserID: "user_a"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := s.Save(types.Session{SessionID: "second"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.SessionID != "second" {
		t.Errorf("Expected session id %q, got %q", "second", loaded.SessionID)
	}
	if loaded.UserID != "" {
		t.Errorf("Expected user id to be replaced, got %q", loaded.UserID)
	}
}

func TestStore_CorruptRecordFailsClosed(t *testing.T) {
	s := newTestStore(t)

	if err := os.MkdirAll(filepath.Dir(s.Path()), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.Path(), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	session, err := s.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if session != nil {
		t.Errorf("Expected corrupt record to be treated as absent, got %+v", session)
	}

	// The corrupt entry must have been cleared.
	if _, err := os.Stat(s.Path()); !os.IsNotExist(err) {
		t.Error("Expected corrupt record file to be removed")
	}
}

func TestStore_ClearIdempotent(t *testing.T) {
	s := newTestStore(t)

	if err := s.Save(types.Session{SessionID: "sess"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("Second clear failed: %v", err)
	}

	session, err := s.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if session != nil {
		t.Errorf("Expected no session after clear, got %+v", session)
	}
}
