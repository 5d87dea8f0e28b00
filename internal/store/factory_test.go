package store

import (
	"path/filepath"
	"testing"

	"github.com/agentgate/agentgate/internal/config"
)

func TestNew_Memory(t *testing.T) {
	s, err := New(config.StorageConfig{Mode: "memory"})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if _, ok := s.(*Memory); !ok {
		t.Errorf("New(memory) = %T, want *Memory", s)
	}
}

func TestNew_SQLite(t *testing.T) {
	s, err := New(config.StorageConfig{Mode: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "agentgate.db")})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer s.(*SQLite).Close()
	if _, ok := s.(*SQLite); !ok {
		t.Errorf("New(sqlite) = %T, want *SQLite", s)
	}
}

func TestNew_UnknownMode(t *testing.T) {
	if _, err := New(config.StorageConfig{Mode: "bogus"}); err == nil {
		t.Error("expected error for unknown storage mode")
	}
}
