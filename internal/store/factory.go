package store

import (
	"fmt"

	"github.com/agentgate/agentgate/internal/config"
	"github.com/agentgate/agentgate/internal/orchestrator"
)

// New creates a Store based on the given storage configuration.
func New(cfg config.StorageConfig) (orchestrator.Store, error) {
	switch cfg.Mode {
	case "sqlite", "":
		return OpenSQLite(cfg.SQLitePath)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage mode: %s", cfg.Mode)
	}
}
