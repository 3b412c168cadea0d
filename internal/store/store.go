package store

import (
	"context"
	"time"

	"github.com/ravel-hq/stackd/internal/state"
)

// Snapshot is the persisted shape of all service runtime states, keyed by
// service id. Writes are always whole-snapshot replacements so a crash
// mid-write can never leave a torn mix of old and new entries.
type Snapshot struct {
	SavedAt  time.Time             `json:"saved_at"`
	Services map[string]state.View `json:"services"`
}

// Store persists runtime state snapshots across orchestrator restarts.
// Implementations must replace the previous snapshot atomically.
type Store interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context) (Snapshot, bool, error)
	Close() error
}

// Config selects and configures a snapshot store backend.
type Config struct {
	Type string `json:"type" mapstructure:"type"` // "file", "sqlite", "postgres"

	// file / sqlite
	Path string `json:"path,omitempty" mapstructure:"path"`

	// postgres
	DSN string `json:"dsn,omitempty" mapstructure:"dsn"`
}
