package stores

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Options selects and configures a store backend.
type Options struct {
	// Backend is one of memory, sqlite or badger.
	Backend Backend `yaml:"backend" json:"backend" validate:"required,oneof=memory sqlite badger"`

	// Path is the database file (sqlite) or directory (badger).
	Path string `yaml:"path" json:"path" validate:"required_unless=Backend memory"`

	// Capacity bounds the total segment bytes; zero means unlimited.
	Capacity int `yaml:"capacity" json:"capacity" validate:"min=0"`

	// SyncWrites makes every badger commit durable before it returns.
	SyncWrites bool `yaml:"sync_writes" json:"sync_writes"`
}

// Open opens the backend named by opts. SQLite databases are migrated
// before they are returned.
func Open(ctx context.Context, opts Options, logger *zerolog.Logger) (Store, error) {
	switch opts.Backend {
	case BackendMemory, "":
		return NewMemoryStore(opts.Capacity), nil

	case BackendSQLite:
		s, err := NewSQLiteStore(Config{Path: opts.Path, Capacity: opts.Capacity})
		if err != nil {
			return nil, err
		}
		if err := s.Init(ctx); err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil

	case BackendBadger:
		return OpenBadgerStore(BadgerConfig{
			Path:       opts.Path,
			SyncWrites: opts.SyncWrites,
			Capacity:   opts.Capacity,
			Logger:     logger,
		})

	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}
