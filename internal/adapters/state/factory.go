package state

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BM-AI-solutions/decision-points-sub000/internal/core"
)

// Backend names a RunStore implementation.
type Backend string

const (
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
	BackendMemory   Backend = "memory"
)

// DefaultPath is the SQLite database location used when none is configured.
const DefaultPath = ".decisionpoints/state/runs.db"

// Options configures store creation.
type Options struct {
	Backend Backend
	// Path is the SQLite database file.
	Path string
	// DSN is the Postgres connection string.
	DSN string
}

// Open creates the RunStore selected by opts.Backend. SQLite is the default.
func Open(ctx context.Context, opts Options) (core.RunStore, error) {
	switch Backend(strings.ToLower(strings.TrimSpace(string(opts.Backend)))) {
	case "", BackendSQLite:
		path := opts.Path
		if strings.TrimSpace(path) == "" {
			path = DefaultPath
		}
		// Ensure path has .db extension for SQLite
		if filepath.Ext(path) == "" {
			path += ".db"
		}
		return NewSQLiteStore(path)
	case BackendPostgres:
		if strings.TrimSpace(opts.DSN) == "" {
			return nil, core.ErrValidation(core.CodeInvalidConfig, "state.dsn is required for the postgres backend")
		}
		return NewPostgresStore(ctx, opts.DSN)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, core.ErrValidation(core.CodeInvalidConfig, fmt.Sprintf("unknown state backend: %s", opts.Backend))
	}
}
