// Package lix provides a minimal public API for embedding the lix engine.
//
// Most integrations should talk SQL to the logical views through
// Engine.Execute. This package exports only the essential types and
// constructors needed to open a database and issue statements
// programmatically; everything else is internal.
package lix

import (
	"context"

	"github.com/untoldecay/lix/internal/backend"
	"github.com/untoldecay/lix/internal/engine"
	"github.com/untoldecay/lix/internal/types"
)

// Engine is the embedded engine handle.
type Engine = engine.Engine

// Value is the SQL parameter and result cell type.
type Value = types.Value

// CommitEvent notifies subscribers of a successful mutation.
type CommitEvent = engine.CommitEvent

// Text wraps a string parameter.
func Text(v string) Value { return types.Text(v) }

// Integer wraps an int64 parameter.
func Integer(v int64) Value { return types.Integer(v) }

// Blob wraps a byte-slice parameter.
func Blob(v []byte) Value { return types.Blob(v) }

// OpenSQLite opens (creating if needed) a SQLite-backed engine at path and
// runs initialization. Use ":memory:" for an in-memory engine.
func OpenSQLite(ctx context.Context, path string) (*Engine, error) {
	b, err := backend.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	e := engine.New(engine.Config{Backend: b})
	if err := e.Init(ctx); err != nil {
		b.Close()
		return nil, err
	}
	return e, nil
}

// OpenPostgres opens a Postgres-backed engine for the given DSN and runs
// initialization.
func OpenPostgres(ctx context.Context, dsn string) (*Engine, error) {
	b, err := backend.OpenPostgres(dsn)
	if err != nil {
		return nil, err
	}
	e := engine.New(engine.Config{Backend: b})
	if err := e.Init(ctx); err != nil {
		b.Close()
		return nil, err
	}
	return e, nil
}
