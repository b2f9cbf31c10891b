// Package backend defines the storage contract the engine consumes and its
// SQLite and Postgres implementations.
//
// A backend is a relational engine exposing parameterized statements and
// transactions. The engine only depends on this interface; everything above
// it is dialect-agnostic except for the SQL the rewrite pipeline emits.
package backend

import (
	"context"

	"github.com/untoldecay/lix/internal/types"
)

// Dialect identifies the SQL flavor a backend speaks.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

func (d Dialect) String() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// QueryResult is the uniform result shape for both reads and RETURNING
// writes.
type QueryResult struct {
	Columns []string
	Rows    [][]types.Value
}

// Executor is the common statement surface of Backend and Transaction.
type Executor interface {
	Execute(ctx context.Context, sql string, params []types.Value) (*QueryResult, error)
	Dialect() Dialect
}

// Transaction is one open backend transaction. Execute runs inside it;
// exactly one of Commit or Rollback must be called.
type Transaction interface {
	Executor
	Commit() error
	Rollback() error
}

// Backend is the storage contract consumed by the engine.
type Backend interface {
	Executor
	BeginTransaction(ctx context.Context) (Transaction, error)
	Close() error
}

// WithTransaction runs fn inside a transaction, committing on nil error and
// rolling back on error or panic.
func WithTransaction(ctx context.Context, b Backend, fn func(tx Transaction) error) error {
	tx, err := b.BeginTransaction(ctx)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return types.WrapBackend(err)
	}
	committed = true
	return nil
}
