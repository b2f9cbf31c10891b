package backend

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/untoldecay/lix/internal/types"
)

// PostgresBackend wraps a pgx connection pool behind the Backend contract.
type PostgresBackend struct {
	db *sql.DB
}

// OpenPostgres connects to the database named by dsn.
func OpenPostgres(dsn string) (*PostgresBackend, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, types.WrapBackend(err)
	}
	return &PostgresBackend{db: db}, nil
}

// Dialect implements Backend.
func (b *PostgresBackend) Dialect() Dialect { return DialectPostgres }

// Execute implements Backend.
func (b *PostgresBackend) Execute(ctx context.Context, query string, params []types.Value) (*QueryResult, error) {
	return runStatement(ctx, b.db, DialectPostgres, query, params)
}

// BeginTransaction implements Backend.
func (b *PostgresBackend) BeginTransaction(ctx context.Context) (Transaction, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, types.WrapBackend(err)
	}
	return &sqlTx{tx: tx, dialect: DialectPostgres}, nil
}

// Close implements Backend.
func (b *PostgresBackend) Close() error { return b.db.Close() }

// numberPlaceholders rewrites bare ? placeholders to $1..$n for pgx.
// Placeholders already numbered ($n) pass through; ? inside string
// literals, quoted identifiers, and comments is left alone.
func numberPlaceholders(query string) string {
	if !strings.ContainsRune(query, '?') {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch c {
		case '\'', '"':
			quote := c
			b.WriteByte(c)
			i++
			for i < len(query) {
				b.WriteByte(query[i])
				if query[i] == quote {
					if i+1 < len(query) && query[i+1] == quote {
						i++
						b.WriteByte(query[i])
					} else {
						break
					}
				}
				i++
			}
		case '-':
			if i+1 < len(query) && query[i+1] == '-' {
				for i < len(query) && query[i] != '\n' {
					b.WriteByte(query[i])
					i++
				}
				if i < len(query) {
					b.WriteByte('\n')
				}
			} else {
				b.WriteByte(c)
			}
		case '?':
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
