package backend

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/untoldecay/lix/internal/debug"
	"github.com/untoldecay/lix/internal/types"
)

// SQLiteBackend wraps a go-sqlite3 database behind the Backend contract.
type SQLiteBackend struct {
	db   *sql.DB
	lock *flock.Flock
}

// OpenSQLite opens (creating if needed) a SQLite database at path. Use
// ":memory:" for an in-memory database. File databases take a sidecar
// flock; opening a file whose lock another process holds fails at once.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	dsn := path
	var fileLock *flock.Flock
	if path == ":memory:" || strings.HasPrefix(path, "file::memory:") {
		dsn = "file::memory:"
	} else {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		fileLock = flock.New(path + ".lock")
		locked, err := fileLock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("failed to lock database: %w", err)
		}
		if !locked {
			return nil, &types.LixError{Message: "backend: database is locked by another process"}
		}
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		if fileLock != nil {
			fileLock.Unlock()
		}
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// The engine is single-threaded cooperative; one connection keeps
	// in-memory databases coherent and sidesteps SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			if fileLock != nil {
				fileLock.Unlock()
			}
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return &SQLiteBackend{db: db, lock: fileLock}, nil
}

// Dialect implements Backend.
func (b *SQLiteBackend) Dialect() Dialect { return DialectSQLite }

// Execute implements Backend.
func (b *SQLiteBackend) Execute(ctx context.Context, query string, params []types.Value) (*QueryResult, error) {
	return runStatement(ctx, b.db, DialectSQLite, query, params)
}

// BeginTransaction implements Backend.
func (b *SQLiteBackend) BeginTransaction(ctx context.Context) (Transaction, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, types.WrapBackend(err)
	}
	return &sqlTx{tx: tx, dialect: DialectSQLite}, nil
}

// Close implements Backend.
func (b *SQLiteBackend) Close() error {
	err := b.db.Close()
	if b.lock != nil {
		b.lock.Unlock()
	}
	return err
}

// sqlTx adapts *sql.Tx for both dialects.
type sqlTx struct {
	tx      *sql.Tx
	dialect Dialect
}

func (t *sqlTx) Dialect() Dialect { return t.dialect }

func (t *sqlTx) Execute(ctx context.Context, query string, params []types.Value) (*QueryResult, error) {
	return runStatement(ctx, t.tx, t.dialect, query, params)
}

func (t *sqlTx) Commit() error   { return t.tx.Commit() }
func (t *sqlTx) Rollback() error { return t.tx.Rollback() }

// queryer is the intersection of *sql.DB and *sql.Tx the runner needs.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func runStatement(ctx context.Context, q queryer, dialect Dialect, query string, params []types.Value) (*QueryResult, error) {
	if dialect == DialectPostgres {
		query = numberPlaceholders(query)
	}
	args := types.DriverParams(params)
	if debug.Enabled() {
		debug.Logf("backend %s: %s (%d params)", dialect, compactSQL(query), len(params))
	}
	if !returnsRows(query) {
		if _, err := q.ExecContext(ctx, query, args...); err != nil {
			return nil, types.WrapBackend(err)
		}
		return &QueryResult{}, nil
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, types.WrapBackend(err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, types.WrapBackend(err)
	}
	result := &QueryResult{Columns: cols}
	for rows.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, types.WrapBackend(err)
		}
		row := make([]types.Value, len(cols))
		for i, cell := range raw {
			row[i] = types.FromDriver(cell)
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, types.WrapBackend(err)
	}
	return result, nil
}

// returnsRows decides whether a statement must run through Query rather
// than Exec: selects, CTE-led selects, pragmas, and writes with RETURNING.
func returnsRows(query string) bool {
	head := leadingKeyword(query)
	switch head {
	case "SELECT", "WITH", "PRAGMA", "VALUES", "EXPLAIN":
		return true
	}
	return containsKeywordOutsideStrings(query, "RETURNING")
}

func leadingKeyword(query string) string {
	s := strings.TrimSpace(query)
	for strings.HasPrefix(s, "--") {
		idx := strings.IndexByte(s, '\n')
		if idx < 0 {
			return ""
		}
		s = strings.TrimSpace(s[idx+1:])
	}
	end := 0
	for end < len(s) {
		c := s[end]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
			end++
			continue
		}
		break
	}
	return strings.ToUpper(s[:end])
}

// containsKeywordOutsideStrings reports whether kw appears as a bare word
// outside single-quoted literals.
func containsKeywordOutsideStrings(query, kw string) bool {
	upper := strings.ToUpper(query)
	kw = strings.ToUpper(kw)
	inString := false
	for i := 0; i+len(kw) <= len(upper); i++ {
		c := upper[i]
		if c == '\'' {
			inString = !inString
			continue
		}
		if inString || c != kw[0] {
			continue
		}
		if upper[i:i+len(kw)] != kw {
			continue
		}
		beforeOK := i == 0 || !isWordByte(upper[i-1])
		afterOK := i+len(kw) == len(upper) || !isWordByte(upper[i+len(kw)])
		if beforeOK && afterOK {
			return true
		}
	}
	return false
}

func isWordByte(c byte) bool {
	return c == '_' || (c >= '0' && c <= '9') || (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

func compactSQL(s string) string {
	fields := strings.Fields(s)
	if len(fields) > 12 {
		fields = fields[:12]
		fields = append(fields, "...")
	}
	return strings.Join(fields, " ")
}
