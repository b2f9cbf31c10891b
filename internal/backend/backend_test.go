package backend

import (
	"context"
	"testing"

	"github.com/untoldecay/lix/internal/types"
)

func newMemoryBackend(t *testing.T) *SQLiteBackend {
	t.Helper()
	b, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	if err := Bootstrap(context.Background(), b); err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	return b
}

func TestBootstrapIsIdempotent(t *testing.T) {
	b := newMemoryBackend(t)
	if err := Bootstrap(context.Background(), b); err != nil {
		t.Fatalf("second bootstrap failed: %v", err)
	}
	res, err := b.Execute(context.Background(),
		"SELECT content FROM lix_internal_snapshot WHERE id = 'no-content'", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Rows) != 1 || !res.Rows[0][0].IsNull() {
		t.Errorf("no-content snapshot row = %v", res.Rows)
	}
}

func TestExecuteRoundTripsValues(t *testing.T) {
	b := newMemoryBackend(t)
	ctx := context.Background()

	if _, err := b.Execute(ctx,
		"CREATE TABLE probe (i INTEGER, r REAL, t TEXT, b BLOB, n TEXT)", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Execute(ctx,
		"INSERT INTO probe (i, r, t, b, n) VALUES (?, ?, ?, ?, ?)",
		[]types.Value{
			types.Integer(42), types.Real(1.5), types.Text("hi"),
			types.Blob([]byte{0x01, 0x02}), types.Null(),
		}); err != nil {
		t.Fatal(err)
	}

	res, err := b.Execute(ctx, "SELECT i, r, t, n FROM probe", nil)
	if err != nil {
		t.Fatal(err)
	}
	row := res.Rows[0]
	if row[0].AsInt() != 42 || row[1].Real != 1.5 || row[2].AsText() != "hi" || !row[3].IsNull() {
		t.Errorf("round trip = %v", row)
	}
}

func TestTransactionRollback(t *testing.T) {
	b := newMemoryBackend(t)
	ctx := context.Background()

	tx, err := b.BeginTransaction(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tx.Execute(ctx,
		"INSERT INTO lix_internal_engine_state (key, value) VALUES ('k', 'v')", nil); err != nil {
		t.Fatal(err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}

	res, err := b.Execute(ctx, "SELECT COUNT(*) FROM lix_internal_engine_state", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Rows[0][0].AsInt() != 0 {
		t.Error("rolled-back insert persisted")
	}
}

func TestReturningYieldsRows(t *testing.T) {
	b := newMemoryBackend(t)
	ctx := context.Background()

	res, err := b.Execute(ctx, `
		INSERT INTO lix_internal_engine_state (key, value) VALUES ('a', '1')
		RETURNING key, value
	`, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Rows) != 1 || res.Rows[0][0].AsText() != "a" {
		t.Errorf("RETURNING rows = %v", res.Rows)
	}
}

func TestNumberPlaceholders(t *testing.T) {
	cases := map[string]string{
		"SELECT ?":                          "SELECT $1",
		"SELECT ?, ?":                       "SELECT $1, $2",
		"SELECT '?' , ?":                    "SELECT '?' , $1",
		"SELECT $1, ?":                      "SELECT $1, $1",
		`SELECT "quoted?" FROM t WHERE a=?`: `SELECT "quoted?" FROM t WHERE a=$1`,
		"-- a ? comment\nSELECT ?":          "-- a ? comment\nSELECT $1",
	}
	for in, want := range cases {
		if got := numberPlaceholders(in); got != want {
			t.Errorf("numberPlaceholders(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestReturnsRows(t *testing.T) {
	if !returnsRows("SELECT 1") || !returnsRows("  WITH x AS (SELECT 1) SELECT * FROM x") {
		t.Error("selects must query")
	}
	if returnsRows("INSERT INTO t VALUES (1)") {
		t.Error("plain insert must exec")
	}
	if !returnsRows("INSERT INTO t VALUES (1) RETURNING id") {
		t.Error("RETURNING must query")
	}
	if returnsRows("INSERT INTO t VALUES ('RETURNING')") {
		t.Error("RETURNING inside a string literal must not query")
	}
}
