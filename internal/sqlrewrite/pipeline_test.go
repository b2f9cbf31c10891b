package sqlrewrite

import (
	"context"
	"strings"
	"testing"

	"github.com/untoldecay/lix/internal/backend"
	"github.com/untoldecay/lix/internal/funcs"
	"github.com/untoldecay/lix/internal/schema"
	"github.com/untoldecay/lix/internal/types"
)

func testOptions() Options {
	return Options{
		Dialect:         backend.DialectSQLite,
		ActiveVersionID: "main",
		KnownSchemaKeys: []string{types.SchemaKeyKeyValue},
		Lookup: func(_ context.Context, schemaKey string) (*schema.Definition, error) {
			if def := schema.Builtin(schemaKey); def != nil {
				return def, nil
			}
			return nil, types.Errorf("unknown schema_key '%s'", schemaKey)
		},
		Provider: funcs.NewDeterministic("2024-01-01T00:00:00.000Z"),
	}
}

func preprocess(t *testing.T, script string, params []types.Value) *Output {
	t.Helper()
	out, err := Preprocess(context.Background(), script, params, testOptions())
	if err != nil {
		t.Fatalf("Preprocess(%q) failed: %v", script, err)
	}
	return out
}

func TestSplitStatements(t *testing.T) {
	stmts, err := splitStatements("SELECT 1; SELECT 'a;b'; -- trailing; comment\nSELECT 2")
	if err != nil {
		t.Fatalf("splitStatements failed: %v", err)
	}
	if len(stmts) != 3 {
		t.Fatalf("got %d statements, want 3: %v", len(stmts), stmts)
	}
	if stmts[1] != "SELECT 'a;b'" {
		t.Errorf("semicolon in string literal split: %q", stmts[1])
	}
}

func TestEntityViewInsertLiftsProperties(t *testing.T) {
	out := preprocess(t,
		"INSERT INTO lix_key_value (key, value) VALUES ('flag', 'on')", nil)

	if len(out.Statements) != 1 {
		t.Fatalf("got %d statements, want 1", len(out.Statements))
	}
	stmt := out.Statements[0]
	if stmt.Role != RoleVtableWrite {
		t.Fatalf("role = %v, want vtable write", stmt.Role)
	}
	if !strings.Contains(stmt.SQL, vtableName) {
		t.Errorf("statement does not target the vtable: %s", stmt.SQL)
	}
	// entity_id derives from the primary key property.
	if stmt.Params[0].AsText() != "flag" {
		t.Errorf("entity_id = %q, want flag", stmt.Params[0].AsText())
	}
	if stmt.Params[1].AsText() != types.SchemaKeyKeyValue {
		t.Errorf("schema_key = %q", stmt.Params[1].AsText())
	}
	snapshot := stmt.Params[6].AsText()
	if gjsonGet(snapshot, "key") != "flag" || gjsonGet(snapshot, "value") != "on" {
		t.Errorf("snapshot = %s", snapshot)
	}
}

func TestEntityViewInsertRejectsManagedColumns(t *testing.T) {
	for _, script := range []string{
		"INSERT INTO lix_key_value (key, schema_key) VALUES ('a', 'b')",
		"INSERT INTO lix_key_value (key, snapshot_content) VALUES ('a', '{}')",
		"INSERT INTO lix_key_value (key, lixcol_version_id) VALUES ('a', 'v')",
	} {
		if _, err := Preprocess(context.Background(), script, nil, testOptions()); err == nil {
			t.Errorf("expected rejection for %q", script)
		}
	}
}

func TestStateInsertRejectsVersionID(t *testing.T) {
	_, err := Preprocess(context.Background(),
		"INSERT INTO lix_state (entity_id, schema_key, version_id) VALUES ('e', 'lix_key_value', 'v')",
		nil, testOptions())
	if err == nil || !strings.Contains(err.Error(), "version_id") {
		t.Errorf("error = %v, want version_id rejection", err)
	}
}

func TestOnConflictDoNothingRejected(t *testing.T) {
	_, err := Preprocess(context.Background(),
		"INSERT INTO lix_key_value (key, value) VALUES ('a', 'b') ON CONFLICT DO NOTHING",
		nil, testOptions())
	if err == nil || !strings.Contains(err.Error(), "DO NOTHING") {
		t.Errorf("error = %v, want DO NOTHING rejection", err)
	}
}

func TestTransactionCoalescing(t *testing.T) {
	script := `
		INSERT INTO lix_key_value (key, value) VALUES ('a', '1');
		INSERT INTO lix_key_value (key, value) VALUES ('b', '2');
	`
	out := preprocess(t, script, nil)
	if len(out.Statements) != 1 {
		t.Fatalf("contiguous inserts did not coalesce: %d statements", len(out.Statements))
	}
	if got := strings.Count(out.Statements[0].SQL, "(?"); got != 2 {
		t.Errorf("coalesced insert has %d rows, want 2", got)
	}
}

func TestStoredSchemaDoesNotCoalesce(t *testing.T) {
	script := `
		INSERT INTO lix_stored_schema (key, value) VALUES ('s', '{"x-lix-key":"s"}');
		INSERT INTO lix_key_value (key, value) VALUES ('a', '1');
	`
	out := preprocess(t, script, nil)
	if len(out.Statements) != 2 {
		t.Fatalf("stored-schema insert coalesced: %d statements", len(out.Statements))
	}
	if len(out.Registrations.StoredSchemas) != 1 {
		t.Errorf("stored schema not registered")
	}
}

func TestPlaceholderBinding(t *testing.T) {
	out := preprocess(t,
		"INSERT INTO lix_key_value (key, value) VALUES (?, ?)",
		[]types.Value{types.Text("k"), types.Text("v")})
	snapshot := out.Statements[0].Params[6].AsText()
	if gjsonGet(snapshot, "key") != "k" || gjsonGet(snapshot, "value") != "v" {
		t.Errorf("snapshot = %s", snapshot)
	}
}

func TestSelectStateExpansion(t *testing.T) {
	out := preprocess(t,
		"SELECT entity_id FROM lix_state WHERE schema_key = 'lix_key_value'", nil)
	sql := out.Statements[0].SQL
	if strings.Contains(sql, "FROM lix_state ") || strings.HasSuffix(sql, "FROM lix_state") {
		t.Errorf("view not expanded: %s", sql)
	}
	if !strings.Contains(sql, "lix_version_chain") {
		t.Errorf("expansion is missing the version chain: %s", sql)
	}
	// The schema_key equality restricts the scanned projection table.
	if !strings.Contains(sql, backend.MaterializedTableName(types.SchemaKeyKeyValue)) {
		t.Errorf("pushdown did not restrict the projection table: %s", sql)
	}
}

func TestBarePlaceholderPushdownInlinesValue(t *testing.T) {
	out := preprocess(t,
		"SELECT entity_id FROM lix_state WHERE schema_key = ? AND entity_id = ?",
		[]types.Value{types.Text(types.SchemaKeyKeyValue), types.Text("e1")})
	stmt := out.Statements[0]
	// The outer text keeps its placeholders, so bindings are undisturbed.
	if strings.Count(stmt.SQL, "?") < 2 {
		t.Errorf("outer placeholders were consumed: %s", stmt.SQL)
	}
	if len(stmt.Params) != 2 {
		t.Errorf("params = %d, want 2", len(stmt.Params))
	}
	// The inner scan received the inlined entity filter.
	if !strings.Contains(stmt.SQL, "'e1'") {
		t.Errorf("bare placeholder value was not pushed: %s", stmt.SQL)
	}
}

func TestHistoryReadRegistersRoots(t *testing.T) {
	out := preprocess(t,
		"SELECT COUNT(*) FROM lix_state_history WHERE root_commit_id = 'c1' AND schema_key = 'test_state_schema'", nil)
	if len(out.Registrations.HistoryRoots) != 1 || out.Registrations.HistoryRoots[0] != "c1" {
		t.Errorf("history roots = %v, want [c1]", out.Registrations.HistoryRoots)
	}
	if !strings.Contains(out.Statements[0].SQL, "lix_internal_entity_state_timeline_breakpoint") {
		t.Errorf("history read does not use the breakpoint table")
	}
}

func TestLixJsonTextLowering(t *testing.T) {
	sqliteSQL, err := lowerFunctions("SELECT lix_json_text(snapshot_content, 'field') FROM t", backend.DialectSQLite)
	if err != nil {
		t.Fatalf("lowerFunctions failed: %v", err)
	}
	if !strings.Contains(sqliteSQL, `json_extract(snapshot_content, '$."field"')`) {
		t.Errorf("sqlite lowering = %s", sqliteSQL)
	}

	pgSQL, err := lowerFunctions("SELECT lix_json_text(snapshot_content, 'field') FROM t", backend.DialectPostgres)
	if err != nil {
		t.Fatalf("lowerFunctions failed: %v", err)
	}
	if !strings.Contains(pgSQL, "jsonb_extract_path_text(snapshot_content::jsonb, 'field')") {
		t.Errorf("postgres lowering = %s", pgSQL)
	}
}

func TestUpdatePlanCarriesWriterKey(t *testing.T) {
	out := preprocess(t,
		"UPDATE lix_key_value SET value = 'new', lixcol_writer_key = 'writer:x' WHERE key = 'a'", nil)
	if len(out.Postprocess) != 1 || out.Postprocess[0].Update == nil {
		t.Fatal("no update plan emitted")
	}
	plan := out.Postprocess[0].Update
	if plan.SchemaKey != types.SchemaKeyKeyValue {
		t.Errorf("plan schema_key = %s", plan.SchemaKey)
	}
	if !plan.WriterKeyAssignmentPresent || plan.ExplicitWriterKey == nil || *plan.ExplicitWriterKey != "writer:x" {
		t.Errorf("writer key assignment not captured: %+v", plan)
	}
	if len(plan.PropertyAssignments) != 1 || plan.PropertyAssignments[0].Column != "value" {
		t.Errorf("property assignments = %+v", plan.PropertyAssignments)
	}
}

func TestStateUpdateRequiresSchemaKey(t *testing.T) {
	_, err := Preprocess(context.Background(),
		"UPDATE lix_state SET metadata = '{}' WHERE entity_id = 'e'", nil, testOptions())
	if err == nil || !strings.Contains(err.Error(), "schema_key") {
		t.Errorf("error = %v, want schema_key requirement", err)
	}
}

func TestDeletePlanTombstonesThroughLogicalRead(t *testing.T) {
	out := preprocess(t,
		"DELETE FROM lix_key_value WHERE key = 'a'", nil)
	if len(out.Postprocess) != 1 || out.Postprocess[0].Delete == nil {
		t.Fatal("no delete plan emitted")
	}
	plan := out.Postprocess[0].Delete
	if !plan.EffectiveScopeFallback {
		t.Error("delete plan must resolve inherited rows")
	}
	if !strings.Contains(plan.EffectiveScopeSelectionSQL, "lix_version_chain") {
		t.Error("delete selection does not resolve inheritance")
	}
}

func TestDirectoryDeleteCascades(t *testing.T) {
	out := preprocess(t, "DELETE FROM lix_directory WHERE path = '/docs'", nil)
	plan := out.Postprocess[0].Delete
	if plan == nil || !plan.CascadeDirectoryFiles {
		t.Error("directory delete must cascade into contained files")
	}
}

func TestFileInsertStripsData(t *testing.T) {
	opt := testOptions()
	opt.Exec = func(_ context.Context, _ string, _ []types.Value) (*backend.QueryResult, error) {
		return &backend.QueryResult{}, nil // no existing directories
	}
	out, err := Preprocess(context.Background(),
		"INSERT INTO lix_file (path, data) VALUES ('/docs/config.json', 'bytes')", nil, opt)
	if err != nil {
		t.Fatalf("Preprocess failed: %v", err)
	}
	if len(out.PendingFileWrites) != 1 {
		t.Fatalf("pending writes = %d, want 1", len(out.PendingFileWrites))
	}
	pw := out.PendingFileWrites[0]
	if string(pw.AfterData) != "bytes" || *pw.AfterPath != "/docs/config.json" {
		t.Errorf("pending write = %+v", pw)
	}
	// The staged rows carry the auto-created ancestor directory plus the
	// file descriptor, but never the file bytes.
	foundAutoDir := false
	for _, p := range out.Statements[0].Params {
		if strings.HasPrefix(p.AsText(), "lix-auto-dir:main:/docs") {
			foundAutoDir = true
		}
		if p.AsText() == "bytes" {
			t.Error("file bytes leaked into the descriptor write")
		}
	}
	if !foundAutoDir {
		t.Error("ancestor directory was not synthesized")
	}
}

func TestFileUpdateDataBecomesSideEffect(t *testing.T) {
	out := preprocess(t, "UPDATE lix_file SET data = 'new-bytes' WHERE path = '/a.txt'", nil)
	plan := out.Postprocess[0].Update
	if plan == nil || plan.File == nil || !plan.File.DataSet {
		t.Fatal("file data update not planned as side effect")
	}
	if string(plan.File.Data) != "new-bytes" {
		t.Errorf("file data = %q", plan.File.Data)
	}
}

func TestFingerprintStability(t *testing.T) {
	build := func(params []types.Value) string {
		out := preprocess(t, "INSERT INTO lix_key_value (key, value) VALUES (?, ?)", params)
		return Fingerprint(out)
	}
	a := build([]types.Value{types.Text("k"), types.Text("v")})
	b := build([]types.Value{types.Text("k"), types.Text("v")})
	c := build([]types.Value{types.Text("k"), types.Text("other")})
	if a != b {
		t.Error("identical rewrites fingerprint differently")
	}
	if a == c {
		t.Error("diverging parameters fingerprint identically")
	}
}

func TestNumberedPlaceholdersInline(t *testing.T) {
	out := preprocess(t,
		"SELECT entity_id FROM lix_state WHERE schema_key = ?1 AND entity_id = ?1",
		[]types.Value{types.Text(types.SchemaKeyKeyValue)})
	stmt := out.Statements[0]
	if strings.Contains(stmt.SQL, "?1") {
		t.Errorf("numbered placeholder survived: %s", stmt.SQL)
	}
	if len(stmt.Params) != 0 {
		t.Errorf("inlined statement still binds %d params", len(stmt.Params))
	}
}
