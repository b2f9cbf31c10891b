package engine

import (
	"testing"

	"github.com/untoldecay/lix/internal/plugin/jsonprop"
)

func TestFileWriteRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	before := `{"hello":"before","drop":"soon-gone"}`
	env.exec("INSERT INTO lix_file (path, data) VALUES ('/config.json', '" + before + "')")

	rows := env.queryValues("SELECT data FROM lix_file WHERE path = '/config.json'")
	if len(rows) != 1 {
		t.Fatalf("file rows = %d, want 1", len(rows))
	}
	if rows[0][0].AsText() != before {
		t.Errorf("read-back bytes = %s, want %s", rows[0][0].AsText(), before)
	}

	// The JSON plugin flattened the document into property entities.
	props := env.queryValues(
		"SELECT entity_id FROM lix_state WHERE schema_key = '" + jsonprop.SchemaKey + "'")
	seen := map[string]bool{}
	for _, row := range props {
		seen[row[0].AsText()] = true
	}
	for _, pointer := range []string{"", "/hello", "/drop"} {
		if !seen[pointer] {
			t.Errorf("pointer %q missing from state, have %v", pointer, seen)
		}
	}
}

func TestFileUpdateFlowsThroughPlugins(t *testing.T) {
	env := newTestEnv(t)

	env.exec(`INSERT INTO lix_file (path, data) VALUES ('/config.json', '{"hello":"before","drop":"soon-gone"}')`)
	after := `{"hello":"after","add":"new-value"}`
	env.exec("UPDATE lix_file SET data = '" + after + "' WHERE path = '/config.json'")

	rows := env.queryValues("SELECT data FROM lix_file WHERE path = '/config.json'")
	if len(rows) != 1 || rows[0][0].AsText() != after {
		t.Fatalf("read-back after update = %v, want %s", rows, after)
	}

	props := env.queryValues(
		"SELECT entity_id FROM lix_state WHERE schema_key = '" + jsonprop.SchemaKey + "'")
	seen := map[string]bool{}
	for _, row := range props {
		seen[row[0].AsText()] = true
	}
	for _, pointer := range []string{"", "/hello", "/add"} {
		if !seen[pointer] {
			t.Errorf("pointer %q missing after update, have %v", pointer, seen)
		}
	}
	if seen["/drop"] {
		t.Error("/drop survived the update as live state")
	}

	// The data cache matches the new bytes and the blob store holds the
	// current manifest; replaced chunks were collected.
	cache := env.queryValues("SELECT data FROM lix_internal_file_data_cache")
	if len(cache) != 1 || cache[0][0].AsText() != after {
		t.Errorf("data cache = %v, want %s", cache, after)
	}
	refs := env.queryValues("SELECT COUNT(*) FROM lix_internal_binary_file_version_ref")
	if refs[0][0].AsInt() != 1 {
		t.Errorf("file version refs = %d, want 1", refs[0][0].AsInt())
	}
	manifests := env.queryValues("SELECT COUNT(*) FROM lix_internal_binary_blob_manifest")
	if manifests[0][0].AsInt() != 1 {
		t.Errorf("manifests after GC = %d, want 1", manifests[0][0].AsInt())
	}
}

func TestDirectoryDeleteCascadesIntoFiles(t *testing.T) {
	env := newTestEnv(t)

	env.exec(`INSERT INTO lix_file (path, data) VALUES ('/docs/a.json', '{"a":1}')`)
	env.exec(`INSERT INTO lix_file (path, data) VALUES ('/docs/b.json', '{"b":2}')`)
	env.exec(`INSERT INTO lix_file (path, data) VALUES ('/other/c.json', '{"c":3}')`)

	env.exec("DELETE FROM lix_directory WHERE path = '/docs'")

	rows := env.queryValues("SELECT path FROM lix_file")
	if len(rows) != 1 || rows[0][0].AsText() != "/other/c.json" {
		t.Errorf("surviving files = %v, want only /other/c.json", rows)
	}
}
