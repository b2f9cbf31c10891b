package backend

import (
	"context"
	"fmt"
	"strings"

	"github.com/untoldecay/lix/internal/types"
)

// Reserved physical tables. The change log and snapshot store are
// append-only; every other table is a derived structure the engine can
// rebuild.
const bootstrapSchema = `
-- Append-only change log
CREATE TABLE IF NOT EXISTS lix_internal_change (
    id TEXT PRIMARY KEY,
    entity_id TEXT NOT NULL,
    schema_key TEXT NOT NULL,
    schema_version TEXT NOT NULL,
    file_id TEXT NOT NULL,
    plugin_key TEXT NOT NULL,
    snapshot_id TEXT NOT NULL,
    metadata TEXT,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_internal_change_entity
    ON lix_internal_change(entity_id, schema_key, file_id);
CREATE INDEX IF NOT EXISTS idx_internal_change_schema
    ON lix_internal_change(schema_key);

-- Content-addressed snapshot store - 'no-content' is the tombstone row
CREATE TABLE IF NOT EXISTS lix_internal_snapshot (
    id TEXT PRIMARY KEY,
    content TEXT
);

INSERT INTO lix_internal_snapshot (id, content)
    VALUES ('no-content', NULL)
    ON CONFLICT (id) DO NOTHING;

-- Transaction staging surface for the rewrite pipeline - rows are consumed
-- into changes + projections by the write post-processor
CREATE TABLE IF NOT EXISTS lix_internal_state_vtable (
    id TEXT,
    entity_id TEXT NOT NULL,
    schema_key TEXT NOT NULL,
    schema_version TEXT NOT NULL,
    file_id TEXT NOT NULL,
    version_id TEXT NOT NULL,
    plugin_key TEXT NOT NULL,
    snapshot_content TEXT,
    metadata TEXT,
    writer_key TEXT,
    untracked INTEGER NOT NULL DEFAULT 0,
    created_at TEXT,
    updated_at TEXT
);

-- Untracked state bypasses commit generation entirely
CREATE TABLE IF NOT EXISTS lix_internal_state_untracked (
    entity_id TEXT NOT NULL,
    schema_key TEXT NOT NULL,
    schema_version TEXT NOT NULL,
    file_id TEXT NOT NULL,
    version_id TEXT NOT NULL,
    plugin_key TEXT NOT NULL,
    snapshot_content TEXT,
    metadata TEXT,
    writer_key TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (entity_id, schema_key, file_id, version_id)
);

-- Derived file caches
CREATE TABLE IF NOT EXISTS lix_internal_file_data_cache (
    file_id TEXT NOT NULL,
    version_id TEXT NOT NULL,
    data BLOB NOT NULL,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (file_id, version_id)
);

CREATE TABLE IF NOT EXISTS lix_internal_file_path_cache (
    file_id TEXT NOT NULL,
    version_id TEXT NOT NULL,
    path TEXT NOT NULL,
    directory_id TEXT,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (file_id, version_id)
);

-- Content-addressed binary store: blob manifests, chunk membership, chunk
-- bytes, and per-(file, version) references
CREATE TABLE IF NOT EXISTS lix_internal_binary_blob_store (
    blob_hash TEXT PRIMARY KEY,
    size_bytes INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS lix_internal_binary_blob_manifest (
    blob_hash TEXT PRIMARY KEY,
    size_bytes INTEGER NOT NULL,
    chunk_count INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS lix_internal_binary_blob_manifest_chunk (
    blob_hash TEXT NOT NULL,
    chunk_index INTEGER NOT NULL,
    chunk_hash TEXT NOT NULL,
    PRIMARY KEY (blob_hash, chunk_index)
);

CREATE INDEX IF NOT EXISTS idx_manifest_chunk_hash
    ON lix_internal_binary_blob_manifest_chunk(chunk_hash);

CREATE TABLE IF NOT EXISTS lix_internal_binary_chunk_store (
    chunk_hash TEXT PRIMARY KEY,
    data BLOB NOT NULL,
    codec TEXT NOT NULL DEFAULT 'raw',
    raw_size INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS lix_internal_binary_file_version_ref (
    file_id TEXT NOT NULL,
    version_id TEXT NOT NULL,
    blob_hash TEXT NOT NULL,
    size_bytes INTEGER NOT NULL,
    PRIMARY KEY (file_id, version_id)
);

CREATE INDEX IF NOT EXISTS idx_file_version_ref_blob
    ON lix_internal_binary_file_version_ref(blob_hash);

-- Transitive closure of the commit DAG - depth 0 is the self entry
CREATE TABLE IF NOT EXISTS lix_internal_commit_ancestry (
    commit_id TEXT NOT NULL,
    ancestor_id TEXT NOT NULL,
    depth INTEGER NOT NULL,
    PRIMARY KEY (commit_id, ancestor_id)
);

CREATE INDEX IF NOT EXISTS idx_commit_ancestry_ancestor
    ON lix_internal_commit_ancestry(ancestor_id);

-- History timeline breakpoints and build watermarks
CREATE TABLE IF NOT EXISTS lix_internal_entity_state_timeline_breakpoint (
    root_commit_id TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    schema_key TEXT NOT NULL,
    file_id TEXT NOT NULL,
    from_depth INTEGER NOT NULL,
    snapshot_id TEXT NOT NULL,
    change_id TEXT NOT NULL,
    plugin_key TEXT NOT NULL,
    schema_version TEXT NOT NULL,
    metadata TEXT,
    PRIMARY KEY (root_commit_id, entity_id, schema_key, file_id, from_depth)
);

CREATE TABLE IF NOT EXISTS lix_internal_timeline_status (
    root_commit_id TEXT PRIMARY KEY,
    built_max_depth INTEGER NOT NULL,
    built_at TEXT NOT NULL
);

-- Stored schema definitions keyed by schema_key
CREATE TABLE IF NOT EXISTS lix_internal_stored_schema (
    schema_key TEXT NOT NULL,
    schema_version TEXT NOT NULL,
    definition TEXT NOT NULL,
    PRIMARY KEY (schema_key, schema_version)
);

-- Engine key/value bookkeeping (active version pointer and friends)
CREATE TABLE IF NOT EXISTS lix_internal_engine_state (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// materializedTableTemplate is the per-schema projection table. One table
// per schema key keeps winner upserts narrow and lets read rewrites scan
// only the schema they target.
const materializedTableTemplate = `
CREATE TABLE IF NOT EXISTS %[1]s (
    entity_id TEXT NOT NULL,
    schema_key TEXT NOT NULL,
    schema_version TEXT NOT NULL,
    file_id TEXT NOT NULL,
    version_id TEXT NOT NULL,
    plugin_key TEXT NOT NULL,
    snapshot_content TEXT,
    change_id TEXT NOT NULL,
    metadata TEXT,
    writer_key TEXT,
    inherited_from_version_id TEXT,
    is_tombstone INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (entity_id, file_id, version_id)
);
CREATE INDEX IF NOT EXISTS idx_%[2]s_version ON %[1]s(version_id);
`

// MaterializedTableName returns the physical projection table for a schema
// key.
func MaterializedTableName(schemaKey string) string {
	return "lix_internal_state_materialized_v1_" + sanitizeIdent(schemaKey)
}

func sanitizeIdent(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Bootstrap creates the reserved physical tables.
func Bootstrap(ctx context.Context, e Executor) error {
	ddl := bootstrapSchema
	if e.Dialect() == DialectPostgres {
		ddl = postgresDDL(ddl)
	}
	for _, stmt := range splitStatements(ddl) {
		if _, err := e.Execute(ctx, stmt, nil); err != nil {
			return types.WrapBackend(fmt.Errorf("bootstrap: %w", err))
		}
	}
	return nil
}

// EnsureMaterializedTable creates the projection table for schemaKey if it
// does not exist yet.
func EnsureMaterializedTable(ctx context.Context, e Executor, schemaKey string) error {
	table := MaterializedTableName(schemaKey)
	ddl := fmt.Sprintf(materializedTableTemplate, table, sanitizeIdent(schemaKey))
	if e.Dialect() == DialectPostgres {
		ddl = postgresDDL(ddl)
	}
	for _, stmt := range splitStatements(ddl) {
		if _, err := e.Execute(ctx, stmt, nil); err != nil {
			return types.WrapBackend(fmt.Errorf("ensure materialized table %s: %w", table, err))
		}
	}
	return nil
}

// postgresDDL adapts the SQLite-flavored DDL to Postgres types.
func postgresDDL(ddl string) string {
	r := strings.NewReplacer(
		" BLOB", " BYTEA",
	)
	return r.Replace(ddl)
}

// splitStatements breaks a DDL script on semicolons at top level. The
// bootstrap script contains no string literals with semicolons, so a plain
// scan is sufficient.
func splitStatements(script string) []string {
	var out []string
	for _, part := range strings.Split(script, ";") {
		stmt := strings.TrimSpace(part)
		if stmt == "" {
			continue
		}
		out = append(out, stmt)
	}
	return out
}
