package sqlrewrite

import (
	"strconv"
	"strings"

	"github.com/untoldecay/lix/internal/backend"
	"github.com/untoldecay/lix/internal/schema"
	"github.com/untoldecay/lix/internal/types"
)

// Logical view names.
const (
	viewState            = "lix_state"
	viewStateByVersion   = "lix_state_by_version"
	viewStateHistory     = "lix_state_history"
	viewFile             = "lix_file"
	viewFileByVersion    = "lix_file_by_version"
	viewDirectory        = "lix_directory"
	viewDirectoryByVer   = "lix_directory_by_version"
	vtableName           = "lix_internal_state_vtable"
	maxInheritDepthSQL   = 64
	maxHistoryDepthSQL   = 512
)

// jsonExtract lowers lix_json_text semantics per dialect.
func jsonExtract(dialect backend.Dialect, col, field string) string {
	if dialect == backend.DialectPostgres {
		return "jsonb_extract_path_text(" + col + "::jsonb, " + quoteString(field) + ")"
	}
	return "json_extract(" + col + ", '$.\"" + strings.ReplaceAll(field, `"`, `\"`) + "\"')"
}

// readFilters carries pushed-down predicates for a view expansion.
type readFilters struct {
	schemaKeys []string // restricts which projection tables are scanned
	conds      []string // rendered predicates over candidate columns
	versionIDs []string // explicit version scope (by_version variants)
	rootCommits []string
}

// versionChainCTE builds the recursive inheritance chain over the
// version-descriptor projection. Roots are either the given version ids or
// every known version.
func versionChainCTE(dialect backend.Dialect, rootVersionIDs []string) string {
	descTable := backend.MaterializedTableName(types.SchemaKeyVersionDescriptor)
	inherits := jsonExtract(dialect, "d.snapshot_content", "inherits_from_version_id")

	seed := "SELECT entity_id AS root_version_id, entity_id AS version_id, 0 AS inherit_depth " +
		"FROM " + descTable + " WHERE is_tombstone = 0"
	if len(rootVersionIDs) > 0 {
		seed += " AND entity_id IN (" + quotedList(rootVersionIDs) + ")"
	}
	// Versions without a descriptor row (bootstrap state) still resolve to
	// themselves.
	if len(rootVersionIDs) > 0 {
		for _, versionID := range rootVersionIDs {
			seed += " UNION SELECT " + quoteString(versionID) + ", " + quoteString(versionID) + ", 0"
		}
	}

	return "lix_version_chain(root_version_id, version_id, inherit_depth) AS (\n" +
		seed + "\n" +
		"UNION ALL\n" +
		"SELECT vc.root_version_id, " + inherits + ", vc.inherit_depth + 1\n" +
		"FROM lix_version_chain vc\n" +
		"JOIN " + descTable + " d ON d.entity_id = vc.version_id AND d.is_tombstone = 0\n" +
		"WHERE vc.inherit_depth < " + strconv.Itoa(maxInheritDepthSQL) + "\n" +
		"  AND " + inherits + " IS NOT NULL\n" +
		")"
}

// stateCandidatesSQL unions the projection tables in scope with the
// untracked overlay, annotated with the inheritance depth.
func stateCandidatesSQL(opt Options, f readFilters) string {
	tables := f.schemaKeys
	if len(tables) == 0 {
		tables = opt.KnownSchemaKeys
	}

	cond := ""
	for _, c := range f.conds {
		cond += " AND " + c
	}

	var parts []string
	// Untracked rows overlay the tracked projection at depth -1 and only
	// apply to the root version itself.
	untrackedCond := cond
	if len(f.schemaKeys) > 0 {
		untrackedCond += " AND u.schema_key IN (" + quotedList(f.schemaKeys) + ")"
	}
	parts = append(parts, `
SELECT vc.root_version_id, u.entity_id, u.schema_key, u.schema_version, u.file_id,
       u.plugin_key, u.snapshot_content, u.metadata, '' AS change_id, u.writer_key,
       u.created_at, u.updated_at, -1 AS inherit_depth, 0 AS is_tombstone,
       u.version_id, 1 AS untracked
FROM lix_version_chain vc
JOIN lix_internal_state_untracked u
  ON u.version_id = vc.root_version_id AND vc.inherit_depth = 0
WHERE 1 = 1`+strings.ReplaceAll(untrackedCond, "cand.", "u."))

	for _, schemaKey := range tables {
		table := backend.MaterializedTableName(schemaKey)
		parts = append(parts, `
SELECT vc.root_version_id, m.entity_id, m.schema_key, m.schema_version, m.file_id,
       m.plugin_key, m.snapshot_content, m.metadata, m.change_id, m.writer_key,
       m.created_at, m.updated_at, vc.inherit_depth, m.is_tombstone,
       m.version_id, 0 AS untracked
FROM lix_version_chain vc
JOIN `+table+` m ON m.version_id = vc.version_id
WHERE m.inherited_from_version_id IS NULL`+strings.ReplaceAll(cond, "cand.", "m."))
	}
	return strings.Join(parts, "\nUNION ALL\n")
}

// stateReadSQL is the full derived query for lix_state /
// lix_state_by_version: candidates ranked per (root version, entity,
// file), nearest chain entry winning, tombstones dropped after ranking.
func stateReadSQL(opt Options, byVersion bool, f readFilters) string {
	roots := f.versionIDs
	if !byVersion {
		roots = []string{opt.ActiveVersionID}
	}
	pointerTable := backend.MaterializedTableName(types.SchemaKeyVersionPointer)
	commitExpr := "(SELECT " + jsonExtract(opt.Dialect, "vp.snapshot_content", "commit_id") +
		" FROM " + pointerTable + " vp WHERE vp.entity_id = ranked.root_version_id AND vp.is_tombstone = 0 LIMIT 1)"

	return `WITH RECURSIVE ` + versionChainCTE(opt.Dialect, roots) + `,
lix_state_candidates AS (` + stateCandidatesSQL(opt, f) + `),
ranked AS (
	SELECT c.*, ROW_NUMBER() OVER (
		PARTITION BY c.root_version_id, c.schema_key, c.entity_id, c.file_id
		ORDER BY c.inherit_depth
	) AS lix_rn
	FROM lix_state_candidates c
)
SELECT ranked.entity_id, ranked.schema_key, ranked.file_id, ranked.plugin_key,
       ranked.snapshot_content, ranked.schema_version, ranked.root_version_id AS version_id,
       ranked.created_at, ranked.updated_at,
       CASE WHEN ranked.inherit_depth > 0 THEN ranked.version_id ELSE NULL END AS inherited_from_version_id,
       ranked.change_id, ` + commitExpr + ` AS commit_id,
       ranked.writer_key, ranked.metadata, ranked.untracked
FROM ranked
WHERE ranked.lix_rn = 1 AND ranked.is_tombstone = 0 AND ranked.snapshot_content IS NOT NULL`
}

// entityViewReadSQL lifts a schema's properties out of snapshot_content as
// view columns over the state read.
func entityViewReadSQL(opt Options, def *schema.Definition, byVersion bool, f readFilters) string {
	f.schemaKeys = []string{def.Key}
	inner := stateReadSQL(opt, byVersion, f)

	var cols []string
	for _, prop := range def.Properties {
		cols = append(cols, jsonExtract(opt.Dialect, "s.snapshot_content", prop.Name)+" AS "+quoteIdent(prop.Name))
	}
	cols = append(cols,
		"s.entity_id AS lixcol_entity_id",
		"s.schema_key AS lixcol_schema_key",
		"s.schema_version AS lixcol_schema_version",
		"s.file_id AS lixcol_file_id",
		"s.version_id AS lixcol_version_id",
		"s.plugin_key AS lixcol_plugin_key",
		"s.snapshot_content AS lixcol_snapshot_content",
		"s.metadata AS lixcol_metadata",
		"s.inherited_from_version_id AS lixcol_inherited_from_version_id",
		"s.change_id AS lixcol_change_id",
		"s.commit_id AS lixcol_commit_id",
		"s.writer_key AS lixcol_writer_key",
		"s.untracked AS lixcol_untracked",
		"s.created_at AS lixcol_created_at",
		"s.updated_at AS lixcol_updated_at",
	)
	return "SELECT " + strings.Join(cols, ", ") + " FROM (" + inner + ") s"
}

// historyReadSQL reads the timeline breakpoints; the engine builds any
// missing timeline roots before execution (see Registrations).
func historyReadSQL(opt Options, f readFilters) string {
	cond := ""
	if len(f.rootCommits) > 0 {
		cond += " AND b.root_commit_id IN (" + quotedList(f.rootCommits) + ")"
	}
	if len(f.schemaKeys) > 0 {
		cond += " AND b.schema_key IN (" + quotedList(f.schemaKeys) + ")"
	}
	for _, c := range f.conds {
		cond += " AND " + strings.ReplaceAll(c, "cand.", "b.")
	}
	return `SELECT b.entity_id, b.schema_key, b.file_id, b.plugin_key, b.schema_version,
       s.content AS snapshot_content, b.metadata, b.change_id,
       b.root_commit_id, b.from_depth AS depth,
       (SELECT MIN(a.ancestor_id) FROM lix_internal_commit_ancestry a
        WHERE a.commit_id = b.root_commit_id AND a.depth = b.from_depth) AS commit_id
FROM lix_internal_entity_state_timeline_breakpoint b
LEFT JOIN lix_internal_snapshot s ON s.id = b.snapshot_id
WHERE b.from_depth <= ` + strconv.Itoa(maxHistoryDepthSQL) + cond
}

// directoryReadSQL composes directory paths recursively from directory
// descriptor state.
func directoryReadSQL(opt Options, byVersion bool, f readFilters) string {
	f.schemaKeys = []string{types.SchemaKeyDirDescriptor}
	inner := stateReadSQL(opt, byVersion, readFilters{
		schemaKeys: f.schemaKeys,
		versionIDs: f.versionIDs,
	})
	nameExpr := func(alias string) string { return jsonExtract(opt.Dialect, alias+".snapshot_content", "name") }
	parentExpr := func(alias string) string { return jsonExtract(opt.Dialect, alias+".snapshot_content", "parent_id") }
	hiddenExpr := func(alias string) string { return jsonExtract(opt.Dialect, alias+".snapshot_content", "hidden") }

	sql := `WITH RECURSIVE lix_dir_state AS (SELECT * FROM (` + inner + `)),
lix_dir_path(id, version_id, parent_id, name, path, hidden) AS (
	SELECT d.entity_id, d.version_id, ` + parentExpr("d") + `, ` + nameExpr("d") + `,
	       '/' || ` + nameExpr("d") + `, COALESCE(` + hiddenExpr("d") + `, 0)
	FROM lix_dir_state d
	WHERE ` + parentExpr("d") + ` IS NULL
	UNION ALL
	SELECT d.entity_id, d.version_id, ` + parentExpr("d") + `, ` + nameExpr("d") + `,
	       p.path || '/' || ` + nameExpr("d") + `, COALESCE(` + hiddenExpr("d") + `, 0)
	FROM lix_dir_state d
	JOIN lix_dir_path p ON p.id = ` + parentExpr("d") + ` AND p.version_id = d.version_id
)
SELECT id, path, parent_id, name, hidden, version_id FROM lix_dir_path WHERE 1 = 1`
	for _, c := range f.conds {
		sql += " AND " + strings.ReplaceAll(c, "cand.", "")
	}
	return sql
}

// fileReadSQL joins file descriptor state with composed directory paths
// and the file data cache.
func fileReadSQL(opt Options, byVersion bool, f readFilters) string {
	inner := stateReadSQL(opt, byVersion, readFilters{
		schemaKeys: []string{types.SchemaKeyFileDescriptor},
		versionIDs: f.versionIDs,
	})
	dirSQL := directoryReadSQL(opt, byVersion, readFilters{versionIDs: f.versionIDs})
	je := func(field string) string { return jsonExtract(opt.Dialect, "fs.snapshot_content", field) }

	nameWithExt := "CASE WHEN " + je("extension") + " IS NULL THEN " + je("name") +
		" ELSE " + je("name") + " || '.' || " + je("extension") + " END"

	sql := `SELECT fs.entity_id AS id,
       CASE WHEN ` + je("directory_id") + ` IS NULL THEN '/' || ` + nameWithExt + `
            ELSE dp.path || '/' || ` + nameWithExt + ` END AS path,
       ` + je("directory_id") + ` AS directory_id,
       ` + je("name") + ` AS name,
       ` + je("extension") + ` AS extension,
       COALESCE(` + je("hidden") + `, 0) AS hidden,
       c.data AS data,
       fs.version_id AS version_id,
       fs.metadata AS lixcol_metadata,
       fs.change_id AS lixcol_change_id,
       fs.commit_id AS lixcol_commit_id,
       fs.inherited_from_version_id AS lixcol_inherited_from_version_id,
       fs.created_at AS lixcol_created_at,
       fs.updated_at AS lixcol_updated_at
FROM (` + inner + `) fs
LEFT JOIN (` + dirSQL + `) dp
  ON dp.id = ` + je("directory_id") + ` AND dp.version_id = fs.version_id
LEFT JOIN lix_internal_file_data_cache c
  ON c.file_id = fs.entity_id AND c.version_id = fs.version_id
WHERE 1 = 1`
	for _, c := range f.conds {
		sql += " AND " + strings.ReplaceAll(c, "cand.", "")
	}
	return sql
}

func quotedList(items []string) string {
	parts := make([]string, len(items))
	for i, s := range items {
		parts[i] = quoteString(s)
	}
	return strings.Join(parts, ", ")
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

