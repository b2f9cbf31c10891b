package sqlrewrite

import (
	"context"
	"path"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/untoldecay/lix/internal/schema"
	"github.com/untoldecay/lix/internal/types"
)

// handleInsert rewrites one INSERT statement against a lix surface into
// staged vtable rows plus side-effect records.
func handleInsert(ctx context.Context, stmt string, tokens []token, ps *paramState, opt Options, out *Output) ([]stagedRow, error) {
	table := targetTable(tokens, stmtInsert)
	switch table {
	case vtableName, viewState, viewStateByVersion,
		viewFile, viewFileByVersion, viewDirectory, viewDirectoryByVer:
	default:
		if entityViewSchema(ctx, table, opt) == nil {
			return nil, nil // not a lix surface; passes through untouched
		}
	}

	shape, err := parseInsert(stmt, tokens, ps)
	if err != nil {
		return nil, err
	}

	if strings.Contains(strings.ToUpper(shape.onConflict), "DO NOTHING") &&
		isStateSurface(shape.table) {
		return nil, types.Errorf(
			"ON CONFLICT DO NOTHING is not supported on %s; use DO UPDATE", shape.table)
	}

	// VALUES materialization: run INSERT ... SELECT sources up front so the
	// rest of the pipeline sees concrete rows.
	if shape.selectSQL != "" {
		if opt.Exec == nil {
			return nil, &types.LixError{Message: "sql parse error: INSERT ... SELECT requires an executor"}
		}
		rewritten, _, err := rewriteReadStatement(ctx, shape.selectSQL, ps.params, ps.cursor, opt, out)
		if err != nil {
			return nil, err
		}
		res, err := opt.Exec(ctx, rewritten, nil)
		if err != nil {
			return nil, err
		}
		for _, row := range res.Rows {
			if len(row) != len(shape.columns) {
				return nil, types.Errorf(
					"INSERT INTO %s SELECT yields %d columns for %d targets",
					shape.table, len(row), len(shape.columns))
			}
			shape.rows = append(shape.rows, row)
		}
	}

	switch shape.table {
	case vtableName:
		return stageVtableRows(ctx, shape, opt, out)
	case viewState, viewStateByVersion:
		return stageStateViewRows(ctx, shape, opt, out)
	case viewFile, viewFileByVersion:
		return stageFileInsert(ctx, shape, opt, out)
	case viewDirectory, viewDirectoryByVer:
		return stageDirectoryInsert(ctx, shape, opt, out)
	default:
		if def := entityViewSchema(ctx, shape.table, opt); def != nil {
			return stageEntityViewRows(ctx, shape, def, opt, out)
		}
		return nil, nil // not a lix surface; passes through untouched
	}
}

func isStateSurface(table string) bool {
	switch table {
	case vtableName, viewState, viewStateByVersion:
		return true
	}
	return strings.HasPrefix(table, "lix_") &&
		table != viewFile && table != viewFileByVersion &&
		table != viewDirectory && table != viewDirectoryByVer
}

// entityViewSchema resolves a view name like lix_key_value or
// my_schema_by_version to its schema definition, or nil when the name is
// no known entity view.
func entityViewSchema(ctx context.Context, table string, opt Options) *schema.Definition {
	if opt.Lookup == nil {
		return nil
	}
	key := strings.TrimSuffix(table, "_by_version")
	def, err := opt.Lookup(ctx, key)
	if err != nil {
		return nil
	}
	return def
}

// stageVtableRows validates direct virtual-table inserts.
func stageVtableRows(ctx context.Context, shape *insertShape, opt Options, out *Output) ([]stagedRow, error) {
	var rows []stagedRow
	for _, row := range shape.rows {
		staged := stagedRow{
			entityID:      rowValue(shape.columns, row, "entity_id").AsText(),
			schemaKey:     rowValue(shape.columns, row, "schema_key").AsText(),
			schemaVersion: rowValue(shape.columns, row, "schema_version").AsText(),
			fileID:        rowValue(shape.columns, row, "file_id").AsText(),
			versionID:     rowValue(shape.columns, row, "version_id").AsText(),
			pluginKey:     rowValue(shape.columns, row, "plugin_key").AsText(),
			snapshot:      rowValue(shape.columns, row, "snapshot_content").AsTextPtr(),
			metadata:      rowValue(shape.columns, row, "metadata").AsTextPtr(),
			writerKey:     rowValue(shape.columns, row, "writer_key").AsTextPtr(),
			untracked:     rowValue(shape.columns, row, "untracked").AsInt() == 1,
		}
		if staged.versionID == "" {
			staged.versionID = opt.ActiveVersionID
		}
		prepared, err := finishStagedRow(ctx, staged, opt, out)
		if err != nil {
			return nil, err
		}
		rows = append(rows, prepared)
	}
	return rows, nil
}

// stageStateViewRows routes lix_state / lix_state_by_version inserts.
func stageStateViewRows(ctx context.Context, shape *insertShape, opt Options, out *Output) ([]stagedRow, error) {
	byVersion := shape.table == viewStateByVersion
	if !byVersion && (hasColumn(shape.columns, "version_id") || hasColumn(shape.columns, "lixcol_version_id")) {
		return nil, &types.LixError{
			Message: "lix_state resolves the version implicitly; version_id cannot be assigned (use lix_state_by_version)"}
	}

	var rows []stagedRow
	for _, row := range shape.rows {
		staged := stagedRow{
			entityID:      rowValue(shape.columns, row, "entity_id").AsText(),
			schemaKey:     rowValue(shape.columns, row, "schema_key").AsText(),
			schemaVersion: rowValue(shape.columns, row, "schema_version").AsText(),
			fileID:        rowValue(shape.columns, row, "file_id").AsText(),
			versionID:     opt.ActiveVersionID,
			pluginKey:     rowValue(shape.columns, row, "plugin_key").AsText(),
			snapshot:      rowValue(shape.columns, row, "snapshot_content").AsTextPtr(),
			metadata:      rowValue(shape.columns, row, "metadata").AsTextPtr(),
			writerKey:     rowValue(shape.columns, row, "writer_key").AsTextPtr(),
			untracked:     rowValue(shape.columns, row, "untracked").AsInt() == 1,
		}
		if byVersion {
			staged.versionID = firstNonEmpty(
				rowValue(shape.columns, row, "version_id").AsText(),
				rowValue(shape.columns, row, "lixcol_version_id").AsText())
			if staged.versionID == "" {
				return nil, &types.LixError{Message: "lix_state_by_version insert requires version_id"}
			}
		}
		prepared, err := finishStagedRow(ctx, staged, opt, out)
		if err != nil {
			return nil, err
		}
		rows = append(rows, prepared)
	}
	return rows, nil
}

// stageEntityViewRows lifts property columns into snapshot_content.
func stageEntityViewRows(ctx context.Context, shape *insertShape, def *schema.Definition, opt Options, out *Output) ([]stagedRow, error) {
	byVersion := strings.HasSuffix(shape.table, "_by_version")

	for _, col := range shape.columns {
		switch col {
		case "schema_key", "lixcol_schema_key":
			return nil, types.Errorf("%s manages schema_key; it cannot be assigned", shape.table)
		case "snapshot_content", "lixcol_snapshot_content":
			return nil, types.Errorf(
				"%s manages snapshot_content through its property columns; it cannot be assigned", shape.table)
		case "version_id", "lixcol_version_id":
			if !byVersion {
				return nil, types.Errorf(
					"%s resolves the version implicitly; version_id cannot be assigned (use %s_by_version)",
					shape.table, shape.table)
			}
		}
	}

	var rows []stagedRow
	for _, row := range shape.rows {
		snapshot := "{}"
		for i, col := range shape.columns {
			if strings.HasPrefix(col, "lixcol_") || !def.HasProperty(col) {
				continue
			}
			var err error
			snapshot, err = sjson.Set(snapshot, escapeSJSONPath(col), row[i].ToDriver())
			if err != nil {
				return nil, types.Errorf("failed to assemble snapshot for %s: %v", shape.table, err)
			}
		}

		staged := stagedRow{
			schemaKey:     def.Key,
			schemaVersion: firstNonEmpty(rowValue(shape.columns, row, "lixcol_schema_version").AsText(), def.Version),
			fileID:        firstNonEmpty(rowValue(shape.columns, row, "lixcol_file_id").AsText(), def.FileID, schema.MetaFileID),
			pluginKey:     firstNonEmpty(rowValue(shape.columns, row, "lixcol_plugin_key").AsText(), def.PluginKey, schema.OwnChangeControlPlugin),
			versionID:     opt.ActiveVersionID,
			snapshot:      &snapshot,
			metadata:      rowValue(shape.columns, row, "lixcol_metadata").AsTextPtr(),
			writerKey:     rowValue(shape.columns, row, "lixcol_writer_key").AsTextPtr(),
			untracked:     rowValue(shape.columns, row, "lixcol_untracked").AsInt() == 1,
			entityID:      rowValue(shape.columns, row, "lixcol_entity_id").AsText(),
		}
		if byVersion {
			staged.versionID = rowValue(shape.columns, row, "lixcol_version_id").AsText()
			if staged.versionID == "" {
				return nil, types.Errorf("%s insert requires lixcol_version_id", shape.table)
			}
		}

		prepared, err := finishStagedRow(ctx, staged, opt, out)
		if err != nil {
			return nil, err
		}

		// lix_stored_schema inserts register the definition so later
		// statements of the same script can address the new entity views.
		if def.Key == types.SchemaKeyStoredSchema && prepared.snapshot != nil {
			if raw := storedSchemaDefinition(*prepared.snapshot); raw != "" {
				out.Registrations.StoredSchemas = append(out.Registrations.StoredSchemas, raw)
			}
		}
		rows = append(rows, prepared)
	}
	return rows, nil
}

// finishStagedRow applies schema defaults, derives the entity id from the
// primary key, and validates the snapshot object.
func finishStagedRow(ctx context.Context, staged stagedRow, opt Options, out *Output) (stagedRow, error) {
	if staged.schemaKey == "" {
		return staged, &types.LixError{Message: "state write is missing schema_key"}
	}
	var def *schema.Definition
	if opt.Lookup != nil {
		var err error
		def, err = opt.Lookup(ctx, staged.schemaKey)
		if err != nil {
			return staged, err
		}
	}

	if staged.snapshot != nil {
		if err := schema.ValidateSnapshotObject(staged.schemaKey, *staged.snapshot); err != nil {
			return staged, err
		}
		if def != nil && opt.Provider != nil {
			applied, err := schema.ApplyDefaults(def, *staged.snapshot, opt.Provider)
			if err != nil {
				return staged, err
			}
			staged.snapshot = &applied
		}
	}

	if def != nil {
		if staged.schemaVersion == "" {
			staged.schemaVersion = def.Version
		}
		if staged.entityID == "" && staged.snapshot != nil && len(def.PrimaryKey) > 0 {
			staged.entityID = entityIDFromPrimaryKey(def, *staged.snapshot)
		}
	}
	if staged.fileID == "" {
		staged.fileID = schema.MetaFileID
	}
	if staged.pluginKey == "" {
		staged.pluginKey = schema.OwnChangeControlPlugin
	}
	if staged.entityID == "" {
		return staged, types.Errorf("state write for schema '%s' is missing entity_id", staged.schemaKey)
	}
	if staged.versionID == "" {
		return staged, &types.LixError{Message: "state write is missing version context"}
	}
	if staged.writerKey == nil {
		staged.writerKey = opt.WriterKey
	}

	appendSchemaKey(&out.Registrations, staged.schemaKey)
	out.Mutations = append(out.Mutations, MutationDescriptor{
		Kind: "insert", Table: vtableName,
		SchemaKey: staged.schemaKey, VersionID: staged.versionID,
	})
	return staged, nil
}

// storedSchemaDefinition pulls the schema document out of a
// lix_stored_schema row's value property, whether stored as an object or
// as encoded JSON text.
func storedSchemaDefinition(snapshot string) string {
	value := gjson.Get(snapshot, "value")
	if value.IsObject() {
		return value.Raw
	}
	if value.Type == gjson.String {
		return value.String()
	}
	return ""
}

func entityIDFromPrimaryKey(def *schema.Definition, snapshot string) string {
	parts := make([]string, 0, len(def.PrimaryKey))
	for _, key := range def.PrimaryKey {
		parts = append(parts, gjsonGet(snapshot, key))
	}
	return strings.Join(parts, "~")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// --- filesystem inserts ---

// dirEntry is one known directory (existing or staged) for ancestor
// resolution.
type dirEntry struct {
	id   string
	path string
}

// stageFileInsert strips the data column, ensures ancestor directories,
// and retargets the write at lix_file_descriptor. Bytes flow through the
// side-effect engine via a pending write.
func stageFileInsert(ctx context.Context, shape *insertShape, opt Options, out *Output) ([]stagedRow, error) {
	byVersion := shape.table == viewFileByVersion
	var rows []stagedRow
	for _, row := range shape.rows {
		versionID := opt.ActiveVersionID
		if byVersion {
			versionID = firstNonEmpty(
				rowValue(shape.columns, row, "version_id").AsText(),
				rowValue(shape.columns, row, "lixcol_version_id").AsText())
			if versionID == "" {
				return nil, &types.LixError{Message: "lix_file_by_version insert requires lixcol_version_id"}
			}
		}

		filePath := rowValue(shape.columns, row, "path").AsText()
		if !strings.HasPrefix(filePath, "/") || strings.HasSuffix(filePath, "/") {
			return nil, types.Errorf("file path '%s' must be absolute and must not end with '/'", filePath)
		}

		fileID := rowValue(shape.columns, row, "id").AsText()
		if fileID == "" {
			fileID = opt.Provider.UUID()
		}

		dirID, dirRows, err := ensureAncestorDirectories(ctx, path.Dir(filePath), versionID, opt, out)
		if err != nil {
			return nil, err
		}
		rows = append(rows, dirRows...)

		name, extension := splitFileName(path.Base(filePath))
		descriptor := mustSJSON("{}", map[string]any{
			"id":           fileID,
			"directory_id": nullableString(dirID),
			"name":         name,
			"extension":    nullableString(extension),
			"hidden":       rowValue(shape.columns, row, "hidden").AsInt() == 1,
		})

		staged := stagedRow{
			entityID:      fileID,
			schemaKey:     types.SchemaKeyFileDescriptor,
			versionID:     versionID,
			snapshot:      &descriptor,
			metadata:      rowValue(shape.columns, row, "metadata").AsTextPtr(),
			writerKey:     opt.WriterKey,
		}
		prepared, err := finishStagedRow(ctx, staged, opt, out)
		if err != nil {
			return nil, err
		}
		rows = append(rows, prepared)

		// The data column never reaches the descriptor write.
		data := rowValue(shape.columns, row, "data")
		var payload []byte
		if data.Kind == types.KindBlob {
			payload = data.Blob
		} else if !data.IsNull() {
			payload = []byte(data.AsText())
		}
		afterPath := filePath
		out.PendingFileWrites = append(out.PendingFileWrites, PendingFileWrite{
			FileID:              fileID,
			VersionID:           versionID,
			AfterPath:           &afterPath,
			AfterData:           payload,
			DataIsAuthoritative: true,
			WriterKey:           opt.WriterKey,
		})
	}
	return rows, nil
}

// stageDirectoryInsert creates directory descriptor rows, accepting either
// a path column or explicit parent_id + name.
func stageDirectoryInsert(ctx context.Context, shape *insertShape, opt Options, out *Output) ([]stagedRow, error) {
	byVersion := shape.table == viewDirectoryByVer
	var rows []stagedRow
	for _, row := range shape.rows {
		versionID := opt.ActiveVersionID
		if byVersion {
			versionID = firstNonEmpty(
				rowValue(shape.columns, row, "version_id").AsText(),
				rowValue(shape.columns, row, "lixcol_version_id").AsText())
			if versionID == "" {
				return nil, &types.LixError{Message: "lix_directory_by_version insert requires lixcol_version_id"}
			}
		}

		if dirPath := rowValue(shape.columns, row, "path").AsText(); dirPath != "" {
			if !strings.HasPrefix(dirPath, "/") {
				return nil, types.Errorf("directory path '%s' must be absolute", dirPath)
			}
			_, dirRows, err := ensureAncestorDirectories(ctx, strings.TrimSuffix(dirPath, "/"), versionID, opt, out)
			if err != nil {
				return nil, err
			}
			rows = append(rows, dirRows...)
			continue
		}

		name := rowValue(shape.columns, row, "name").AsText()
		if name == "" {
			return nil, &types.LixError{Message: "lix_directory insert requires a path or a name"}
		}
		dirID := rowValue(shape.columns, row, "id").AsText()
		if dirID == "" {
			dirID = opt.Provider.UUID()
		}
		descriptor := mustSJSON("{}", map[string]any{
			"id":        dirID,
			"parent_id": nullableString(rowValue(shape.columns, row, "parent_id").AsText()),
			"name":      name,
			"hidden":    rowValue(shape.columns, row, "hidden").AsInt() == 1,
		})
		staged := stagedRow{
			entityID:  dirID,
			schemaKey: types.SchemaKeyDirDescriptor,
			versionID: versionID,
			snapshot:  &descriptor,
			writerKey: opt.WriterKey,
		}
		prepared, err := finishStagedRow(ctx, staged, opt, out)
		if err != nil {
			return nil, err
		}
		rows = append(rows, prepared)
	}
	return rows, nil
}

// ensureAncestorDirectories synthesizes descriptor rows for every missing
// ancestor of dirPath and returns the deepest directory's id. Synthesized
// ids are deterministic: lix-auto-dir:{version}:{path}.
func ensureAncestorDirectories(ctx context.Context, dirPath, versionID string, opt Options, out *Output) (string, []stagedRow, error) {
	if dirPath == "/" || dirPath == "." || dirPath == "" {
		return "", nil, nil
	}

	existing, err := loadDirectories(ctx, versionID, opt)
	if err != nil {
		return "", nil, err
	}

	var rows []stagedRow
	segments := strings.Split(strings.Trim(dirPath, "/"), "/")
	parentID := ""
	current := ""
	for _, segment := range segments {
		current += "/" + segment
		if id, ok := existing[current]; ok {
			parentID = id
			continue
		}
		autoID := "lix-auto-dir:" + versionID + ":" + current
		descriptor := mustSJSON("{}", map[string]any{
			"id":        autoID,
			"parent_id": nullableString(parentID),
			"name":      segment,
			"hidden":    false,
		})
		staged := stagedRow{
			entityID:  autoID,
			schemaKey: types.SchemaKeyDirDescriptor,
			versionID: versionID,
			snapshot:  &descriptor,
			writerKey: opt.WriterKey,
		}
		prepared, err := finishStagedRow(ctx, staged, opt, out)
		if err != nil {
			return "", nil, err
		}
		rows = append(rows, prepared)
		existing[current] = autoID
		parentID = autoID
	}
	return parentID, rows, nil
}

// loadDirectories maps composed directory paths to ids for one version,
// covering both committed state and rows staged earlier in this script.
func loadDirectories(ctx context.Context, versionID string, opt Options) (map[string]string, error) {
	out := map[string]string{}
	if opt.Exec == nil {
		return out, nil
	}
	sql := directoryReadSQL(opt, true, readFilters{versionIDs: []string{versionID}})
	res, err := opt.Exec(ctx, sql, nil)
	if err != nil {
		return nil, err
	}
	for _, row := range res.Rows {
		out[row[1].AsText()] = row[0].AsText()
	}
	return out, nil
}

func splitFileName(base string) (name, extension string) {
	if dot := strings.LastIndexByte(base, '.'); dot > 0 {
		return base[:dot], base[dot+1:]
	}
	return base, ""
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func mustSJSON(base string, fields map[string]any) string {
	out := base
	// Stable field order keeps generated snapshots deterministic.
	for _, key := range sortedFieldKeys(fields) {
		var err error
		out, err = sjson.Set(out, escapeSJSONPath(key), fields[key])
		if err != nil {
			panic(err)
		}
	}
	return out
}

func sortedFieldKeys(fields map[string]any) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

func escapeSJSONPath(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		switch name[i] {
		case '.', '*', '?', '\\', '|', '#', '@':
			out = append(out, '\\')
		}
		out = append(out, name[i])
	}
	return string(out)
}
