package sqlrewrite

import (
	"strings"

	"github.com/untoldecay/lix/internal/types"
)

// stagedRow is one canonical row bound for the virtual state table.
type stagedRow struct {
	entityID      string
	schemaKey     string
	schemaVersion string
	fileID        string
	versionID     string
	pluginKey     string
	snapshot      *string
	metadata      *string
	writerKey     *string
	untracked     bool
}

// vtableColumns is the canonical staging column order, matched by the
// RETURNING list the post-processor consumes.
var vtableColumns = []string{
	"entity_id", "schema_key", "schema_version", "file_id", "version_id",
	"plugin_key", "snapshot_content", "metadata", "writer_key", "untracked",
	"created_at", "updated_at",
}

// buildVtableInsert emits one multi-row insert for the staged rows.
func buildVtableInsert(rows []stagedRow, timestamp string) PreparedStatement {
	var b strings.Builder
	b.WriteString("INSERT INTO " + vtableName + " (" + strings.Join(vtableColumns, ", ") + ")\nVALUES ")
	params := make([]types.Value, 0, len(rows)*len(vtableColumns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(",\n       ")
		}
		b.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		untracked := int64(0)
		if row.untracked {
			untracked = 1
		}
		params = append(params,
			types.Text(row.entityID),
			types.Text(row.schemaKey),
			types.Text(row.schemaVersion),
			types.Text(row.fileID),
			types.Text(row.versionID),
			types.Text(row.pluginKey),
			types.TextOrNull(row.snapshot),
			types.TextOrNull(row.metadata),
			types.TextOrNull(row.writerKey),
			types.Integer(untracked),
			types.Text(timestamp),
			types.Text(timestamp),
		)
	}
	b.WriteString("\nRETURNING " + strings.Join(vtableColumns, ", "))
	return PreparedStatement{SQL: b.String(), Params: params, Role: RoleVtableWrite}
}

// StagedRowFromResult decodes one RETURNING row of a vtable insert.
func StagedRowFromResult(row []types.Value) types.DomainChangeInput {
	input := types.DomainChangeInput{
		ChangeRow: types.ChangeRow{
			EntityID:        row[0].AsText(),
			SchemaKey:       row[1].AsText(),
			SchemaVersion:   row[2].AsText(),
			FileID:          row[3].AsText(),
			PluginKey:       row[5].AsText(),
			SnapshotContent: row[6].AsTextPtr(),
			Metadata:        row[7].AsTextPtr(),
			CreatedAt:       row[10].AsText(),
		},
		VersionID: row[4].AsText(),
		WriterKey: row[8].AsTextPtr(),
		Untracked: row[9].AsInt() == 1,
	}
	return input
}

func appendSchemaKey(reg *Registrations, schemaKey string) {
	for _, k := range reg.SchemaKeys {
		if k == schemaKey {
			return
		}
	}
	reg.SchemaKeys = append(reg.SchemaKeys, schemaKey)
}
