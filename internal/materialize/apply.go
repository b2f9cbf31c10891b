package materialize

import (
	"context"
	"sort"

	"github.com/untoldecay/lix/internal/backend"
	"github.com/untoldecay/lix/internal/types"
)

// Apply replaces the projection rows of every (schema, version) the plan
// touches. Versions in scope but absent from the plan are cleared too, so
// the projection equals replay of the commit graph.
func Apply(ctx context.Context, e backend.Executor, plan *Plan, targets []string) error {
	bySchema := map[string][]Write{}
	for _, w := range plan.Writes {
		bySchema[w.Row.SchemaKey] = append(bySchema[w.Row.SchemaKey], w)
	}

	schemaKeys := make([]string, 0, len(bySchema))
	for schemaKey := range bySchema {
		schemaKeys = append(schemaKeys, schemaKey)
	}
	sort.Strings(schemaKeys)

	for _, schemaKey := range schemaKeys {
		if err := backend.EnsureMaterializedTable(ctx, e, schemaKey); err != nil {
			return err
		}
		table := backend.MaterializedTableName(schemaKey)

		for _, versionID := range targets {
			if _, err := e.Execute(ctx,
				"DELETE FROM "+table+" WHERE version_id = ?",
				[]types.Value{types.Text(versionID)}); err != nil {
				return err
			}
		}

		for _, w := range bySchema[schemaKey] {
			if err := UpsertRow(ctx, e, table, &w.Row); err != nil {
				return err
			}
		}
	}
	return nil
}

// UpsertRow writes one projection row, keyed on (entity_id, file_id,
// version_id). Tombstones persist with is_tombstone=1 and NULL snapshot.
func UpsertRow(ctx context.Context, e backend.Executor, table string, row *types.MaterializedStateRow) error {
	isTombstone := int64(0)
	if row.IsTombstone() {
		isTombstone = 1
	}
	_, err := e.Execute(ctx, `
		INSERT INTO `+table+` (
			entity_id, schema_key, schema_version, file_id, version_id,
			plugin_key, snapshot_content, change_id, metadata, writer_key,
			inherited_from_version_id, is_tombstone, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_id, file_id, version_id) DO UPDATE SET
			schema_version = excluded.schema_version,
			plugin_key = excluded.plugin_key,
			snapshot_content = excluded.snapshot_content,
			change_id = excluded.change_id,
			metadata = excluded.metadata,
			writer_key = excluded.writer_key,
			inherited_from_version_id = excluded.inherited_from_version_id,
			is_tombstone = excluded.is_tombstone,
			updated_at = excluded.updated_at
	`, []types.Value{
		types.Text(row.EntityID),
		types.Text(row.SchemaKey),
		types.Text(row.SchemaVersion),
		types.Text(row.FileID),
		types.Text(row.VersionID),
		types.Text(row.PluginKey),
		types.TextOrNull(row.SnapshotContent),
		types.Text(row.ID),
		types.TextOrNull(row.Metadata),
		types.TextOrNull(row.WriterKey),
		types.TextOrNull(row.InheritedFrom),
		types.Integer(isTombstone),
		types.Text(row.CreatedAt),
		types.Text(row.UpdatedAt),
	})
	return err
}
