package engine

import (
	"context"
	"encoding/hex"
	"encoding/json"

	"lukechampine.com/blake3"

	"github.com/untoldecay/lix/internal/backend"
	"github.com/untoldecay/lix/internal/commitgen"
	"github.com/untoldecay/lix/internal/materialize"
	"github.com/untoldecay/lix/internal/timeline"
	"github.com/untoldecay/lix/internal/types"
)

// commitDomainChanges runs the commit generator over the given domain
// changes and persists every resulting row: snapshots, change rows,
// projection upserts, and the ancestry closure. Returns the new commit
// ids per version.
func (e *Engine) commitDomainChanges(ctx context.Context, tx backend.Executor, timestamp string, accounts []string, changes []types.DomainChangeInput) (map[string]string, error) {
	if len(changes) == 0 {
		return nil, nil
	}
	if len(accounts) == 0 {
		accounts = []string{"anonymous"}
	}

	versions := map[string]types.VersionInfo{}
	affected := map[string]bool{}
	for _, change := range changes {
		affected[change.VersionID] = true
	}
	for versionID := range affected {
		info, err := e.versionInfo(ctx, tx, versionID)
		if err != nil {
			return nil, err
		}
		versions[versionID] = info
	}

	result, err := commitgen.Generate(commitgen.GenerateArgs{
		Timestamp:      timestamp,
		ActiveAccounts: accounts,
		Changes:        changes,
		Versions:       versions,
	}, e.provider.UUID)
	if err != nil {
		return nil, err
	}

	for _, change := range result.Changes {
		if err := e.persistChange(ctx, tx, &change); err != nil {
			return nil, err
		}
	}
	for _, row := range result.MaterializedState {
		if err := e.ensureSchemaTable(ctx, tx, row.SchemaKey); err != nil {
			return nil, err
		}
		table := backend.MaterializedTableName(row.SchemaKey)
		if err := materialize.UpsertRow(ctx, tx, table, &row); err != nil {
			return nil, err
		}
	}

	// Tip advancement + ancestry for each new commit.
	commitIDs := map[string]string{}
	for _, change := range result.Changes {
		if change.SchemaKey != types.SchemaKeyVersionTip || change.SnapshotContent == nil {
			continue
		}
		var snap types.VersionSnapshot
		if err := json.Unmarshal([]byte(*change.SnapshotContent), &snap); err != nil {
			continue
		}
		commitIDs[snap.ID] = snap.CommitID
		parents := versions[snap.ID].ParentCommitIDs
		if err := e.updateAncestry(ctx, tx, snap.CommitID, parents); err != nil {
			return nil, err
		}
	}
	return commitIDs, nil
}

// versionInfo resolves a version's current tip for commit generation. A
// version with no tip yet commits with no parents.
func (e *Engine) versionInfo(ctx context.Context, tx backend.Executor, versionID string) (types.VersionInfo, error) {
	if versionID == "" {
		return types.VersionInfo{}, &types.LixError{Message: "missing version context: version id is empty"}
	}
	info := types.VersionInfo{
		Snapshot: types.VersionSnapshot{ID: versionID},
	}
	table := backend.MaterializedTableName(types.SchemaKeyVersionTip)
	res, err := tx.Execute(ctx, `
		SELECT snapshot_content FROM `+table+`
		WHERE entity_id = ? AND version_id = ? AND is_tombstone = 0
	`, []types.Value{types.Text(versionID), types.Text(types.GlobalVersion)})
	if err != nil {
		return info, err
	}
	if len(res.Rows) > 0 && !res.Rows[0][0].IsNull() {
		var snap types.VersionSnapshot
		if err := json.Unmarshal([]byte(res.Rows[0][0].AsText()), &snap); err == nil {
			info.Snapshot.WorkingCommitID = snap.WorkingCommitID
			if snap.CommitID != "" {
				info.ParentCommitIDs = []string{snap.CommitID}
			}
		}
	}
	return info, nil
}

// persistChange writes the snapshot (content-addressed) and the change
// row. Change rows are append-only; replays of the same id are ignored.
func (e *Engine) persistChange(ctx context.Context, tx backend.Executor, change *types.ChangeRow) error {
	snapshotID := types.NoContentSnapshotID
	if change.SnapshotContent != nil {
		sum := blake3.Sum256([]byte(*change.SnapshotContent))
		snapshotID = hex.EncodeToString(sum[:])
		if _, err := tx.Execute(ctx, `
			INSERT INTO lix_internal_snapshot (id, content) VALUES (?, ?)
			ON CONFLICT (id) DO NOTHING
		`, []types.Value{types.Text(snapshotID), types.Text(*change.SnapshotContent)}); err != nil {
			return err
		}
	}
	_, err := tx.Execute(ctx, `
		INSERT INTO lix_internal_change (
			id, entity_id, schema_key, schema_version, file_id,
			plugin_key, snapshot_id, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`, []types.Value{
		types.Text(change.ID), types.Text(change.EntityID), types.Text(change.SchemaKey),
		types.Text(change.SchemaVersion), types.Text(change.FileID), types.Text(change.PluginKey),
		types.Text(snapshotID), types.TextOrNull(change.Metadata), types.Text(change.CreatedAt),
	})
	return err
}

// updateAncestry maintains the transitive closure for a new commit:
// (c, c, 0), (c, p, 1), and (c, a, d+1) for every ancestor of each
// parent, keeping the minimum depth per pair.
func (e *Engine) updateAncestry(ctx context.Context, tx backend.Executor, commitID string, parents []string) error {
	least := "MIN"
	if tx.Dialect() == backend.DialectPostgres {
		least = "LEAST"
	}
	if _, err := tx.Execute(ctx, `
		INSERT INTO lix_internal_commit_ancestry (commit_id, ancestor_id, depth)
		VALUES (?, ?, 0)
		ON CONFLICT (commit_id, ancestor_id) DO NOTHING
	`, []types.Value{types.Text(commitID), types.Text(commitID)}); err != nil {
		return err
	}
	for _, parent := range parents {
		if parent == "" {
			continue
		}
		if _, err := tx.Execute(ctx, `
			INSERT INTO lix_internal_commit_ancestry (commit_id, ancestor_id, depth)
			VALUES (?, ?, 1)
			ON CONFLICT (commit_id, ancestor_id) DO UPDATE SET
				depth = `+least+`(excluded.depth, lix_internal_commit_ancestry.depth)
		`, []types.Value{types.Text(commitID), types.Text(parent)}); err != nil {
			return err
		}
		if _, err := tx.Execute(ctx, `
			INSERT INTO lix_internal_commit_ancestry (commit_id, ancestor_id, depth)
			SELECT ?, ancestor_id, depth + 1
			FROM lix_internal_commit_ancestry
			WHERE commit_id = ?
			ON CONFLICT (commit_id, ancestor_id) DO UPDATE SET
				depth = `+least+`(excluded.depth, lix_internal_commit_ancestry.depth)
		`, []types.Value{types.Text(commitID), types.Text(parent)}); err != nil {
			return err
		}
	}
	return nil
}

// buildTimelines builds breakpoint rows for the requested roots, or for
// every version tip when the read had no extractable root filter.
func (e *Engine) buildTimelines(ctx context.Context, tx backend.Executor, roots []string, allTips bool) error {
	targets := append([]string{}, roots...)
	if allTips {
		table := backend.MaterializedTableName(types.SchemaKeyVersionTip)
		res, err := tx.Execute(ctx, `
			SELECT DISTINCT snapshot_content FROM `+table+` WHERE is_tombstone = 0
		`, nil)
		if err != nil {
			return err
		}
		for _, row := range res.Rows {
			var snap types.VersionSnapshot
			if err := json.Unmarshal([]byte(row[0].AsText()), &snap); err == nil && snap.CommitID != "" {
				targets = append(targets, snap.CommitID)
			}
		}
	}
	seen := map[string]bool{}
	for _, root := range targets {
		if root == "" || seen[root] {
			continue
		}
		seen[root] = true
		if err := timeline.Build(ctx, tx, root, e.provider.Timestamp()); err != nil {
			return err
		}
	}
	return nil
}
