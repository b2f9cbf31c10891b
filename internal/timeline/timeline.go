// Package timeline maintains per-commit entity-state breakpoints so
// history reads don't replay raw changes on every query.
//
// A breakpoint records, relative to a requested root commit, the ancestor
// depth at which an entity's observed state signature changed. History
// reads resolve "state at depth d" as the breakpoint with the smallest
// from_depth >= d.
package timeline

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/untoldecay/lix/internal/backend"
	"github.com/untoldecay/lix/internal/debug"
	"github.com/untoldecay/lix/internal/types"
)

// MaxHistoryDepth bounds ancestry walks for history reads. Deeper queries
// truncate and surface the reachable prefix.
const MaxHistoryDepth = 512

// Breakpoint is one observed state transition.
type Breakpoint struct {
	RootCommitID  string
	EntityID      string
	SchemaKey     string
	FileID        string
	FromDepth     int
	SnapshotID    string
	ChangeID      string
	PluginKey     string
	SchemaVersion string
	Metadata      *string
}

// signature is the observed-state identity compared across depths.
type signature struct {
	pluginKey     string
	schemaVersion string
	metadata      string
	snapshotID    string
	changeID      string
}

type sourceRow struct {
	depth         int
	commitID      string
	entityID      string
	schemaKey     string
	fileID        string
	pluginKey     string
	schemaVersion string
	snapshotID    string
	changeID      string
	metadata      *string
}

// Status returns the built watermark for a root commit, or 0.
func Status(ctx context.Context, e backend.Executor, rootCommitID string) (int, error) {
	res, err := e.Execute(ctx, `
		SELECT built_max_depth FROM lix_internal_timeline_status
		WHERE root_commit_id = ?
	`, []types.Value{types.Text(rootCommitID)})
	if err != nil {
		return 0, err
	}
	if len(res.Rows) == 0 {
		return 0, nil
	}
	return int(res.Rows[0][0].AsInt()), nil
}

// Build incrementally extends the breakpoint rows for rootCommitID up to
// MaxHistoryDepth. Building is idempotent and the watermark only advances.
func Build(ctx context.Context, e backend.Executor, rootCommitID, builtAt string) error {
	built, err := Status(ctx, e, rootCommitID)
	if err != nil {
		return err
	}
	if built >= MaxHistoryDepth {
		return nil
	}

	// Re-read one built depth so the first new row has a signature to
	// compare against.
	startDepth := built
	if startDepth >= 1 {
		startDepth = startDepth - 1
	}

	rows, maxDepth, err := loadSourceRows(ctx, e, rootCommitID, startDepth)
	if err != nil {
		return err
	}

	type entityID struct {
		entity string
		schema string
		file   string
	}
	byEntity := map[entityID][]sourceRow{}
	for _, row := range rows {
		key := entityID{entity: row.entityID, schema: row.schemaKey, file: row.fileID}
		byEntity[key] = append(byEntity[key], row)
	}

	var breakpoints []Breakpoint
	for key, entityRows := range byEntity {
		sort.Slice(entityRows, func(i, j int) bool { return entityRows[i].depth < entityRows[j].depth })
		var prev *signature
		for _, row := range entityRows {
			sig := signature{
				pluginKey:     row.pluginKey,
				schemaVersion: row.schemaVersion,
				snapshotID:    row.snapshotID,
				changeID:      row.changeID,
			}
			if row.metadata != nil {
				sig.metadata = *row.metadata
			}
			changed := prev == nil || *prev != sig
			s := sig
			prev = &s
			if !changed {
				continue
			}
			// Rows below the already-built watermark only seed the running
			// signature.
			if row.depth < built {
				continue
			}
			breakpoints = append(breakpoints, Breakpoint{
				RootCommitID:  rootCommitID,
				EntityID:      key.entity,
				SchemaKey:     key.schema,
				FileID:        key.file,
				FromDepth:     row.depth,
				SnapshotID:    row.snapshotID,
				ChangeID:      row.changeID,
				PluginKey:     row.pluginKey,
				SchemaVersion: row.schemaVersion,
				Metadata:      row.metadata,
			})
		}
	}

	sort.Slice(breakpoints, func(i, j int) bool {
		a, b := breakpoints[i], breakpoints[j]
		if a.SchemaKey != b.SchemaKey {
			return a.SchemaKey < b.SchemaKey
		}
		if a.EntityID != b.EntityID {
			return a.EntityID < b.EntityID
		}
		return a.FromDepth < b.FromDepth
	})

	for _, bp := range breakpoints {
		if _, err := e.Execute(ctx, `
			INSERT INTO lix_internal_entity_state_timeline_breakpoint (
				root_commit_id, entity_id, schema_key, file_id, from_depth,
				snapshot_id, change_id, plugin_key, schema_version, metadata
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (root_commit_id, entity_id, schema_key, file_id, from_depth)
			DO UPDATE SET
				snapshot_id = excluded.snapshot_id,
				change_id = excluded.change_id,
				plugin_key = excluded.plugin_key,
				schema_version = excluded.schema_version,
				metadata = excluded.metadata
		`, []types.Value{
			types.Text(bp.RootCommitID), types.Text(bp.EntityID), types.Text(bp.SchemaKey),
			types.Text(bp.FileID), types.Integer(int64(bp.FromDepth)),
			types.Text(bp.SnapshotID), types.Text(bp.ChangeID), types.Text(bp.PluginKey),
			types.Text(bp.SchemaVersion), types.TextOrNull(bp.Metadata),
		}); err != nil {
			return err
		}
	}

	newWatermark := maxDepth + 1
	if newWatermark <= built {
		newWatermark = built
	}
	if newWatermark > MaxHistoryDepth {
		newWatermark = MaxHistoryDepth
	}
	greatest := "MAX"
	if e.Dialect() == backend.DialectPostgres {
		greatest = "GREATEST"
	}
	if _, err := e.Execute(ctx, `
		INSERT INTO lix_internal_timeline_status (root_commit_id, built_max_depth, built_at)
		VALUES (?, ?, ?)
		ON CONFLICT (root_commit_id) DO UPDATE SET
			built_max_depth = `+greatest+`(excluded.built_max_depth, lix_internal_timeline_status.built_max_depth),
			built_at = excluded.built_at
	`, []types.Value{
		types.Text(rootCommitID), types.Integer(int64(newWatermark)), types.Text(builtAt),
	}); err != nil {
		return err
	}

	debug.Logf("timeline: built root=%s breakpoints=%d watermark=%d",
		rootCommitID, len(breakpoints), newWatermark)
	return nil
}

// loadSourceRows pulls, per ancestor commit in [startDepth, MaxHistoryDepth],
// the member change rows of that commit. Commit membership comes from the
// commit snapshots themselves; the ancestry closure supplies the depth.
func loadSourceRows(ctx context.Context, e backend.Executor, rootCommitID string, startDepth int) ([]sourceRow, int, error) {
	res, err := e.Execute(ctx, `
		SELECT a.ancestor_id, a.depth, s.content
		FROM lix_internal_commit_ancestry a
		JOIN lix_internal_change c ON c.schema_key = 'lix_commit' AND c.entity_id = a.ancestor_id
		JOIN lix_internal_snapshot s ON s.id = c.snapshot_id
		WHERE a.commit_id = ? AND a.depth >= ? AND a.depth <= ?
		ORDER BY a.depth
	`, []types.Value{
		types.Text(rootCommitID),
		types.Integer(int64(startDepth)),
		types.Integer(int64(MaxHistoryDepth)),
	})
	if err != nil {
		return nil, 0, err
	}

	maxDepth := 0
	type member struct {
		depth    int
		commitID string
	}
	changeMember := map[string]member{}
	var changeIDs []string
	for _, row := range res.Rows {
		ancestorID := row[0].AsText()
		depth := int(row[1].AsInt())
		if depth > maxDepth {
			maxDepth = depth
		}
		var snap types.CommitSnapshot
		if err := json.Unmarshal([]byte(row[2].AsText()), &snap); err != nil {
			continue
		}
		for _, changeID := range snap.ChangeIDs {
			// The nearest (shallowest) commit owns the change for ranking.
			if prev, ok := changeMember[changeID]; ok && prev.depth <= depth {
				continue
			}
			if _, ok := changeMember[changeID]; !ok {
				changeIDs = append(changeIDs, changeID)
			}
			changeMember[changeID] = member{depth: depth, commitID: ancestorID}
		}
	}

	var out []sourceRow
	for _, chunk := range chunkStrings(changeIDs, 200) {
		placeholders := ""
		params := make([]types.Value, 0, len(chunk))
		for i, id := range chunk {
			if i > 0 {
				placeholders += ", "
			}
			placeholders += "?"
			params = append(params, types.Text(id))
		}
		res, err := e.Execute(ctx, `
			SELECT id, entity_id, schema_key, schema_version, file_id,
			       plugin_key, snapshot_id, metadata
			FROM lix_internal_change
			WHERE id IN (`+placeholders+`)
		`, params)
		if err != nil {
			return nil, 0, err
		}
		for _, row := range res.Rows {
			changeID := row[0].AsText()
			m := changeMember[changeID]
			out = append(out, sourceRow{
				depth:         m.depth,
				commitID:      m.commitID,
				entityID:      row[1].AsText(),
				schemaKey:     row[2].AsText(),
				schemaVersion: row[3].AsText(),
				fileID:        row[4].AsText(),
				pluginKey:     row[5].AsText(),
				snapshotID:    row[6].AsText(),
				changeID:      changeID,
				metadata:      row[7].AsTextPtr(),
			})
		}
	}
	return out, maxDepth, nil
}

func chunkStrings(in []string, size int) [][]string {
	var out [][]string
	for len(in) > size {
		out = append(out, in[:size])
		in = in[size:]
	}
	if len(in) > 0 {
		out = append(out, in)
	}
	return out
}
