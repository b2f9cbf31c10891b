// Package materialize walks the commit graph and computes the projection
// every version should observe, as a list of upsert/tombstone writes.
package materialize

import (
	"context"
	"encoding/json"

	"github.com/untoldecay/lix/internal/backend"
	"github.com/untoldecay/lix/internal/types"
)

// ChangeRecord is a change row with its snapshot content resolved.
type ChangeRecord struct {
	types.ChangeRow
	SnapshotID string
}

// LoadedData is the raw material of one materialization run.
type LoadedData struct {
	Changes    []ChangeRecord
	ChangeByID map[string]*ChangeRecord
}

// Load reads every change row with its snapshot content. The materializer
// is replay-based: everything else is derived from this set.
func Load(ctx context.Context, e backend.Executor) (*LoadedData, error) {
	res, err := e.Execute(ctx, `
		SELECT c.id, c.entity_id, c.schema_key, c.schema_version, c.file_id,
		       c.plugin_key, c.snapshot_id, s.content, c.metadata, c.created_at
		FROM lix_internal_change c
		LEFT JOIN lix_internal_snapshot s ON s.id = c.snapshot_id
		ORDER BY c.created_at, c.id
	`, nil)
	if err != nil {
		return nil, err
	}

	data := &LoadedData{ChangeByID: map[string]*ChangeRecord{}}
	for _, row := range res.Rows {
		rec := ChangeRecord{
			ChangeRow: types.ChangeRow{
				ID:              row[0].AsText(),
				EntityID:        row[1].AsText(),
				SchemaKey:       row[2].AsText(),
				SchemaVersion:   row[3].AsText(),
				FileID:          row[4].AsText(),
				PluginKey:       row[5].AsText(),
				SnapshotContent: row[7].AsTextPtr(),
				Metadata:        row[8].AsTextPtr(),
				CreatedAt:       row[9].AsText(),
			},
			SnapshotID: row[6].AsText(),
		}
		data.Changes = append(data.Changes, rec)
	}
	for i := range data.Changes {
		data.ChangeByID[data.Changes[i].ID] = &data.Changes[i]
	}
	return data, nil
}

// commitInfo is one parsed lix_commit change.
type commitInfo struct {
	commitID      string
	changeRowID   string
	snapshot      types.CommitSnapshot
	createdAt     string
	snapshotValid bool
}

func (d *LoadedData) commits() []commitInfo {
	var out []commitInfo
	for i := range d.Changes {
		c := &d.Changes[i]
		if c.SchemaKey != types.SchemaKeyCommit {
			continue
		}
		info := commitInfo{commitID: c.EntityID, changeRowID: c.ID, createdAt: c.CreatedAt}
		if c.SnapshotContent != nil {
			if err := json.Unmarshal([]byte(*c.SnapshotContent), &info.snapshot); err == nil {
				info.snapshotValid = true
			}
		}
		out = append(out, info)
	}
	return out
}

// tipRecord is one parsed lix_version_tip (or lix_version_pointer) change.
type tipRecord struct {
	versionID       string
	commitID        string
	workingCommitID *string
	createdAt       string
	changeID        string
	valid           bool
}

func (d *LoadedData) versionTips() []tipRecord {
	var out []tipRecord
	for i := range d.Changes {
		c := &d.Changes[i]
		if c.SchemaKey != types.SchemaKeyVersionTip && c.SchemaKey != types.SchemaKeyVersionPointer {
			continue
		}
		rec := tipRecord{versionID: c.EntityID, createdAt: c.CreatedAt, changeID: c.ID}
		if c.SnapshotContent != nil {
			var snap types.VersionSnapshot
			if err := json.Unmarshal([]byte(*c.SnapshotContent), &snap); err == nil && snap.CommitID != "" {
				rec.commitID = snap.CommitID
				rec.workingCommitID = snap.WorkingCommitID
				rec.valid = true
			}
		}
		out = append(out, rec)
	}
	return out
}

// descriptorRecord is one parsed lix_version_descriptor change.
type descriptorRecord struct {
	versionID    string
	inheritsFrom *string
	hidden       bool
	createdAt    string
}

func (d *LoadedData) versionDescriptors() []descriptorRecord {
	var out []descriptorRecord
	for i := range d.Changes {
		c := &d.Changes[i]
		if c.SchemaKey != types.SchemaKeyVersionDescriptor || c.SnapshotContent == nil {
			continue
		}
		var desc types.VersionDescriptor
		if err := json.Unmarshal([]byte(*c.SnapshotContent), &desc); err != nil {
			continue
		}
		out = append(out, descriptorRecord{
			versionID:    c.EntityID,
			inheritsFrom: desc.InheritsFromVersionID,
			hidden:       desc.Hidden,
			createdAt:    c.CreatedAt,
		})
	}
	return out
}
