package engine

import (
	"context"
	"path"
	"sort"
	"strings"

	"github.com/tidwall/sjson"

	"github.com/untoldecay/lix/internal/backend"
	"github.com/untoldecay/lix/internal/debug"
	"github.com/untoldecay/lix/internal/schema"
	"github.com/untoldecay/lix/internal/sqlrewrite"
	"github.com/untoldecay/lix/internal/types"
)

// ExecuteResult carries one result set per executed statement, in
// statement order. Write statements contribute empty result sets.
type ExecuteResult struct {
	Results     []backend.QueryResult
	Fingerprint string

	pendingEvent *CommitEvent
}

// Execute runs a SQL script against the logical views.
func (e *Engine) Execute(ctx context.Context, script string, params []types.Value) (*ExecuteResult, error) {
	return e.ExecuteAs(ctx, e.writer, script, params)
}

// ExecuteAs runs a script with an explicit writer key attached to the
// staged writes.
func (e *Engine) ExecuteAs(ctx context.Context, writerKey *string, script string, params []types.Value) (*ExecuteResult, error) {
	activeVersion := e.ActiveVersionID()
	opt := sqlrewrite.Options{
		Dialect:         e.backend.Dialect(),
		WriterKey:       writerKey,
		ActiveVersionID: activeVersion,
		KnownSchemaKeys: e.knownSchemaKeys(),
		Lookup: func(ctx context.Context, schemaKey string) (*schema.Definition, error) {
			return e.schemas.Lookup(ctx, e.backend, schemaKey)
		},
		Exec: func(ctx context.Context, sql string, p []types.Value) (*backend.QueryResult, error) {
			return e.backend.Execute(ctx, sql, p)
		},
		Provider: e.provider,
	}

	out, err := sqlrewrite.Preprocess(ctx, script, params, opt)
	if err != nil {
		return nil, err
	}

	isMutation := len(out.Mutations) > 0 || len(out.Postprocess) > 0 ||
		len(out.PendingFileWrites) > 0 || len(out.PendingFileDeletes) > 0

	result := &ExecuteResult{Fingerprint: sqlrewrite.Fingerprint(out)}

	if !isMutation {
		// Reads run without an outer transaction; cache refreshes use
		// short auto-transactions inside the helpers they need.
		if err := e.prepareReads(ctx, out); err != nil {
			return nil, err
		}
		for _, stmt := range out.Statements {
			res, err := e.backend.Execute(ctx, stmt.SQL, stmt.Params)
			if err != nil {
				return nil, err
			}
			result.Results = append(result.Results, *res)
		}
		return result, nil
	}

	// Every mutation runs inside exactly one backend transaction; a failed
	// transaction leaves the active version cell untouched.
	savedActive := activeVersion
	err = backend.WithTransaction(ctx, e.backend, func(tx backend.Transaction) error {
		return e.runMutation(ctx, tx, out, writerKey, result)
	})
	if err != nil {
		e.setActiveVersion(savedActive)
		return nil, err
	}
	if result.pendingEvent != nil {
		e.notify(*result.pendingEvent)
	}
	return result, nil
}

// prepareReads performs pre-read follow-ups: timeline builds for history
// reads and schema table creation for fresh schemas.
func (e *Engine) prepareReads(ctx context.Context, out *sqlrewrite.Output) error {
	for _, schemaKey := range out.Registrations.SchemaKeys {
		if err := e.ensureSchemaTable(ctx, e.backend, schemaKey); err != nil {
			return err
		}
	}
	if len(out.Registrations.HistoryRoots) == 0 && !out.Registrations.HistoryAllTips {
		return nil
	}
	return backend.WithTransaction(ctx, e.backend, func(tx backend.Transaction) error {
		return e.buildTimelines(ctx, tx, out.Registrations.HistoryRoots, out.Registrations.HistoryAllTips)
	})
}

// runMutation executes the rewritten statements and all follow-ups inside
// one transaction.
func (e *Engine) runMutation(ctx context.Context, tx backend.Transaction, out *sqlrewrite.Output, writerKey *string, result *ExecuteResult) error {
	timestamp := e.provider.Timestamp()

	for _, schemaKey := range out.Registrations.SchemaKeys {
		if err := e.ensureSchemaTable(ctx, tx, schemaKey); err != nil {
			return err
		}
	}
	for _, raw := range out.Registrations.StoredSchemas {
		if _, err := e.schemas.RegisterStored(ctx, tx, raw); err != nil {
			return err
		}
	}
	if err := e.buildTimelines(ctx, tx, out.Registrations.HistoryRoots, out.Registrations.HistoryAllTips); err != nil {
		return err
	}

	var domainChanges []types.DomainChangeInput
	pendingWrites := append([]sqlrewrite.PendingFileWrite{}, out.PendingFileWrites...)
	pendingDeletes := append([]sqlrewrite.PendingFileDelete{}, out.PendingFileDeletes...)

	// Statements execute in rewrite order; staged vtable writes yield
	// their rows back through RETURNING.
	for _, stmt := range out.Statements {
		res, err := tx.Execute(ctx, stmt.SQL, stmt.Params)
		if err != nil {
			return err
		}
		switch stmt.Role {
		case sqlrewrite.RoleVtableWrite:
			for _, row := range res.Rows {
				domainChanges = append(domainChanges, sqlrewrite.StagedRowFromResult(row))
			}
			result.Results = append(result.Results, backend.QueryResult{})
		default:
			result.Results = append(result.Results, *res)
		}
	}

	// Postprocess plans: updates and deletes resolved through the logical
	// read, then staged like inserts.
	for _, pp := range out.Postprocess {
		if pp.Update != nil {
			changes, writes, err := e.applyUpdatePlan(ctx, tx, pp.Update, writerKey, timestamp)
			if err != nil {
				return err
			}
			domainChanges = append(domainChanges, changes...)
			pendingWrites = append(pendingWrites, writes...)
		}
		if pp.Delete != nil {
			changes, deletes, err := e.applyDeletePlan(ctx, tx, pp.Delete, timestamp)
			if err != nil {
				return err
			}
			domainChanges = append(domainChanges, changes...)
			pendingDeletes = append(pendingDeletes, deletes...)
		}
	}

	// File side effects contribute plugin-detected domain changes.
	fileResult, err := e.fileops.Process(ctx, tx, pendingWrites, pendingDeletes)
	if err != nil {
		return err
	}
	domainChanges = append(domainChanges, fileResult.TrackedChanges...)

	tracked, untracked := splitUntracked(dedupeChanges(domainChanges))
	for _, change := range untracked {
		if err := e.persistUntracked(ctx, tx, &change, timestamp); err != nil {
			return err
		}
	}

	if len(tracked) > 0 {
		for i := range tracked {
			if tracked[i].ID == "" {
				tracked[i].ID = e.provider.UUID()
			}
			if tracked[i].CreatedAt == "" {
				tracked[i].CreatedAt = timestamp
			}
		}
		commitIDs, err := e.commitDomainChanges(ctx, tx, timestamp, e.activeAccounts(), tracked)
		if err != nil {
			return err
		}
		if len(commitIDs) > 0 {
			var ids, versions []string
			for versionID, commitID := range commitIDs {
				versions = append(versions, versionID)
				ids = append(ids, commitID)
			}
			sort.Strings(versions)
			sort.Strings(ids)
			result.pendingEvent = &CommitEvent{CommitIDs: ids, Versions: versions}
		}
	}

	// The staging table only lives for the duration of the transaction.
	if _, err := tx.Execute(ctx, "DELETE FROM lix_internal_state_vtable", nil); err != nil {
		return err
	}

	debug.Logf("engine: mutation staged %d tracked / %d untracked changes", len(tracked), len(untracked))
	return nil
}

// activeAccounts resolves the accounts attributed as change authors.
func (e *Engine) activeAccounts() []string {
	// Account management flows through lix_account state; absent an
	// explicit session account the engine attributes changes to the
	// anonymous account.
	return []string{"anonymous"}
}

func splitUntracked(changes []types.DomainChangeInput) (tracked, untracked []types.DomainChangeInput) {
	for _, change := range changes {
		if change.Untracked {
			untracked = append(untracked, change)
		} else {
			tracked = append(tracked, change)
		}
	}
	return tracked, untracked
}

// dedupeChanges keeps the last write per (entity, schema, file, version).
func dedupeChanges(changes []types.DomainChangeInput) []types.DomainChangeInput {
	type key struct{ entity, schemaKey, file, version string }
	last := map[key]int{}
	for i, change := range changes {
		last[key{change.EntityID, change.SchemaKey, change.FileID, change.VersionID}] = i
	}
	out := make([]types.DomainChangeInput, 0, len(last))
	for i, change := range changes {
		k := key{change.EntityID, change.SchemaKey, change.FileID, change.VersionID}
		if last[k] == i {
			out = append(out, change)
		}
	}
	return out
}

func (e *Engine) persistUntracked(ctx context.Context, tx backend.Executor, change *types.DomainChangeInput, timestamp string) error {
	_, err := tx.Execute(ctx, `
		INSERT INTO lix_internal_state_untracked (
			entity_id, schema_key, schema_version, file_id, version_id,
			plugin_key, snapshot_content, metadata, writer_key, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_id, schema_key, file_id, version_id) DO UPDATE SET
			schema_version = excluded.schema_version,
			plugin_key = excluded.plugin_key,
			snapshot_content = excluded.snapshot_content,
			metadata = excluded.metadata,
			writer_key = excluded.writer_key,
			updated_at = excluded.updated_at
	`, []types.Value{
		types.Text(change.EntityID), types.Text(change.SchemaKey), types.Text(change.SchemaVersion),
		types.Text(change.FileID), types.Text(change.VersionID), types.Text(change.PluginKey),
		types.TextOrNull(change.SnapshotContent), types.TextOrNull(change.Metadata),
		types.TextOrNull(change.WriterKey), types.Text(timestamp), types.Text(timestamp),
	})
	return err
}

// applyUpdatePlan resolves the plan's selection, applies the assignments,
// and returns the staged domain changes (plus file side effects for
// lix_file updates).
func (e *Engine) applyUpdatePlan(ctx context.Context, tx backend.Executor, plan *sqlrewrite.VtableUpdatePlan, writerKey *string, timestamp string) ([]types.DomainChangeInput, []sqlrewrite.PendingFileWrite, error) {
	res, err := tx.Execute(ctx, plan.SelectionSQL, nil)
	if err != nil {
		return nil, nil, err
	}

	if plan.File != nil {
		return e.applyFileUpdate(ctx, tx, plan, res, writerKey, timestamp)
	}

	effectiveWriter := writerKey
	if plan.WriterKeyAssignmentPresent {
		effectiveWriter = plan.ExplicitWriterKey
	}

	var out []types.DomainChangeInput
	for _, row := range res.Rows {
		snapshot := row[6].AsTextPtr()
		metadata := row[7].AsTextPtr()

		if snapshot != nil {
			updated := *snapshot
			for _, a := range plan.PropertyAssignments {
				updated, err = sjson.Set(updated, escapeSJSON(a.Column), a.Value.ToDriver())
				if err != nil {
					return nil, nil, types.Errorf("failed to apply assignment to '%s': %v", a.Column, err)
				}
			}
			snapshot = &updated
		}
		for _, a := range plan.Assignments {
			switch a.Column {
			case "metadata":
				metadata = a.Value.AsTextPtr()
			default:
				if snapshot != nil {
					updated, err := sjson.Set(*snapshot, escapeSJSON(a.Column), a.Value.ToDriver())
					if err != nil {
						return nil, nil, types.Errorf("failed to apply assignment to '%s': %v", a.Column, err)
					}
					snapshot = &updated
				}
			}
		}

		out = append(out, types.DomainChangeInput{
			ChangeRow: types.ChangeRow{
				ID:              e.provider.UUID(),
				EntityID:        row[0].AsText(),
				SchemaKey:       row[1].AsText(),
				SchemaVersion:   row[2].AsText(),
				FileID:          row[3].AsText(),
				PluginKey:       row[5].AsText(),
				SnapshotContent: snapshot,
				Metadata:        metadata,
				CreatedAt:       timestamp,
			},
			VersionID: row[4].AsText(),
			WriterKey: effectiveWriter,
			Untracked: plan.Untracked || row[9].AsInt() == 1,
		})
	}
	return out, nil, nil
}

// applyFileUpdate turns matched lix_file rows into descriptor revisions
// and pending byte writes.
func (e *Engine) applyFileUpdate(ctx context.Context, tx backend.Executor, plan *sqlrewrite.VtableUpdatePlan, res *backend.QueryResult, writerKey *string, timestamp string) ([]types.DomainChangeInput, []sqlrewrite.PendingFileWrite, error) {
	effectiveWriter := writerKey
	if plan.WriterKeyAssignmentPresent {
		effectiveWriter = plan.ExplicitWriterKey
	}

	var changes []types.DomainChangeInput
	var writes []sqlrewrite.PendingFileWrite
	for _, row := range res.Rows {
		fileID := row[0].AsText()
		currentPath := row[1].AsText()
		versionID := row[2].AsText()

		// Path renames revise the descriptor; data updates only flow into
		// the side-effect engine.
		if plan.File.Path != nil && *plan.File.Path != currentPath {
			newPath := *plan.File.Path
			if !strings.HasPrefix(newPath, "/") || strings.HasSuffix(newPath, "/") {
				return nil, nil, types.Errorf("file path '%s' must be absolute and must not end with '/'", newPath)
			}
			if path.Dir(newPath) != path.Dir(currentPath) {
				return nil, nil, types.Errorf(
					"file path update '%s' would move the file across directories; move support requires the target directory", newPath)
			}
			name, extension := splitName(path.Base(newPath))
			descriptor, err := e.currentDescriptor(ctx, tx, types.SchemaKeyFileDescriptor, fileID, versionID)
			if err != nil {
				return nil, nil, err
			}
			descriptor, err = sjson.Set(descriptor, "name", name)
			if err == nil {
				if extension == "" {
					descriptor, err = sjson.Set(descriptor, "extension", nil)
				} else {
					descriptor, err = sjson.Set(descriptor, "extension", extension)
				}
			}
			if err != nil {
				return nil, nil, types.Errorf("failed to revise file descriptor: %v", err)
			}
			changes = append(changes, types.DomainChangeInput{
				ChangeRow: types.ChangeRow{
					ID:              e.provider.UUID(),
					EntityID:        fileID,
					SchemaKey:       types.SchemaKeyFileDescriptor,
					SchemaVersion:   "1.0",
					FileID:          schema.MetaFileID,
					PluginKey:       schema.OwnChangeControlPlugin,
					SnapshotContent: &descriptor,
					CreatedAt:       timestamp,
				},
				VersionID: versionID,
				WriterKey: effectiveWriter,
			})
		}

		if plan.File.DataSet {
			before := currentPath
			after := currentPath
			if plan.File.Path != nil {
				after = *plan.File.Path
			}
			writes = append(writes, sqlrewrite.PendingFileWrite{
				FileID:              fileID,
				VersionID:           versionID,
				BeforePath:          &before,
				AfterPath:           &after,
				AfterData:           plan.File.Data,
				DataIsAuthoritative: true,
				WriterKey:           effectiveWriter,
			})
		} else if plan.File.Path != nil && *plan.File.Path != currentPath {
			newPath := *plan.File.Path
			writes = append(writes, sqlrewrite.PendingFileWrite{
				FileID:     fileID,
				VersionID:  versionID,
				BeforePath: &currentPath,
				AfterPath:  &newPath,
				WriterKey:  effectiveWriter,
			})
		}
	}
	return changes, writes, nil
}

// applyDeletePlan resolves the delete's effective scope and stages
// tombstones; filesystem targets cascade.
func (e *Engine) applyDeletePlan(ctx context.Context, tx backend.Executor, plan *sqlrewrite.VtableDeletePlan, timestamp string) ([]types.DomainChangeInput, []sqlrewrite.PendingFileDelete, error) {
	res, err := tx.Execute(ctx, plan.EffectiveScopeSelectionSQL, nil)
	if err != nil {
		return nil, nil, err
	}

	var changes []types.DomainChangeInput
	var deletes []sqlrewrite.PendingFileDelete

	switch plan.Target {
	case "file":
		for _, row := range res.Rows {
			fileID, filePath, versionID := row[0].AsText(), row[1].AsText(), row[2].AsText()
			changes = append(changes, e.descriptorTombstone(types.SchemaKeyFileDescriptor, fileID, versionID, timestamp))
			deletes = append(deletes, sqlrewrite.PendingFileDelete{
				FileID: fileID, VersionID: versionID, Path: &filePath,
			})
		}
		return changes, deletes, nil

	case "directory":
		for _, row := range res.Rows {
			dirID, dirPath, versionID := row[0].AsText(), row[1].AsText(), row[2].AsText()
			changes = append(changes, e.descriptorTombstone(types.SchemaKeyDirDescriptor, dirID, versionID, timestamp))
			if !plan.CascadeDirectoryFiles {
				continue
			}
			// Contained files (and subdirectories) tombstone by path
			// prefix.
			contained, err := e.filesUnder(ctx, tx, dirPath, versionID)
			if err != nil {
				return nil, nil, err
			}
			for _, f := range contained {
				filePath := f.path
				changes = append(changes, e.descriptorTombstone(types.SchemaKeyFileDescriptor, f.id, versionID, timestamp))
				deletes = append(deletes, sqlrewrite.PendingFileDelete{
					FileID: f.id, VersionID: versionID, Path: &filePath,
				})
			}
			subdirs, err := e.directoriesUnder(ctx, tx, dirPath, versionID)
			if err != nil {
				return nil, nil, err
			}
			for _, id := range subdirs {
				changes = append(changes, e.descriptorTombstone(types.SchemaKeyDirDescriptor, id, versionID, timestamp))
			}
		}
		return changes, deletes, nil

	default:
		for _, row := range res.Rows {
			changes = append(changes, types.DomainChangeInput{
				ChangeRow: types.ChangeRow{
					ID:            e.provider.UUID(),
					EntityID:      row[0].AsText(),
					SchemaKey:     row[1].AsText(),
					SchemaVersion: row[2].AsText(),
					FileID:        row[3].AsText(),
					PluginKey:     row[5].AsText(),
					// Tombstone: no snapshot content.
					CreatedAt: timestamp,
				},
				VersionID: row[4].AsText(),
				Untracked: row[9].AsInt() == 1,
			})
		}
		return changes, nil, nil
	}
}

func (e *Engine) descriptorTombstone(schemaKey, entityID, versionID, timestamp string) types.DomainChangeInput {
	return types.DomainChangeInput{
		ChangeRow: types.ChangeRow{
			ID:            e.provider.UUID(),
			EntityID:      entityID,
			SchemaKey:     schemaKey,
			SchemaVersion: "1.0",
			FileID:        schema.MetaFileID,
			PluginKey:     schema.OwnChangeControlPlugin,
			CreatedAt:     timestamp,
		},
		VersionID: versionID,
	}
}

// currentDescriptor reads an entity's current snapshot from its
// projection table.
func (e *Engine) currentDescriptor(ctx context.Context, tx backend.Executor, schemaKey, entityID, versionID string) (string, error) {
	table := backend.MaterializedTableName(schemaKey)
	res, err := tx.Execute(ctx, `
		SELECT snapshot_content FROM `+table+`
		WHERE entity_id = ? AND version_id = ? AND is_tombstone = 0
	`, []types.Value{types.Text(entityID), types.Text(versionID)})
	if err != nil {
		return "", err
	}
	if len(res.Rows) == 0 || res.Rows[0][0].IsNull() {
		return "", types.Errorf("entity '%s' has no current state in version '%s'", entityID, versionID)
	}
	return res.Rows[0][0].AsText(), nil
}

type containedFile struct {
	id   string
	path string
}

func (e *Engine) filesUnder(ctx context.Context, tx backend.Executor, dirPath, versionID string) ([]containedFile, error) {
	res, err := tx.Execute(ctx, `
		SELECT file_id, path FROM lix_internal_file_path_cache
		WHERE version_id = ? AND path LIKE ?
	`, []types.Value{types.Text(versionID), types.Text(dirPath + "/%")})
	if err != nil {
		return nil, err
	}
	out := make([]containedFile, 0, len(res.Rows))
	for _, row := range res.Rows {
		out = append(out, containedFile{id: row[0].AsText(), path: row[1].AsText()})
	}
	return out, nil
}

func (e *Engine) directoriesUnder(ctx context.Context, tx backend.Executor, dirPath, versionID string) ([]string, error) {
	// Auto-created directory ids embed their path, so the synthesized tree
	// is matched by id prefix. Explicitly created subdirectories (ids that
	// do not embed a path) are not matched.
	table := backend.MaterializedTableName(types.SchemaKeyDirDescriptor)
	res, err := tx.Execute(ctx, `
		SELECT entity_id FROM `+table+`
		WHERE version_id = ? AND is_tombstone = 0 AND entity_id LIKE ?
	`, []types.Value{types.Text(versionID), types.Text("lix-auto-dir:" + versionID + ":" + dirPath + "/%")})
	if err != nil {
		return nil, err
	}
	var out []string
	for _, row := range res.Rows {
		out = append(out, row[0].AsText())
	}
	return out, nil
}

func splitName(base string) (string, string) {
	if dot := strings.LastIndexByte(base, '.'); dot > 0 {
		return base[:dot], base[dot+1:]
	}
	return base, ""
}

func escapeSJSON(name string) string {
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
