package fileops

import (
	"context"

	"github.com/untoldecay/lix/internal/backend"
	"github.com/untoldecay/lix/internal/debug"
	"github.com/untoldecay/lix/internal/funcs"
	"github.com/untoldecay/lix/internal/plugin"
	"github.com/untoldecay/lix/internal/sqlrewrite"
	"github.com/untoldecay/lix/internal/types"
)

// Engine resolves pending file writes and deletes into domain changes and
// keeps the binary store and caches coherent. All work runs inside the
// caller's transaction.
type Engine struct {
	Host     *plugin.Host
	Provider funcs.Provider
}

// Result is the outcome of processing one transaction's file effects.
type Result struct {
	// TrackedChanges persist through the normal commit path.
	TrackedChanges []types.DomainChangeInput
	// NeedsGC is set when a chunk may have become unreferenced.
	NeedsGC bool
}

// Process handles pending writes then deletes, in statement order.
func (fe *Engine) Process(ctx context.Context, tx backend.Executor, writes []sqlrewrite.PendingFileWrite, deletes []sqlrewrite.PendingFileDelete) (*Result, error) {
	result := &Result{}

	for _, write := range writes {
		if err := fe.processWrite(ctx, tx, write, result); err != nil {
			return nil, err
		}
	}
	for _, del := range deletes {
		if err := fe.processDelete(ctx, tx, del, result); err != nil {
			return nil, err
		}
	}

	if result.NeedsGC {
		if err := GC(ctx, tx); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (fe *Engine) processWrite(ctx context.Context, tx backend.Executor, write sqlrewrite.PendingFileWrite, result *Result) error {
	beforeData := write.BeforeData
	if beforeData == nil {
		if cached, ok, err := GetDataCache(ctx, tx, write.FileID, write.VersionID); err != nil {
			return err
		} else if ok {
			beforeData = cached
		}
	}
	replacing := beforeData != nil

	matchPath := write.AfterPath
	if matchPath == nil {
		matchPath = write.BeforePath
	}

	if write.DataIsAuthoritative && matchPath != nil {
		detected, err := fe.detect(ctx, *matchPath, plugin.DetectRequest{
			FileID:              write.FileID,
			VersionID:           write.VersionID,
			BeforePath:          write.BeforePath,
			AfterPath:           write.AfterPath,
			DataIsAuthoritative: write.DataIsAuthoritative,
			BeforeData:          beforeData,
			AfterData:           write.AfterData,
		})
		if err != nil {
			return err
		}
		result.TrackedChanges = append(result.TrackedChanges,
			fe.toDomainChanges(detected, write.FileID, write.VersionID, write.WriterKey)...)
	}

	if write.DataIsAuthoritative {
		if _, err := PersistBlob(ctx, tx, write.FileID, write.VersionID, write.AfterData); err != nil {
			return err
		}
		if err := UpsertDataCache(ctx, tx, write.FileID, write.VersionID, write.AfterData, fe.Provider.Timestamp()); err != nil {
			return err
		}
		if replacing {
			result.NeedsGC = true
		}
	}
	if write.AfterPath != nil {
		if err := UpsertPathCache(ctx, tx, write.FileID, write.VersionID, *write.AfterPath, fe.Provider.Timestamp()); err != nil {
			return err
		}
	}
	return nil
}

func (fe *Engine) processDelete(ctx context.Context, tx backend.Executor, del sqlrewrite.PendingFileDelete, result *Result) error {
	// Tombstone the file's domain entities by detecting against an empty
	// after state.
	beforeData, ok, err := GetDataCache(ctx, tx, del.FileID, del.VersionID)
	if err != nil {
		return err
	}
	if ok && del.Path != nil {
		detected, err := fe.detect(ctx, *del.Path, plugin.DetectRequest{
			FileID:              del.FileID,
			VersionID:           del.VersionID,
			BeforePath:          del.Path,
			DataIsAuthoritative: true,
			BeforeData:          beforeData,
		})
		if err != nil {
			return err
		}
		result.TrackedChanges = append(result.TrackedChanges,
			fe.toDomainChanges(detected, del.FileID, del.VersionID, nil)...)
	}

	if err := InvalidateDataCache(ctx, tx, del.FileID, del.VersionID); err != nil {
		return err
	}
	if err := InvalidatePathCache(ctx, tx, del.FileID, del.VersionID); err != nil {
		return err
	}
	result.NeedsGC = true
	return nil
}

// detect fans the request out to every matching plugin and dedupes the
// results per (plugin, schema, entity).
func (fe *Engine) detect(ctx context.Context, filePath string, req plugin.DetectRequest) ([]types.DetectedFileChange, error) {
	plugins := fe.Host.Match(filePath)
	if len(plugins) == 0 {
		debug.Logf("fileops: no plugin matches %s", filePath)
		return nil, nil
	}

	seen := map[string]bool{}
	var out []types.DetectedFileChange
	for _, p := range plugins {
		detected, err := p.DetectChanges(ctx, req)
		if err != nil {
			return nil, err
		}
		for _, change := range detected {
			key := change.PluginKey + "\x00" + change.SchemaKey + "\x00" + change.EntityID
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, change)
		}
	}
	return out, nil
}

func (fe *Engine) toDomainChanges(detected []types.DetectedFileChange, fileID, versionID string, writerKey *string) []types.DomainChangeInput {
	out := make([]types.DomainChangeInput, 0, len(detected))
	for _, change := range detected {
		out = append(out, types.DomainChangeInput{
			ChangeRow: types.ChangeRow{
				ID:              fe.Provider.UUID(),
				EntityID:        change.EntityID,
				SchemaKey:       change.SchemaKey,
				SchemaVersion:   change.SchemaVersion,
				FileID:          fileID,
				PluginKey:       change.PluginKey,
				SnapshotContent: change.SnapshotContent,
				CreatedAt:       fe.Provider.Timestamp(),
			},
			VersionID: versionID,
			WriterKey: writerKey,
		})
	}
	return out
}

// RefreshDataCache rebuilds a file's bytes from its entity state through
// the owning plugin's apply_changes, priming the data cache for reads.
func (fe *Engine) RefreshDataCache(ctx context.Context, tx backend.Executor, fileID, versionID, filePath string, entityChanges []plugin.EntityChange) error {
	plugins := fe.Host.Match(filePath)
	if len(plugins) == 0 {
		return nil
	}
	current, _, err := GetDataCache(ctx, tx, fileID, versionID)
	if err != nil {
		return err
	}
	rebuilt, err := plugins[0].ApplyChanges(ctx, current, entityChanges)
	if err != nil {
		return err
	}
	return UpsertDataCache(ctx, tx, fileID, versionID, rebuilt, fe.Provider.Timestamp())
}
