package fileops

import (
	"context"

	"github.com/untoldecay/lix/internal/backend"
	"github.com/untoldecay/lix/internal/types"
)

// UpsertDataCache stores the current bytes for one (file, version).
func UpsertDataCache(ctx context.Context, e backend.Executor, fileID, versionID string, data []byte, updatedAt string) error {
	_, err := e.Execute(ctx, `
		INSERT INTO lix_internal_file_data_cache (file_id, version_id, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (file_id, version_id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at
	`, []types.Value{
		types.Text(fileID), types.Text(versionID), types.Blob(data), types.Text(updatedAt),
	})
	return err
}

// GetDataCache returns the cached bytes, or (nil, false) on a miss.
func GetDataCache(ctx context.Context, e backend.Executor, fileID, versionID string) ([]byte, bool, error) {
	res, err := e.Execute(ctx, `
		SELECT data FROM lix_internal_file_data_cache
		WHERE file_id = ? AND version_id = ?
	`, []types.Value{types.Text(fileID), types.Text(versionID)})
	if err != nil {
		return nil, false, err
	}
	if len(res.Rows) == 0 {
		return nil, false, nil
	}
	cell := res.Rows[0][0]
	if cell.Kind == types.KindBlob {
		return cell.Blob, true, nil
	}
	return []byte(cell.AsText()), true, nil
}

// InvalidateDataCache drops the cached bytes for one (file, version).
func InvalidateDataCache(ctx context.Context, e backend.Executor, fileID, versionID string) error {
	_, err := e.Execute(ctx, `
		DELETE FROM lix_internal_file_data_cache WHERE file_id = ? AND version_id = ?
	`, []types.Value{types.Text(fileID), types.Text(versionID)})
	return err
}

// UpsertPathCache stores the canonical path for one (file, version).
func UpsertPathCache(ctx context.Context, e backend.Executor, fileID, versionID, path string, updatedAt string) error {
	_, err := e.Execute(ctx, `
		INSERT INTO lix_internal_file_path_cache (file_id, version_id, path, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (file_id, version_id) DO UPDATE SET
			path = excluded.path,
			updated_at = excluded.updated_at
	`, []types.Value{
		types.Text(fileID), types.Text(versionID), types.Text(path), types.Text(updatedAt),
	})
	return err
}

// GetPathCache returns the cached path, or "" on a miss.
func GetPathCache(ctx context.Context, e backend.Executor, fileID, versionID string) (string, error) {
	res, err := e.Execute(ctx, `
		SELECT path FROM lix_internal_file_path_cache
		WHERE file_id = ? AND version_id = ?
	`, []types.Value{types.Text(fileID), types.Text(versionID)})
	if err != nil {
		return "", err
	}
	if len(res.Rows) == 0 {
		return "", nil
	}
	return res.Rows[0][0].AsText(), nil
}

// InvalidatePathCache drops the cached path for one (file, version).
func InvalidatePathCache(ctx context.Context, e backend.Executor, fileID, versionID string) error {
	_, err := e.Execute(ctx, `
		DELETE FROM lix_internal_file_path_cache WHERE file_id = ? AND version_id = ?
	`, []types.Value{types.Text(fileID), types.Text(versionID)})
	return err
}
