// Package fileops is the file side-effect engine: it resolves pending
// file writes into plugin-detected domain changes, keeps the data and
// path caches current, and owns the content-addressed binary store.
package fileops

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/jotfs/fastcdc-go"
	"github.com/klauspost/compress/zstd"
	"lukechampine.com/blake3"

	"github.com/untoldecay/lix/internal/backend"
	"github.com/untoldecay/lix/internal/debug"
	"github.com/untoldecay/lix/internal/types"
)

// FastCDC chunking bounds.
const (
	MinChunkBytes = 16 * 1024
	AvgChunkBytes = 64 * 1024
	MaxChunkBytes = 256 * 1024
)

// Chunk codecs.
const (
	CodecRaw  = "raw"
	CodecZstd = "zstd"
)

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(3)))
	zstdDecoder, _ = zstd.NewReader(nil)
)

func blake3Hex(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// chunkRanges splits data with FastCDC. An empty payload yields zero
// chunks.
func chunkRanges(data []byte) ([][]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if len(data) <= MinChunkBytes {
		return [][]byte{data}, nil
	}
	chunker, err := fastcdc.NewChunker(bytes.NewReader(data), fastcdc.Options{
		MinSize:     MinChunkBytes,
		AverageSize: AvgChunkBytes,
		MaxSize:     MaxChunkBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize chunker: %w", err)
	}
	var out [][]byte
	for {
		chunk, err := chunker.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("chunking failed: %w", err)
		}
		copied := make([]byte, len(chunk.Data))
		copy(copied, chunk.Data)
		out = append(out, copied)
	}
	return out, nil
}

// PersistBlob chunks and stores a payload, upserting the (file, version)
// reference. Chunks compress with zstd level 3 only when the compressed
// form is strictly smaller.
func PersistBlob(ctx context.Context, e backend.Executor, fileID, versionID string, data []byte) (string, error) {
	blobHash := blake3Hex(data)

	chunks, err := chunkRanges(data)
	if err != nil {
		return "", &types.LixError{Message: err.Error()}
	}

	for index, chunk := range chunks {
		chunkHash := blake3Hex(chunk)
		payload := chunk
		codec := CodecRaw
		compressed := zstdEncoder.EncodeAll(chunk, nil)
		if len(compressed) < len(chunk) {
			payload = compressed
			codec = CodecZstd
		}
		if _, err := e.Execute(ctx, `
			INSERT INTO lix_internal_binary_chunk_store (chunk_hash, data, codec, raw_size)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (chunk_hash) DO NOTHING
		`, []types.Value{
			types.Text(chunkHash), types.Blob(payload), types.Text(codec), types.Integer(int64(len(chunk))),
		}); err != nil {
			return "", err
		}
		if _, err := e.Execute(ctx, `
			INSERT INTO lix_internal_binary_blob_manifest_chunk (blob_hash, chunk_index, chunk_hash)
			VALUES (?, ?, ?)
			ON CONFLICT (blob_hash, chunk_index) DO UPDATE SET chunk_hash = excluded.chunk_hash
		`, []types.Value{
			types.Text(blobHash), types.Integer(int64(index)), types.Text(chunkHash),
		}); err != nil {
			return "", err
		}
	}

	if _, err := e.Execute(ctx, `
		INSERT INTO lix_internal_binary_blob_manifest (blob_hash, size_bytes, chunk_count)
		VALUES (?, ?, ?)
		ON CONFLICT (blob_hash) DO UPDATE SET
			size_bytes = excluded.size_bytes,
			chunk_count = excluded.chunk_count
	`, []types.Value{
		types.Text(blobHash), types.Integer(int64(len(data))), types.Integer(int64(len(chunks))),
	}); err != nil {
		return "", err
	}
	if _, err := e.Execute(ctx, `
		INSERT INTO lix_internal_binary_blob_store (blob_hash, size_bytes)
		VALUES (?, ?)
		ON CONFLICT (blob_hash) DO NOTHING
	`, []types.Value{
		types.Text(blobHash), types.Integer(int64(len(data))),
	}); err != nil {
		return "", err
	}
	if _, err := e.Execute(ctx, `
		INSERT INTO lix_internal_binary_file_version_ref (file_id, version_id, blob_hash, size_bytes)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (file_id, version_id) DO UPDATE SET
			blob_hash = excluded.blob_hash,
			size_bytes = excluded.size_bytes
	`, []types.Value{
		types.Text(fileID), types.Text(versionID), types.Text(blobHash), types.Integer(int64(len(data))),
	}); err != nil {
		return "", err
	}

	debug.Logf("cas: persisted blob %s (%d bytes, %d chunks) for %s@%s",
		blobHash[:12], len(data), len(chunks), fileID, versionID)
	return blobHash, nil
}

// LoadBlob reassembles a blob from its manifest chunks.
func LoadBlob(ctx context.Context, e backend.Executor, blobHash string) ([]byte, error) {
	manifest, err := e.Execute(ctx, `
		SELECT size_bytes, chunk_count FROM lix_internal_binary_blob_manifest
		WHERE blob_hash = ?
	`, []types.Value{types.Text(blobHash)})
	if err != nil {
		return nil, err
	}
	if len(manifest.Rows) == 0 {
		return nil, types.Errorf("blob '%s' has no manifest", blobHash)
	}
	size := manifest.Rows[0][0].AsInt()

	rows, err := e.Execute(ctx, `
		SELECT c.data, c.codec
		FROM lix_internal_binary_blob_manifest_chunk mc
		JOIN lix_internal_binary_chunk_store c ON c.chunk_hash = mc.chunk_hash
		WHERE mc.blob_hash = ?
		ORDER BY mc.chunk_index
	`, []types.Value{types.Text(blobHash)})
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, size)
	for _, row := range rows.Rows {
		payload := []byte(row[0].AsText())
		if row[0].Kind == types.KindBlob {
			payload = row[0].Blob
		}
		if row[1].AsText() == CodecZstd {
			decompressed, err := zstdDecoder.DecodeAll(payload, nil)
			if err != nil {
				return nil, types.Errorf("blob '%s' chunk failed to decompress: %v", blobHash, err)
			}
			payload = decompressed
		}
		out = append(out, payload...)
	}

	if got := blake3Hex(out); got != blobHash {
		return nil, types.Errorf("blob '%s' content hash mismatch (got %s)", blobHash, got)
	}
	return out, nil
}

// GC removes unreferenced CAS rows in dependency order: refs without a
// cached file, manifest chunks of dropped manifests, orphaned chunk store
// rows, orphaned manifests, orphaned blob store rows. Runs inside the
// caller's transaction.
func GC(ctx context.Context, e backend.Executor) error {
	statements := []string{
		`DELETE FROM lix_internal_binary_file_version_ref
		 WHERE NOT EXISTS (
		     SELECT 1 FROM lix_internal_file_data_cache c
		     WHERE c.file_id = lix_internal_binary_file_version_ref.file_id
		       AND c.version_id = lix_internal_binary_file_version_ref.version_id
		 )`,
		`DELETE FROM lix_internal_binary_blob_manifest_chunk
		 WHERE NOT EXISTS (
		     SELECT 1 FROM lix_internal_binary_file_version_ref r
		     WHERE r.blob_hash = lix_internal_binary_blob_manifest_chunk.blob_hash
		 )`,
		`DELETE FROM lix_internal_binary_chunk_store
		 WHERE NOT EXISTS (
		     SELECT 1 FROM lix_internal_binary_blob_manifest_chunk mc
		     WHERE mc.chunk_hash = lix_internal_binary_chunk_store.chunk_hash
		 )`,
		`DELETE FROM lix_internal_binary_blob_manifest
		 WHERE NOT EXISTS (
		     SELECT 1 FROM lix_internal_binary_file_version_ref r
		     WHERE r.blob_hash = lix_internal_binary_blob_manifest.blob_hash
		 )`,
		`DELETE FROM lix_internal_binary_blob_store
		 WHERE NOT EXISTS (
		     SELECT 1 FROM lix_internal_binary_blob_manifest m
		     WHERE m.blob_hash = lix_internal_binary_blob_store.blob_hash
		 )`,
	}
	for _, stmt := range statements {
		if _, err := e.Execute(ctx, stmt, nil); err != nil {
			return err
		}
	}
	return nil
}
