package fileops

import (
	"bytes"
	"context"
	"testing"

	"github.com/untoldecay/lix/internal/backend"
)

func newTestBackend(t *testing.T) *backend.SQLiteBackend {
	t.Helper()
	b, err := backend.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	if err := backend.Bootstrap(context.Background(), b); err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	return b
}

// patterned produces deterministic, mildly compressible test bytes.
func patterned(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte((i * 7) % 251)
	}
	return out
}

func TestChunkingBoundaries(t *testing.T) {
	if chunks, err := chunkRanges(nil); err != nil || len(chunks) != 0 {
		t.Errorf("empty blob must yield zero chunks, got %d (%v)", len(chunks), err)
	}
	if chunks, err := chunkRanges(patterned(1024)); err != nil || len(chunks) != 1 {
		t.Errorf("small blob must yield one chunk, got %d (%v)", len(chunks), err)
	}
	chunks, err := chunkRanges(patterned(600 * 1024))
	if err != nil {
		t.Fatalf("chunking failed: %v", err)
	}
	if len(chunks) < 2 {
		t.Errorf("600 KiB blob yields %d chunks, want several", len(chunks))
	}
	total := 0
	for _, chunk := range chunks {
		if len(chunk) > MaxChunkBytes {
			t.Errorf("chunk of %d bytes exceeds the max", len(chunk))
		}
		total += len(chunk)
	}
	if total != 600*1024 {
		t.Errorf("chunks cover %d bytes of %d", total, 600*1024)
	}
}

func TestPersistAndLoadBlobRoundTrip(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	payloads := [][]byte{
		nil,
		[]byte("tiny"),
		patterned(300 * 1024),
		bytes.Repeat([]byte("compress-me-"), 20*1024),
	}
	for _, payload := range payloads {
		hash, err := PersistBlob(ctx, b, "file-1", "main", payload)
		if err != nil {
			t.Fatalf("PersistBlob(%d bytes) failed: %v", len(payload), err)
		}
		loaded, err := LoadBlob(ctx, b, hash)
		if err != nil {
			t.Fatalf("LoadBlob failed: %v", err)
		}
		if !bytes.Equal(loaded, append([]byte{}, payload...)) {
			t.Errorf("round trip of %d bytes diverged (%d back)", len(payload), len(loaded))
		}
	}
}

func TestCompressionOnlyWhenSmaller(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	// Highly repetitive data compresses; store it and check the codec.
	compressible := bytes.Repeat([]byte("aaaa"), 32*1024)
	if _, err := PersistBlob(ctx, b, "file-z", "main", compressible); err != nil {
		t.Fatalf("PersistBlob failed: %v", err)
	}
	res, err := b.Execute(ctx, "SELECT codec FROM lix_internal_binary_chunk_store", nil)
	if err != nil {
		t.Fatal(err)
	}
	sawZstd := false
	for _, row := range res.Rows {
		if row[0].AsText() == CodecZstd {
			sawZstd = true
		}
	}
	if !sawZstd {
		t.Error("repetitive payload was not compressed")
	}
}

func TestGCReclaimsUnreferencedChunks(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	if _, err := PersistBlob(ctx, b, "file-1", "main", patterned(64*1024)); err != nil {
		t.Fatalf("PersistBlob failed: %v", err)
	}
	if err := UpsertDataCache(ctx, b, "file-1", "main", patterned(64*1024), "2024-01-01T00:00:00.000Z"); err != nil {
		t.Fatalf("UpsertDataCache failed: %v", err)
	}

	// Still cached: GC must keep everything.
	if err := GC(ctx, b); err != nil {
		t.Fatalf("GC failed: %v", err)
	}
	res, _ := b.Execute(ctx, "SELECT COUNT(*) FROM lix_internal_binary_chunk_store", nil)
	if res.Rows[0][0].AsInt() == 0 {
		t.Fatal("GC removed referenced chunks")
	}

	// Dropping the cache unreferences the blob; GC reclaims the chain.
	if err := InvalidateDataCache(ctx, b, "file-1", "main"); err != nil {
		t.Fatal(err)
	}
	if err := GC(ctx, b); err != nil {
		t.Fatalf("GC failed: %v", err)
	}
	for _, table := range []string{
		"lix_internal_binary_file_version_ref",
		"lix_internal_binary_blob_manifest_chunk",
		"lix_internal_binary_chunk_store",
		"lix_internal_binary_blob_manifest",
		"lix_internal_binary_blob_store",
	} {
		res, err := b.Execute(ctx, "SELECT COUNT(*) FROM "+table, nil)
		if err != nil {
			t.Fatal(err)
		}
		if res.Rows[0][0].AsInt() != 0 {
			t.Errorf("%s still has rows after GC", table)
		}
	}
}
