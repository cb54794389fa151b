package chunkstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chiral-network/p2p-core/pkg/coretypes"
	"github.com/chiral-network/p2p-core/pkg/merkle"
)

func TestPutGetChunkRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, nil)
	require.NoError(t, err)

	id, err := s.PutChunk([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, merkle.ChunkID([]byte("hello")), id)

	data, ok := s.GetChunk(id)
	require.True(t, ok)
	require.Equal(t, []byte("hello"), data)
}

func TestPutChunkIdempotent(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, nil)
	require.NoError(t, err)

	id1, err := s.PutChunk([]byte("x"))
	require.NoError(t, err)
	id2, err := s.PutChunk([]byte("x"))
	require.NoError(t, err)
	require.Equal(t, id1, id2)
}

func TestPutChunkTooLarge(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, nil)
	require.NoError(t, err)

	_, err = s.PutChunk(make([]byte, 300*1024))
	require.Error(t, err)
}

func TestGetChunkCorruptedEvicted(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, nil)
	require.NoError(t, err)

	id, err := s.PutChunk([]byte("good"))
	require.NoError(t, err)

	// Corrupt the on-disk bytes directly.
	require.NoError(t, os.WriteFile(s.pathFor(id), []byte("corrupted!"), 0o644))

	_, ok := s.GetChunk(id)
	require.False(t, ok)
	_, statErr := os.Stat(s.pathFor(id))
	require.True(t, os.IsNotExist(statErr))
}

func TestIngestAndAssembleRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, nil)
	require.NoError(t, err)

	srcPath := filepath.Join(t.TempDir(), "src.bin")
	content := make([]byte, 700*1024) // spans multiple chunks at 256KiB default
	for i := range content {
		content[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(srcPath, content, 0o644))

	manifest, err := s.IngestFile(srcPath)
	require.NoError(t, err)
	require.EqualValues(t, len(content), manifest.FileSize)

	outPath := filepath.Join(t.TempDir(), "out.bin")
	require.NoError(t, s.Assemble(manifest, outPath))

	got, err := os.ReadFile(outPath)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestIngestEmptyFile(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, nil)
	require.NoError(t, err)

	srcPath := filepath.Join(t.TempDir(), "empty.bin")
	require.NoError(t, os.WriteFile(srcPath, nil, 0o644))

	manifest, err := s.IngestFile(srcPath)
	require.NoError(t, err)
	require.EqualValues(t, 0, manifest.TotalChunks)
	require.Equal(t, merkle.EmptyRoot, manifest.MerkleRoot)

	outPath := filepath.Join(t.TempDir(), "empty_out.bin")
	require.NoError(t, s.Assemble(manifest, outPath))
	info, err := os.Stat(outPath)
	require.NoError(t, err)
	require.EqualValues(t, 0, info.Size())
}

func TestAssembleMissingChunkFails(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, nil)
	require.NoError(t, err)

	id, err := s.PutChunk([]byte("only-chunk"))
	require.NoError(t, err)
	missing := merkle.ChunkID([]byte("never-written"))
	manifest := coretypes.FileManifest{
		ChunkIDs:    []coretypes.ChunkID{id, missing},
		TotalChunks: 2,
	}
	manifest.MerkleRoot = merkle.Root(manifest.ChunkIDs)

	err = s.Assemble(manifest, filepath.Join(t.TempDir(), "out.bin"))
	require.Error(t, err)
}
