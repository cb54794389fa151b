package wire

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chiral-network/p2p-core/pkg/coretypes"
)

func TestManifestRoundTrip(t *testing.T) {
	m := coretypes.FileManifest{
		FileName:    "hello.txt",
		FileSize:    11,
		TotalChunks: 3,
		ChunkIDs:    []coretypes.ChunkID{{1}, {2}, {3}},
		CreatedAt:   time.Unix(1700000000, 0).UTC(),
	}
	enc, err := EncodeManifest(m)
	require.NoError(t, err)

	got, err := DecodeManifest(enc)
	require.NoError(t, err)
	require.Equal(t, m.FileName, got.FileName)
	require.Equal(t, m.TotalChunks, got.TotalChunks)
	require.Len(t, got.ChunkIDs, 3)
}

func TestDecodeManifestMismatchedCount(t *testing.T) {
	m := coretypes.FileManifest{TotalChunks: 5, ChunkIDs: []coretypes.ChunkID{{1}}}
	enc, err := EncodeManifest(m)
	require.NoError(t, err)
	_, err = DecodeManifest(enc)
	require.Error(t, err)
}

func TestChunkRequestResponseRoundTrip(t *testing.T) {
	req := ChunkRequest{MerkleRoot: coretypes.MerkleRoot{9}, ChunkIndex: 42, Offset: 0, Length: 1024}
	raw := EncodeChunkRequest(req)
	require.Len(t, raw, 45)
	require.Equal(t, OpcodeChunkRequest, raw[0])

	got, err := DecodeChunkRequest(raw)
	require.NoError(t, err)
	require.Equal(t, req, got)

	resp := ChunkResponse{Status: StatusOK, ChunkIndex: 42, Bytes: []byte("payload")}
	rawResp := EncodeChunkResponse(resp)
	gotResp, err := DecodeChunkResponse(rawResp)
	require.NoError(t, err)
	require.Equal(t, resp, gotResp)
}

func TestWriteAtomicMetrics(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metrics.json")
	err := WriteAtomic(path, RelayMetrics{PeerID: "peer1", RelayReservations: 2})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "peer1")
}
