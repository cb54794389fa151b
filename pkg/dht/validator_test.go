package dht

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chiral-network/p2p-core/pkg/coretypes"
	"github.com/chiral-network/p2p-core/pkg/wire"
)

func encodeFixture(t *testing.T, createdAt time.Time) []byte {
	t.Helper()
	m := coretypes.FileManifest{
		FileName:    "a.bin",
		TotalChunks: 1,
		ChunkIDs:    []coretypes.ChunkID{{1}},
		CreatedAt:   createdAt,
	}
	enc, err := wire.EncodeManifest(m)
	require.NoError(t, err)
	return enc
}

func TestManifestValidatorRejectsGarbage(t *testing.T) {
	v := ManifestValidator{}
	require.Error(t, v.Validate("k", []byte("not cbor")))
}

func TestManifestValidatorAcceptsWellFormed(t *testing.T) {
	v := ManifestValidator{}
	require.NoError(t, v.Validate("k", encodeFixture(t, time.Unix(1000, 0))))
}

func TestManifestValidatorSelectsNewest(t *testing.T) {
	v := ManifestValidator{}
	older := encodeFixture(t, time.Unix(1000, 0))
	newer := encodeFixture(t, time.Unix(2000, 0))
	idx, err := v.Select("k", [][]byte{older, newer})
	require.NoError(t, err)
	require.Equal(t, 1, idx)
}

func TestManifestKeyShape(t *testing.T) {
	root := coretypes.MerkleRoot{0xAB, 0xCD}
	key := manifestKey(root)
	require.Contains(t, key, "/"+Namespace+"/")
}
