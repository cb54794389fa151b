package merkle

import (
	"crypto/sha256"
	"testing"

	"github.com/chiral-network/p2p-core/pkg/coretypes"
	"github.com/stretchr/testify/require"
)

func sha256Pair(a, b coretypes.ChunkID) coretypes.ChunkID {
	var buf [64]byte
	copy(buf[:32], a[:])
	copy(buf[32:], b[:])
	return coretypes.ChunkID(sha256.Sum256(buf[:]))
}

func TestRootEmpty(t *testing.T) {
	require.Equal(t, EmptyRoot, Root(nil))
}

func TestRootHelloWorldScenario(t *testing.T) {
	// "hello world" chunked at CHUNK_MAX=4: "hell", "o wo", "rld"
	h1 := ChunkID([]byte("hell"))
	h2 := ChunkID([]byte("o wo"))
	h3 := ChunkID([]byte("rld"))

	got := Root([]coretypes.ChunkID{h1, h2, h3})

	left := sha256Pair(h1, h2)
	right := sha256Pair(h3, h3)
	want := sha256Pair(left, right)

	require.Equal(t, coretypes.MerkleRoot(want), got)
}

func TestRootDeterministic(t *testing.T) {
	ids := []coretypes.ChunkID{ChunkID([]byte("a")), ChunkID([]byte("b")), ChunkID([]byte("c")), ChunkID([]byte("d"))}
	require.Equal(t, Root(ids), Root(ids))
}
