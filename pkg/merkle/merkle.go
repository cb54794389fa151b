// Package merkle computes the bitcoin-style Merkle root over a file's
// chunk hashes: SHA-256 over left||right at each level, duplicating the
// last node when a level has an odd count. Grounded on the plain
// crypto/sha256 usage in the teacher's chunk_validator.go (calculateHash)
// generalized from a single hash to a tree.
package merkle

import (
	"crypto/sha256"

	"github.com/chiral-network/p2p-core/pkg/coretypes"
)

// EmptyRoot is the convention for a zero-chunk file: sha256("").
var EmptyRoot = coretypes.MerkleRoot(sha256.Sum256(nil))

// Root computes the Merkle root over chunk ids, in order. An empty slice
// returns EmptyRoot per the spec's boundary-behavior convention.
func Root(ids []coretypes.ChunkID) coretypes.MerkleRoot {
	if len(ids) == 0 {
		return EmptyRoot
	}

	level := make([][32]byte, len(ids))
	for i, id := range ids {
		level[i] = [32]byte(id)
	}

	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			var buf [64]byte
			copy(buf[:32], left[:])
			copy(buf[32:], right[:])
			next = append(next, sha256.Sum256(buf[:]))
		}
		level = next
	}

	return coretypes.MerkleRoot(level[0])
}

// ChunkID hashes chunk bytes into its content-addressed identity.
func ChunkID(b []byte) coretypes.ChunkID {
	return coretypes.ChunkID(sha256.Sum256(b))
}
