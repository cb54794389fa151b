package dht

import (
	"fmt"

	"github.com/libp2p/go-libp2p-record"

	"github.com/chiral-network/p2p-core/pkg/wire"
)

// Namespace is the DHT record namespace this module registers its
// manifest validator under, grounded on the teacher's namespaced
// validator in Network Core/pkg/network/manifest.go, renamed into this
// project's own key space.
const Namespace = "chiral-manifest"

// ManifestValidator accepts any record whose value decodes as a well-
// formed FileManifest and selects the newest by CreatedAt, mirroring the
// teacher's record.NamespacedValidator usage for manifest records.
type ManifestValidator struct{}

var _ record.Validator = ManifestValidator{}

// Validate rejects malformed manifest values so a poisoned record cannot
// be stored by a misbehaving peer.
func (ManifestValidator) Validate(key string, value []byte) error {
	if _, err := wire.DecodeManifest(value); err != nil {
		return fmt.Errorf("invalid manifest record for key %q: %w", key, err)
	}
	return nil
}

// Select picks the manifest with the most recent CreatedAt among
// candidates for the same key, matching the "readers keep the highest
// observed sequence" ordering rule (manifests do not carry an explicit
// sequence number, so CreatedAt stands in for it).
func (ManifestValidator) Select(key string, values [][]byte) (int, error) {
	best := -1
	var bestCreated int64
	for i, v := range values {
		m, err := wire.DecodeManifest(v)
		if err != nil {
			continue
		}
		created := m.CreatedAt.Unix()
		if best == -1 || created > bestCreated {
			best = i
			bestCreated = created
		}
	}
	if best == -1 {
		return 0, fmt.Errorf("no valid manifest records for key %q", key)
	}
	return best, nil
}
