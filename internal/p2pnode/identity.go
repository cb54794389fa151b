package p2pnode

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/crypto"
)

// LoadOrGenerateIdentity reads an Ed25519 private key from path, or
// generates and persists a fresh one if path does not exist yet. Grounded
// on the teacher's crypto.GenerateEd25519Key(rand.Reader)
// (Network Core/pkg/overlay/overlay.go NewOverlayNode), extended with the
// on-disk persistence the relay daemon's identity.key requires across
// restarts (persistent state layout, spec.md §6).
func LoadOrGenerateIdentity(path string) (crypto.PrivKey, error) {
	if data, err := os.ReadFile(path); err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("unmarshal identity key %s: %w", path, err)
		}
		return priv, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read identity key %s: %w", path, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	data, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal identity key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("mkdir for identity key %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("write identity key %s: %w", path, err)
	}
	return priv, nil
}
