package source

import (
	"context"

	"github.com/chiral-network/p2p-core/pkg/coretypes"
	"github.com/chiral-network/p2p-core/pkg/xerrors"
)

// UnimplementedHandler satisfies Handler for variants this module only
// specifies the abstraction for (FTP/ED2K/BitTorrent library bindings,
// WebRTC signaling), per spec.md's OUT OF SCOPE list. Connect and
// FetchChunk always fail with KindUnauthorized, tagged with reason so
// callers can distinguish "no such library" from a real transport
// failure; Priority still returns the variant's static score so the
// scheduler's selection logic can be exercised end to end in tests
// without a working binding.
type UnimplementedHandler struct {
	source coretypes.DownloadSource
	reason string
}

func (h *UnimplementedHandler) Connect(ctx context.Context) error {
	return xerrors.New(xerrors.KindUnauthorized, "source variant not implemented: "+h.reason, nil)
}

func (h *UnimplementedHandler) FetchChunk(ctx context.Context, root coretypes.MerkleRoot, index uint32, offset, length uint32) ([]byte, error) {
	return nil, xerrors.New(xerrors.KindUnauthorized, "source variant not implemented: "+h.reason, nil)
}

func (h *UnimplementedHandler) Teardown() error { return nil }

func (h *UnimplementedHandler) Priority() float64 { return h.source.PriorityScore() }
