// Package source implements SourceAbstraction: a uniform capability
// interface over the DownloadSource variants named in the data model
// (P2P, HTTP, FTP, ED2K, BitTorrent, WebRTC), so the scheduler can
// connect/fetch/teardown any of them without a type switch at the call
// site. Grounded on the teacher's TransferManager.Download
// (Network Core/pkg/network/chunk.go DownloadChunk/Download), generalized
// from one hardcoded libp2p-stream transfer path into the small capability
// interface the design notes call for: "per-variant handler modules
// behind a small capability trait {connect, fetch_chunk, teardown,
// priority}".
package source

import (
	"context"

	"github.com/chiral-network/p2p-core/pkg/coretypes"
)

// Handler is the capability interface every DownloadSource variant
// implements. Connect must be called once before FetchChunk; Teardown
// releases whatever Connect acquired and is safe to call more than once.
type Handler interface {
	// Connect establishes whatever session the variant needs (a libp2p
	// stream, an HTTP client, an FTP control connection, ...).
	Connect(ctx context.Context) error

	// FetchChunk retrieves one chunk by index, with the request's Merkle
	// root and, for byte-range-capable variants, the explicit
	// offset/length within the chunk.
	FetchChunk(ctx context.Context, root coretypes.MerkleRoot, index uint32, offset, length uint32) ([]byte, error)

	// Teardown releases the handler's session resources.
	Teardown() error

	// Priority returns the variant's current priority score, per
	// coretypes.DownloadSource.PriorityScore — live handlers may refine
	// the static score with observed liveness.
	Priority() float64
}

// NewHandler builds the concrete Handler for src's variant. FTP, ED2K,
// and BitTorrent are out of scope per spec Non-goals (only the
// abstraction interface is specified, not the library bindings) and
// return an UnimplementedHandler that satisfies Handler so scheduler
// dispatch logic and its tests can exercise every variant uniformly.
func NewHandler(src coretypes.DownloadSource, deps Deps) Handler {
	switch src.Kind {
	case coretypes.SourceP2P:
		return NewP2PHandler(src, deps)
	case coretypes.SourceHTTP:
		return NewHTTPHandler(src)
	case coretypes.SourceWebRTC:
		return &UnimplementedHandler{source: src, reason: "WebRTC signaling is an external collaborator (WebSocket fallback is an explicit Non-goal)"}
	case coretypes.SourceFTP:
		return &UnimplementedHandler{source: src, reason: "FTP library binding out of scope, only the abstraction is specified"}
	case coretypes.SourceED2K:
		return &UnimplementedHandler{source: src, reason: "ED2K library binding out of scope, only the abstraction is specified"}
	case coretypes.SourceBitTorrent:
		return &UnimplementedHandler{source: src, reason: "BitTorrent library binding out of scope, only the abstraction is specified"}
	default:
		return &UnimplementedHandler{source: src, reason: "unknown source kind"}
	}
}
