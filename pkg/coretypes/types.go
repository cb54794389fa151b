// Package coretypes holds the entities shared across the transport and
// transfer core: chunk identities, manifests, provider records, peer
// metrics, download sources and tasks. Components depend on this package
// instead of on each other's internal structs.
package coretypes

import "time"

// ChunkMax is the default maximum size of a single chunk, in bytes.
const ChunkMax = 256 * 1024

// ChunkID is the sha256 hash of a chunk's bytes.
type ChunkID [32]byte

// MerkleRoot is the root hash of the bitcoin-style Merkle tree over a
// file's ChunkIDs.
type MerkleRoot [32]byte

// IsZero reports whether the root was never set.
func (r MerkleRoot) IsZero() bool {
	return r == MerkleRoot{}
}

// FileManifest describes a file as a sequence of content-addressed chunks.
type FileManifest struct {
	MerkleRoot       MerkleRoot `cbor:"merkle_root"`
	FileName         string     `cbor:"file_name"`
	FileSize         int64      `cbor:"file_size"`
	TotalChunks      uint32     `cbor:"total_chunks"`
	ChunkIDs         []ChunkID  `cbor:"chunk_ids"`
	MimeType         string     `cbor:"mime_type,omitempty"`
	IsEncrypted      bool       `cbor:"is_encrypted"`
	EncryptionMethod string     `cbor:"encryption_method,omitempty"`
	KeyFingerprint   string     `cbor:"key_fingerprint,omitempty"`
	CreatedAt        time.Time  `cbor:"created_at"`
	UploaderAddress  string     `cbor:"uploader_address,omitempty"`
	Price            *uint64    `cbor:"price,omitempty"`
}

// ProviderRecord advertises that PeerID can serve the content addressed by
// MerkleRoot. DHT publishes a set of these keyed by MerkleRoot.
type ProviderRecord struct {
	MerkleRoot  MerkleRoot `cbor:"merkle_root"`
	PeerID      string     `cbor:"peer_id"`
	ObservedAt  time.Time  `cbor:"observed_at"`
	Sequence    uint64     `cbor:"sequence"`
	HTTPSources []string   `cbor:"http_sources,omitempty"`
	FTPSources  []string   `cbor:"ftp_sources,omitempty"`
	ED2KSources []string   `cbor:"ed2k_sources,omitempty"`
	InfoHash    string     `cbor:"info_hash,omitempty"`
}

// ProviderRecordTTL is the lifetime of a ProviderRecord before it must be
// refreshed by its publisher.
const ProviderRecordTTL = time.Hour

// FreshWindow bounds how recently a provider must have been observed for
// DhtNode.GetSeeders to return it. Resolves the spec's "pending seeder
// freshness window" open question at the stated 10-minute default.
const FreshWindow = 10 * time.Minute

// PeerInfo is a snapshot of what is known about a routing-table peer.
type PeerInfo struct {
	PeerID             string
	Addresses          []string
	LastSeen           time.Time
	EncryptionSupport  bool
	ReputationScore    float64
	Location           string
}

// PeerMetricsRecord is the sliding-window performance record PeerMetrics
// keeps for one peer. Invariant: Successes <= Attempts.
type PeerMetricsRecord struct {
	PeerID            string
	EwmaLatencyMs     float64
	EwmaBandwidthBps  float64
	Attempts          uint64
	Successes         uint64
	BytesTransferred  uint64
	Encryption        bool
	UpdatedAt         time.Time
}

// TrustLevel buckets a reputation score for UI and peer-selection gating.
type TrustLevel int

const (
	TrustUnknown TrustLevel = iota
	TrustLow
	TrustMedium
	TrustHigh
	TrustTrusted
)

func (t TrustLevel) String() string {
	switch t {
	case TrustTrusted:
		return "trusted"
	case TrustHigh:
		return "high"
	case TrustMedium:
		return "medium"
	case TrustLow:
		return "low"
	default:
		return "unknown"
	}
}

// BucketTrust maps a reputation score in [0,1] to its TrustLevel per the
// table in the component design for PeerMetrics/ReputationEngine.
func BucketTrust(score float64) TrustLevel {
	switch {
	case score >= 0.80:
		return TrustTrusted
	case score >= 0.60:
		return TrustHigh
	case score >= 0.40:
		return TrustMedium
	case score >= 0.20:
		return TrustLow
	default:
		return TrustUnknown
	}
}

// SourceKind tags a DownloadSource variant.
type SourceKind int

const (
	SourceP2P SourceKind = iota
	SourceHTTP
	SourceFTP
	SourceED2K
	SourceBitTorrent
	SourceWebRTC
)

// DownloadSource is a uniform handle to one place a task can fetch chunks
// from. Exactly one of the variant-specific fields is populated, selected
// by Kind; this models the spec's tagged-variant DownloadSource enum as an
// exhaustively-switched Go struct instead of interface-per-variant, since
// every variant carries liveness metrics the scheduler reads uniformly.
type DownloadSource struct {
	Kind SourceKind

	// SourceP2P / SourceWebRTC
	PeerID     string
	Reputation float64

	// SourceHTTP
	URL         string
	Headers     map[string]string
	BandwidthKbps float64

	// SourceFTP
	FTPUser     string
	FTPPass     string
	Passive     bool
	TLS         bool

	// SourceED2K
	ED2KLink string

	// SourceBitTorrent
	Magnet      string
	TorrentBytes []byte

	// SourceWebRTC
	ICEServers []string
}

// PriorityScore implements the spec's per-variant base priority function.
func (s DownloadSource) PriorityScore() float64 {
	clampRep := func(r float64) float64 {
		v := r * 100
		if v < 0 {
			return 0
		}
		if v > 100 {
			return 100
		}
		return v
	}
	switch s.Kind {
	case SourceP2P:
		return 100 + clampRep(s.Reputation)
	case SourceWebRTC:
		return 90 + clampRep(s.Reputation)
	case SourceHTTP:
		bw := s.BandwidthKbps / 1024
		if bw > 50 {
			bw = 50
		}
		return 50 + bw
	case SourceBitTorrent:
		return 40
	case SourceFTP:
		return 25
	case SourceED2K:
		return 20
	default:
		return 0
	}
}

// Reservation is a relay-side grant that a peer may be reached through it.
type Reservation struct {
	OwnerPeerID string
	GrantedAt   time.Time
	ExpiresAt   time.Time
}

// Circuit is a relay-side spliced connection between two peers.
type Circuit struct {
	SrcPeer string
	DstPeer string
	OpenedAt time.Time
}

// TaskState is a DownloadTask's coarse lifecycle stage.
type TaskState int

const (
	TaskQueued TaskState = iota
	TaskStarting
	TaskDownloading
	TaskPaused
	TaskCompleted
	TaskFailed
	TaskCanceled
)

// Priority maps to scheduling weights used for head-of-queue selection.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 3
	PriorityHigh   Priority = 9
)

// ChunkAllocation assigns a contiguous percentage share of a task's chunks
// to a source.
type ChunkAllocation struct {
	SourceIndex int
	Percent     float64
}

// DownloadTask is the scheduler's unit of work.
type DownloadTask struct {
	TaskID      string
	Manifest    FileManifest
	OutputPath  string
	Sources     []DownloadSource
	Allocation  []ChunkAllocation
	State       TaskState
	Priority    Priority
	KeepPartial bool
}
