// Package eventbus implements the typed outbound event stream and inbound
// command channel named in the external interfaces. It is grounded on the
// teacher's QuorumManagerImpl channel plumbing
// (Network Core/pkg/network/quorum.go: voteComplete/peerBanned/fileRemoved
// channels as a fan-out signaling mechanism), generalized from ad hoc
// per-purpose channels into one typed MPMC bus with two queue disciplines.
package eventbus

import "time"

// Event is implemented by every event payload in the outbound stream.
// Consumers type-switch on it; unknown event types are ignored by design
// (forward-compatible per the external interfaces). Embed Base to satisfy
// it, including from outside this package, so components (pkg/dht,
// pkg/scheduler, pkg/relay) can define their own event payloads without an
// import cycle back into eventbus.
type Event interface {
	EventMarker()
}

// Base is embedded by every Event implementation.
type Base struct{}

// EventMarker satisfies Event.
func (Base) EventMarker() {}

type base = Base

// Queued is emitted when a task enters the scheduler queue.
type Queued struct {
	base
	TaskID string
}

// Started is emitted when a task begins its first attempt.
type Started struct {
	base
	TaskID string
}

// SourceConnected is emitted when a task successfully dials a source.
type SourceConnected struct {
	base
	TaskID string
	PeerID string
}

// SourceDisconnected is emitted when a source connection is lost.
type SourceDisconnected struct {
	base
	TaskID string
	PeerID string
}

// ChunkCompleted is emitted when a chunk verifies and is persisted.
type ChunkCompleted struct {
	base
	TaskID     string
	ChunkIndex uint32
	PeerID     string
	Bytes      int
}

// ChunkFailed is emitted when a chunk request or its verification fails.
type ChunkFailed struct {
	base
	TaskID     string
	ChunkIndex uint32
	PeerID     string
	Reason     string
}

// Progress is emitted at <=1Hz with a monotonically non-decreasing byte
// count.
type Progress struct {
	base
	TaskID          string
	DownloadedBytes int64
	TotalBytes      int64
}

// Paused is emitted when a task transitions to Paused.
type Paused struct {
	base
	TaskID string
}

// Resumed is emitted when a paused task resumes.
type Resumed struct {
	base
	TaskID string
}

// Completed is terminal, emitted exactly once per task.
type Completed struct {
	base
	TaskID string
}

// Failed carries the error category and whether retry is possible.
type Failed struct {
	base
	TaskID        string
	Category      string
	RetryPossible bool
}

// Canceled is terminal, emitted exactly once per canceled task.
type Canceled struct {
	base
	TaskID string
}

// SpeedUpdate is emitted at <=1Hz.
type SpeedUpdate struct {
	base
	TaskID         string
	BytesPerSecond float64
}

// PeerConnected is emitted by DhtNode on a successful connect.
type PeerConnected struct {
	base
	PeerID string
}

// PeerDisconnected is emitted by DhtNode when a Connect attempt to a peer
// fails; a connection that drops later is not reported.
type PeerDisconnected struct {
	base
	PeerID string
}

// RelayStateChanged is emitted by the relay client pool on RelayState
// transitions.
type RelayStateChanged struct {
	base
	RelayPeerID string
	State       string
}

// ReputationUpdated is emitted whenever ReputationEngine recomputes a
// peer's score.
type ReputationUpdated struct {
	base
	PeerID     string
	Score      float64
	TrustLevel string
}

// MetricsTick is emitted periodically with a coarse liveness summary.
type MetricsTick struct {
	base
	At time.Time
}
