// Package metrics implements PeerMetrics: sliding-window EWMA of latency,
// bandwidth, and success rate per peer, and the composite-score oracle the
// scheduler uses to rank sources. Grounded on the teacher's PeerManager
// (Network Core/pkg/peer/peer.go), generalized from a flat sync.Map of
// PeerInfo into the sharded-lock-by-peer-id-hash design the concurrency
// model calls for ("sharded lock (by peer-id hash mod 16) to reduce
// contention"). Each shard bounds itself with an LRU cache rather than a
// plain map, so a swarm with high peer churn (many transient or malicious
// peer ids cycling through) cannot grow this store unbounded.
package metrics

import (
	"hash/fnv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/chiral-network/p2p-core/pkg/coretypes"
)

const (
	shardCount        = 16
	ewmaAlpha         = 0.3
	perShardCapacity  = 4096
)

type shard struct {
	mu      sync.RWMutex
	records *lru.Cache[string, *coretypes.PeerMetricsRecord]
}

// Store is the sharded PeerMetrics registry.
type Store struct {
	shards [shardCount]*shard
}

// New creates an empty metrics Store.
func New() *Store {
	s := &Store{}
	for i := range s.shards {
		c, err := lru.New[string, *coretypes.PeerMetricsRecord](perShardCapacity)
		if err != nil {
			// only returns an error for a non-positive size, which
			// perShardCapacity never is.
			panic(err)
		}
		s.shards[i] = &shard{records: c}
	}
	return s
}

func (s *Store) shardFor(peerID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(peerID))
	return s.shards[h.Sum32()%shardCount]
}

// Get returns a copy of the current record for peerID, or a zero-value
// record if unknown.
func (s *Store) Get(peerID string) coretypes.PeerMetricsRecord {
	sh := s.shardFor(peerID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	if rec, ok := sh.records.Get(peerID); ok {
		return *rec
	}
	return coretypes.PeerMetricsRecord{PeerID: peerID}
}

func ewma(prev, sample float64) float64 {
	if prev == 0 {
		return sample
	}
	return ewmaAlpha*sample + (1-ewmaAlpha)*prev
}

// RecordSuccess folds a successful chunk transfer into peerID's record:
// success++, bytes += n, and a latency/bandwidth EWMA sample.
func (s *Store) RecordSuccess(peerID string, latencyMs float64, bytesTransferred uint64, elapsed time.Duration) {
	sh := s.shardFor(peerID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec := s.getOrCreateLocked(sh, peerID)
	rec.Attempts++
	rec.Successes++
	rec.BytesTransferred += bytesTransferred
	rec.EwmaLatencyMs = ewma(rec.EwmaLatencyMs, latencyMs)
	if elapsed > 0 {
		bps := float64(bytesTransferred) / elapsed.Seconds()
		rec.EwmaBandwidthBps = ewma(rec.EwmaBandwidthBps, bps)
	}
	rec.UpdatedAt = time.Now()
}

// RecordFailure folds a failed attempt into peerID's record without
// disturbing the successes counter, preserving the invariant
// successes <= attempts.
func (s *Store) RecordFailure(peerID string) {
	sh := s.shardFor(peerID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec := s.getOrCreateLocked(sh, peerID)
	rec.Attempts++
	rec.UpdatedAt = time.Now()
}

func (s *Store) getOrCreateLocked(sh *shard, peerID string) *coretypes.PeerMetricsRecord {
	rec, ok := sh.records.Get(peerID)
	if !ok {
		rec = &coretypes.PeerMetricsRecord{PeerID: peerID}
		sh.records.Add(peerID, rec)
	}
	return rec
}

// SuccessRate returns successes/attempts, or 0 if there have been no
// attempts.
func SuccessRate(r coretypes.PeerMetricsRecord) float64 {
	if r.Attempts == 0 {
		return 0
	}
	return float64(r.Successes) / float64(r.Attempts)
}

// CompositeScore implements the scheduler's composite score function:
// score = 0.45*norm(1/latency) + 0.35*norm(bandwidth) + 0.15*success_rate + 0.05*encryption_bonus
//
// normLatency and normBandwidth are the peer set's normalization
// denominators (the maximum 1/latency and bandwidth observed across the
// candidate set), computed by the caller so this function stays a pure,
// side-effect-free scorer.
func CompositeScore(r coretypes.PeerMetricsRecord, maxInvLatency, maxBandwidth float64) float64 {
	invLatency := 0.0
	if r.EwmaLatencyMs > 0 {
		invLatency = 1 / r.EwmaLatencyMs
	}
	normLatency := safeDiv(invLatency, maxInvLatency)
	normBandwidth := safeDiv(r.EwmaBandwidthBps, maxBandwidth)
	encryptionBonus := 0.0
	if r.Encryption {
		encryptionBonus = 1.0
	}
	return 0.45*normLatency + 0.35*normBandwidth + 0.15*SuccessRate(r) + 0.05*encryptionBonus
}

func safeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}
