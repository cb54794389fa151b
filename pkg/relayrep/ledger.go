// Package relayrep implements RelayReputationLedger: per-relay counters,
// leaderboard queries, and alias mapping. Grounded on the teacher's
// FileRegistry (Network Core/pkg/registry/registry.go) — a
// sync.RWMutex-guarded map of structs with Register*/Get* accessors —
// generalized here from file/chunk ownership to relay counters.
package relayrep

import (
	"sort"
	"sync"
	"time"
)

// Counters is what the ledger tracks per relay peer id.
type Counters struct {
	PeerID              string
	ReservationsAccepted uint64
	CircuitsEstablished  uint64
	CircuitsSuccessful   uint64
	Failures             uint64
	TotalEvents          uint64
	LastSeen             time.Time
	Alias                string
}

// Score computes circuits_successful*2 + reservations_accepted - failures,
// per the component design.
func (c Counters) Score() int64 {
	return int64(c.CircuitsSuccessful)*2 + int64(c.ReservationsAccepted) - int64(c.Failures)
}

// Ledger is the RelayReputationLedger.
type Ledger struct {
	mu    sync.RWMutex
	byID  map[string]*Counters
}

// New creates an empty Ledger.
func New() *Ledger {
	return &Ledger{byID: make(map[string]*Counters)}
}

func (l *Ledger) getOrCreateLocked(peerID string) *Counters {
	c, ok := l.byID[peerID]
	if !ok {
		c = &Counters{PeerID: peerID}
		l.byID[peerID] = c
	}
	return c
}

// RecordReservationAccepted bumps a relay's reservation counter.
func (l *Ledger) RecordReservationAccepted(peerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := l.getOrCreateLocked(peerID)
	c.ReservationsAccepted++
	c.TotalEvents++
	c.LastSeen = time.Now()
}

// RecordCircuitEstablished bumps a relay's circuit counter, and its
// successful-circuit counter iff successful is true.
func (l *Ledger) RecordCircuitEstablished(peerID string, successful bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := l.getOrCreateLocked(peerID)
	c.CircuitsEstablished++
	if successful {
		c.CircuitsSuccessful++
	}
	c.TotalEvents++
	c.LastSeen = time.Now()
}

// RecordFailure bumps a relay's failure counter (refused reservation,
// dropped circuit, quota violation).
func (l *Ledger) RecordFailure(peerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := l.getOrCreateLocked(peerID)
	c.Failures++
	c.TotalEvents++
	c.LastSeen = time.Now()
}

// SetAlias assigns a human-readable alias to a relay peer id.
func (l *Ledger) SetAlias(peerID, alias string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := l.getOrCreateLocked(peerID)
	c.Alias = alias
}

// Get returns a copy of peerID's counters, or false if unseen.
func (l *Ledger) Get(peerID string) (Counters, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.byID[peerID]
	if !ok {
		return Counters{}, false
	}
	return *c, true
}

// Leaderboard returns the top-N relays by Score, descending, ties broken
// by LastSeen descending.
func (l *Ledger) Leaderboard(n int) []Counters {
	l.mu.RLock()
	defer l.mu.RUnlock()

	all := make([]Counters, 0, len(l.byID))
	for _, c := range l.byID {
		all = append(all, *c)
	}
	sort.Slice(all, func(i, j int) bool {
		si, sj := all[i].Score(), all[j].Score()
		if si != sj {
			return si > sj
		}
		return all[i].LastSeen.After(all[j].LastSeen)
	})
	if n > 0 && n < len(all) {
		all = all[:n]
	}
	return all
}
