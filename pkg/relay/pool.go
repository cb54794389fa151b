package relay

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/chiral-network/p2p-core/pkg/eventbus"
	"github.com/chiral-network/p2p-core/pkg/relayrep"
	"github.com/chiral-network/p2p-core/pkg/xerrors"
)

// State is a RelayPool candidate's lifecycle stage.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReserving
	StateReserved
	StateRetrying
	StateFailed
	StateFallback
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReserving:
		return "reserving"
	case StateReserved:
		return "reserved"
	case StateRetrying:
		return "retrying"
	case StateFailed:
		return "failed"
	case StateFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

const maxConsecutiveFailures = 5

// candidate tracks one relay's connection lifecycle and health.
type candidate struct {
	peerID             peer.ID
	state              State
	backoff            *backoff.Backoff
	consecutiveFails   int
	healthScore        float64
	reservationExpires time.Time
}

// Pool is the client role named in the external interfaces: it holds a
// set of candidate relays, keeps at most one reserved as primary, and
// promotes/demotes candidates on an EWMA health score plus a
// consecutive-failure counter. Grounded on the teacher's connection
// bookkeeping in NewTransportNode/ConnectToPeer
// (Network Core/pkg/network/transport.go), generalized from a flat
// peer map into a ranked, stateful candidate set.
type Pool struct {
	h      host.Host
	bus    *eventbus.Bus
	log    *zap.Logger
	ledger *relayrep.Ledger

	mu         sync.Mutex
	candidates map[peer.ID]*candidate
	primary    peer.ID

	incoming chan network.Stream
}

// NewPool constructs a client-side relay pool and registers the stream
// handler that accepts inbound circuit announcements from relays this
// node has a reservation with. It owns a RelayReputationLedger keyed by
// relay peer id (spec 4.8), scoring the relays this node has used.
func NewPool(h host.Host, bus *eventbus.Bus, log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pool{
		h:          h,
		bus:        bus,
		log:        log.With(zap.String("component", "relay_pool")),
		ledger:     relayrep.New(),
		candidates: make(map[peer.ID]*candidate),
		incoming:   make(chan network.Stream, 16),
	}
	h.SetStreamHandler(ProtocolID, p.handleStream)
	return p
}

// Ledger exposes the relay reputation ledger this pool maintains, for
// leaderboard queries (e.g. by a UI or by relay-candidate discovery).
func (p *Pool) Ledger() *relayrep.Ledger {
	return p.ledger
}

// Incoming returns the channel of streams opened by a relay on behalf
// of a remote peer once this node's destination-side handshake
// completes. A stream is dropped when the channel's buffer is full and
// nobody is reading it.
func (p *Pool) Incoming() <-chan network.Stream {
	return p.incoming
}

func (p *Pool) handleStream(stream network.Stream) {
	frame, err := readFrame(stream)
	if err != nil {
		stream.Close()
		return
	}
	if frame.Op != OpIncomingCircuit {
		stream.Close()
		return
	}
	if _, err := stream.Write(EncodeConnectAccepted()); err != nil {
		stream.Close()
		return
	}
	select {
	case p.incoming <- stream:
	default:
		p.log.Warn("incoming circuit backlog full, dropping")
		stream.Close()
	}
}

// AddCandidate registers a relay, by peer ID, to track.
func (p *Pool) AddCandidate(id peer.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.candidates[id]; ok {
		return
	}
	p.candidates[id] = &candidate{
		peerID: id,
		state:  StateDisconnected,
		backoff: &backoff.Backoff{
			Min:    5 * time.Second,
			Max:    5 * time.Minute,
			Factor: 2,
			Jitter: true,
		},
	}
}

// Reserve makes one attempt to connect and reserve a slot with the given
// relay. A failed attempt leaves the candidate Retrying, or Failed once it
// has failed maxConsecutiveFailures times in a row; the candidate's
// jittered backoff only supplies the next_retry value that is logged, and
// Reserve itself does not retry or wait.
func (p *Pool) Reserve(ctx context.Context, id peer.ID) error {
	p.mu.Lock()
	c, ok := p.candidates[id]
	if !ok {
		c = &candidate{peerID: id, backoff: &backoff.Backoff{Min: 5 * time.Second, Max: 5 * time.Minute, Factor: 2, Jitter: true}}
		p.candidates[id] = c
	}
	p.mu.Unlock()

	p.setState(c, StateConnecting)

	stream, err := p.h.NewStream(ctx, id, ProtocolID)
	if err != nil {
		return p.onFailure(c, err)
	}
	defer stream.Close()

	p.setState(c, StateReserving)
	if _, err := stream.Write(EncodeReserve()); err != nil {
		return p.onFailure(c, err)
	}

	frame, err := readFrame(stream)
	if err != nil {
		return p.onFailure(c, err)
	}

	if frame.Op == OpReservationRefused {
		return p.onFailure(c, xerrors.New(xerrors.KindReservationRefused, "relay refused reservation: "+string(frame.Payload), nil))
	}
	if frame.Op != OpReservationGranted || len(frame.Payload) < 4 {
		return p.onFailure(c, xerrors.New(xerrors.KindReservationRefused, "malformed reservation response", nil))
	}

	ttl := time.Duration(getU32(frame.Payload)) * time.Second
	p.mu.Lock()
	c.state = StateReserved
	c.consecutiveFails = 0
	c.backoff.Reset()
	c.reservationExpires = time.Now().Add(ttl)
	p.promoteLocked(c)
	p.mu.Unlock()

	p.ledger.RecordReservationAccepted(id.String())
	p.publishState(id, StateReserved)
	return nil
}

func (p *Pool) onFailure(c *candidate, err error) error {
	p.mu.Lock()
	c.consecutiveFails++
	if c.consecutiveFails >= maxConsecutiveFailures {
		c.state = StateFailed
	} else {
		c.state = StateRetrying
	}
	delay := c.backoff.Duration()
	fails := c.consecutiveFails
	p.mu.Unlock()

	p.ledger.RecordFailure(c.peerID.String())
	p.publishState(c.peerID, c.state)
	p.log.Warn("relay reservation failed",
		zap.String("peer", c.peerID.String()),
		zap.Int("consecutive_failures", fails),
		zap.Duration("next_retry", delay),
		zap.Error(err),
	)
	return xerrors.Wrapf(xerrors.KindReservationRefused, err, "reserve with relay %s", c.peerID)
}

// promoteLocked designates c as primary if no primary is currently
// Reserved, or if c's health score beats the current primary's.
func (p *Pool) promoteLocked(c *candidate) {
	if p.primary == "" {
		p.primary = c.peerID
		return
	}
	if cur, ok := p.candidates[p.primary]; ok {
		if cur.state != StateReserved || c.healthScore > cur.healthScore {
			p.primary = c.peerID
		}
	}
}

// ReportOutcome updates a candidate's EWMA health score after a circuit
// attempt through it. When the primary has failed maxConsecutiveFailures
// times in a row, it is demoted to Fallback and another Reserved
// candidate, if there is one, is promoted to primary.
func (p *Pool) ReportOutcome(id peer.ID, success bool, rttSeconds float64) {
	const alpha = 0.3
	sample := 0.0
	if success {
		sample = 1.0 / (1.0 + rttSeconds)
	}

	p.ledger.RecordCircuitEstablished(id.String(), success)
	if !success {
		p.ledger.RecordFailure(id.String())
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.candidates[id]
	if !ok {
		return
	}
	if c.healthScore == 0 {
		c.healthScore = sample
	} else {
		c.healthScore = alpha*sample + (1-alpha)*c.healthScore
	}
	if !success {
		c.consecutiveFails++
		if c.consecutiveFails >= maxConsecutiveFailures && id == p.primary {
			c.state = StateFallback
			p.primary = ""
			for otherID, other := range p.candidates {
				if otherID != id && other.state == StateReserved {
					p.promoteLocked(other)
					break
				}
			}
		}
	} else {
		c.consecutiveFails = 0
	}
}

func (p *Pool) setState(c *candidate, s State) {
	p.mu.Lock()
	c.state = s
	p.mu.Unlock()
	p.publishState(c.peerID, s)
}

func (p *Pool) publishState(id peer.ID, s State) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.RelayStateChanged{RelayPeerID: id.String(), State: s.String()})
}

// Primary returns the current primary relay's peer ID, if any.
func (p *Pool) Primary() (peer.ID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.primary == "" {
		return "", false
	}
	return p.primary, true
}

// OpenCircuit asks the primary relay to splice a circuit to dst.
func (p *Pool) OpenCircuit(ctx context.Context, dst peer.ID) (network.Stream, error) {
	primary, ok := p.Primary()
	if !ok {
		return nil, xerrors.New(xerrors.KindReservationRefused, "no reserved relay available", nil)
	}

	stream, err := p.h.NewStream(ctx, primary, ProtocolID)
	if err != nil {
		return nil, xerrors.Wrapf(xerrors.KindUnreachable, err, "dial relay %s", primary)
	}
	if _, err := stream.Write(EncodeConnect(dst.String())); err != nil {
		stream.Close()
		return nil, xerrors.Wrapf(xerrors.KindUnreachable, err, "send connect to relay %s", primary)
	}

	frame, err := readFrame(stream)
	if err != nil {
		stream.Close()
		return nil, xerrors.Wrapf(xerrors.KindUnreachable, err, "read connect response")
	}
	if frame.Op != OpConnectAccepted {
		stream.Close()
		p.ReportOutcome(primary, false, 0)
		return nil, xerrors.New(xerrors.KindReservationRefused, fmt.Sprintf("relay refused circuit: %s", string(frame.Payload)), nil)
	}

	p.ReportOutcome(primary, true, 0)
	return stream, nil
}

// jitteredSleep is used by callers that want an ad hoc randomized delay
// outside the per-candidate backoff (e.g. staggering first reservation
// attempts across a freshly discovered relay set).
func jitteredSleep(base time.Duration) time.Duration {
	return base + time.Duration(rand.Int63n(int64(base)))
}
