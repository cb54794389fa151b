// Package transport implements TransportManager: ordered multi-transport
// dialing (direct TCP, direct QUIC, hole-punch, relay-routed) and an
// AutoNAT-derived reachability tracker with hysteresis. Grounded on the
// teacher's NewTransportNode host construction
// (Network Core/pkg/network/transport.go), layered with the dial-order
// and hysteresis policy the external interfaces describe, which the
// teacher's config only gestures at via unused TransportConfig fields
// (EnableRelay/EnableAutoRelay/EnableHolePunch are declared but never
// actually wired into libp2p.Option calls there).
package transport

import (
	"sync"

	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"go.uber.org/zap"
)

// Reachability is this node's believed NAT posture.
type Reachability int

const (
	ReachabilityUnknown Reachability = iota
	ReachabilityPublic
	ReachabilityPrivate
)

func (r Reachability) String() string {
	switch r {
	case ReachabilityPublic:
		return "public"
	case ReachabilityPrivate:
		return "private"
	default:
		return "unknown"
	}
}

// hysteresisThreshold is the number of consecutive contrary raw
// observations required before ReachabilityTracker flips its reported
// state, per the external interfaces' AutoNAT hysteresis requirement.
const hysteresisThreshold = 5

// ReachabilityTracker consumes go-libp2p's own AutoNAT subsystem
// (published on the host event bus as EvtLocalReachabilityChanged) and
// applies a consecutive-observation hysteresis on top of it, rather
// than reimplementing the AutoNAT dial-back protocol from scratch.
type ReachabilityTracker struct {
	log *zap.Logger

	mu          sync.Mutex
	current     Reachability
	pending     Reachability
	pendingRuns int

	stop chan struct{}
	done chan struct{}
}

// NewReachabilityTracker subscribes to the host's reachability events
// and starts the background loop applying hysteresis to them.
func NewReachabilityTracker(h host.Host, log *zap.Logger) (*ReachabilityTracker, error) {
	if log == nil {
		log = zap.NewNop()
	}
	sub, err := h.EventBus().Subscribe(new(event.EvtLocalReachabilityChanged))
	if err != nil {
		return nil, err
	}

	t := &ReachabilityTracker{
		log:     log.With(zap.String("component", "reachability_tracker")),
		current: ReachabilityUnknown,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go t.run(sub)
	return t, nil
}

func (t *ReachabilityTracker) run(sub event.Subscription) {
	defer close(t.done)
	defer sub.Close()
	for {
		select {
		case <-t.stop:
			return
		case raw, ok := <-sub.Out():
			if !ok {
				return
			}
			evt, ok := raw.(event.EvtLocalReachabilityChanged)
			if !ok {
				continue
			}
			t.observe(fromLibp2p(evt.Reachability))
		}
	}
}

func fromLibp2p(r network.Reachability) Reachability {
	switch r {
	case network.ReachabilityPublic:
		return ReachabilityPublic
	case network.ReachabilityPrivate:
		return ReachabilityPrivate
	default:
		return ReachabilityUnknown
	}
}

func (t *ReachabilityTracker) observe(raw Reachability) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if raw == t.current {
		t.pendingRuns = 0
		t.pending = raw
		return
	}
	if raw == t.pending {
		t.pendingRuns++
	} else {
		t.pending = raw
		t.pendingRuns = 1
	}
	if t.pendingRuns >= hysteresisThreshold {
		t.log.Info("reachability flipped",
			zap.String("from", t.current.String()),
			zap.String("to", raw.String()),
		)
		t.current = raw
		t.pendingRuns = 0
	}
}

// Current returns the hysteresis-stabilized reachability state.
func (t *ReachabilityTracker) Current() Reachability {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Close stops the background loop.
func (t *ReachabilityTracker) Close() {
	close(t.stop)
	<-t.done
}
