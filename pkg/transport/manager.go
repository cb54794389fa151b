package transport

import (
	"context"
	"strings"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/chiral-network/p2p-core/pkg/xerrors"
)

const (
	directDialTimeout    = 5 * time.Second
	holePunchDialTimeout = 10 * time.Second
	relayDialTimeout     = 15 * time.Second
)

// RelayAddrSource supplies a peer's known relay-circuit multiaddrs for
// the relay-routed dial steps, ranked primary first. pkg/relay's Pool
// does not implement it and cmd/noded passes nil, so the running node
// skips the relay-routed steps; tests can stub it directly.
type RelayAddrSource interface {
	RelayAddrsFor(id peer.ID) (primary, secondary []ma.Multiaddr)
}

// Manager implements the dial policy named in the external interfaces:
// direct TCP, then direct QUIC, then hole-punch, then relay-routed via
// the primary relay, then the secondary — stopping at first success.
// Grounded on the teacher's host construction
// (Network Core/pkg/network/transport.go NewTransportNode), generalized
// from "dial whatever addresses libp2p has" into an explicit ranked
// sequence of address-filtered attempts.
type Manager struct {
	h      host.Host
	relays RelayAddrSource
	reach  *ReachabilityTracker
	log    *zap.Logger
}

// NewManager builds a Manager over an existing host. reach may be nil,
// in which case the hole-punch step is attempted unconditionally
// whenever a circuit-relay address is known.
func NewManager(h host.Host, relays RelayAddrSource, reach *ReachabilityTracker, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{h: h, relays: relays, reach: reach, log: log.With(zap.String("component", "transport_manager"))}
}

// Dial attempts, in order, direct TCP, direct QUIC, a hole-punch via any
// known circuit-relay address, the primary relay, then the secondary
// relay — returning after the first that succeeds.
func (m *Manager) Dial(ctx context.Context, id peer.ID) error {
	known := m.h.Peerstore().Addrs(id)
	tcpAddrs, quicAddrs, circuitAddrs := splitByTransport(known)

	steps := []struct {
		name    string
		addrs   []ma.Multiaddr
		timeout time.Duration
	}{
		{"direct_tcp", tcpAddrs, directDialTimeout},
		{"direct_quic", quicAddrs, directDialTimeout},
	}

	if m.canHolePunch(circuitAddrs) {
		steps = append(steps, struct {
			name    string
			addrs   []ma.Multiaddr
			timeout time.Duration
		}{"hole_punch", circuitAddrs, holePunchDialTimeout})
	}

	if m.relays != nil {
		primary, secondary := m.relays.RelayAddrsFor(id)
		steps = append(steps,
			struct {
				name    string
				addrs   []ma.Multiaddr
				timeout time.Duration
			}{"relay_primary", primary, relayDialTimeout},
			struct {
				name    string
				addrs   []ma.Multiaddr
				timeout time.Duration
			}{"relay_secondary", secondary, relayDialTimeout},
		)
	}

	var lastErr error
	for _, step := range steps {
		if len(step.addrs) == 0 {
			continue
		}
		err := m.dialFiltered(ctx, id, step.addrs, step.timeout)
		if err == nil {
			m.log.Debug("dial succeeded", zap.String("step", step.name), zap.String("peer", id.String()))
			return nil
		}
		m.log.Debug("dial step failed", zap.String("step", step.name), zap.String("peer", id.String()), zap.Error(err))
		lastErr = err
	}

	if lastErr == nil {
		return xerrors.New(xerrors.KindUnreachable, "no candidate addresses for any dial step", nil)
	}
	return xerrors.Wrapf(xerrors.KindUnreachable, lastErr, "all dial steps exhausted for %s", id)
}

func (m *Manager) dialFiltered(ctx context.Context, id peer.ID, addrs []ma.Multiaddr, timeout time.Duration) error {
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return m.h.Connect(dctx, peer.AddrInfo{ID: id, Addrs: addrs})
}

// splitByTransport buckets known addresses into direct-TCP, direct-QUIC,
// and circuit-relay groups for the ordered dial policy.
func splitByTransport(addrs []ma.Multiaddr) (tcp, quic, circuit []ma.Multiaddr) {
	for _, a := range addrs {
		s := a.String()
		switch {
		case strings.Contains(s, "/p2p-circuit"):
			circuit = append(circuit, a)
		case strings.Contains(s, "/quic"):
			quic = append(quic, a)
		case strings.Contains(s, "/tcp/"):
			tcp = append(tcp, a)
		}
	}
	return tcp, quic, circuit
}

// canHolePunch reports whether the hole-punch dial step is worth trying
// at all: it requires an AutoNAT observation of "not public" (this node
// is reachable only via another peer's help) plus at least one known
// circuit-relay address to punch through.
func (m *Manager) canHolePunch(circuitAddrs []ma.Multiaddr) bool {
	if len(circuitAddrs) == 0 {
		return false
	}
	if m.reach == nil {
		return true
	}
	return m.reach.Current() == ReachabilityPrivate
}
