// Package relay implements the relay role named in the external
// interfaces: a server side that grants reservations and splices
// circuits for peers behind NAT, and a client side (RelayPool, see
// pool.go) that maintains and ranks a set of candidate relays.
//
// The control surface is a small custom stream protocol (wire.go),
// grounded on the teacher's own stream protocols (Network Core's
// chunk.go and overlay.go both frame ad hoc messages directly over a
// libp2p stream) rather than go-libp2p's internal circuitv2 packages,
// so the reservation/circuit/quota bookkeeping the external interfaces
// describe stays fully owned and testable by this module.
package relay

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/chiral-network/p2p-core/pkg/coretypes"
	"github.com/chiral-network/p2p-core/pkg/wire"
)

// ProtocolID identifies the relay control stream.
const ProtocolID = "/chiral/relay/1.0.0"

const (
	defaultMaxReservations = 128
	defaultMaxCircuits     = 64
	defaultReservationTTL  = time.Hour
	defaultCircuitQuota    = 1 << 30 // 1 GiB per circuit
	defaultDrainTimeout    = 30 * time.Second
	metricsWriteInterval   = 30 * time.Second
)

// ServerConfig configures reservation and circuit limits.
type ServerConfig struct {
	MaxReservations int
	MaxCircuits     int
	ReservationTTL  time.Duration
	CircuitQuota    int64
	DrainTimeout    time.Duration
	MetricsPath     string
}

// DefaultServerConfig returns spec-default limits.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MaxReservations: defaultMaxReservations,
		MaxCircuits:     defaultMaxCircuits,
		ReservationTTL:  defaultReservationTTL,
		CircuitQuota:    defaultCircuitQuota,
		DrainTimeout:    defaultDrainTimeout,
	}
}

// Server is the relay role: it accepts RESERVE/CONNECT frames on
// ProtocolID, tracks reservation and circuit slots, and splices
// accepted circuits byte-for-byte between the two participant streams.
type Server struct {
	h   host.Host
	cfg ServerConfig
	log *zap.Logger

	startedAt time.Time

	mu           sync.Mutex
	reservations map[peer.ID]coretypes.Reservation
	circuits     map[string]*circuitState

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type circuitState struct {
	circuit   coretypes.Circuit
	bytesLeft int64
}

// NewServer builds a Server over an existing libp2p host and starts its
// background eviction and metrics loops.
func NewServer(h host.Host, cfg ServerConfig, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxReservations == 0 {
		cfg.MaxReservations = defaultMaxReservations
	}
	if cfg.MaxCircuits == 0 {
		cfg.MaxCircuits = defaultMaxCircuits
	}
	if cfg.ReservationTTL == 0 {
		cfg.ReservationTTL = defaultReservationTTL
	}
	if cfg.CircuitQuota == 0 {
		cfg.CircuitQuota = defaultCircuitQuota
	}
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		h:            h,
		cfg:          cfg,
		log:          log.With(zap.String("component", "relay_server")),
		reservations: make(map[peer.ID]coretypes.Reservation),
		circuits:     make(map[string]*circuitState),
		cancel:       cancel,
		startedAt:    time.Now(),
	}
	h.SetStreamHandler(ProtocolID, s.handleStream)

	s.wg.Add(2)
	go s.evictLoop(ctx)
	go s.metricsLoop(ctx)
	return s
}

// Close stops background loops and unregisters the stream handler.
func (s *Server) Close() {
	s.h.RemoveStreamHandler(ProtocolID)
	s.cancel()
	s.wg.Wait()
}

func (s *Server) handleStream(stream network.Stream) {
	defer stream.Close()

	frame, err := readFrame(stream)
	if err != nil {
		return
	}
	remote := stream.Conn().RemotePeer()

	switch frame.Op {
	case OpReserve:
		s.handleReserve(stream, remote)
	case OpConnect:
		s.handleConnect(stream, remote, string(frame.Payload))
	default:
		s.log.Warn("unknown relay opcode", zap.Uint8("op", frame.Op))
	}
}

func (s *Server) handleReserve(stream network.Stream, requester peer.ID) {
	s.mu.Lock()
	if _, exists := s.reservations[requester]; !exists && len(s.reservations) >= s.cfg.MaxReservations {
		s.mu.Unlock()
		stream.Write(EncodeRefused("reservation capacity exceeded"))
		return
	}
	s.reservations[requester] = coretypes.Reservation{
		OwnerPeerID: requester.String(),
		GrantedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(s.cfg.ReservationTTL),
	}
	s.mu.Unlock()

	stream.Write(EncodeGranted(uint32(s.cfg.ReservationTTL.Seconds())))
}

func (s *Server) handleConnect(stream network.Stream, src peer.ID, dstID string) {
	s.mu.Lock()
	if _, reserved := s.reservations[src]; !reserved {
		s.mu.Unlock()
		stream.Write(EncodeConnectRefused("no active reservation"))
		return
	}
	if len(s.circuits) >= s.cfg.MaxCircuits {
		s.mu.Unlock()
		stream.Write(EncodeConnectRefused("circuit capacity exceeded"))
		return
	}
	dstPeer, err := peer.Decode(dstID)
	if err != nil {
		s.mu.Unlock()
		stream.Write(EncodeConnectRefused("malformed destination peer id"))
		return
	}
	if _, reserved := s.reservations[dstPeer]; !reserved {
		s.mu.Unlock()
		stream.Write(EncodeConnectRefused("destination has no active reservation"))
		return
	}
	key := src.String() + "->" + dstID
	cs := &circuitState{
		circuit: coretypes.Circuit{
			SrcPeer:  src.String(),
			DstPeer:  dstID,
			OpenedAt: time.Now(),
		},
		bytesLeft: s.cfg.CircuitQuota,
	}
	s.circuits[key] = cs
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.circuits, key)
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainTimeout)
	defer cancel()
	dstStream, err := s.h.NewStream(ctx, dstPeer, ProtocolID)
	if err != nil {
		stream.Write(EncodeConnectRefused("destination unreachable"))
		return
	}
	defer dstStream.Close()

	if _, err := dstStream.Write(EncodeIncomingCircuit(src.String())); err != nil {
		stream.Write(EncodeConnectRefused("destination handshake failed"))
		return
	}

	ack, err := readFrame(dstStream)
	if err != nil || ack.Op != OpConnectAccepted {
		stream.Write(EncodeConnectRefused("destination refused circuit"))
		return
	}

	stream.Write(EncodeConnectAccepted())
	s.splice(stream, dstStream, cs)
}

// splice copies bytes in both directions between the two endpoints of
// an accepted circuit, enforcing the per-circuit quota.
func (s *Server) splice(a, b network.Stream, cs *circuitState) {
	defer a.Close()
	defer b.Close()

	limited := func(dst io.Writer, src io.Reader) error {
		buf := make([]byte, 32*1024)
		for {
			n, err := src.Read(buf)
			if n > 0 {
				s.mu.Lock()
				cs.bytesLeft -= int64(n)
				quotaLeft := cs.bytesLeft
				s.mu.Unlock()
				if quotaLeft < 0 {
					return fmt.Errorf("circuit quota exceeded")
				}
				if _, werr := dst.Write(buf[:n]); werr != nil {
					return werr
				}
			}
			if err != nil {
				return err
			}
		}
	}

	errc := make(chan error, 2)
	go func() { errc <- limited(b, a) }()
	go func() { errc <- limited(a, b) }()
	<-errc
}

func (s *Server) evictLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for id, r := range s.reservations {
				if now.After(r.ExpiresAt) {
					delete(s.reservations, id)
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *Server) metricsLoop(ctx context.Context) {
	defer s.wg.Done()
	if s.cfg.MetricsPath == "" {
		return
	}
	ticker := time.NewTicker(metricsWriteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.writeMetrics()
		}
	}
}

func (s *Server) writeMetrics() {
	s.mu.Lock()
	m := wire.RelayMetrics{
		PeerID:            s.h.ID().String(),
		RelayReservations: uint32(len(s.reservations)),
		RelayCircuits:     uint32(len(s.circuits)),
		UptimeSeconds:     uint64(time.Since(s.startedAt).Seconds()),
	}
	s.mu.Unlock()

	for _, a := range s.h.Addrs() {
		m.ListenAddresses = append(m.ListenAddresses, a.String())
	}
	m.ConnectedPeers = uint32(len(s.h.Network().Peers()))

	if err := wire.WriteAtomic(s.cfg.MetricsPath, m); err != nil {
		s.log.Warn("write relay metrics failed", zap.Error(err))
	}
}
