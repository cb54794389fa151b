// Package p2pnode constructs the libp2p host, DHT, and pubsub instances
// shared by pkg/dht and pkg/transport. Grounded directly on the teacher's
// NewTransportNode (Network Core/pkg/network/transport.go): Noise
// security, optional QUIC transport, hole punching, a protocol-prefixed
// Kademlia DHT bootstrapped with a retry-and-poll loop, and a
// signed/strictly-verified GossipSub instance.
package p2pnode

import (
	"context"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	record "github.com/libp2p/go-libp2p-record"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	libp2pquic "github.com/libp2p/go-libp2p/p2p/transport/quic"
	"go.uber.org/zap"
)

// ProtocolPrefix namespaces this project's DHT records, distinct from the
// teacher's "/filezap" prefix.
const ProtocolPrefix = "/chiral"

// Config mirrors the teacher's TransportConfig/QUICOptions
// (Network Core/pkg/network/api/types.go), trimmed to the fields this
// module's components actually read.
type Config struct {
	ListenAddrs      []string
	EnableQUIC       bool
	EnableHolePunch  bool
	BootstrapTimeout time.Duration
	BootstrapPeers   []string

	// Validators registers a namespaced record.Validator for each key,
	// letting callers (pkg/dht) install the manifest validator without
	// this package importing pkg/dht back.
	Validators map[string]record.Validator

	// PrivKey, when set, pins the host's identity (loaded from an
	// on-disk identity.key by the caller); a nil PrivKey generates a
	// fresh, ephemeral one, mirroring the teacher's
	// crypto.GenerateEd25519Key(rand.Reader) at OverlayNode construction
	// (Network Core/pkg/overlay/overlay.go).
	PrivKey crypto.PrivKey
}

// DefaultConfig matches the teacher's DefaultTransportConfig defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddrs: []string{
			"/ip4/0.0.0.0/tcp/0",
			"/ip4/0.0.0.0/udp/0/quic",
			"/ip6/::/tcp/0",
			"/ip6/::/udp/0/quic",
		},
		EnableQUIC:       true,
		EnableHolePunch:  true,
		BootstrapTimeout: 30 * time.Second,
	}
}

// Node bundles the libp2p primitives the rest of the core drives.
type Node struct {
	Host   host.Host
	DHT    *dht.IpfsDHT
	PubSub *pubsub.PubSub
}

// New creates a libp2p host, a protocol-prefixed Kademlia DHT, and a
// signed GossipSub router, bootstrapping the DHT with retries before
// returning.
func New(ctx context.Context, cfg Config, log *zap.Logger) (*Node, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("component", "p2pnode"))

	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(cfg.ListenAddrs...),
		libp2p.Security(noise.ID, noise.New),
	}
	if cfg.PrivKey != nil {
		opts = append(opts, libp2p.Identity(cfg.PrivKey))
	}
	if cfg.EnableHolePunch {
		opts = append(opts, libp2p.EnableHolePunching())
	}
	if cfg.EnableQUIC {
		opts = append(opts, libp2p.Transport(libp2pquic.NewTransport), libp2p.DefaultTransports)
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create libp2p host: %w", err)
	}

	dhtOpts := []dht.Option{
		dht.Mode(dht.ModeServer),
		dht.ProtocolPrefix(ProtocolPrefix),
	}
	if len(cfg.BootstrapPeers) == 0 {
		dhtOpts = append(dhtOpts, dht.BootstrapPeers(dht.GetDefaultBootstrapPeerAddrInfos()...))
	} else {
		infos := make([]peer.AddrInfo, 0, len(cfg.BootstrapPeers))
		for _, s := range cfg.BootstrapPeers {
			ai, err := peer.AddrInfoFromString(s)
			if err != nil {
				log.Warn("ignoring malformed bootstrap peer", zap.String("addr", s), zap.Error(err))
				continue
			}
			infos = append(infos, *ai)
		}
		dhtOpts = append(dhtOpts, dht.BootstrapPeers(infos...))
	}
	for ns, v := range cfg.Validators {
		dhtOpts = append(dhtOpts, dht.NamespacedValidator(ns, v))
	}

	kdht, err := dht.New(ctx, h, dhtOpts...)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("create DHT: %w", err)
	}

	timeout := cfg.BootstrapTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if err := bootstrap(ctx, kdht, timeout, log); err != nil {
		h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h,
		pubsub.WithMessageSigning(true),
		pubsub.WithStrictSignatureVerification(true),
		pubsub.WithMaxMessageSize(10*1024*1024),
		pubsub.WithValidateQueueSize(256),
	)
	if err != nil {
		h.Close()
		kdht.Close()
		return nil, fmt.Errorf("create pubsub: %w", err)
	}

	return &Node{Host: h, DHT: kdht, PubSub: ps}, nil
}

// bootstrap mirrors the teacher's bootstrapDHT: kick off Bootstrap, then
// poll the routing table on a ticker until it is non-empty or timeout
// elapses.
func bootstrap(ctx context.Context, kdht *dht.IpfsDHT, timeout time.Duration, log *zap.Logger) error {
	if err := kdht.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap DHT: %w", err)
	}

	deadline := time.After(timeout)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			if len(kdht.RoutingTable().ListPeers()) == 0 {
				log.Warn("dht bootstrap found no peers within timeout")
				return nil // non-fatal: an isolated first node is expected to bootstrap alone
			}
			return nil
		case <-ticker.C:
			if len(kdht.RoutingTable().ListPeers()) > 0 {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close tears down pubsub's host-level resources via the host and closes
// the DHT and host.
func (n *Node) Close() error {
	var firstErr error
	if err := n.DHT.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := n.Host.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
