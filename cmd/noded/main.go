// Command noded runs a full Chiral Network node: the libp2p host and
// DHT, the relay client pool, the transport dial manager, and the
// download scheduler, wired together the way the teacher's
// cmd/networkcore/main.go assembles its Core struct from the pieces in
// pkg/network.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	record "github.com/libp2p/go-libp2p-record"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/chiral-network/p2p-core/internal/p2pnode"
	"github.com/chiral-network/p2p-core/pkg/chunkstore"
	"github.com/chiral-network/p2p-core/pkg/coretypes"
	"github.com/chiral-network/p2p-core/pkg/dht"
	"github.com/chiral-network/p2p-core/pkg/eventbus"
	"github.com/chiral-network/p2p-core/pkg/metrics"
	"github.com/chiral-network/p2p-core/pkg/relay"
	"github.com/chiral-network/p2p-core/pkg/reputation"
	"github.com/chiral-network/p2p-core/pkg/scheduler"
	"github.com/chiral-network/p2p-core/pkg/transport"
)

const (
	exitOK          = 0
	exitConfigError = 1
	exitBindFailure = 2
	exitIdentityIO  = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	dataDir := flag.String("data-dir", envOr("NODE_DIR", "./node-data"), "directory for identity, chunk store, reputation db, downloads")
	port := flag.Int("port", envInt("NODE_PORT", 0), "TCP/QUIC listen port (0 = ephemeral)")
	relayPeers := flag.String("relays", os.Getenv("RELAY_PEERS"), "comma-separated relay peer IDs to reserve with at startup")
	bootstrapPeers := flag.String("bootstrap", os.Getenv("BOOTSTRAP_PEERS"), "comma-separated bootstrap multiaddrs, overriding the default DHT bootstrap set")
	verbose := flag.Bool("verbose", envBool("VERBOSE"), "enable debug-level logging")
	flag.Parse()

	log := newLogger(*verbose)
	defer log.Sync()

	identityPath := filepath.Join(*dataDir, "identity.key")
	priv, err := p2pnode.LoadOrGenerateIdentity(identityPath)
	if err != nil {
		log.Error("identity key I/O failed", zap.Error(err))
		return exitIdentityIO
	}

	bus := eventbus.New()

	cfg := p2pnode.DefaultConfig()
	cfg.PrivKey = priv
	cfg.Validators = map[string]record.Validator{
		dht.Namespace: dht.ManifestValidator{},
	}
	if *port != 0 {
		cfg.ListenAddrs = []string{
			fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", *port),
			fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic", *port),
		}
	}
	if *bootstrapPeers != "" {
		cfg.BootstrapPeers = splitCSV(*bootstrapPeers)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	node, err := p2pnode.New(ctx, cfg, log)
	if err != nil {
		log.Error("failed to bind node host", zap.Error(err))
		return exitBindFailure
	}
	defer node.Close()

	dhtNode, err := dht.New(ctx, node, bus, log)
	if err != nil {
		log.Error("failed to start dht", zap.Error(err))
		return exitBindFailure
	}
	defer dhtNode.Close()

	relayPool := relay.NewPool(node.Host, bus, log)
	for _, id := range splitCSV(*relayPeers) {
		pid, err := peer.Decode(id)
		if err != nil {
			log.Warn("ignoring malformed relay peer id", zap.String("id", id), zap.Error(err))
			continue
		}
		relayPool.AddCandidate(pid)
		go reserveWithRetry(ctx, relayPool, pid, log)
	}

	reach, err := transport.NewReachabilityTracker(node.Host, log)
	if err != nil {
		log.Warn("reachability tracking unavailable", zap.Error(err))
	} else {
		defer reach.Close()
	}

	// transport.Manager's RelayAddrSource contract expects a relay's
	// dialable circuit multiaddrs; pkg/relay's Pool instead splices
	// circuits itself over a custom stream protocol (relay.OpenCircuit),
	// so it isn't a RelayAddrSource. Manager is therefore built without a
	// relay source; pkg/source's P2P handler opens chunk streams through
	// the host directly and does not call relayPool.OpenCircuit.
	dialMgr := transport.NewManager(node.Host, nil, reach, log)
	_ = dialMgr

	store, err := chunkstore.New(filepath.Join(*dataDir, "chunks"), log)
	if err != nil {
		log.Error("failed to open chunk store", zap.Error(err))
		return exitConfigError
	}

	repEngine, err := reputation.Open(filepath.Join(*dataDir, "reputation"))
	if err != nil {
		log.Error("failed to open reputation db", zap.Error(err))
		return exitConfigError
	}
	defer repEngine.Close()

	downloadsDir := filepath.Join(*dataDir, "downloads")
	sched := scheduler.New(
		scheduler.DefaultConfig(downloadsDir),
		node.Host,
		store,
		metrics.New(),
		repEngine,
		bus,
		dhtManifestResolver{dhtNode},
		scheduler.NoopPaymentHook{},
		log,
	)
	_ = sched

	log.Info("noded started",
		zap.String("peer_id", node.Host.ID().String()),
		zap.Strings("listen_addrs", addrStrings(node)),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("noded shutting down", zap.String("signal", sig.String()))
	return exitOK
}

// dhtManifestResolver adapts dht.Node's SearchManifest to
// scheduler.ManifestResolver's interface.
type dhtManifestResolver struct {
	node *dht.Node
}

func (r dhtManifestResolver) ResolveManifest(ctx context.Context, root coretypes.MerkleRoot, timeout time.Duration) (coretypes.FileManifest, error) {
	return r.node.SearchManifest(ctx, root, timeout)
}

// reserveWithRetry keeps retrying a relay reservation in the background.
// Pool.Reserve makes a single attempt per call, so this loop is what
// retries it, every 30 seconds, including after the candidate is Failed.
func reserveWithRetry(ctx context.Context, pool *relay.Pool, id peer.ID, log *zap.Logger) {
	for {
		if err := pool.Reserve(ctx, id); err != nil {
			log.Warn("relay reservation attempt failed", zap.String("relay", id.String()), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(30 * time.Second):
		}
	}
}

func addrStrings(n *p2pnode.Node) []string {
	addrs := n.Host.Addrs()
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}

func newLogger(verbose bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	log, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return log.With(zap.String("component", "noded"))
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return fallback
	}
	return n
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
