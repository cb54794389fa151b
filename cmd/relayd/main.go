// Command relayd runs the Circuit-Relay role standalone: it accepts
// RESERVE/CONNECT requests on pkg/relay's control protocol, enforces
// reservation/circuit limits, and writes a metrics file and PID file for
// external monitoring. Flag/env parsing follows the teacher's
// flag-package style (Network Core/cmd/networkcore/main.go), extended
// with the env-var fallbacks and exit-code contract spec.md §6 names.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"go.uber.org/zap"

	"github.com/chiral-network/p2p-core/internal/p2pnode"
	"github.com/chiral-network/p2p-core/pkg/relay"
)

const (
	exitOK           = 0
	exitConfigError  = 1
	exitBindFailure  = 2
	exitIdentityIO   = 3
	exitSignalKilled = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	port := flag.Int("port", envInt("RELAY_PORT", 4001), "TCP/QUIC listen port")
	identityPath := flag.String("identity-path", "", "path to the persisted libp2p identity key (default <relay-dir>/identity.key)")
	externalAddress := flag.String("external-address", os.Getenv("EXTERNAL_ADDRESS"), "externally reachable multiaddr; logged at startup, not added to the host's advertised addresses")
	maxReservations := flag.Int("max-reservations", envInt("MAX_RESERVATIONS", 0), "maximum concurrent reservations (0 = server default)")
	maxCircuits := flag.Int("max-circuits", envInt("MAX_CIRCUITS", 0), "maximum concurrent circuits (0 = server default)")
	pidFile := flag.String("pid-file", "", "path to write the process id (default <relay-dir>/relay.pid)")
	metricsFile := flag.String("metrics-file", "", "path to write periodic metrics.json (default <relay-dir>/metrics.json)")
	verbose := flag.Bool("verbose", envBool("VERBOSE"), "enable debug-level logging")
	relayDir := flag.String("relay-dir", envOr("RELAY_DIR", "./relay"), "directory holding identity.key, relay.pid, metrics.json")
	flag.Parse()

	if *port < 0 || *port > 65535 {
		fmt.Fprintf(os.Stderr, "relayd: invalid --port %d\n", *port)
		return exitConfigError
	}

	if *identityPath == "" {
		*identityPath = filepath.Join(*relayDir, "identity.key")
	}
	if *pidFile == "" {
		*pidFile = filepath.Join(*relayDir, "relay.pid")
	}
	if *metricsFile == "" {
		*metricsFile = filepath.Join(*relayDir, "metrics.json")
	}

	log := newLogger(*verbose)
	defer log.Sync()

	priv, err := p2pnode.LoadOrGenerateIdentity(*identityPath)
	if err != nil {
		log.Error("identity key I/O failed", zap.Error(err))
		return exitIdentityIO
	}

	if err := writePIDFile(*pidFile); err != nil {
		log.Error("pid file write failed", zap.Error(err))
		return exitIdentityIO
	}
	defer os.Remove(*pidFile)

	cfg := p2pnode.DefaultConfig()
	cfg.ListenAddrs = []string{
		fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", *port),
		fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic", *port),
	}
	cfg.PrivKey = priv

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	node, err := p2pnode.New(ctx, cfg, log)
	if err != nil {
		log.Error("failed to bind relay host", zap.Error(err))
		return exitBindFailure
	}
	defer node.Host.Close()

	if *externalAddress != "" {
		log.Info("advertising external address", zap.String("address", *externalAddress))
	}

	serverCfg := relay.DefaultServerConfig()
	if *maxReservations > 0 {
		serverCfg.MaxReservations = *maxReservations
	}
	if *maxCircuits > 0 {
		serverCfg.MaxCircuits = *maxCircuits
	}
	serverCfg.MetricsPath = *metricsFile

	server := relay.NewServer(node.Host, serverCfg, log)
	defer server.Close()

	log.Info("relayd started",
		zap.String("peer_id", node.Host.ID().String()),
		zap.Int("max_reservations", serverCfg.MaxReservations),
		zap.Int("max_circuits", serverCfg.MaxCircuits),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("relayd shutting down", zap.String("signal", sig.String()))

	if sig == os.Interrupt {
		return exitSignalKilled
	}
	return exitOK
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
	return log.With(zap.String("component", "relayd"))
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir for pid file %s: %w", path, err)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && v
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
