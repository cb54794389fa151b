package relay

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chiral-network/p2p-core/pkg/eventbus"
)

// setupTestHosts mirrors the teacher's chunk_test.go setupTestHosts: two
// loopback libp2p hosts, pre-connected.
func setupTestHosts(t *testing.T) (host.Host, host.Host) {
	t.Helper()
	h1, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)
	h2, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)

	require.NoError(t, h1.Connect(context.Background(), h2.Peerstore().PeerInfo(h2.ID())))
	time.Sleep(100 * time.Millisecond)
	return h1, h2
}

func TestReserveGrantedAgainstLiveServer(t *testing.T) {
	relayHost, clientHost := setupTestHosts(t)
	defer relayHost.Close()
	defer clientHost.Close()

	srv := NewServer(relayHost, DefaultServerConfig(), zap.NewNop())
	defer srv.Close()

	pool := NewPool(clientHost, eventbus.New(), zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, pool.Reserve(ctx, relayHost.ID()))

	primary, ok := pool.Primary()
	require.True(t, ok)
	require.Equal(t, relayHost.ID(), primary)

	counters, ok := pool.Ledger().Get(relayHost.ID().String())
	require.True(t, ok)
	require.Equal(t, uint64(1), counters.ReservationsAccepted)
}

func TestReservationCapacityRefusal(t *testing.T) {
	relayHost, clientHost := setupTestHosts(t)
	defer relayHost.Close()
	defer clientHost.Close()
	firstHost, spareHost := setupTestHosts(t)
	defer firstHost.Close()
	defer spareHost.Close()
	require.NoError(t, firstHost.Connect(context.Background(), relayHost.Peerstore().PeerInfo(relayHost.ID())))

	cfg := DefaultServerConfig()
	cfg.MaxReservations = 1 // NewServer treats 0 as "use the default"; one slot, taken by firstHost
	srv := NewServer(relayHost, cfg, zap.NewNop())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	firstPool := NewPool(firstHost, nil, zap.NewNop())
	require.NoError(t, firstPool.Reserve(ctx, relayHost.ID()))

	pool := NewPool(clientHost, nil, zap.NewNop())
	err := pool.Reserve(ctx, relayHost.ID())
	require.Error(t, err)

	_, ok := pool.Primary()
	require.False(t, ok)
}

func TestCircuitSplicesBetweenSourceAndDestination(t *testing.T) {
	relayHost, _ := setupTestHosts(t)
	srcHost, dstHost := setupTestHosts(t)
	defer relayHost.Close()
	defer srcHost.Close()
	defer dstHost.Close()

	require.NoError(t, relayHost.Connect(context.Background(), srcHost.Peerstore().PeerInfo(srcHost.ID())))
	require.NoError(t, relayHost.Connect(context.Background(), dstHost.Peerstore().PeerInfo(dstHost.ID())))
	time.Sleep(100 * time.Millisecond)

	srv := NewServer(relayHost, DefaultServerConfig(), zap.NewNop())
	defer srv.Close()

	srcPool := NewPool(srcHost, nil, zap.NewNop())
	dstPool := NewPool(dstHost, nil, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, srcPool.Reserve(ctx, relayHost.ID()))
	require.NoError(t, dstPool.Reserve(ctx, relayHost.ID()))

	circuit, err := srcPool.OpenCircuit(ctx, dstHost.ID())
	require.NoError(t, err)
	defer circuit.Close()

	select {
	case incoming := <-dstPool.Incoming():
		defer incoming.Close()
		const msg = "hello through the relay"
		go func() {
			circuit.Write([]byte(msg))
		}()
		buf := make([]byte, len(msg))
		_, err := incoming.Read(buf)
		require.NoError(t, err)
		require.Equal(t, msg, string(buf))
	case <-time.After(5 * time.Second):
		t.Fatal("destination never received the incoming circuit")
	}
}

func TestStateStringCoversAllValues(t *testing.T) {
	states := []State{
		StateDisconnected, StateConnecting, StateConnected, StateReserving,
		StateReserved, StateRetrying, StateFailed, StateFallback,
	}
	for _, s := range states {
		require.NotEqual(t, "unknown", s.String())
	}
}
