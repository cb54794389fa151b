package relayrep

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLeaderboardOrdering(t *testing.T) {
	l := New()
	l.RecordCircuitEstablished("relayA", true)
	l.RecordCircuitEstablished("relayA", true)
	l.RecordReservationAccepted("relayB")
	l.RecordFailure("relayC")

	top := l.Leaderboard(2)
	require.Len(t, top, 2)
	require.Equal(t, "relayA", top[0].PeerID)
}

func TestAliasAndGet(t *testing.T) {
	l := New()
	l.SetAlias("relayA", "fast-eu")
	c, ok := l.Get("relayA")
	require.True(t, ok)
	require.Equal(t, "fast-eu", c.Alias)
}

func TestGetUnknownPeer(t *testing.T) {
	l := New()
	_, ok := l.Get("nope")
	require.False(t, ok)
}
