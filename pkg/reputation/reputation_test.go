package reputation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordAndScoreClamped(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir)
	require.NoError(t, err)
	defer e.Close()

	for i := 0; i < 50; i++ {
		require.NoError(t, e.Record(EventChunkCompleted, "peerA"))
	}
	require.LessOrEqual(t, e.Score("peerA"), 1.0)

	for i := 0; i < 50; i++ {
		require.NoError(t, e.Record(EventMaliciousBehaviorReport, "peerB"))
	}
	require.GreaterOrEqual(t, e.Score("peerB"), 0.0)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, e.Record(EventChunkCompleted, "peerA"))
	require.NoError(t, e.Record(EventHashMismatch, "peerA"))
	require.NoError(t, e.Close())

	e2, err := Open(dir)
	require.NoError(t, err)
	defer e2.Close()
	require.InDelta(t, e.Score("peerA"), e2.Score("peerA"), 1e-9)
}

func TestTrustLevelBucketing(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir)
	require.NoError(t, err)
	defer e.Close()

	for i := 0; i < 45; i++ {
		require.NoError(t, e.Record(EventChunkCompleted, "trusted-peer"))
	}
	require.Equal(t, "trusted", e.TrustLevel("trusted-peer").String())
}
