package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chiral-network/p2p-core/pkg/coretypes"
)

func TestRecordSuccessAndFailureInvariant(t *testing.T) {
	s := New()
	s.RecordSuccess("peerA", 50, 1024, 100*time.Millisecond)
	s.RecordFailure("peerA")
	s.RecordSuccess("peerA", 40, 2048, 100*time.Millisecond)

	rec := s.Get("peerA")
	require.EqualValues(t, 3, rec.Attempts)
	require.EqualValues(t, 2, rec.Successes)
	require.LessOrEqual(t, rec.Successes, rec.Attempts)
}

func TestCompositeScoreZeroDenominators(t *testing.T) {
	s := New()
	rec := s.Get("unknown-peer")
	score := CompositeScore(rec, 0, 0)
	require.Equal(t, 0.0, score)
}

func TestSuccessRateNoAttempts(t *testing.T) {
	require.Equal(t, 0.0, SuccessRate(coretypes.PeerMetricsRecord{}))
}
