package scheduler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSelectTopKDescendingWithTieBreak(t *testing.T) {
	scores := []float64{10, 50, 50, 5}
	got := SelectTopK(scores, 2)
	// index 1 and 2 tie at 50; original order breaks the tie.
	require.Equal(t, []int{1, 2}, got)
}

func TestSelectTopKClampsToLength(t *testing.T) {
	scores := []float64{1, 2}
	got := SelectTopK(scores, 5)
	require.Len(t, got, 2)
}

func TestAllocateSumsTo100WithRoundingDeltaOnTopScorer(t *testing.T) {
	scores := []float64{70, 20, 10}
	selected := []int{0, 1, 2}
	alloc := Allocate(selected, scores)

	sum := 0.0
	for _, a := range alloc {
		sum += a.Percent
	}
	require.Equal(t, 100.0, sum)

	// 10/29*100, 10/29*100, 9/29*100 truncate to 34+34+31=99, forcing a
	// 1% rounding remainder onto the highest-scoring source (index 0,
	// the first of the tied top scorers).
	scores = []float64{10, 10, 9}
	alloc = Allocate(selected, scores)
	sum = 0.0
	var topEntry int
	for i, a := range alloc {
		sum += a.Percent
		if a.SourceIndex == 0 {
			topEntry = i
		}
	}
	require.Equal(t, 100.0, sum)
	require.Equal(t, 35.0, alloc[topEntry].Percent)
}

func TestAllocateEmptySelectionReturnsNil(t *testing.T) {
	require.Nil(t, Allocate(nil, []float64{1, 2}))
}

func TestPlanChunksAssignsPrimaryAndBackupCandidates(t *testing.T) {
	scores := []float64{60, 30, 10}
	plan := PlanChunks(100, scores, 3)

	require.Len(t, plan.Candidates, 100)
	for _, c := range plan.Candidates {
		require.LessOrEqual(t, len(c), 2)
		require.NotEmpty(t, c)
	}

	// every chunk index is covered exactly once
	covered := 0
	for _, c := range plan.Candidates {
		if len(c) > 0 {
			covered++
		}
	}
	require.Equal(t, 100, covered)
}

func TestPlanChunksSingleSourceHasNoBackup(t *testing.T) {
	plan := PlanChunks(10, []float64{1}, 3)
	for _, c := range plan.Candidates {
		require.Len(t, c, 1)
	}
}

func TestPlanChunksNoSourcesYieldsEmptyCandidates(t *testing.T) {
	plan := PlanChunks(5, nil, 3)
	require.Len(t, plan.Candidates, 5)
	for _, c := range plan.Candidates {
		require.Empty(t, c)
	}
}
