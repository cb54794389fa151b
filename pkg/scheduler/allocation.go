package scheduler

import (
	"sort"

	"github.com/chiral-network/p2p-core/pkg/coretypes"
)

// DefaultTopK is the default number of sources selected for a task, per
// the component design ("Select top-K peers (default 3)").
const DefaultTopK = 3

// scored pairs a source index with its composite/priority score for
// sorting, without mutating the caller's slice.
type scored struct {
	index int
	score float64
}

// SelectTopK returns the indices (into sources) of the K highest-scoring
// sources, descending by score, ties broken by original order.
func SelectTopK(scores []float64, k int) []int {
	ranked := make([]scored, len(scores))
	for i, s := range scores {
		ranked[i] = scored{index: i, score: s}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if k > len(ranked) {
		k = len(ranked)
	}
	out := make([]int, k)
	for i := 0; i < k; i++ {
		out[i] = ranked[i].index
	}
	return out
}

// Allocate computes the percentage share for each selected source,
// proportional to its score and forced to sum to exactly 100, with the
// rounding delta assigned to the highest-scoring source. selected holds
// original source indices (as returned by SelectTopK); scores is indexed
// by the same original indices.
func Allocate(selected []int, scores []float64) []coretypes.ChunkAllocation {
	if len(selected) == 0 {
		return nil
	}
	total := 0.0
	for _, idx := range selected {
		total += scores[idx]
	}

	out := make([]coretypes.ChunkAllocation, len(selected))
	sum := 0.0
	for i, idx := range selected {
		pct := 0.0
		if total > 0 {
			pct = (scores[idx] / total) * 100
		}
		pct = float64(int(pct)) // truncate to whole percent, like the teacher's integer-percent displays
		out[i] = coretypes.ChunkAllocation{SourceIndex: idx, Percent: pct}
		sum += pct
	}

	delta := 100 - sum
	if delta != 0 {
		topI := 0
		topScore := scores[selected[0]]
		for i, idx := range selected {
			if scores[idx] > topScore {
				topScore = scores[idx]
				topI = i
			}
		}
		out[topI].Percent += delta
	}
	return out
}

// ChunkPlan assigns, for every chunk index in [0, totalChunks), up to two
// candidate source indices in priority order — a primary (from the
// proportional allocation) and a backup (the next-best-ranked selected
// source), so a hash mismatch or failure can reassign without re-running
// allocation. This satisfies the invariant that no chunk is assigned to
// more than two peers concurrently.
type ChunkPlan struct {
	Allocation []coretypes.ChunkAllocation
	Candidates [][]int // Candidates[chunkIndex] = up to 2 source indices, primary first
}

// PlanChunks builds a ChunkPlan for a manifest with totalChunks chunks,
// selecting the top-K sources by score and splitting the chunk range
// across them proportional to their allocation percentage.
func PlanChunks(totalChunks uint32, scores []float64, topK int) ChunkPlan {
	selected := SelectTopK(scores, topK)
	alloc := Allocate(selected, scores)

	candidates := make([][]int, totalChunks)
	if len(selected) == 0 || totalChunks == 0 {
		return ChunkPlan{Allocation: alloc, Candidates: candidates}
	}

	// Lay out contiguous ranges proportional to allocation percentage.
	cursor := uint32(0)
	ranges := make([]struct{ start, end uint32 }, len(alloc))
	for i, a := range alloc {
		share := uint32(float64(totalChunks) * a.Percent / 100)
		start := cursor
		end := start + share
		if i == len(alloc)-1 || end > totalChunks {
			end = totalChunks
		}
		ranges[i] = struct{ start, end uint32 }{start, end}
		cursor = end
	}

	for i, r := range ranges {
		backup := (i + 1) % len(alloc)
		for idx := r.start; idx < r.end; idx++ {
			primary := alloc[i].SourceIndex
			cands := []int{primary}
			if len(alloc) > 1 && alloc[backup].SourceIndex != primary {
				cands = append(cands, alloc[backup].SourceIndex)
			}
			candidates[idx] = cands
		}
	}
	return ChunkPlan{Allocation: alloc, Candidates: candidates}
}
