package allocation

import (
	"container/heap"

	"github.com/sells-group/stockpool/internal/model"
)

// DefaultDiminishingFactor scales a candidate's score after each unit it wins.
const DefaultDiminishingFactor = 0.8

// Input is everything the greedy allocator needs. Each candidate must carry
// its margin, demand, buildable count and pool quantity per unit.
type Input struct {
	Candidates        []model.Candidate
	Constraints       model.Constraints
	PoolAvailable     int
	Curve             BonusCurve
	DiminishingFactor float64
}

// Output is the allocation for one pool.
type Output struct {
	Candidates     []model.Candidate
	Allocatable    int
	AllocatedTotal int
	PoolUnitsUsed  int
	Summary        model.Summary
}

type entry struct {
	idx   int
	id    string
	score float64
}

// scoreHeap is a max-heap on score; ties go to the lower listing id.
type scoreHeap []entry

func (h scoreHeap) Len() int { return len(h) }
func (h scoreHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score > h[j].score
	}
	if h[i].id != h[j].id {
		return h[i].id < h[j].id
	}
	return h[i].idx < h[j].idx
}
func (h scoreHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *scoreHeap) Push(x any)   { *h = append(*h, x.(entry)) }
func (h *scoreHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Allocate distributes pool.available - buffer units one at a time to the
// highest scoring candidate that can still take a unit. Candidates below the
// minimum margin, or that cannot be built, receive nothing.
func Allocate(in Input) Output {
	factor := in.DiminishingFactor
	if factor <= 0 || factor > 1 {
		factor = DefaultDiminishingFactor
	}

	out := Output{
		Candidates:  make([]model.Candidate, len(in.Candidates)),
		Allocatable: max(in.PoolAvailable-in.Constraints.BufferUnits, 0),
	}
	copy(out.Candidates, in.Candidates)
	out.Summary.Candidates = len(out.Candidates)

	h := make(scoreHeap, 0, len(out.Candidates))
	for i := range out.Candidates {
		c := &out.Candidates[i]
		c.RecommendedQty = 0
		c.Block = model.BlockNone
		c.Score = in.Curve.Score(c.Demand.UnitsPerDay, c.MarginPct, in.Constraints.TargetMarginPct)

		if c.Demand.Source == model.DemandFallback {
			out.Summary.MissingDemandSignal++
		}
		switch {
		case c.MarginPct < in.Constraints.MinMarginPct:
			c.Block = model.BlockMargin
			out.Summary.BlockedByMargin++
			continue
		case c.Buildable <= 0:
			c.Block = model.BlockStock
			out.Summary.BlockedByStock++
			continue
		}
		if c.Score <= 0 || c.PoolQtyPer <= 0 {
			continue
		}
		h = append(h, entry{idx: i, id: c.ListingID, score: c.Score})
	}
	heap.Init(&h)

	perBundle := make(map[string]int)
	for h.Len() > 0 && out.PoolUnitsUsed < out.Allocatable {
		e := heap.Pop(&h).(entry)
		c := &out.Candidates[e.idx]
		if c.RecommendedQty >= c.Buildable ||
			perBundle[c.BundleSKU] >= c.Buildable ||
			out.PoolUnitsUsed+c.PoolQtyPer > out.Allocatable {
			continue
		}
		c.RecommendedQty++
		perBundle[c.BundleSKU]++
		out.PoolUnitsUsed += c.PoolQtyPer
		out.AllocatedTotal++

		e.score *= factor
		heap.Push(&h, e)
	}
	return out
}
