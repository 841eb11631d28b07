package allocation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/stockpool/internal/model"
)

func candidate(id, bundle string, units, margin float64, buildable int) model.Candidate {
	return model.Candidate{
		ListingID:  id,
		SellerSKU:  "S-" + id,
		BundleSKU:  bundle,
		MarginPct:  margin,
		Demand:     demandOf(units),
		Buildable:  buildable,
		PoolQtyPer: 1,
	}
}

func byID(cs []model.Candidate) map[string]model.Candidate {
	m := make(map[string]model.Candidate, len(cs))
	for _, c := range cs {
		m[c.ListingID] = c
	}
	return m
}

func TestAllocate_HigherDemandWinsMajority(t *testing.T) {
	out := Allocate(Input{
		Candidates: []model.Candidate{
			candidate("A", "KIT-A", 5, 70, 10),
			candidate("B", "KIT-B", 2, 70, 10),
		},
		Constraints:   defaultConstraints(),
		PoolAvailable: 10,
		Curve:         DefaultBonusCurve(),
	})

	got := byID(out.Candidates)
	assert.Equal(t, 9, out.Allocatable)
	assert.Equal(t, 9, out.AllocatedTotal)
	assert.Equal(t, 9, out.PoolUnitsUsed)
	assert.Equal(t, 7, got["A"].RecommendedQty)
	assert.Equal(t, 2, got["B"].RecommendedQty)
	assert.GreaterOrEqual(t, got["B"].RecommendedQty, 1, "diminishing returns must spread stock")
}

func TestAllocate_MarginBlock(t *testing.T) {
	out := Allocate(Input{
		Candidates: []model.Candidate{
			candidate("A", "KIT-A", 5, 8, 10),
			candidate("B", "KIT-B", 2, 30, 10),
		},
		Constraints:   defaultConstraints(),
		PoolAvailable: 10,
		Curve:         DefaultBonusCurve(),
	})

	got := byID(out.Candidates)
	assert.Equal(t, model.BlockMargin, got["A"].Block)
	assert.Zero(t, got["A"].RecommendedQty)
	assert.Equal(t, 9, got["B"].RecommendedQty)
	assert.Equal(t, 1, out.Summary.BlockedByMargin)
}

func TestAllocate_MarginCheckedBeforeStock(t *testing.T) {
	out := Allocate(Input{
		Candidates:    []model.Candidate{candidate("A", "KIT-A", 5, 2, 0)},
		Constraints:   defaultConstraints(),
		PoolAvailable: 10,
		Curve:         DefaultBonusCurve(),
	})
	assert.Equal(t, model.BlockMargin, out.Candidates[0].Block)
	assert.Equal(t, 0, out.Summary.BlockedByStock)
}

func TestAllocate_StockBlockAndBuildableCap(t *testing.T) {
	out := Allocate(Input{
		Candidates: []model.Candidate{
			candidate("A", "KIT-A", 50, 70, 2),
			candidate("B", "KIT-B", 1, 70, 0),
			candidate("C", "KIT-C", 1, 70, 10),
		},
		Constraints:   defaultConstraints(),
		PoolAvailable: 10,
		Curve:         DefaultBonusCurve(),
	})

	got := byID(out.Candidates)
	assert.Equal(t, 2, got["A"].RecommendedQty, "never above buildable")
	assert.Equal(t, model.BlockStock, got["B"].Block)
	assert.Equal(t, 7, got["C"].RecommendedQty)
	assert.Equal(t, 1, out.Summary.BlockedByStock)
}

func TestAllocate_SharedBundleCap(t *testing.T) {
	// Two listings for the same kit share its buildable count.
	out := Allocate(Input{
		Candidates: []model.Candidate{
			candidate("A1", "KIT-A", 5, 70, 3),
			candidate("A2", "KIT-A", 5, 70, 3),
		},
		Constraints:   defaultConstraints(),
		PoolAvailable: 20,
		Curve:         DefaultBonusCurve(),
	})
	got := byID(out.Candidates)
	assert.Equal(t, 3, got["A1"].RecommendedQty+got["A2"].RecommendedQty)
}

func TestAllocate_PoolQtyPerRespectsAllocatable(t *testing.T) {
	twin := candidate("T", "KIT-T", 5, 70, 10)
	twin.PoolQtyPer = 2
	single := candidate("S", "KIT-S", 1, 70, 10)

	out := Allocate(Input{
		Candidates:    []model.Candidate{twin, single},
		Constraints:   defaultConstraints(),
		PoolAvailable: 6,
		Curve:         DefaultBonusCurve(),
	})
	assert.LessOrEqual(t, out.PoolUnitsUsed, out.Allocatable)
	assert.Equal(t, 5, out.Allocatable)
	got := byID(out.Candidates)
	assert.Equal(t, got["T"].RecommendedQty*2+got["S"].RecommendedQty, out.PoolUnitsUsed)
	assert.Equal(t, 5, out.PoolUnitsUsed, "single-unit listing fills the odd unit")
}

func TestAllocate_BufferAtLeastAvailable(t *testing.T) {
	c := defaultConstraints()
	c.BufferUnits = 12
	out := Allocate(Input{
		Candidates:    []model.Candidate{candidate("A", "KIT-A", 5, 70, 10)},
		Constraints:   c,
		PoolAvailable: 10,
		Curve:         DefaultBonusCurve(),
	})
	assert.Zero(t, out.Allocatable)
	assert.Zero(t, out.AllocatedTotal)
}

func TestAllocate_TiesBreakOnListingID(t *testing.T) {
	out := Allocate(Input{
		Candidates: []model.Candidate{
			candidate("Z", "KIT-Z", 1, 70, 10),
			candidate("A", "KIT-A", 1, 70, 10),
		},
		Constraints:   model.Constraints{MinMarginPct: 10, TargetMarginPct: 20, BufferUnits: 1},
		PoolAvailable: 2,
		Curve:         DefaultBonusCurve(),
	})
	got := byID(out.Candidates)
	assert.Equal(t, 1, got["A"].RecommendedQty)
	assert.Zero(t, got["Z"].RecommendedQty)
}

func TestAllocate_Deterministic(t *testing.T) {
	in := Input{
		Candidates: []model.Candidate{
			candidate("A", "KIT-A", 3.3, 45, 6),
			candidate("B", "KIT-B", 3.3, 45, 6),
			candidate("C", "KIT-C", 1.1, 25, 6),
		},
		Constraints:   defaultConstraints(),
		PoolAvailable: 15,
		Curve:         DefaultBonusCurve(),
	}
	first := Allocate(in)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, Allocate(in))
	}
}

func TestAllocate_DoesNotMutateInput(t *testing.T) {
	cands := []model.Candidate{candidate("A", "KIT-A", 5, 70, 10)}
	Allocate(Input{Candidates: cands, Constraints: defaultConstraints(), PoolAvailable: 10, Curve: DefaultBonusCurve()})
	assert.Zero(t, cands[0].RecommendedQty)
}

func TestAllocate_MissingDemandCounted(t *testing.T) {
	c := candidate("A", "KIT-A", 0.1, 70, 10)
	c.Demand.Source = model.DemandFallback
	out := Allocate(Input{Candidates: []model.Candidate{c}, Constraints: defaultConstraints(), PoolAvailable: 3, Curve: DefaultBonusCurve()})
	assert.Equal(t, 1, out.Summary.MissingDemandSignal)
	assert.Equal(t, 2, out.AllocatedTotal)
}

func TestAllocate_ZeroDemandGetsNothing(t *testing.T) {
	out := Allocate(Input{
		Candidates:    []model.Candidate{candidate("A", "KIT-A", 0, 70, 10)},
		Constraints:   defaultConstraints(),
		PoolAvailable: 10,
		Curve:         DefaultBonusCurve(),
	})
	require.Len(t, out.Candidates, 1)
	assert.Zero(t, out.AllocatedTotal)
	assert.Equal(t, model.BlockNone, out.Candidates[0].Block)
}
