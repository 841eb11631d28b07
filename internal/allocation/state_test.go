package allocation

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/stockpool/internal/model"
)

func newTrackedPreview(id string, c model.Constraints) *model.Preview {
	return &model.Preview{ID: id, PoolComponentSKU: "BL1850", Location: "UK", Constraints: c}
}

func TestTracker_Transitions(t *testing.T) {
	tr := NewTracker(0)
	tr.Generate(newTrackedPreview("p1", defaultConstraints()))

	state, ok := tr.State("p1")
	require.True(t, ok)
	assert.Equal(t, model.PreviewGenerated, state)

	require.NoError(t, tr.RejectStale("p1"))
	require.NoError(t, tr.Apply("p1"))

	state, _ = tr.State("p1")
	assert.Equal(t, model.PreviewApplied, state)

	err := tr.Supersede("p1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestTracker_AppliedIsTerminal(t *testing.T) {
	tr := NewTracker(0)
	tr.Generate(newTrackedPreview("p1", defaultConstraints()))
	require.NoError(t, tr.Apply("p1"))
	assert.Error(t, tr.Apply("p1"))
	assert.Error(t, tr.RejectStale("p1"))
}

func TestTracker_UnknownPreview(t *testing.T) {
	tr := NewTracker(0)
	err := tr.Apply("ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not tracked")
}

func TestTracker_GenerateSupersedesDifferentConstraints(t *testing.T) {
	tr := NewTracker(0)
	c := defaultConstraints()
	tr.Generate(newTrackedPreview("p1", c))
	assert.Empty(t, tr.Generate(newTrackedPreview("p2", c)), "same constraints do not supersede")

	changed := c
	changed.BufferUnits = 3
	superseded := tr.Generate(newTrackedPreview("p3", changed))
	assert.ElementsMatch(t, []string{"p1", "p2"}, superseded)

	state, _ := tr.State("p1")
	assert.Equal(t, model.PreviewSuperseded, state)
	state, _ = tr.State("p3")
	assert.Equal(t, model.PreviewGenerated, state)

	// A different pool is untouched.
	other := newTrackedPreview("q1", c)
	other.PoolComponentSKU = "DHP484"
	assert.Empty(t, tr.Generate(other))
}

func TestTracker_Bounded(t *testing.T) {
	tr := NewTracker(3)
	for i := 0; i < 5; i++ {
		c := defaultConstraints()
		c.BufferUnits = i + 1
		tr.Generate(newTrackedPreview(fmt.Sprintf("p%d", i), c))
	}
	_, ok := tr.State("p0")
	assert.False(t, ok)
	_, ok = tr.State("p4")
	assert.True(t, ok)
}
