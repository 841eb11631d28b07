package allocation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBonusCurve_Multiplier(t *testing.T) {
	c := DefaultBonusCurve()
	tests := []struct {
		name   string
		margin float64
		want   float64
	}{
		{"below target", 15, 1},
		{"at target", 20, 1},
		{"halfway up the span", 30, 1.10},
		{"top of the span", 40, 1.20},
		{"beyond the span", 75, 1.20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, c.Multiplier(tt.margin, 20), 1e-9)
		})
	}
}

func TestBonusCurve_Degenerate(t *testing.T) {
	assert.Equal(t, 1.0, BonusCurve{MaxBonus: 0, SpanPct: 20}.Multiplier(90, 20))
	assert.Equal(t, 1.0, BonusCurve{MaxBonus: -1, SpanPct: 20}.Multiplier(90, 20))
	assert.InDelta(t, 1.5, BonusCurve{MaxBonus: 0.5, SpanPct: 0}.Multiplier(21, 20), 1e-9)
}

func TestBonusCurve_Score(t *testing.T) {
	c := DefaultBonusCurve()
	assert.InDelta(t, 6.0, c.Score(5, 40, 20), 1e-9)
	assert.InDelta(t, 2.0, c.Score(2, 10, 20), 1e-9)
	assert.Equal(t, 0.0, c.Score(-3, 40, 20))
}

func TestMarginPct(t *testing.T) {
	assert.InDelta(t, 70.0, MarginPct(10000, 1000, 2000), 1e-9)
	assert.InDelta(t, 8.0, MarginPct(10000, 0, 9200), 1e-9)
	assert.InDelta(t, 100.0/3, MarginPct(3000, 0, 2000), 1e-9)
	assert.InDelta(t, 9.99996, MarginPct(2500000, 0, 2250001), 1e-9)
	assert.Less(t, MarginPct(2500000, 0, 2250001), 10.0)
	assert.InDelta(t, -50.0, MarginPct(1000, 500, 1000), 1e-9)
	assert.Equal(t, -100.0, MarginPct(0, 0, 100))
}
