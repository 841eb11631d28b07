package allocation

// BonusCurve rewards margin above target. At or below target the multiplier
// is 1; it rises linearly to 1+MaxBonus at target+SpanPct and stays there.
type BonusCurve struct {
	MaxBonus float64 `mapstructure:"max_bonus" json:"max_bonus"`
	SpanPct  float64 `mapstructure:"span_pct" json:"span_pct"`
}

// DefaultBonusCurve returns a 20% maximum bonus reached 20 points above target.
func DefaultBonusCurve() BonusCurve {
	return BonusCurve{MaxBonus: 0.20, SpanPct: 20}
}

// Multiplier returns the margin bonus for marginPct relative to targetPct.
func (c BonusCurve) Multiplier(marginPct, targetPct float64) float64 {
	bonus := max(c.MaxBonus, 0)
	over := marginPct - targetPct
	switch {
	case over <= 0 || bonus == 0:
		return 1
	case c.SpanPct <= 0 || over >= c.SpanPct:
		return 1 + bonus
	default:
		return 1 + bonus*over/c.SpanPct
	}
}

// Score is demand per day weighted by the margin bonus.
func (c BonusCurve) Score(unitsPerDay, marginPct, targetPct float64) float64 {
	return max(unitsPerDay, 0) * c.Multiplier(marginPct, targetPct)
}
