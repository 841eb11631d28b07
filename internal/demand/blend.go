package demand

import (
	"go.uber.org/zap"

	"github.com/sells-group/stockpool/internal/model"
)

// daysPerWindow is the length of the internal sales window.
const daysPerWindow = 30

// BlendConfig tunes how internal history and the model are combined.
type BlendConfig struct {
	// TrustedUnits30d is the 30-day unit count at which internal history is
	// trusted outright.
	TrustedUnits30d int
	// ModelConfidence is reported for pure model estimates.
	ModelConfidence float64
	// FallbackUnitsPerDay is the conservative floor when no signal is usable.
	FallbackUnitsPerDay float64
}

// DefaultBlendConfig returns the production defaults.
func DefaultBlendConfig() BlendConfig {
	return BlendConfig{
		TrustedUnits30d:     10,
		ModelConfidence:     0.5,
		FallbackUnitsPerDay: 0.1,
	}
}

// Blender produces one demand estimate per listing. A nil model is allowed.
type Blender struct {
	cfg   BlendConfig
	model *Model
}

// NewBlender creates a Blender. Non-positive trust and confidence settings take
// defaults; a negative fallback floor is reset to the default.
func NewBlender(cfg BlendConfig, m *Model) *Blender {
	def := DefaultBlendConfig()
	if cfg.TrustedUnits30d <= 0 {
		cfg.TrustedUnits30d = def.TrustedUnits30d
	}
	if cfg.ModelConfidence <= 0 {
		cfg.ModelConfidence = def.ModelConfidence
	}
	if cfg.FallbackUnitsPerDay < 0 {
		cfg.FallbackUnitsPerDay = def.FallbackUnitsPerDay
	}
	return &Blender{cfg: cfg, model: m}
}

// ModelVersion returns the loaded model's version, or "" without a model.
func (b *Blender) ModelVersion() string {
	if b.model == nil {
		return ""
	}
	return b.model.Version
}

// Estimate returns the demand estimate for l. It never fails: an unusable
// model degrades the result rather than erroring.
func (b *Blender) Estimate(l model.Listing) model.DemandEstimate {
	units := 0
	if l.Units30d != nil {
		units = *l.Units30d
	}
	internal := float64(units) / daysPerWindow

	predicted, predErr := Predict(b.model, listingFeatures(l))
	hasModel := predErr == nil
	if predErr != nil && b.model != nil {
		zap.L().Debug("demand: model prediction unavailable",
			zap.String("listing", l.ID),
			zap.Error(predErr),
		)
	}

	switch {
	case units >= b.cfg.TrustedUnits30d:
		return model.DemandEstimate{UnitsPerDay: internal, Source: model.DemandInternal, Confidence: 1}
	case units > 0 && hasModel:
		w := float64(units) / float64(b.cfg.TrustedUnits30d)
		return model.DemandEstimate{
			UnitsPerDay: w*internal + (1-w)*predicted,
			Source:      model.DemandBlended,
			Confidence:  w,
		}
	case units > 0:
		w := float64(units) / float64(b.cfg.TrustedUnits30d)
		return model.DemandEstimate{UnitsPerDay: internal, Source: model.DemandInternal, Confidence: w}
	case hasModel:
		return model.DemandEstimate{UnitsPerDay: predicted, Source: model.DemandKeepaModel, Confidence: b.cfg.ModelConfidence}
	default:
		return model.DemandEstimate{UnitsPerDay: b.cfg.FallbackUnitsPerDay, Source: model.DemandFallback}
	}
}

func listingFeatures(l model.Listing) Features {
	var f Features
	if l.SalesRank != nil {
		v := float64(*l.SalesRank)
		f.Rank = &v
	}
	if l.OfferCount != nil {
		v := float64(*l.OfferCount)
		f.OfferCount = &v
	}
	if l.PricePence > 0 {
		v := float64(l.PricePence)
		f.PricePence = &v
	}
	return f
}

// SampleFromListing builds a training sample from a listing with internal
// history. ok is false when the listing has no usable label.
func SampleFromListing(l model.Listing) (Sample, bool) {
	if l.Units30d == nil || l.SalesRank == nil {
		return Sample{}, false
	}
	return Sample{
		ID:          l.ID,
		Features:    listingFeatures(l),
		UnitsPerDay: float64(*l.Units30d) / daysPerWindow,
	}, true
}
