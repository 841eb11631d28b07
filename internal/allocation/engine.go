package allocation

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/stockpool/internal/model"
	"github.com/sells-group/stockpool/internal/pool"
)

// ErrInvalidParams is returned for malformed preview or apply parameters.
var ErrInvalidParams = eris.New("allocation: invalid parameters")

// Catalog is the read-only catalog view the engine needs.
type Catalog interface {
	pool.CatalogReader
	ListListings(ctx context.Context, bundleSKUs []string) ([]model.Listing, error)
}

// DemandEstimator produces a demand estimate per listing.
type DemandEstimator interface {
	Estimate(l model.Listing) model.DemandEstimate
	ModelVersion() string
}

// Recorder receives engine and apply metrics.
type Recorder interface {
	ObservePreview(d time.Duration)
	CountApply(status string)
}

type nopRecorder struct{}

func (nopRecorder) ObservePreview(time.Duration) {}
func (nopRecorder) CountApply(string)            {}

// PreviewParams identify the pool and the operator's constraints.
type PreviewParams struct {
	PoolComponentSKU string
	Location         string
	Constraints      model.Constraints
}

// Validate checks margins, buffer and identifiers.
func (p PreviewParams) Validate() error {
	c := p.Constraints
	switch {
	case p.PoolComponentSKU == "":
		return eris.Wrap(ErrInvalidParams, "pool component sku is required")
	case p.Location == "":
		return eris.Wrap(ErrInvalidParams, "location is required")
	case c.MinMarginPct < 0 || c.MinMarginPct > 100:
		return eris.Wrapf(ErrInvalidParams, "min margin %.2f outside [0,100]", c.MinMarginPct)
	case c.TargetMarginPct < 0 || c.TargetMarginPct > 100:
		return eris.Wrapf(ErrInvalidParams, "target margin %.2f outside [0,100]", c.TargetMarginPct)
	case c.TargetMarginPct < c.MinMarginPct:
		return eris.Wrapf(ErrInvalidParams, "target margin %.2f below min margin %.2f", c.TargetMarginPct, c.MinMarginPct)
	case c.BufferUnits < 1:
		return eris.Wrapf(ErrInvalidParams, "buffer %d must be at least 1", c.BufferUnits)
	}
	return nil
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithIDFunc overrides preview id generation.
func WithIDFunc(fn func() string) EngineOption {
	return func(e *Engine) { e.newID = fn }
}

// WithTracker shares a preview tracker.
func WithTracker(t *Tracker) EngineOption {
	return func(e *Engine) { e.tracker = t }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) EngineOption {
	return func(e *Engine) { e.recorder = r }
}

// WithBonusCurve overrides the margin bonus curve.
func WithBonusCurve(c BonusCurve) EngineOption {
	return func(e *Engine) { e.curve = c }
}

// WithDiminishingFactor overrides the per-unit score decay.
func WithDiminishingFactor(f float64) EngineOption {
	return func(e *Engine) { e.factor = f }
}

// Engine generates allocation previews. It never mutates stock or external state.
type Engine struct {
	catalog  Catalog
	demand   DemandEstimator
	tracker  *Tracker
	recorder Recorder
	curve    BonusCurve
	factor   float64
	now      func() time.Time
	newID    func() string
}

// NewEngine creates an Engine.
func NewEngine(catalog Catalog, demand DemandEstimator, opts ...EngineOption) *Engine {
	e := &Engine{
		catalog:  catalog,
		demand:   demand,
		recorder: nopRecorder{},
		curve:    DefaultBonusCurve(),
		factor:   DefaultDiminishingFactor,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, o := range opts {
		o(e)
	}
	if e.tracker == nil {
		e.tracker = NewTracker(0)
	}
	return e
}

// Tracker returns the engine's preview tracker.
func (e *Engine) Tracker() *Tracker { return e.tracker }

// Generate computes a new preview for params and starts tracking it.
func (e *Engine) Generate(ctx context.Context, params PreviewParams) (*model.Preview, error) {
	p, err := e.compute(ctx, params)
	if err != nil {
		return nil, err
	}
	for _, id := range e.tracker.Generate(p) {
		zap.L().Info("allocation: preview superseded",
			zap.String("preview", id),
			zap.String("by", p.ID),
			zap.String("pool", p.PoolComponentSKU),
		)
	}
	return p, nil
}

func (e *Engine) compute(ctx context.Context, params PreviewParams) (*model.Preview, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()

	bundles, err := e.catalog.ListBundles(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "allocation: list bundles")
	}
	stock, err := e.catalog.ListStock(ctx, params.Location)
	if err != nil {
		return nil, eris.Wrapf(err, "allocation: list stock at %s", params.Location)
	}

	var target *model.Pool
	pools := pool.Discover(bundles, stock, params.Location, 0)
	for i := range pools {
		if pools[i].ComponentSKU == params.PoolComponentSKU {
			target = &pools[i]
			break
		}
	}
	if target == nil {
		return nil, eris.Wrapf(pool.ErrUnknownPool, "%s at %s", params.PoolComponentSKU, params.Location)
	}

	bundleBySKU := make(map[string]model.Bundle, len(bundles))
	for _, b := range bundles {
		bundleBySKU[b.SKU] = b
	}
	memberSKUs := make([]string, 0, len(target.Members))
	qtyPer := make(map[string]int, len(target.Members))
	for _, m := range target.Members {
		memberSKUs = append(memberSKUs, m.BundleSKU)
		qtyPer[m.BundleSKU] = m.QtyRequired
	}

	listings, err := e.catalog.ListListings(ctx, memberSKUs)
	if err != nil {
		return nil, eris.Wrapf(err, "allocation: list listings for pool %s", params.PoolComponentSKU)
	}
	listings = filterListings(listings, qtyPer)

	available := stockMap(stock)
	costs := make(map[string]int64, len(stock))
	for _, c := range stock {
		if _, ok := costs[c.SKU]; !ok {
			costs[c.SKU] = c.CostPence
		}
	}

	// Constraints and demand are independent; compute them side by side.
	type build struct {
		n        int
		limiting string
	}
	builds := make(map[string]build, len(memberSKUs))
	estimates := make([]model.DemandEstimate, len(listings))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for _, sku := range memberSKUs {
			if err := gctx.Err(); err != nil {
				return err
			}
			n, limiting := Buildable(bundleBySKU[sku], available)
			builds[sku] = build{n: n, limiting: limiting}
		}
		return nil
	})
	g.Go(func() error {
		for i, l := range listings {
			if err := gctx.Err(); err != nil {
				return err
			}
			estimates[i] = e.demand.Estimate(l)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "allocation: compute candidates")
	}

	candidates := make([]model.Candidate, 0, len(listings))
	for i, l := range listings {
		b := bundleBySKU[l.BundleSKU]
		cost := bundleCost(b, costs)
		candidates = append(candidates, model.Candidate{
			ListingID:             l.ID,
			ASIN:                  l.ASIN,
			SellerSKU:             l.SellerSKU,
			BundleSKU:             l.BundleSKU,
			PricePence:            l.PricePence,
			CostPence:             cost,
			MarginPct:             MarginPct(l.PricePence, l.FeesPence, cost),
			Demand:                estimates[i],
			Buildable:             builds[l.BundleSKU].n,
			ConstrainingComponent: builds[l.BundleSKU].limiting,
			PoolQtyPer:            qtyPer[l.BundleSKU],
		})
	}

	out := Allocate(Input{
		Candidates:        candidates,
		Constraints:       params.Constraints,
		PoolAvailable:     target.Available,
		Curve:             e.curve,
		DiminishingFactor: e.factor,
	})

	p := &model.Preview{
		ID:               e.newID(),
		PoolComponentSKU: target.ComponentSKU,
		Location:         params.Location,
		GeneratedAt:      e.now().UTC(),
		Constraints:      params.Constraints,
		PoolAvailable:    target.Available,
		Allocatable:      out.Allocatable,
		AllocatedTotal:   out.AllocatedTotal,
		PoolUnitsUsed:    out.PoolUnitsUsed,
		Candidates:       out.Candidates,
		Summary:          out.Summary,
		ModelVersion:     e.demand.ModelVersion(),
	}
	e.recorder.ObservePreview(time.Since(start))
	zap.L().Debug("allocation: preview computed",
		zap.String("preview", p.ID),
		zap.String("pool", p.PoolComponentSKU),
		zap.String("location", p.Location),
		zap.Int("candidates", len(p.Candidates)),
		zap.Int("allocated", p.AllocatedTotal),
	)
	return p, nil
}

// filterListings keeps listings for member bundles, sorted by listing id.
func filterListings(listings []model.Listing, members map[string]int) []model.Listing {
	out := make([]model.Listing, 0, len(listings))
	seen := make(map[string]bool, len(listings))
	for _, l := range listings {
		if _, ok := members[l.BundleSKU]; !ok || seen[l.ID] {
			continue
		}
		seen[l.ID] = true
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func bundleCost(b model.Bundle, costs map[string]int64) int64 {
	var total int64
	for _, l := range b.Lines {
		if l.QtyRequired > 0 {
			total += costs[l.ComponentSKU] * int64(l.QtyRequired)
		}
	}
	return total
}

var hundred = decimal.NewFromInt(100)

// MarginPct returns (price - fees - cost) / price as a percentage, unrounded
// so eligibility compares the true margin. A non-positive price yields -100.
func MarginPct(pricePence, feesPence, costPence int64) float64 {
	if pricePence <= 0 {
		return -100
	}
	price := decimal.NewFromInt(pricePence)
	profit := price.Sub(decimal.NewFromInt(feesPence)).Sub(decimal.NewFromInt(costPence))
	return profit.Mul(hundred).Div(price).InexactFloat64()
}
