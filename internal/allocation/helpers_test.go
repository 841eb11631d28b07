package allocation

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/stockpool/internal/dispatch"
	"github.com/sells-group/stockpool/internal/model"
)

var testNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type fakeCatalog struct {
	mu       sync.Mutex
	bundles  []model.Bundle
	stock    []model.Component
	listings []model.Listing
	err      error
}

func (f *fakeCatalog) ListBundles(context.Context) ([]model.Bundle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]model.Bundle(nil), f.bundles...), nil
}

func (f *fakeCatalog) ListStock(_ context.Context, location string) ([]model.Component, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Component
	for _, c := range f.stock {
		if c.Location == location {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeCatalog) ListListings(_ context.Context, bundleSKUs []string) ([]model.Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := make(map[string]bool, len(bundleSKUs))
	for _, s := range bundleSKUs {
		want[s] = true
	}
	var out []model.Listing
	for _, l := range f.listings {
		if len(want) == 0 || want[l.BundleSKU] {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeCatalog) setAvailable(sku string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.stock {
		if f.stock[i].SKU == sku {
			f.stock[i].Available = n
		}
	}
}

// fixedDemand returns a fixed estimate per listing id.
type fixedDemand map[string]model.DemandEstimate

func (d fixedDemand) Estimate(l model.Listing) model.DemandEstimate {
	if e, ok := d[l.ID]; ok {
		return e
	}
	return model.DemandEstimate{UnitsPerDay: 0.1, Source: model.DemandFallback}
}

func (fixedDemand) ModelVersion() string { return "test-model" }

func demandOf(units float64) model.DemandEstimate {
	return model.DemandEstimate{UnitsPerDay: units, Source: model.DemandInternal, Confidence: 1}
}

// poolCatalog has one pooled 5Ah battery (10 in stock) shared by two kits.
// Both listings price at £100 with £10 fees on a £20 battery, a 70% margin.
func poolCatalog() *fakeCatalog {
	return &fakeCatalog{
		bundles: []model.Bundle{
			{SKU: "KIT-A", Active: true, Lines: []model.BOMLine{{ComponentSKU: "BL1850", QtyRequired: 1}, {ComponentSKU: "BAG", QtyRequired: 1}}},
			{SKU: "KIT-B", Active: true, Lines: []model.BOMLine{{ComponentSKU: "BL1850", QtyRequired: 1}}},
		},
		stock: []model.Component{
			{SKU: "BL1850", CostPence: 2000, Location: "UK", Available: 10},
			{SKU: "BAG", CostPence: 0, Location: "UK", Available: 50},
		},
		listings: []model.Listing{
			{ID: "LB", SellerSKU: "SKU-B", BundleSKU: "KIT-B", PricePence: 10000, FeesPence: 1000},
			{ID: "LA", SellerSKU: "SKU-A", BundleSKU: "KIT-A", PricePence: 10000, FeesPence: 1000},
		},
	}
}

func poolDemand() fixedDemand {
	return fixedDemand{"LA": demandOf(5), "LB": demandOf(2)}
}

func defaultConstraints() model.Constraints {
	return model.Constraints{MinMarginPct: 10, TargetMarginPct: 20, BufferUnits: 1}
}

func newTestEngine(cat *fakeCatalog, d DemandEstimator, opts ...EngineOption) *Engine {
	seq := 0
	opts = append([]EngineOption{
		WithClock(func() time.Time { return testNow }),
		WithIDFunc(func() string {
			seq++
			return "preview-" + string(rune('0'+seq))
		}),
	}, opts...)
	return NewEngine(cat, d, opts...)
}

type fakeDispatcher struct {
	mu      sync.Mutex
	calls   int
	updates []dispatch.Update
	fail    map[string]error
	delay   time.Duration
	// When release is set, Dispatch signals entered and then blocks until
	// release closes or ctx ends; a cancelled ctx fails every update.
	entered chan struct{}
	release chan struct{}
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, updates []dispatch.Update) []dispatch.Outcome {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.release != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
		select {
		case <-f.release:
		case <-ctx.Done():
			f.mu.Lock()
			f.calls++
			f.mu.Unlock()
			out := make([]dispatch.Outcome, len(updates))
			for i, u := range updates {
				out[i] = dispatch.Outcome{ListingID: u.ListingID, SellerSKU: u.SellerSKU, Requested: u.Quantity, Err: ctx.Err()}
			}
			return out
		}
	}
	f.mu.Lock()
	f.calls++
	f.updates = append(f.updates, updates...)
	f.mu.Unlock()

	out := make([]dispatch.Outcome, len(updates))
	for i, u := range updates {
		qty := u.Quantity
		var err error
		if u.Verify != nil {
			qty, err = u.Verify(ctx, qty)
		}
		if ferr, ok := f.fail[u.SellerSKU]; ok && err == nil {
			err = ferr
		}
		out[i] = dispatch.Outcome{ListingID: u.ListingID, SellerSKU: u.SellerSKU, Requested: u.Quantity, Quantity: qty, Attempts: 1, Err: err}
	}
	return out
}

func (f *fakeDispatcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type countingRecorder struct {
	mu       sync.Mutex
	previews int
	applies  map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{applies: make(map[string]int)}
}

func (r *countingRecorder) ObservePreview(time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.previews++
}

func (r *countingRecorder) CountApply(status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applies[status]++
}

func (r *countingRecorder) count(status string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applies[status]
}

type memoryAudit struct {
	mu      sync.Mutex
	results []*model.ApplyResult
	err     error
}

func (m *memoryAudit) PublishApply(_ context.Context, res *model.ApplyResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, res)
	return m.err
}

var errMarketplaceDown = eris.New("marketplace: 503")
