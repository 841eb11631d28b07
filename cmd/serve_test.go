package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/stockpool/internal/config"
	"github.com/sells-group/stockpool/internal/model"
	"github.com/sells-group/stockpool/internal/store"
)

type fakeMarketplace struct {
	mu    sync.Mutex
	calls map[string]int
	count int
}

func (f *fakeMarketplace) SetQuantity(_ context.Context, sku string, qty int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[sku] = qty
	f.count++
	return nil
}

func (f *fakeMarketplace) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

func testConfig() *config.Config {
	c := &config.Config{}
	c.Store.Driver = "sqlite"
	c.Server.Port = 8080
	c.Server.AllowedOrigins = []string{"*"}
	c.Allocation.MaxBonus = 0.2
	c.Allocation.SpanPct = 20
	c.Allocation.DiminishingFactor = 0.8
	c.Allocation.StaleAfter = 5 * time.Minute
	c.Allocation.LargeThreshold = 100
	c.Allocation.Reverify = true
	c.Allocation.MinMarginPct = 10
	c.Allocation.TargetMarginPct = 20
	c.Allocation.BufferUnits = 1
	c.Allocation.MinBomCount = 2
	c.Allocation.DefaultLocation = "UK"
	c.Dispatch.Workers = 3
	c.RateLimit.Backend = "store"
	c.RateLimit.Default = config.LimitConfig{Rate: 10, Burst: 10}
	c.Audit.Sink = "none"
	return c
}

func intPtr(v int) *int { return &v }

// seedStore writes two kits sharing BL1850: KIT-A (with a bag) sells 5 a day
// and KIT-B sells 2 a day.
func seedStore(t *testing.T, st store.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.UpsertComponents(ctx, []model.Component{
		{SKU: "BL1850", Description: "18V 5Ah battery", Brand: "MAK", CostPence: 2000, Location: "UK", Available: 10},
		{SKU: "BAG", Description: "Tool bag", CostPence: 0, Location: "UK", Available: 50},
	}))
	require.NoError(t, st.UpsertBundles(ctx, []model.Bundle{
		{SKU: "KIT-A", Active: true, Lines: []model.BOMLine{{ComponentSKU: "BL1850", QtyRequired: 1}, {ComponentSKU: "BAG", QtyRequired: 1}}},
		{SKU: "KIT-B", Active: true, Lines: []model.BOMLine{{ComponentSKU: "BL1850", QtyRequired: 1}}},
	}))
	require.NoError(t, st.UpsertListings(ctx, []model.Listing{
		{ID: "LA", SellerSKU: "SKU-A", BundleSKU: "KIT-A", PricePence: 10000, FeesPence: 1000, Units30d: intPtr(150)},
		{ID: "LB", SellerSKU: "SKU-B", BundleSKU: "KIT-B", PricePence: 10000, FeesPence: 1000, Units30d: intPtr(60)},
	}))
}

func newTestRouter(t *testing.T, mutate func(*config.Config)) (http.Handler, *fakeMarketplace) {
	t.Helper()
	cfg = testConfig()
	if mutate != nil {
		mutate(cfg)
	}

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "stockpool.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	seedStore(t, st)

	mp := &fakeMarketplace{}
	env := buildEnv(cfg, deps{Store: st, Buckets: st, Client: mp})
	t.Cleanup(env.Close)
	return buildRouter(env, cfg.Server.AllowedOrigins), mp
}

func doRequest(t *testing.T, h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func fetchPreview(t *testing.T, h http.Handler) model.Preview {
	t.Helper()
	rr := doRequest(t, h, http.MethodGet, "/api/pools/BL1850/preview?location=UK", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var p model.Preview
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &p))
	return p
}

func applyBody(p model.Preview, key string) map[string]any {
	return map[string]any{
		"preview_id":      p.ID,
		"location":        p.Location,
		"constraints":     p.Constraints,
		"generated_at":    p.GeneratedAt,
		"idempotency_key": key,
	}
}

func TestRouter_Health(t *testing.T) {
	h, _ := newTestRouter(t, nil)

	rr := doRequest(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestRouter_ListPools(t *testing.T) {
	h, _ := newTestRouter(t, nil)

	rr := doRequest(t, h, http.MethodGet, "/api/pools?location=UK", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var body struct {
		Location string       `json:"location"`
		Pools    []model.Pool `json:"pools"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "UK", body.Location)
	require.Len(t, body.Pools, 1)
	assert.Equal(t, "BL1850", body.Pools[0].ComponentSKU)
	assert.Equal(t, 10, body.Pools[0].Available)
	assert.Equal(t, 2, body.Pools[0].BundleCount)
}

func TestRouter_ListPoolsBadParams(t *testing.T) {
	h, _ := newTestRouter(t, func(c *config.Config) { c.Allocation.DefaultLocation = "" })

	rr := doRequest(t, h, http.MethodGet, "/api/pools", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "location is required")

	rr = doRequest(t, h, http.MethodGet, "/api/pools?location=UK&min_bom_count=two", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRouter_Preview(t *testing.T) {
	h, mp := newTestRouter(t, nil)

	p := fetchPreview(t, h)
	assert.Equal(t, "BL1850", p.PoolComponentSKU)
	assert.Equal(t, 10, p.PoolAvailable)
	assert.Equal(t, 9, p.Allocatable)
	assert.Equal(t, 9, p.AllocatedTotal)

	qty := map[string]int{}
	for _, c := range p.Candidates {
		qty[c.ListingID] = c.RecommendedQty
	}
	assert.Greater(t, qty["LA"], qty["LB"])
	assert.GreaterOrEqual(t, qty["LB"], 1)
	assert.Zero(t, mp.callCount(), "preview must not touch the marketplace")
}

func TestRouter_PreviewErrors(t *testing.T) {
	h, _ := newTestRouter(t, nil)

	tests := []struct {
		name   string
		target string
		status int
		code   string
	}{
		{"unknown pool", "/api/pools/BAG/preview?location=UK", http.StatusNotFound, "UNKNOWN_POOL"},
		{"zero buffer", "/api/pools/BL1850/preview?location=UK&buffer_units=0", http.StatusBadRequest, "INVALID_PARAMS"},
		{"target below min", "/api/pools/BL1850/preview?location=UK&min_margin_pct=30&target_margin_pct=20", http.StatusBadRequest, "INVALID_PARAMS"},
		{"bad number", "/api/pools/BL1850/preview?location=UK&min_margin_pct=ten", http.StatusBadRequest, "INVALID_PARAMS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doRequest(t, h, http.MethodGet, tt.target, nil)
			assert.Equal(t, tt.status, rr.Code, rr.Body.String())
			var body errorBody
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
			assert.Equal(t, tt.code, body.Code)
		})
	}
}

func TestRouter_ApplyAndReplay(t *testing.T) {
	h, mp := newTestRouter(t, nil)
	p := fetchPreview(t, h)

	rr := doRequest(t, h, http.MethodPost, "/api/pools/BL1850/apply", applyBody(p, "key-1"))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var res model.ApplyResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	require.NotNil(t, res.SuccessCount)
	assert.Equal(t, 2, *res.SuccessCount)
	assert.Equal(t, 9, res.AllocatedTotal)
	require.NotNil(t, res.RollbackGuidance)
	assert.ElementsMatch(t, []string{"SKU-A", "SKU-B"}, res.RollbackGuidance.AffectedSKUs)
	assert.Equal(t, 2, mp.callCount())

	// Same key and payload: recorded result, no new calls.
	rr = doRequest(t, h, http.MethodPost, "/api/pools/BL1850/apply", applyBody(p, "key-1"))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var replay model.ApplyResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &replay))
	assert.Equal(t, res.CorrelationID, replay.CorrelationID)
	assert.Equal(t, 2, mp.callCount())

	// Same key, different payload.
	body := applyBody(p, "key-1")
	body["constraints"] = model.Constraints{MinMarginPct: 5, TargetMarginPct: 20, BufferUnits: 1}
	rr = doRequest(t, h, http.MethodPost, "/api/pools/BL1850/apply", body)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Contains(t, rr.Body.String(), "IDEMPOTENCY_CONFLICT")
}

func TestRouter_ApplyIdempotencyHeader(t *testing.T) {
	h, mp := newTestRouter(t, nil)
	p := fetchPreview(t, h)

	body := applyBody(p, "")
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	req := httptest.NewRequest(http.MethodPost, "/api/pools/BL1850/apply", &buf)
	req.Header.Set("Idempotency-Key", "header-key")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var res model.ApplyResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, "header-key", res.IdempotencyKey)
	assert.Equal(t, 2, mp.callCount())
}

func TestRouter_ApplyStale(t *testing.T) {
	h, mp := newTestRouter(t, nil)
	p := fetchPreview(t, h)
	p.GeneratedAt = time.Now().Add(-10 * time.Minute)

	rr := doRequest(t, h, http.MethodPost, "/api/pools/BL1850/apply", applyBody(p, "stale-key"))
	assert.Equal(t, http.StatusConflict, rr.Code)

	var res model.ApplyResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, model.WarningStalePreview, res.Warning)
	assert.Zero(t, mp.callCount())
}

func TestRouter_ApplyDryRun(t *testing.T) {
	h, mp := newTestRouter(t, nil)
	p := fetchPreview(t, h)

	body := applyBody(p, "")
	body["dry_run"] = true
	rr := doRequest(t, h, http.MethodPost, "/api/pools/BL1850/apply", body)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var res model.ApplyResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.True(t, res.DryRun)
	assert.Len(t, res.PlannedUpdates, 2)
	assert.Nil(t, res.SuccessCount)
	assert.Zero(t, mp.callCount())
}

func TestRouter_ApplyConfirmationRequired(t *testing.T) {
	h, mp := newTestRouter(t, func(c *config.Config) { c.Allocation.LargeThreshold = 5 })
	p := fetchPreview(t, h)

	rr := doRequest(t, h, http.MethodPost, "/api/pools/BL1850/apply", applyBody(p, "big-key"))
	assert.Equal(t, http.StatusPreconditionRequired, rr.Code)
	assert.Contains(t, rr.Body.String(), "CONFIRMATION_REQUIRED")
	assert.Zero(t, mp.callCount())

	body := applyBody(p, "big-key")
	body["confirm_token"] = "APPLY 9"
	rr = doRequest(t, h, http.MethodPost, "/api/pools/BL1850/apply", body)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, 2, mp.callCount())
}

func TestRouter_ApplyBadBody(t *testing.T) {
	h, _ := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/pools/BL1850/apply", bytes.NewBufferString("{not json"))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	// Missing generated_at and key.
	rr = doRequest(t, h, http.MethodPost, "/api/pools/BL1850/apply", map[string]any{"location": "UK",
		"constraints": model.Constraints{MinMarginPct: 10, TargetMarginPct: 20, BufferUnits: 1}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRouter_Metrics(t *testing.T) {
	h, _ := newTestRouter(t, nil)
	p := fetchPreview(t, h)
	rr := doRequest(t, h, http.MethodPost, "/api/pools/BL1850/apply", applyBody(p, "metrics-key"))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doRequest(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "stockpool_preview_seconds")
	assert.Contains(t, rr.Body.String(), "stockpool_dispatch_total")
	assert.Contains(t, rr.Body.String(), "stockpool_apply_total")
}

func TestStatusFor(t *testing.T) {
	status, code := statusFor(context.Canceled)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "INTERNAL", code)
}
