package allocation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/stockpool/internal/dispatch"
	"github.com/sells-group/stockpool/internal/model"
)

var (
	// ErrIdempotencyConflict is returned when a key is reused with a different payload.
	ErrIdempotencyConflict = eris.New("allocation: idempotency key reused with a different payload")
	// ErrApplyInProgress is returned when a key is reserved but has no result yet.
	ErrApplyInProgress = eris.New("allocation: apply in progress")
	// ErrConfirmationRequired is returned when a large apply lacks its confirmation token.
	ErrConfirmationRequired = eris.New("allocation: confirmation required")
)

// Dispatcher sends external quantity updates.
type Dispatcher interface {
	Dispatch(ctx context.Context, updates []dispatch.Update) []dispatch.Outcome
}

// AuditSink receives completed applies for rollback tracing.
type AuditSink interface {
	PublishApply(ctx context.Context, res *model.ApplyResult) error
}

// ApplyRequest asks to apply the allocation shown by a preview.
type ApplyRequest struct {
	PreviewID        string            `json:"preview_id,omitempty"`
	PoolComponentSKU string            `json:"pool_component_sku"`
	Location         string            `json:"location"`
	Constraints      model.Constraints `json:"constraints"`
	GeneratedAt      time.Time         `json:"generated_at"`
	IdempotencyKey   string            `json:"idempotency_key,omitempty"`
	DryRun           bool              `json:"dry_run"`
	ForceApply       bool              `json:"force_apply"`
	ConfirmToken     string            `json:"confirm_token,omitempty"`
}

func (r ApplyRequest) params() PreviewParams {
	return PreviewParams{PoolComponentSKU: r.PoolComponentSKU, Location: r.Location, Constraints: r.Constraints}
}

// Validate checks the request before any state is touched.
func (r ApplyRequest) Validate() error {
	if err := r.params().Validate(); err != nil {
		return err
	}
	if r.GeneratedAt.IsZero() {
		return eris.Wrap(ErrInvalidParams, "generated_at is required")
	}
	if !r.DryRun && r.IdempotencyKey == "" {
		return eris.Wrap(ErrInvalidParams, "idempotency key is required")
	}
	return nil
}

// ConfirmToken is the token a large apply of total units must carry.
func ConfirmToken(total int) string {
	return fmt.Sprintf("APPLY %d", total)
}

// ApplierConfig tunes the apply protocol.
type ApplierConfig struct {
	StaleAfter               time.Duration
	LargeAllocationThreshold int
	Reverify                 bool
	// Timeout bounds a live apply. It runs detached from the caller's
	// context so a disconnect never leaves a half-dispatched result behind.
	Timeout time.Duration
}

// DefaultApplierConfig returns a 5 minute staleness window, a 100 unit
// confirmation threshold, re-verification on and a 2 minute apply timeout.
func DefaultApplierConfig() ApplierConfig {
	return ApplierConfig{StaleAfter: 5 * time.Minute, LargeAllocationThreshold: 100, Reverify: true, Timeout: 2 * time.Minute}
}

// Applier runs the preview to apply protocol.
type Applier struct {
	engine     *Engine
	dispatcher Dispatcher
	records    RecordStore
	audit      AuditSink
	cfg        ApplierConfig
	group      singleflight.Group
	now        func() time.Time
}

// ApplierOption configures an Applier.
type ApplierOption func(*Applier)

// WithAuditSink sets where completed applies are published.
func WithAuditSink(s AuditSink) ApplierOption {
	return func(a *Applier) { a.audit = s }
}

// WithApplyClock overrides time.Now.
func WithApplyClock(now func() time.Time) ApplierOption {
	return func(a *Applier) { a.now = now }
}

// NewApplier creates an Applier. A nil records store keeps records in memory.
func NewApplier(engine *Engine, d Dispatcher, records RecordStore, cfg ApplierConfig, opts ...ApplierOption) *Applier {
	def := DefaultApplierConfig()
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.LargeAllocationThreshold <= 0 {
		cfg.LargeAllocationThreshold = def.LargeAllocationThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if records == nil {
		records = NewMemoryRecords()
	}
	a := &Applier{engine: engine, dispatcher: d, records: records, cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Apply validates req, honours its idempotency key, rejects stale previews
// unless forced, regenerates the allocation and dispatches it. Dry runs only
// plan.
func (a *Applier) Apply(ctx context.Context, req ApplyRequest) (*model.ApplyResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.DryRun {
		return a.run(ctx, req)
	}

	fp := Fingerprint(req.PoolComponentSKU, req.Location, req.Constraints, req.GeneratedAt)
	detached := context.WithoutCancel(ctx)
	// Concurrent duplicates share one execution; different payloads never join.
	ch := a.group.DoChan(req.IdempotencyKey+"|"+fp, func() (any, error) {
		wctx, cancel := context.WithTimeout(detached, a.cfg.Timeout)
		defer cancel()
		return a.execute(wctx, req, fp)
	})

	select {
	case <-ctx.Done():
		// The apply keeps running and stores its result under the key.
		zap.L().Info("allocation: caller left in-flight apply", zap.String("key", req.IdempotencyKey))
		return nil, eris.Wrapf(ctx.Err(), "allocation: apply %s", req.IdempotencyKey)
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		if r.Shared {
			zap.L().Debug("allocation: joined in-flight apply", zap.String("key", req.IdempotencyKey))
		}
		return r.Val.(*model.ApplyResult), nil
	}
}

func (a *Applier) execute(ctx context.Context, req ApplyRequest, fp string) (*model.ApplyResult, error) {
	key := req.IdempotencyKey
	now := a.now().UTC()
	reserved, err := a.records.ReserveApplyRecord(ctx, model.ApplyRecord{
		IdempotencyKey: key,
		Fingerprint:    fp,
		Status:         model.ApplyPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "allocation: reserve apply %s", key)
	}
	if !reserved {
		return a.existing(ctx, key, fp)
	}

	res, err := a.run(ctx, req)
	if err != nil || res.Warning != "" {
		// Nothing was sent; free the key so a corrected or forced retry can use it.
		if derr := a.records.DeleteApplyRecord(context.WithoutCancel(ctx), key); derr != nil {
			zap.L().Warn("allocation: release apply reservation", zap.String("key", key), zap.Error(derr))
		}
		return res, err
	}

	if err := a.records.CompleteApplyRecord(context.WithoutCancel(ctx), key, res); err != nil {
		// External state already changed; report the result and leave the record pending.
		zap.L().Error("allocation: store apply result",
			zap.String("key", key),
			zap.String("correlation_id", res.CorrelationID),
			zap.Error(err),
		)
	}
	return res, nil
}

func (a *Applier) existing(ctx context.Context, key, fp string) (*model.ApplyResult, error) {
	rec, err := a.records.GetApplyRecord(ctx, key)
	if err != nil {
		return nil, eris.Wrapf(err, "allocation: load apply %s", key)
	}
	switch {
	case rec == nil:
		return nil, eris.Wrapf(ErrApplyInProgress, "key %s", key)
	case rec.Fingerprint != fp:
		return nil, eris.Wrapf(ErrIdempotencyConflict, "key %s", key)
	case rec.Status != model.ApplyCompleted || rec.Result == nil:
		return nil, eris.Wrapf(ErrApplyInProgress, "key %s", key)
	}
	a.engine.recorder.CountApply("replayed")
	zap.L().Info("allocation: replaying completed apply",
		zap.String("key", key),
		zap.String("correlation_id", rec.Result.CorrelationID),
	)
	return rec.Result, nil
}

func (a *Applier) run(ctx context.Context, req ApplyRequest) (*model.ApplyResult, error) {
	res := &model.ApplyResult{
		IdempotencyKey:   req.IdempotencyKey,
		PoolComponentSKU: req.PoolComponentSKU,
		Location:         req.Location,
		Constraints:      req.Constraints,
		DryRun:           req.DryRun,
		PlannedUpdates:   []model.PlannedUpdate{},
	}

	if warning := a.checkFresh(req); warning != "" {
		res.Warning = warning
		res.CompletedAt = a.now().UTC()
		a.engine.recorder.CountApply("rejected")
		return res, nil
	}

	p, err := a.engine.compute(ctx, req.params())
	if err != nil {
		return nil, err
	}
	res.AllocatedTotal = p.AllocatedTotal

	candidates := make(map[string]model.Candidate, len(p.Candidates))
	for _, c := range p.Candidates {
		if c.RecommendedQty <= 0 {
			continue
		}
		if c.SellerSKU == "" {
			res.Skipped = append(res.Skipped, model.ListingOutcome{
				ListingID: c.ListingID,
				Quantity:  c.RecommendedQty,
				Reason:    "listing has no seller sku",
			})
			continue
		}
		candidates[c.ListingID] = c
		res.PlannedUpdates = append(res.PlannedUpdates, model.PlannedUpdate{
			ListingID: c.ListingID,
			SellerSKU: c.SellerSKU,
			BundleSKU: c.BundleSKU,
			Quantity:  c.RecommendedQty,
		})
	}
	res.SkippedCount = len(res.Skipped)

	if req.DryRun {
		res.CompletedAt = a.now().UTC()
		a.engine.recorder.CountApply("dry_run")
		return res, nil
	}

	if res.AllocatedTotal > a.cfg.LargeAllocationThreshold && req.ConfirmToken != ConfirmToken(res.AllocatedTotal) {
		return nil, eris.Wrapf(ErrConfirmationRequired,
			"allocating %d units (threshold %d): resend with confirm_token %q",
			res.AllocatedTotal, a.cfg.LargeAllocationThreshold, ConfirmToken(res.AllocatedTotal))
	}

	res.CorrelationID = uuid.NewString()
	updates := make([]dispatch.Update, 0, len(res.PlannedUpdates))
	for _, u := range res.PlannedUpdates {
		upd := dispatch.Update{ListingID: u.ListingID, SellerSKU: u.SellerSKU, Quantity: u.Quantity}
		if a.cfg.Reverify {
			bundleSKU := u.BundleSKU
			upd.Verify = func(ctx context.Context, qty int) (int, error) {
				return a.reverify(ctx, req.Location, bundleSKU, qty)
			}
		}
		updates = append(updates, upd)
	}

	log := zap.L().With(
		zap.String("correlation_id", res.CorrelationID),
		zap.String("pool", req.PoolComponentSKU),
		zap.String("location", req.Location),
	)
	log.Info("allocation: applying", zap.Int("updates", len(updates)), zap.Int("allocated", res.AllocatedTotal))

	outcomes := a.dispatcher.Dispatch(ctx, updates)
	affected := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		lo := model.ListingOutcome{
			ListingID: o.ListingID,
			SellerSKU: o.SellerSKU,
			Quantity:  o.Quantity,
			Attempts:  o.Attempts,
			Adjusted:  o.Adjusted(),
		}
		if o.Err != nil {
			lo.Reason = o.Err.Error()
			res.Failed = append(res.Failed, lo)
			log.Warn("allocation: listing update failed", zap.String("sku", o.SellerSKU), zap.Error(o.Err))
			continue
		}
		res.Succeeded = append(res.Succeeded, lo)
		affected = append(affected, o.SellerSKU)
	}
	succeeded, failed := len(res.Succeeded), len(res.Failed)
	res.SuccessCount = &succeeded
	res.FailedCount = &failed
	res.RollbackGuidance = &model.RollbackGuidance{
		CorrelationID: res.CorrelationID,
		AffectedSKUs:  affected,
		Note:          "restore the previous marketplace quantities for the affected SKUs; audit events carry the correlation id",
	}
	res.CompletedAt = a.now().UTC()

	if a.audit != nil {
		if err := a.audit.PublishApply(context.WithoutCancel(ctx), res); err != nil {
			log.Error("allocation: publish audit event", zap.Error(err))
		}
	}
	if req.PreviewID != "" {
		if err := a.engine.tracker.Apply(req.PreviewID); err != nil {
			log.Debug("allocation: preview state not updated", zap.String("preview", req.PreviewID), zap.Error(err))
		}
	}

	status := "applied"
	switch {
	case failed > 0 && succeeded == 0:
		status = "failed"
	case failed > 0:
		status = "partial"
	}
	a.engine.recorder.CountApply(status)
	log.Info("allocation: apply complete",
		zap.Int("succeeded", succeeded),
		zap.Int("failed", failed),
		zap.Int("skipped", res.SkippedCount),
	)
	return res, nil
}

// checkFresh returns a warning when the preview may not be applied as is.
func (a *Applier) checkFresh(req ApplyRequest) string {
	if req.ForceApply {
		return ""
	}
	if age := a.now().Sub(req.GeneratedAt); age > a.cfg.StaleAfter {
		zap.L().Info("allocation: stale preview rejected",
			zap.String("pool", req.PoolComponentSKU),
			zap.Duration("age", age),
			zap.Duration("stale_after", a.cfg.StaleAfter),
		)
		if req.PreviewID != "" {
			if err := a.engine.tracker.RejectStale(req.PreviewID); err != nil {
				zap.L().Debug("allocation: preview state not updated", zap.String("preview", req.PreviewID), zap.Error(err))
			}
		}
		return model.WarningStalePreview
	}
	if req.PreviewID != "" {
		if state, ok := a.engine.tracker.State(req.PreviewID); ok && state == model.PreviewSuperseded {
			return model.WarningSupersededPreview
		}
	}
	return ""
}

// reverify clamps qty to what current stock can build.
func (a *Applier) reverify(ctx context.Context, location, bundleSKU string, qty int) (int, error) {
	bundles, err := a.engine.catalog.ListBundles(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "allocation: reverify bundles")
	}
	stock, err := a.engine.catalog.ListStock(ctx, location)
	if err != nil {
		return 0, eris.Wrap(err, "allocation: reverify stock")
	}
	for _, b := range bundles {
		if b.SKU == bundleSKU {
			n, _ := Buildable(b, stockMap(stock))
			return min(qty, n), nil
		}
	}
	return 0, eris.Errorf("allocation: bundle %s no longer exists", bundleSKU)
}
