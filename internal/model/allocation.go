package model

import "time"

// BlockReason explains why a candidate received no allocation.
type BlockReason string

const (
	BlockNone   BlockReason = ""
	BlockMargin BlockReason = "blocked_by_margin"
	BlockStock  BlockReason = "blocked_by_stock"
)

// Constraints are the operator-supplied allocation parameters.
type Constraints struct {
	MinMarginPct    float64 `json:"min_margin_pct"`
	TargetMarginPct float64 `json:"target_margin_pct"`
	BufferUnits     int     `json:"buffer_units"`
}

// Candidate is one listing competing for pooled stock.
type Candidate struct {
	ListingID  string `json:"listing_id"`
	ASIN       string `json:"asin,omitempty"`
	SellerSKU  string `json:"seller_sku,omitempty"`
	BundleSKU  string `json:"bundle_sku"`
	PricePence int64  `json:"price_pence"`
	CostPence  int64  `json:"cost_pence"`

	MarginPct float64        `json:"margin_pct"`
	Demand    DemandEstimate `json:"demand"`

	Buildable             int    `json:"buildable"`
	ConstrainingComponent string `json:"constraining_component,omitempty"`
	PoolQtyPer            int    `json:"pool_qty_per"`

	Score          float64     `json:"score"`
	RecommendedQty int         `json:"recommended_qty"`
	Block          BlockReason `json:"blocking_reason,omitempty"`
}

// Summary counts the candidates that could not be served normally.
type Summary struct {
	Candidates          int `json:"candidates"`
	BlockedByMargin     int `json:"blocked_by_margin_count"`
	BlockedByStock      int `json:"blocked_by_stock_count"`
	MissingDemandSignal int `json:"missing_demand_signal_count"`
}

// PreviewState is the lifecycle state of a generated preview.
type PreviewState string

const (
	PreviewGenerated     PreviewState = "GENERATED"
	PreviewApplied       PreviewState = "APPLIED"
	PreviewStaleRejected PreviewState = "STALE_REJECTED"
	PreviewSuperseded    PreviewState = "SUPERSEDED"
)

// Preview is an immutable snapshot of a proposed allocation.
type Preview struct {
	ID               string      `json:"id"`
	PoolComponentSKU string      `json:"pool_component_sku"`
	Location         string      `json:"location"`
	GeneratedAt      time.Time   `json:"generated_at"`
	Constraints      Constraints `json:"constraints"`
	PoolAvailable    int         `json:"pool_available"`
	Allocatable      int         `json:"allocatable"`
	AllocatedTotal   int         `json:"allocated_total"`
	PoolUnitsUsed    int         `json:"pool_units_used"`
	Candidates       []Candidate `json:"candidates"`
	Summary          Summary     `json:"summary"`
	ModelVersion     string      `json:"model_version,omitempty"`
}

// Warning values returned instead of applying.
const (
	WarningStalePreview      = "STALE_PREVIEW"
	WarningSupersededPreview = "SUPERSEDED_PREVIEW"
)

// PlannedUpdate is one external quantity change an apply intends to make.
type PlannedUpdate struct {
	ListingID string `json:"listing_id"`
	SellerSKU string `json:"seller_sku"`
	BundleSKU string `json:"bundle_sku"`
	Quantity  int    `json:"quantity"`
}

// ListingOutcome records what happened to a single listing during apply.
type ListingOutcome struct {
	ListingID string `json:"listing_id"`
	SellerSKU string `json:"seller_sku,omitempty"`
	Quantity  int    `json:"quantity"`
	Attempts  int    `json:"attempts,omitempty"`
	Adjusted  bool   `json:"adjusted,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// RollbackGuidance lists what an operator would need to reverse an apply by hand.
type RollbackGuidance struct {
	CorrelationID string   `json:"correlation_id"`
	AffectedSKUs  []string `json:"affected_skus"`
	Note          string   `json:"note"`
}

// ApplyResult is the outcome of applying (or dry-running) an allocation.
type ApplyResult struct {
	IdempotencyKey   string      `json:"idempotency_key,omitempty"`
	CorrelationID    string      `json:"correlation_id,omitempty"`
	PoolComponentSKU string      `json:"pool_component_sku"`
	Location         string      `json:"location"`
	Constraints      Constraints `json:"constraints"`
	DryRun           bool        `json:"dry_run"`
	Warning          string      `json:"warning,omitempty"`
	AllocatedTotal   int         `json:"allocated_total"`

	PlannedUpdates []PlannedUpdate  `json:"planned_updates"`
	Succeeded      []ListingOutcome `json:"succeeded,omitempty"`
	Failed         []ListingOutcome `json:"failed,omitempty"`
	Skipped        []ListingOutcome `json:"skipped,omitempty"`

	// Counts are nil on dry runs and warnings so callers can tell nothing was mutated.
	SuccessCount *int `json:"success_count,omitempty"`
	FailedCount  *int `json:"failed_count,omitempty"`
	SkippedCount int  `json:"skipped_count"`

	RollbackGuidance *RollbackGuidance `json:"rollback_guidance,omitempty"`
	CompletedAt      time.Time         `json:"completed_at"`
}

// ApplyStatus is the lifecycle of a persisted apply record.
type ApplyStatus string

const (
	ApplyPending   ApplyStatus = "pending"
	ApplyCompleted ApplyStatus = "completed"
)

// ApplyRecord persists the outcome of a live apply under its idempotency key.
type ApplyRecord struct {
	IdempotencyKey string       `json:"idempotency_key"`
	Fingerprint    string       `json:"fingerprint"`
	Status         ApplyStatus  `json:"status"`
	Result         *ApplyResult `json:"result,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}
