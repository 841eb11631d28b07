package catalog

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/stockpool/internal/model"
)

// Unmatched is a listing whose seller SKU did not fully resolve.
type Unmatched struct {
	SellerSKU string   `json:"seller_sku"`
	Title     string   `json:"title"`
	ASIN      string   `json:"asin,omitempty"`
	Patterns  []string `json:"unresolved_patterns"`
	// Partial is true when some parts resolved and the bundle was still built.
	Partial bool `json:"partial"`
}

// Result is the catalog produced from cost sheets and a listings report.
type Result struct {
	Components []model.Component
	Bundles    []model.Bundle
	Listings   []model.Listing
	Unmatched  []Unmatched
}

// BuildOptions tunes Build.
type BuildOptions struct {
	// FeePct estimates marketplace fees as a percentage of price.
	FeePct float64
}

// Build turns components and report rows into bundles and listings. Each
// listing becomes a bundle keyed by its seller SKU. Parts resolve through the
// matcher; a listing with no resolvable part falls back to a title match and
// otherwise becomes an inactive bundle with no lines.
func Build(components []model.Component, rows []ReportRow, opts BuildOptions) *Result {
	res := &Result{Components: DedupeComponents(components)}
	m := NewMatcher(res.Components)
	fee := decimal.NewFromFloat(opts.FeePct).Div(hundred)

	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		if seen[row.SellerSKU] {
			continue
		}
		seen[row.SellerSKU] = true

		var (
			lines      []model.BOMLine
			unresolved []string
		)
		for _, part := range ParseCompoundSKU(row.SellerSKU) {
			sku, ok := m.Match(part.Pattern)
			if !ok {
				unresolved = append(unresolved, part.Pattern)
				continue
			}
			lines = append(lines, model.BOMLine{ComponentSKU: sku, QtyRequired: part.Qty})
		}
		if len(lines) == 0 {
			if sku, ok := m.MatchTitle(row.Title); ok {
				lines = append(lines, model.BOMLine{ComponentSKU: sku, QtyRequired: 1})
				unresolved = nil
			}
		}
		if len(unresolved) > 0 || len(lines) == 0 {
			res.Unmatched = append(res.Unmatched, Unmatched{
				SellerSKU: row.SellerSKU,
				Title:     row.Title,
				ASIN:      row.ASIN,
				Patterns:  unresolved,
				Partial:   len(lines) > 0,
			})
		}

		res.Bundles = append(res.Bundles, model.Bundle{
			SKU:         row.SellerSKU,
			Description: truncate(row.Title, 500),
			Active:      len(lines) > 0,
			Lines:       lines,
		})
		res.Listings = append(res.Listings, model.Listing{
			ID:         row.SellerSKU,
			ASIN:       row.ASIN,
			SellerSKU:  row.SellerSKU,
			BundleSKU:  row.SellerSKU,
			Title:      row.Title,
			PricePence: row.PricePence,
			FeesPence:  decimal.NewFromInt(row.PricePence).Mul(fee).Round(0).IntPart(),
		})
	}
	return res
}

// Writer is the store surface an import writes to.
type Writer interface {
	UpsertComponents(ctx context.Context, components []model.Component) error
	UpsertBundles(ctx context.Context, bundles []model.Bundle) error
	UpsertListings(ctx context.Context, listings []model.Listing) error
}

// Write upserts res into w: components first, then bundles, then listings.
func Write(ctx context.Context, w Writer, res *Result) error {
	if err := w.UpsertComponents(ctx, res.Components); err != nil {
		return eris.Wrap(err, "catalog: write components")
	}
	if err := w.UpsertBundles(ctx, res.Bundles); err != nil {
		return eris.Wrap(err, "catalog: write bundles")
	}
	if err := w.UpsertListings(ctx, res.Listings); err != nil {
		return eris.Wrap(err, "catalog: write listings")
	}
	zap.L().Info("catalog: import written",
		zap.Int("components", len(res.Components)),
		zap.Int("bundles", len(res.Bundles)),
		zap.Int("listings", len(res.Listings)),
		zap.Int("unmatched", len(res.Unmatched)),
	)
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
