package catalog

import (
	"context"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/stockpool/internal/tabular"
)

// Listings report columns.
const (
	colItemName  = "item-name"
	colSellerSKU = "seller-sku"
	colASIN      = "asin1"
	colPrice     = "price"
	colStatus    = "status"
)

// ReportRow is one active listing from a marketplace listings report.
type ReportRow struct {
	Line       int
	Title      string
	SellerSKU  string
	ASIN       string
	PricePence int64
}

// ReadListingsReport parses a tab-separated listings report. Rows without a
// title or seller SKU, and inactive rows, are skipped. Input that is not
// valid UTF-8 is decoded as Windows-1252.
func ReadListingsReport(ctx context.Context, r io.Reader) ([]ReportRow, error) {
	decoded, enc, err := tabular.Decode(r)
	if err != nil {
		return nil, eris.Wrap(err, "catalog: decode listings report")
	}
	recs, err := tabular.Collect(tabular.StreamCSV(ctx, decoded, tabular.CSVOptions{
		Delimiter:  '\t',
		LazyQuotes: true,
	}))
	if err != nil {
		return nil, eris.Wrap(err, "catalog: parse listings report")
	}
	if len(recs) > 0 && !recs[0].Has(colSellerSKU) {
		return nil, eris.Errorf("catalog: listings report has no %s column", colSellerSKU)
	}

	var (
		out      []ReportRow
		inactive int
	)
	for _, rec := range recs {
		title, sku := rec.Get(colItemName), rec.Get(colSellerSKU)
		if title == "" || sku == "" || strings.EqualFold(title, "nan") || strings.EqualFold(sku, "nan") {
			continue
		}
		if strings.EqualFold(rec.Get(colStatus), "inactive") {
			inactive++
			continue
		}
		price, err := PoundsToPence(rec.Get(colPrice), "")
		if err != nil {
			zap.L().Debug("catalog: unparseable price", zap.Int("line", rec.Line), zap.String("sku", sku), zap.Error(err))
		}
		asin := rec.Get(colASIN)
		if strings.EqualFold(asin, "nan") {
			asin = ""
		}
		out = append(out, ReportRow{Line: rec.Line, Title: title, SellerSKU: sku, ASIN: asin, PricePence: price})
	}

	zap.L().Info("catalog: listings report loaded",
		zap.String("encoding", enc),
		zap.Int("active", len(out)),
		zap.Int("inactive", inactive),
	)
	return out, nil
}
