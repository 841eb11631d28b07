package catalog

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/stockpool/internal/model"
	"github.com/sells-group/stockpool/internal/tabular"
)

// Cost sheet columns.
const (
	colStockCode   = "Stock-Code"
	colDescription = "Description"
	colCost        = "Cost"
	colPer         = "Per"
	colStock       = "Stock"
)

// CostSheet describes one supplier cost file.
type CostSheet struct {
	Path  string
	Brand string
	// Location receives the Stock column, when the sheet has one.
	Location  string
	SheetName string
}

// ReadCostSheet loads components from a supplier XLSX. Cost is in pounds and
// priced per Per units; the result is pence per unit. Rows without a stock
// code are skipped and unparseable costs become zero.
func ReadCostSheet(sheet CostSheet) ([]model.Component, error) {
	recs, err := tabular.ReadXLSX(sheet.Path, tabular.XLSXOptions{SheetName: sheet.SheetName})
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: read cost sheet %s", sheet.Path)
	}
	if len(recs) > 0 && !recs[0].Has(colStockCode) {
		return nil, eris.Errorf("catalog: cost sheet %s has no %s column", sheet.Path, colStockCode)
	}

	out := make([]model.Component, 0, len(recs))
	for _, rec := range recs {
		code := rec.Get(colStockCode)
		if code == "" || strings.EqualFold(code, "nan") {
			continue
		}
		pence, err := PoundsToPence(rec.Get(colCost), rec.Get(colPer))
		if err != nil {
			zap.L().Debug("catalog: unparseable cost",
				zap.String("file", sheet.Path),
				zap.Int("line", rec.Line),
				zap.String("sku", code),
				zap.Error(err),
			)
		}
		c := model.Component{
			SKU:         code,
			Description: rec.Get(colDescription),
			Brand:       sheet.Brand,
			CostPence:   pence,
		}
		if sheet.Location != "" && rec.Has(colStock) {
			c.Location = sheet.Location
			c.Available = parseQty(rec.Get(colStock))
		}
		out = append(out, c)
	}
	return out, nil
}

var hundred = decimal.NewFromInt(100)

// PoundsToPence converts a pound amount such as "£1,042.50" priced per "per"
// units into whole pence per unit, rounding half away from zero. An empty
// amount is zero; an empty or non-positive per counts as one.
func PoundsToPence(amount, per string) (int64, error) {
	amount = strings.NewReplacer("£", "", ",", "", " ", "").Replace(strings.TrimSpace(amount))
	if amount == "" {
		return 0, nil
	}
	v, err := decimal.NewFromString(amount)
	if err != nil {
		return 0, eris.Wrapf(err, "catalog: parse amount %q", amount)
	}
	v = v.Mul(hundred)
	if p, err := decimal.NewFromString(strings.TrimSpace(per)); err == nil && p.IsPositive() {
		v = v.Div(p)
	}
	return v.Round(0).IntPart(), nil
}

func parseQty(s string) int {
	d, err := decimal.NewFromString(strings.ReplaceAll(strings.TrimSpace(s), ",", ""))
	if err != nil || d.IsNegative() {
		return 0
	}
	return int(d.IntPart())
}

// DedupeComponents keeps the first component for each SKU compared
// case-insensitively. Components with an empty SKU are dropped.
func DedupeComponents(components []model.Component) []model.Component {
	seen := make(map[string]bool, len(components))
	out := make([]model.Component, 0, len(components))
	for _, c := range components {
		key := strings.ToUpper(strings.TrimSpace(c.SKU))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}
