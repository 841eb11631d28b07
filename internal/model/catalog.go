// Package model defines the catalog, pool, preview and apply types shared across packages.
package model

// Component is a stocked part at a single location.
type Component struct {
	SKU         string `json:"sku"`
	Description string `json:"description,omitempty"`
	Brand       string `json:"brand,omitempty"`
	CostPence   int64  `json:"cost_pence"`
	Location    string `json:"location,omitempty"`
	Available   int    `json:"available"`
}

// BOMLine is one (component, quantity) requirement of a bundle.
type BOMLine struct {
	ComponentSKU string `json:"component_sku"`
	QtyRequired  int    `json:"qty_required"`
}

// Bundle is a sellable product assembled from a fixed list of components.
type Bundle struct {
	SKU         string    `json:"sku"`
	Description string    `json:"description,omitempty"`
	Active      bool      `json:"active"`
	Lines       []BOMLine `json:"lines"`
}

// QtyOf returns the total quantity of componentSKU required per bundle unit.
func (b Bundle) QtyOf(componentSKU string) int {
	var n int
	for _, l := range b.Lines {
		if l.ComponentSKU == componentSKU && l.QtyRequired > 0 {
			n += l.QtyRequired
		}
	}
	return n
}

// Listing is a marketplace offer mapped to exactly one bundle.
type Listing struct {
	ID         string `json:"id"`
	ASIN       string `json:"asin,omitempty"`
	SellerSKU  string `json:"seller_sku,omitempty"`
	BundleSKU  string `json:"bundle_sku"`
	Title      string `json:"title,omitempty"`
	PricePence int64  `json:"price_pence"`
	FeesPence  int64  `json:"fees_pence"`

	// Demand signals. Nil means the signal is unknown.
	SalesRank  *int `json:"sales_rank,omitempty"`
	OfferCount *int `json:"offer_count,omitempty"`
	Units30d   *int `json:"units_30d,omitempty"`
}

// PoolMember is an active bundle that draws on a pooled component.
type PoolMember struct {
	BundleSKU   string `json:"bundle_sku"`
	Description string `json:"description,omitempty"`
	QtyRequired int    `json:"qty_required"`
}

// Pool is a component referenced by two or more active bundles.
type Pool struct {
	ComponentSKU string       `json:"component_sku"`
	Description  string       `json:"description,omitempty"`
	Location     string       `json:"location"`
	Available    int          `json:"available"`
	BundleCount  int          `json:"bundle_count"`
	Members      []PoolMember `json:"members"`
}

// IntPtr returns a pointer to v. Handy for optional listing signals.
func IntPtr(v int) *int { return &v }
