// Package allocation turns a pool, its competing listings and their demand
// into a margin-aware recommended distribution, and applies it.
package allocation

import "github.com/sells-group/stockpool/internal/model"

// Buildable returns how many units of b can be assembled from stock and the
// component that limits it. Duplicate lines for a component are summed; on a
// tie the first component in line order is reported. Components missing from
// stock count as zero. A bundle without usable lines is unbuildable.
func Buildable(b model.Bundle, stock map[string]int) (int, string) {
	var order []string
	required := make(map[string]int)
	for _, l := range b.Lines {
		if l.QtyRequired <= 0 || l.ComponentSKU == "" {
			continue
		}
		if _, ok := required[l.ComponentSKU]; !ok {
			order = append(order, l.ComponentSKU)
		}
		required[l.ComponentSKU] += l.QtyRequired
	}
	if len(order) == 0 {
		return 0, ""
	}

	best, limiting := -1, ""
	for _, sku := range order {
		n := max(stock[sku], 0) / required[sku]
		if best < 0 || n < best {
			best, limiting = n, sku
		}
	}
	return best, limiting
}

// stockMap sums the available quantity per component.
func stockMap(components []model.Component) map[string]int {
	m := make(map[string]int, len(components))
	for _, c := range components {
		m[c.SKU] += c.Available
	}
	return m
}
