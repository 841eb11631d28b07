// Package catalog imports supplier cost sheets and marketplace listing
// reports, resolving each listing's seller SKU into a bundle of components.
package catalog

import (
	"regexp"
	"strconv"
	"strings"
)

// Part is one component reference inside a compound seller SKU.
type Part struct {
	Pattern string
	Qty     int
}

var (
	qtyPrefix = regexp.MustCompile(`(?i)^(\d+)x(.+)$`)
	qtySuffix = regexp.MustCompile(`(?i)^(.+)\(x(\d+)\)$`)
)

// ParseCompoundSKU splits a seller SKU such as "MAKDJR186+2xBL1850/DC18RC"
// on '+' and '/'. A part may carry a quantity as "2xFOO" or "FOO(x2)";
// otherwise it counts once. Empty parts are dropped.
func ParseCompoundSKU(sku string) []Part {
	var parts []Part
	for _, raw := range strings.FieldsFunc(sku, func(r rune) bool { return r == '+' || r == '/' }) {
		p := strings.TrimSpace(raw)
		if p == "" {
			continue
		}
		part := Part{Pattern: p, Qty: 1}
		if m := qtyPrefix.FindStringSubmatch(p); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
				part = Part{Pattern: strings.TrimSpace(m[2]), Qty: n}
			}
		} else if m := qtySuffix.FindStringSubmatch(p); m != nil {
			if n, err := strconv.Atoi(m[2]); err == nil && n > 0 {
				part = Part{Pattern: strings.TrimSpace(m[1]), Qty: n}
			}
		}
		if part.Pattern != "" {
			parts = append(parts, part)
		}
	}
	return parts
}
