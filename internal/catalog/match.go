package catalog

import (
	"strings"

	"github.com/sells-group/stockpool/internal/model"
)

// brandPrefixes are tried added to and removed from a pattern when nothing
// matches directly.
var brandPrefixes = []string{"MAK", "DEW", "MAKITA", "DEWALT"}

// minDescriptionMatch is the shortest component description used for title
// matching.
const minDescriptionMatch = 10

// Matcher resolves SKU patterns to imported components.
type Matcher struct {
	components []model.Component
	exact      map[string]string
}

// NewMatcher indexes components, which must already be deduplicated.
func NewMatcher(components []model.Component) *Matcher {
	m := &Matcher{components: components, exact: make(map[string]string, len(components))}
	for _, c := range components {
		key := strings.ToUpper(c.SKU)
		if _, ok := m.exact[key]; !ok {
			m.exact[key] = c.SKU
		}
	}
	return m
}

// Match returns the component SKU for pattern. It tries an exact
// case-insensitive match, then containment either way, then each brand
// prefix added or removed.
func (m *Matcher) Match(pattern string) (string, bool) {
	p := strings.ToUpper(strings.TrimSpace(pattern))
	if p == "" {
		return "", false
	}
	if sku, ok := m.exact[p]; ok {
		return sku, true
	}
	for _, c := range m.components {
		s := strings.ToUpper(c.SKU)
		if strings.Contains(s, p) || strings.Contains(p, s) {
			return c.SKU, true
		}
	}
	for _, prefix := range brandPrefixes {
		var candidate string
		if strings.HasPrefix(p, prefix) {
			candidate = strings.TrimPrefix(p, prefix)
		} else {
			candidate = prefix + p
		}
		if sku, ok := m.exact[candidate]; ok {
			return sku, true
		}
	}
	return "", false
}

// MatchTitle returns the first component whose description is contained in
// title, or contains it. Short descriptions are ignored.
func (m *Matcher) MatchTitle(title string) (string, bool) {
	t := strings.ToUpper(strings.TrimSpace(title))
	if t == "" {
		return "", false
	}
	for _, c := range m.components {
		d := strings.ToUpper(strings.TrimSpace(c.Description))
		if len(d) <= minDescriptionMatch {
			continue
		}
		if strings.Contains(t, d) || strings.Contains(d, t) {
			return c.SKU, true
		}
	}
	return "", false
}
