// Package tabular streams header-addressed rows out of CSV, TSV and XLSX
// files.
package tabular

import "strings"

// Record is one data row. Line is 1-based and counts the header.
type Record struct {
	Line   int
	Fields []string
	header map[string]int
}

// Get returns the trimmed value of the named column, or "" when the column is
// missing from the header or the row is short. Names match case-insensitively.
func (r Record) Get(name string) string {
	i, ok := r.header[normalizeHeader(name)]
	if !ok || i >= len(r.Fields) {
		return ""
	}
	return strings.TrimSpace(r.Fields[i])
}

// Has reports whether the header carries the named column.
func (r Record) Has(name string) bool {
	_, ok := r.header[normalizeHeader(name)]
	return ok
}

func indexHeader(cells []string) map[string]int {
	idx := make(map[string]int, len(cells))
	for i, c := range cells {
		key := normalizeHeader(c)
		if key == "" {
			continue
		}
		if _, dup := idx[key]; !dup {
			idx[key] = i
		}
	}
	return idx
}

func normalizeHeader(s string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimPrefix(s, "\ufeff")))
}
