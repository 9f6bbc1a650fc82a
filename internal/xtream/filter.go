package xtream

import (
	"fmt"

	"github.com/grafana/regexp"

	"github.com/snapetech/iptvclient/internal/catalog"
)

// Filter keeps items whose name matches Include (when set) and does not match Exclude (when set).
type Filter struct {
	Include *regexp.Regexp
	Exclude *regexp.Regexp
}

// Allow reports whether name passes the filter.
func (f Filter) Allow(name string) bool {
	if f.Include != nil && !f.Include.MatchString(name) {
		return false
	}
	if f.Exclude != nil && f.Exclude.MatchString(name) {
		return false
	}
	return true
}

// Filters holds one Filter per group. A missing group allows everything.
type Filters map[catalog.Group]Filter

// Allow applies the group's filter to name.
func (fs Filters) Allow(g catalog.Group, name string) bool {
	f, ok := fs[g]
	if !ok {
		return true
	}
	return f.Allow(name)
}

// Patterns are the raw include/exclude expressions for one group.
type Patterns struct {
	Include string
	Exclude string
}

// CompileFilters compiles per-group patterns. Empty patterns are skipped; an invalid
// pattern is an error naming the group.
func CompileFilters(p map[catalog.Group]Patterns) (Filters, error) {
	out := make(Filters, len(p))
	for g, pat := range p {
		var f Filter
		if pat.Include != "" {
			re, err := regexp.Compile(pat.Include)
			if err != nil {
				return nil, fmt.Errorf("%s include filter: %w", g, err)
			}
			f.Include = re
		}
		if pat.Exclude != "" {
			re, err := regexp.Compile(pat.Exclude)
			if err != nil {
				return nil, fmt.Errorf("%s exclude filter: %w", g, err)
			}
			f.Exclude = re
		}
		if f.Include != nil || f.Exclude != nil {
			out[g] = f
		}
	}
	return out, nil
}
