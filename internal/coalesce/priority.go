// Package coalesce provides the reusable merge primitives shared by every
// per-domain coalescer: priority resolution, pre-aggregation of
// one-to-many children, full outer merges, temporal-window matching, and
// data-quality scoring.
package coalesce

import "sort"

// Priority is an ordered list of ranked source-name groups, highest
// priority first. Sources in the same group are equal priority; ties
// between them are broken deterministically by lexical source-name order,
// never by merge-order accident.
type Priority [][]string

// Rank builds a Priority where every source has its own rank, highest
// first. This is the common case.
func Rank(sources ...string) Priority {
	p := make(Priority, len(sources))
	for i, s := range sources {
		p[i] = []string{s}
	}
	return p
}

// Resolve returns the first non-null value in declared priority order,
// along with the name of the source that supplied it. This is the single
// "best value" operation used by all coalescers; ad hoc nil-chains are
// not written at call sites.
func Resolve[T any](p Priority, values map[string]*T) (value T, from string, ok bool) {
	for _, group := range p {
		names := make([]string, len(group))
		copy(names, group)
		sort.Strings(names)
		for _, name := range names {
			if v := values[name]; v != nil {
				return *v, name, true
			}
		}
	}
	var zero T
	return zero, "", false
}

// ResolvePtr is Resolve for callers that keep the result optional.
func ResolvePtr[T any](p Priority, values map[string]*T) (*T, string) {
	v, from, ok := Resolve(p, values)
	if !ok {
		return nil, ""
	}
	return &v, from
}
