package coalesce

import "sort"

// MergeKey identifies one logical entity across sources: the canonical
// entity key plus a sub-key such as a course or line number.
type MergeKey struct {
	Entity string
	Sub    string
}

// Merged holds, for one merge key, the row each source contributed.
// Sources with no row for the key are simply absent from the map.
type Merged[T any] struct {
	Key     MergeKey
	Sources map[string]T
}

// OuterMerge performs a full outer merge across several keyed producers.
// Every key seen on any side appears exactly once in the result; unmatched
// rows are retained with the other sides absent, never discarded. The
// result is ordered by key so repeated merges of the same inputs are
// byte-identical.
func OuterMerge[T any](sides map[string]map[MergeKey]T) []Merged[T] {
	keys := make(map[MergeKey]struct{})
	for _, rows := range sides {
		for k := range rows {
			keys[k] = struct{}{}
		}
	}

	out := make([]Merged[T], 0, len(keys))
	for k := range keys {
		m := Merged[T]{Key: k, Sources: make(map[string]T)}
		for name, rows := range sides {
			if row, ok := rows[k]; ok {
				m.Sources[name] = row
			}
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Entity != out[j].Key.Entity {
			return out[i].Key.Entity < out[j].Key.Entity
		}
		return out[i].Key.Sub < out[j].Key.Sub
	})
	return out
}

// SourceNames lists the sources that contributed to a merged row, in
// lexical order, for provenance tagging.
func (m Merged[T]) SourceNames() []string {
	names := make([]string, 0, len(m.Sources))
	for name := range m.Sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
