// Package registry holds the versioned reference code lists consumed by
// the classification rule engine. Code lists are data: a correction ships
// as a new registry version, never as a code change.
package registry

import (
	"fmt"
	"sort"
)

// Entry is the reference record for one clinical code.
type Entry struct {
	Code        string `json:"code"`
	Category    string `json:"category"`
	DisplayName string `json:"display_name"`
}

// Registry is an immutable snapshot of one version of the reference data:
// per-code entries plus named code sets (e.g. "corticosteroid").
type Registry struct {
	version string
	entries map[string]Entry
	sets    map[string]map[string]struct{}
}

func New(version string, entries []Entry, sets map[string][]string) *Registry {
	r := &Registry{
		version: version,
		entries: make(map[string]Entry, len(entries)),
		sets:    make(map[string]map[string]struct{}, len(sets)),
	}
	for _, e := range entries {
		r.entries[e.Code] = e
	}
	for name, codes := range sets {
		members := make(map[string]struct{}, len(codes))
		for _, c := range codes {
			members[c] = struct{}{}
		}
		r.sets[name] = members
	}
	return r
}

// Version identifies the snapshot; it is recorded in event provenance so
// a label can always be traced to the reference data that produced it.
func (r *Registry) Version() string { return r.version }

// Lookup returns the reference entry for a code.
func (r *Registry) Lookup(code string) (Entry, bool) {
	e, ok := r.entries[code]
	return e, ok
}

// InSet reports membership of a code in a named code set.
func (r *Registry) InSet(set, code string) bool {
	members, ok := r.sets[set]
	if !ok {
		return false
	}
	_, ok = members[code]
	return ok
}

// HasSet reports whether a named code set exists in this snapshot.
func (r *Registry) HasSet(set string) bool {
	_, ok := r.sets[set]
	return ok
}

// SetNames lists the snapshot's code sets in stable order.
func (r *Registry) SetNames() []string {
	names := make([]string, 0, len(r.sets))
	for name := range r.sets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) String() string {
	return fmt.Sprintf("registry %s (%d entries, %d sets)", r.version, len(r.entries), len(r.sets))
}
