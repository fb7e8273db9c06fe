package source

import (
	"context"
	"strings"
	"time"
)

// Memory is an in-process adapter over a fixed record slice. It backs unit
// tests and the sandbox dataset; filtering happens in Go since there is
// nothing to push down to.
type Memory struct {
	view    string
	records []Record
	fail    error // non-nil simulates an unreachable source
}

func NewMemory(view string, records []Record) *Memory {
	return &Memory{view: view, records: records}
}

// NewFailingMemory returns an adapter whose Fetch always reports the
// source as unreachable.
func NewFailingMemory(view string, cause error) *Memory {
	return &Memory{view: view, fail: cause}
}

func (m *Memory) View() string { return m.view }

func (m *Memory) Fetch(_ context.Context, p Predicate) ([]Record, error) {
	if m.fail != nil {
		return nil, &MissingUpstreamError{View: m.view, Err: m.fail}
	}
	if p.Empty() {
		out := make([]Record, len(m.records))
		copy(out, m.records)
		return out, nil
	}
	var out []Record
	for _, r := range m.records {
		if matches(r, p) {
			out = append(out, r)
		}
	}
	return out, nil
}

func matches(r Record, p Predicate) bool {
	if len(p.PatientKeys) > 0 && !containsKey(p.PatientKeys, r.Key) {
		return false
	}
	if p.CodeField != "" && len(p.CodePrefixes) > 0 {
		code, _ := r.String(p.CodeField)
		if !hasAnyPrefix(code, p.CodePrefixes) {
			return false
		}
	}
	if p.TextField != "" && len(p.Keywords) > 0 {
		text, _ := r.String(p.TextField)
		if !containsAnyFold(text, p.Keywords) {
			return false
		}
	}
	if p.DateField != "" && (!p.From.IsZero() || !p.To.IsZero()) {
		when, ok := recordTime(r, p.DateField)
		if !ok {
			return false
		}
		if !p.From.IsZero() && when.Before(p.From) {
			return false
		}
		if !p.To.IsZero() && when.After(p.To) {
			return false
		}
	}
	return true
}

func recordTime(r Record, field string) (time.Time, bool) {
	switch v := r.Fields[field].(type) {
	case time.Time:
		return v, true
	case *time.Time:
		if v != nil {
			return *v, true
		}
	}
	return time.Time{}, false
}

func containsKey(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func containsAnyFold(s string, keywords []string) bool {
	lower := strings.ToLower(s)
	for _, k := range keywords {
		if strings.Contains(lower, strings.ToLower(k)) {
			return true
		}
	}
	return false
}
