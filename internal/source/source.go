// Package source provides read-only typed access to the raw clinical
// resource collections that feed the consolidation pipeline. Adapters
// never write; a build pass treats every source view as immutable.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Record is one raw row read from a source view. Fields are typed as the
// view declares them and are immutable once read.
type Record struct {
	View   string         `json:"view"`
	Key    string         `json:"key"` // entity reference exactly as the source stores it
	Fields map[string]any `json:"fields"`
}

// String returns a field as a string when present and non-null.
func (r Record) String(field string) (string, bool) {
	v, ok := r.Fields[field]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// StringPtr returns a field as *string, nil when absent or null.
func (r Record) StringPtr(field string) *string {
	if s, ok := r.String(field); ok {
		return &s
	}
	return nil
}

// Float returns a numeric field. Postgres numerics arrive as float64,
// ints as int64; both are accepted.
func (r Record) Float(field string) (float64, bool) {
	switch v := r.Fields[field].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}

// FloatPtr returns a numeric field as *float64, nil when absent.
func (r Record) FloatPtr(field string) *float64 {
	if f, ok := r.Float(field); ok {
		return &f
	}
	return nil
}

// Int returns an integer field.
func (r Record) Int(field string) (int, bool) {
	switch v := r.Fields[field].(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// Predicate expresses the domain-specific filters a consumer wants pushed
// down to the source. Pushdown is an optimization: an adapter that cannot
// push a clause down must still apply it before returning rows. The code,
// keyword, and date clauses each name the field they test; a clause whose
// field is empty is ignored by every adapter.
type Predicate struct {
	// PatientKeys match the view's key column exactly as stored. The raw
	// views keep decorated references ("Patient/p1"), so a caller holding
	// canonical keys must pass the stored form; normalization happens
	// after fetch, never inside the adapter.
	PatientKeys  []string
	CodeField    string
	CodePrefixes []string
	TextField    string
	Keywords     []string
	DateField    string
	From, To     time.Time
}

// Empty reports whether the predicate filters nothing.
func (p Predicate) Empty() bool {
	return len(p.PatientKeys) == 0 && len(p.CodePrefixes) == 0 &&
		len(p.Keywords) == 0 && p.From.IsZero() && p.To.IsZero()
}

// Adapter is the only capability the consolidation core requires from
// upstream storage: read rows from one source view, optionally filtered.
type Adapter interface {
	View() string
	Fetch(ctx context.Context, p Predicate) ([]Record, error)
}

// MissingUpstreamError marks a source that could not be reached at all.
// It is distinct from a source legitimately returning zero rows: the
// former blocks every dependent node, the latter is valid (possibly
// flagged) output.
type MissingUpstreamError struct {
	View string
	Err  error
}

func (e *MissingUpstreamError) Error() string {
	return fmt.Sprintf("source %q unreachable: %v", e.View, e.Err)
}

func (e *MissingUpstreamError) Unwrap() error { return e.Err }

// IsMissingUpstream reports whether err wraps a MissingUpstreamError.
func IsMissingUpstream(err error) bool {
	var m *MissingUpstreamError
	return errors.As(err, &m)
}
