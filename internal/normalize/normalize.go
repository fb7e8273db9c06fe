// Package normalize canonicalizes the two field classes that historically
// broke cross-source joins: entity references and timestamps. Every
// producer and consumer of keys goes through Key; there is exactly one
// canonical form per real-world entity.
package normalize

import (
	"regexp"
	"strings"
	"time"

	"github.com/ehr/consolidation/internal/source"
)

// resourceRef matches a FHIR-style reference, optionally absolute
// ("https://host/fhir/Patient/abc123") or relative ("Patient/abc123").
// The trailing id segment is the canonical key. This is the single rule
// applied everywhere keys are produced or consumed.
var resourceRef = regexp.MustCompile(`(?:^|/)[A-Za-z]+/([A-Za-z0-9][A-Za-z0-9\-.]{0,63})$`)

// Key strips resource-type decoration from a raw entity reference.
// A value with no decoration is returned unchanged, so Key is idempotent.
func Key(raw string) string {
	raw = strings.TrimSpace(raw)
	if m := resourceRef.FindStringSubmatch(raw); m != nil {
		return m[1]
	}
	return raw
}

// timestampLayouts are tried in order. Date-only input becomes midnight
// UTC; no layout ever yields a partially parsed value.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Timestamp converts a raw temporal value into a single millisecond-
// precision UTC form. ok is false when the input is absent or
// unparseable; callers must keep the value null and flag the record,
// never substitute a default date. Passing an already-normalized
// time.Time is a no-op.
func Timestamp(raw any) (time.Time, bool) {
	switch v := raw.(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		if v.IsZero() {
			return time.Time{}, false
		}
		return v.UTC().Truncate(time.Millisecond), true
	case *time.Time:
		if v == nil {
			return time.Time{}, false
		}
		return Timestamp(*v)
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC().Truncate(time.Millisecond), true
			}
		}
		return time.Time{}, false
	}
	return time.Time{}, false
}

// Event is the normalizer's output for one source record: canonical key,
// canonical timestamp, and the original row preserved for domain-specific
// consumers.
type Event struct {
	Key         string
	Timestamp   time.Time
	HasTime     bool
	ParseFailed bool // a date value was present but unparseable
	Record      source.Record
}

// FromRecord normalizes one record; dateField names the field holding the
// record's primary temporal value.
func FromRecord(rec source.Record, dateField string) Event {
	ev := Event{Key: Key(rec.Key), Record: rec}
	raw, present := rec.Fields[dateField]
	if !present {
		return ev
	}
	ts, ok := Timestamp(raw)
	if !ok {
		ev.ParseFailed = true
		return ev
	}
	ev.Timestamp = ts
	ev.HasTime = true
	return ev
}

// FromRecords normalizes a slice, preserving order.
func FromRecords(recs []source.Record, dateField string) []Event {
	out := make([]Event, 0, len(recs))
	for _, rec := range recs {
		out = append(out, FromRecord(rec, dateField))
	}
	return out
}

// FieldTime normalizes a secondary date field of an already-normalized
// event, e.g. an end date alongside the primary start date.
func (e Event) FieldTime(field string) (time.Time, bool) {
	raw, present := e.Record.Fields[field]
	if !present {
		return time.Time{}, false
	}
	return Timestamp(raw)
}
