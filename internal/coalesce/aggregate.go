package coalesce

import "fmt"

// ChildRow is one row of a one-to-many child collection (notes, category
// tags, reason codes) keyed by its parent entity.
type ChildRow struct {
	Parent string
	Value  string
}

// AggregateDistinct collapses a child collection into an ordered set of
// distinct values per parent. It must run strictly before any join to the
// parent: joining the raw child rows would multiply parent rows and
// silently corrupt downstream counts and scores.
func AggregateDistinct(rows []ChildRow) map[string][]string {
	out := make(map[string][]string)
	seen := make(map[string]map[string]struct{})
	for _, row := range rows {
		if row.Value == "" {
			continue
		}
		if seen[row.Parent] == nil {
			seen[row.Parent] = make(map[string]struct{})
		}
		if _, dup := seen[row.Parent][row.Value]; dup {
			continue
		}
		seen[row.Parent][row.Value] = struct{}{}
		out[row.Parent] = append(out[row.Parent], row.Value)
	}
	return out
}

// CardinalityExplosionError reports unexpected row multiplication after a
// merge step. It is fatal for the node: the structural fix is
// pre-aggregation, not dropping rows.
type CardinalityExplosionError struct {
	Step   string
	Before int
	After  int
}

func (e *CardinalityExplosionError) Error() string {
	return fmt.Sprintf("cardinality explosion at %s: row count grew from %d to %d",
		e.Step, e.Before, e.After)
}

// CheckCardinality verifies that a merge step did not grow the row count.
func CheckCardinality(step string, before, after int) error {
	if after > before {
		return &CardinalityExplosionError{Step: step, Before: before, After: after}
	}
	return nil
}
