package coalesce

import "time"

// WindowMatch attaches a candidate to an anchor date when the candidate's
// date falls within the declared window on either side. It is used where
// an entity has no natural join key, e.g. attaching an appointment-summary
// aggregate to a radiation course by proximity to the course's best
// available date. When several candidates qualify, the one closest to the
// anchor wins; exact ties go to the earlier candidate so matching is
// deterministic.
func WindowMatch[T any](anchor time.Time, window time.Duration, candidates []T, when func(T) time.Time) (T, bool) {
	var (
		best     T
		bestDist time.Duration
		bestWhen time.Time
		found    bool
	)
	for _, c := range candidates {
		w := when(c)
		if w.IsZero() {
			continue
		}
		dist := anchor.Sub(w)
		if dist < 0 {
			dist = -dist
		}
		if dist > window {
			continue
		}
		if !found || dist < bestDist || (dist == bestDist && w.Before(bestWhen)) {
			best, bestDist, bestWhen, found = c, dist, w, true
		}
	}
	return best, found
}
