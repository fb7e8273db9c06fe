package coalesce

// QualityWeights assigns an explicit weight to each boolean coverage
// indicator of a coalesced entity ("has structured dose", "has treatment
// dates", ...). Weights live in configuration next to the rule sets, not
// inline at call sites.
type QualityWeights map[string]float64

// Score computes the data-quality score as the weighted share of
// satisfied indicators, in [0,1]. Indicators without a declared weight
// contribute nothing; declared indicators missing from the input count as
// unsatisfied.
func (w QualityWeights) Score(indicators map[string]bool) float64 {
	var total, got float64
	for name, weight := range w {
		if weight <= 0 {
			continue
		}
		total += weight
		if indicators[name] {
			got += weight
		}
	}
	if total == 0 {
		return 0
	}
	return got / total
}
