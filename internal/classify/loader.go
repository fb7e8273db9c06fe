package classify

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ehr/consolidation/internal/registry"
)

// ruleFile is the on-disk JSON shape of one rule set.
type ruleFile struct {
	Name    string     `json:"name"`
	Version string     `json:"version"`
	Rules   []ruleSpec `json:"rules"`
}

type ruleSpec struct {
	Name     string   `json:"name"`
	Kind     string   `json:"kind"` // code_set | code_prefix | keyword
	Set      string   `json:"set,omitempty"`
	Prefixes []string `json:"prefixes,omitempty"`
	Keywords []string `json:"keywords,omitempty"`
	Label    string   `json:"label"`
}

// LoadFile reads a rule set from JSON, binding code_set predicates to the
// supplied registry snapshot. Unknown predicate kinds and dangling set
// references are rejected at load time, not discovered mid-build.
func LoadFile(path string, reg *registry.Registry) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule set: %w", err)
	}
	var f ruleFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rule set %s: %w", path, err)
	}
	if f.Version == "" {
		return nil, fmt.Errorf("rule set %s has no version", path)
	}

	rs := &RuleSet{Name: f.Name, Version: f.Version}
	for i, spec := range f.Rules {
		if spec.Label == "" {
			return nil, fmt.Errorf("rule set %s: rule %d has no label", path, i)
		}
		var pred Predicate
		switch spec.Kind {
		case "code_set":
			if reg == nil || !reg.HasSet(spec.Set) {
				return nil, fmt.Errorf("rule set %s: rule %q references unknown code set %q", path, spec.Name, spec.Set)
			}
			pred = CodeSet{Registry: reg, Set: spec.Set}
		case "code_prefix":
			if len(spec.Prefixes) == 0 {
				return nil, fmt.Errorf("rule set %s: rule %q has no prefixes", path, spec.Name)
			}
			pred = CodePrefix{Prefixes: spec.Prefixes}
		case "keyword":
			if len(spec.Keywords) == 0 {
				return nil, fmt.Errorf("rule set %s: rule %q has no keywords", path, spec.Name)
			}
			pred = Keyword{Keywords: spec.Keywords}
		default:
			return nil, fmt.Errorf("rule set %s: rule %q has unknown kind %q", path, spec.Name, spec.Kind)
		}
		rs.Rules = append(rs.Rules, Rule{Name: spec.Name, Predicate: pred, Label: spec.Label})
	}
	return rs, nil
}
