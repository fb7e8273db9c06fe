// Package classify assigns categorical labels to normalized records via
// ordered rule chains. Evaluation is top-to-bottom, first match wins;
// identical input against the same rule-set version always yields the
// same label.
package classify

import (
	"strings"

	"github.com/ehr/consolidation/internal/registry"
)

// Unclassified is the label for records no rule matched. Classification
// never errors and never drops a record.
const Unclassified = "Unclassified"

// Subject is the slice of a record the predicates see: its codes and its
// free text (description, drug name, ...).
type Subject struct {
	Codes []string
	Text  string
}

// Predicate tests one condition over a subject.
type Predicate interface {
	Match(s Subject) bool
}

// CodeSet matches when any subject code belongs to a named code set of
// the injected registry snapshot.
type CodeSet struct {
	Registry *registry.Registry
	Set      string
}

func (p CodeSet) Match(s Subject) bool {
	for _, code := range s.Codes {
		if p.Registry.InSet(p.Set, code) {
			return true
		}
	}
	return false
}

// CodePrefix matches when any subject code starts with one of the
// prefixes (code-range rules, e.g. CPT 77xxx).
type CodePrefix struct {
	Prefixes []string
}

func (p CodePrefix) Match(s Subject) bool {
	for _, code := range s.Codes {
		for _, prefix := range p.Prefixes {
			if strings.HasPrefix(code, prefix) {
				return true
			}
		}
	}
	return false
}

// Keyword matches case-insensitive substrings over the subject's text.
type Keyword struct {
	Keywords []string
}

func (p Keyword) Match(s Subject) bool {
	text := strings.ToLower(s.Text)
	for _, kw := range p.Keywords {
		if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// Rule is one (predicate, label) pair in a chain.
type Rule struct {
	Name      string
	Predicate Predicate
	Label     string
}

// RuleSet is an ordered, versioned rule chain. Rule sets are loaded from
// external data, never embedded as code constants.
type RuleSet struct {
	Name    string
	Version string
	Rules   []Rule
}

// Result is the tagged outcome of a classification.
type Result struct {
	Label   string
	Matched bool
	Rule    string // name of the matching rule, empty when unmatched
}

// Classify evaluates the chain top-to-bottom and stops at the first
// match. An unmatched subject gets the Unclassified label; the caller
// logs the miss for rule-set review.
func (rs *RuleSet) Classify(s Subject) Result {
	for _, rule := range rs.Rules {
		if rule.Predicate.Match(s) {
			return Result{Label: rule.Label, Matched: true, Rule: rule.Name}
		}
	}
	return Result{Label: Unclassified}
}
