package registry

import (
	"encoding/json"
	"fmt"
	"os"
)

// fileFormat is the on-disk JSON shape of a registry snapshot.
type fileFormat struct {
	Version string              `json:"version"`
	Entries []Entry             `json:"entries"`
	Sets    map[string][]string `json:"sets"`
}

// LoadFile reads a registry snapshot from a JSON file. Deployments update
// this file (or the backing table) independently of the rule-engine code.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry file: %w", err)
	}
	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse registry file %s: %w", path, err)
	}
	if f.Version == "" {
		return nil, fmt.Errorf("registry file %s has no version", path)
	}
	return New(f.Version, f.Entries, f.Sets), nil
}
