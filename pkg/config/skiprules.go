package config

import (
	"fmt"
	"os"

	"github.com/kforge-dev/kforge/pkg/engine/policy"
	"gopkg.in/yaml.v3"
)

type skipRulesFile struct {
	Rules []policy.SkipRule `yaml:"rules"`
}

// LoadSkipRules parses the YAML skip-rules file. A missing path returns no
// rules; a malformed file is an error.
func LoadSkipRules(path string) ([]policy.SkipRule, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read skip rules: %w", err)
	}

	var f skipRulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse skip rules: %w", err)
	}
	for i, r := range f.Rules {
		if r.ID == "" {
			return nil, fmt.Errorf("skip rule %d: missing id", i)
		}
		if r.Condition == "" {
			return nil, fmt.Errorf("skip rule %s: missing condition", r.ID)
		}
	}
	return f.Rules, nil
}
