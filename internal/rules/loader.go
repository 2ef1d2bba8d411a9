package rules

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// ruleFile is the on-disk shape of a rule set.
type ruleFile struct {
	Rules []ruleSpec `yaml:"rules"`
}

// ruleSpec mirrors Rule but keeps Enabled as a pointer so omitting the key
// means enabled, matching how rule sets are authored.
type ruleSpec struct {
	Name          string          `yaml:"name"`
	Table         string          `yaml:"table"`
	Direction     Direction       `yaml:"direction"`
	Strength      int             `yaml:"strength"`
	Timeframes    []string        `yaml:"timeframes"`
	CooldownSec   int64           `yaml:"cooldown_s"`
	MinVolume     float64         `yaml:"min_volume"`
	ConditionKind string          `yaml:"condition_kind"`
	Condition     ConditionConfig `yaml:"condition"`
	Enabled       *bool           `yaml:"enabled"`
}

// Load reads a YAML rule set from disk, applies defaults and validates it.
func Load(path string) ([]*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML rule set. Rules without timeframes get the canonical
// default set; rule names must be unique.
func Parse(data []byte) ([]*Rule, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse rule file: %w", err)
	}

	seen := make(map[string]bool, len(f.Rules))
	out := make([]*Rule, 0, len(f.Rules))
	for i, spec := range f.Rules {
		r := &Rule{
			Name:          spec.Name,
			Table:         spec.Table,
			Direction:     spec.Direction,
			Strength:      spec.Strength,
			Timeframes:    spec.Timeframes,
			CooldownSec:   spec.CooldownSec,
			MinVolume:     spec.MinVolume,
			ConditionKind: spec.ConditionKind,
			Condition:     spec.Condition,
			Enabled:       spec.Enabled == nil || *spec.Enabled,
		}
		if len(r.Timeframes) == 0 {
			r.Timeframes = append([]string(nil), DefaultTimeframes...)
		}
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("duplicate rule name %q", r.Name)
		}
		seen[r.Name] = true
		out = append(out, r)
	}

	log.Info().Int("rules", len(out)).Msg("Loaded rule set")
	return out, nil
}

// GroupByTable groups enabled rules by their indicator table, the unit of
// loading during rule replay.
func GroupByTable(ruleSet []*Rule) map[string][]*Rule {
	grouped := make(map[string][]*Rule)
	for _, r := range ruleSet {
		if !r.Enabled {
			continue
		}
		grouped[r.Table] = append(grouped[r.Table], r)
	}
	return grouped
}
