// Package rules implements the declarative signal rule model: rule records
// with eight generic condition kinds evaluated over consecutive indicator
// row pairs.
package rules

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/quantrails/signalbench/internal/obs"
)

// Direction is the trading intent a rule emits when it fires.
type Direction string

const (
	DirectionBuy   Direction = "BUY"
	DirectionSell  Direction = "SELL"
	DirectionAlert Direction = "ALERT"
)

// Condition kinds. A new kind is an addition here plus a case in
// checkCondition; rules stay plain data.
const (
	CondStateChange        = "state_change"
	CondThresholdCrossUp   = "threshold_cross_up"
	CondThresholdCrossDown = "threshold_cross_down"
	CondCrossUp            = "cross_up"
	CondCrossDown          = "cross_down"
	CondContains           = "contains"
	CondRangeEnter         = "range_enter"
	CondRangeExit          = "range_exit"
	CondCustom             = "custom"
)

// DefaultTimeframes is the canonical timeframe set assigned to rules that do
// not declare their own. Rule replay substitutes the caller's preferred
// minute timeframe when it sees this exact set.
var DefaultTimeframes = []string{"1h", "4h", "1d"}

// ConditionConfig carries the parameters for every condition kind; only the
// fields relevant to the declared kind are read.
type ConditionConfig struct {
	Field      string   `yaml:"field" mapstructure:"field"`
	FromValues []string `yaml:"from_values" mapstructure:"from_values"`
	ToValues   []string `yaml:"to_values" mapstructure:"to_values"`
	Threshold  float64  `yaml:"threshold" mapstructure:"threshold"`
	FieldA     string   `yaml:"field_a" mapstructure:"field_a"`
	FieldB     string   `yaml:"field_b" mapstructure:"field_b"`
	Patterns   []string `yaml:"patterns" mapstructure:"patterns"`
	MatchAny   bool     `yaml:"match_any" mapstructure:"match_any"`
	Min        float64  `yaml:"min" mapstructure:"min"`
	Max        float64  `yaml:"max" mapstructure:"max"`
}

// Rule is one declarative signal rule. Rules are immutable after
// construction; Name is unique within a rule set.
type Rule struct {
	Name          string          `yaml:"name" mapstructure:"name"`
	Table         string          `yaml:"table" mapstructure:"table"`
	Direction     Direction       `yaml:"direction" mapstructure:"direction"`
	Strength      int             `yaml:"strength" mapstructure:"strength"`
	Timeframes    []string        `yaml:"timeframes" mapstructure:"timeframes"`
	CooldownSec   int64           `yaml:"cooldown_s" mapstructure:"cooldown_s"`
	MinVolume     float64         `yaml:"min_volume" mapstructure:"min_volume"`
	ConditionKind string          `yaml:"condition_kind" mapstructure:"condition_kind"`
	Condition     ConditionConfig `yaml:"condition" mapstructure:"condition"`
	Enabled       bool            `yaml:"enabled" mapstructure:"enabled"`

	// Custom is the predicate for condition_kind=custom. It must be pure;
	// it is never loaded from config, only wired programmatically.
	Custom func(prev, curr *Row) bool `yaml:"-" mapstructure:"-"`

	evalErrs evalErrorLimiter
}

// HasDefaultTimeframes reports whether the rule carries exactly the
// canonical default set.
func (r *Rule) HasDefaultTimeframes() bool {
	if len(r.Timeframes) != len(DefaultTimeframes) {
		return false
	}
	seen := make(map[string]bool, len(r.Timeframes))
	for _, tf := range r.Timeframes {
		seen[strings.ToLower(tf)] = true
	}
	for _, tf := range DefaultTimeframes {
		if !seen[tf] {
			return false
		}
	}
	return true
}

// AllowsTimeframe reports whether the row timeframe is in the rule's set.
func (r *Rule) AllowsTimeframe(tf string) bool {
	for _, t := range r.Timeframes {
		if strings.EqualFold(t, tf) {
			return true
		}
	}
	return false
}

// CheckCondition evaluates the declared condition over a (prev, curr) row
// pair. Disabled rules never fire. Every kind except contains requires a
// non-nil prev. Evaluation never panics out: failures are logged with rate
// limiting and count as "did not fire".
func (r *Rule) CheckCondition(prev, curr *Row) (fired bool) {
	if !r.Enabled || curr == nil {
		return false
	}
	if prev == nil && r.ConditionKind != CondContains {
		return false
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.evalErrs.log(r.Name, fmt.Errorf("condition panic: %v", rec))
			fired = false
		}
	}()

	switch r.ConditionKind {
	case CondStateChange:
		return containsString(r.Condition.FromValues, prev.Str(r.Condition.Field)) &&
			containsString(r.Condition.ToValues, curr.Str(r.Condition.Field))

	case CondThresholdCrossUp:
		p, c := prev.Num(r.Condition.Field), curr.Num(r.Condition.Field)
		return p <= r.Condition.Threshold && c > r.Condition.Threshold

	case CondThresholdCrossDown:
		p, c := prev.Num(r.Condition.Field), curr.Num(r.Condition.Field)
		return p >= r.Condition.Threshold && c < r.Condition.Threshold

	case CondCrossUp:
		pa, pb := prev.Num(r.Condition.FieldA), prev.Num(r.Condition.FieldB)
		ca, cb := curr.Num(r.Condition.FieldA), curr.Num(r.Condition.FieldB)
		return pa <= pb && ca > cb

	case CondCrossDown:
		pa, pb := prev.Num(r.Condition.FieldA), prev.Num(r.Condition.FieldB)
		ca, cb := curr.Num(r.Condition.FieldA), curr.Num(r.Condition.FieldB)
		return pa >= pb && ca < cb

	case CondContains:
		return matchPatterns(curr.Str(r.Condition.Field), r.Condition.Patterns, r.Condition.MatchAny)

	case CondRangeEnter:
		p, c := prev.Num(r.Condition.Field), curr.Num(r.Condition.Field)
		return !inRange(p, r.Condition.Min, r.Condition.Max) && inRange(c, r.Condition.Min, r.Condition.Max)

	case CondRangeExit:
		p, c := prev.Num(r.Condition.Field), curr.Num(r.Condition.Field)
		return inRange(p, r.Condition.Min, r.Condition.Max) && !inRange(c, r.Condition.Min, r.Condition.Max)

	case CondCustom:
		if r.Custom == nil {
			r.evalErrs.log(r.Name, fmt.Errorf("custom condition without predicate"))
			return false
		}
		return r.Custom(prev, curr)

	default:
		r.evalErrs.log(r.Name, fmt.Errorf("unknown condition kind %q", r.ConditionKind))
		return false
	}
}

// Validate checks structural rule invariants before a rule set is used.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if r.Table == "" {
		return fmt.Errorf("rule %s: table is required", r.Name)
	}
	switch r.Direction {
	case DirectionBuy, DirectionSell, DirectionAlert:
	default:
		return fmt.Errorf("rule %s: invalid direction %q", r.Name, r.Direction)
	}
	if r.Strength < 1 || r.Strength > 100 {
		return fmt.Errorf("rule %s: strength %d outside [1,100]", r.Name, r.Strength)
	}
	if r.CooldownSec < 0 {
		return fmt.Errorf("rule %s: negative cooldown", r.Name)
	}
	switch r.ConditionKind {
	case CondStateChange, CondThresholdCrossUp, CondThresholdCrossDown,
		CondCrossUp, CondCrossDown, CondContains, CondRangeEnter, CondRangeExit, CondCustom:
	default:
		return fmt.Errorf("rule %s: unknown condition kind %q", r.Name, r.ConditionKind)
	}
	return nil
}

func inRange(v, lo, hi float64) bool {
	if math.IsNaN(v) {
		return false
	}
	return v >= lo && v <= hi
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func matchPatterns(value string, patterns []string, matchAny bool) bool {
	if len(patterns) == 0 {
		return false
	}
	for _, p := range patterns {
		hit := strings.Contains(value, p)
		if matchAny && hit {
			return true
		}
		if !matchAny && !hit {
			return false
		}
	}
	return !matchAny
}

// evalErrorLimiter rate-limits per-rule evaluation error logging: the first
// few errors log at warn, after that only every Nth.
type evalErrorLimiter struct {
	mu    sync.Mutex
	count int64
}

const (
	evalErrLogFirst = 5
	evalErrLogEvery = 100
)

func (l *evalErrorLimiter) log(rule string, err error) {
	l.mu.Lock()
	l.count++
	n := l.count
	l.mu.Unlock()
	obs.RuleEvalErrors.Inc()

	if n <= evalErrLogFirst || n%evalErrLogEvery == 0 {
		log.Warn().
			Err(err).
			Str("rule", rule).
			Int64("error_count", n).
			Msg("Rule evaluation error (suppressed)")
	}
}
