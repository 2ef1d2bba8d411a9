package rules

import (
	"math"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantrails/signalbench/internal/obs"
)

func row(fields map[string]any) *Row {
	return NewRow("BTCUSDT", "1h", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 1, fields)
}

func enabledRule(kind string, cfg ConditionConfig) *Rule {
	return &Rule{
		Name:          "test_rule",
		Table:         "indicators",
		Direction:     DirectionBuy,
		Strength:      60,
		Timeframes:    []string{"1h"},
		ConditionKind: kind,
		Condition:     cfg,
		Enabled:       true,
	}
}

func TestCoerceFloat(t *testing.T) {
	assert.Equal(t, 42.5, coerceFloat("42.5"))
	assert.Equal(t, 42.5, coerceFloat(" 42.5% "))
	assert.Equal(t, 1234567.0, coerceFloat("1,234,567"))
	assert.Equal(t, 3.0, coerceFloat(3))
	assert.Equal(t, 1.0, coerceFloat(true))
	assert.True(t, math.IsNaN(coerceFloat("overbought")))
	assert.True(t, math.IsNaN(coerceFloat(nil)))
	assert.True(t, math.IsNaN(coerceFloat([]string{"x"})))
}

func TestRowNumCaching(t *testing.T) {
	r := row(map[string]any{"rsi": "71.2%"})
	assert.Equal(t, 71.2, r.Num("rsi"))
	// Mutating the raw field must not change the cached view.
	r.Fields["rsi"] = "10"
	assert.Equal(t, 71.2, r.Num("rsi"))
}

func TestStateChange(t *testing.T) {
	r := enabledRule(CondStateChange, ConditionConfig{
		Field:      "trend",
		FromValues: []string{"neutral", "bear"},
		ToValues:   []string{"bull"},
	})

	assert.True(t, r.CheckCondition(row(map[string]any{"trend": "bear"}), row(map[string]any{"trend": "bull"})))
	assert.False(t, r.CheckCondition(row(map[string]any{"trend": "bull"}), row(map[string]any{"trend": "bull"})))
	assert.False(t, r.CheckCondition(nil, row(map[string]any{"trend": "bull"})))
}

func TestThresholdCross(t *testing.T) {
	up := enabledRule(CondThresholdCrossUp, ConditionConfig{Field: "rsi", Threshold: 70})
	assert.True(t, up.CheckCondition(row(map[string]any{"rsi": 70.0}), row(map[string]any{"rsi": 70.5})))
	assert.False(t, up.CheckCondition(row(map[string]any{"rsi": 71.0}), row(map[string]any{"rsi": 75.0})))
	// NaN coercion keeps numeric predicates false.
	assert.False(t, up.CheckCondition(row(map[string]any{"rsi": "n/a"}), row(map[string]any{"rsi": 75.0})))

	down := enabledRule(CondThresholdCrossDown, ConditionConfig{Field: "rsi", Threshold: 30})
	assert.True(t, down.CheckCondition(row(map[string]any{"rsi": 30.0}), row(map[string]any{"rsi": 29.0})))
	assert.False(t, down.CheckCondition(row(map[string]any{"rsi": 29.0}), row(map[string]any{"rsi": 28.0})))
}

func TestFieldCross(t *testing.T) {
	r := enabledRule(CondCrossUp, ConditionConfig{FieldA: "macd", FieldB: "signal"})
	assert.True(t, r.CheckCondition(
		row(map[string]any{"macd": -0.1, "signal": 0.0}),
		row(map[string]any{"macd": 0.2, "signal": 0.1}),
	))
	assert.False(t, r.CheckCondition(
		row(map[string]any{"macd": 0.2, "signal": 0.1}),
		row(map[string]any{"macd": 0.3, "signal": 0.1}),
	))

	d := enabledRule(CondCrossDown, ConditionConfig{FieldA: "macd", FieldB: "signal"})
	assert.True(t, d.CheckCondition(
		row(map[string]any{"macd": 0.1, "signal": 0.0}),
		row(map[string]any{"macd": -0.2, "signal": -0.1}),
	))
}

func TestContains(t *testing.T) {
	anyRule := enabledRule(CondContains, ConditionConfig{
		Field: "pattern", Patterns: []string{"hammer", "doji"}, MatchAny: true,
	})
	// contains is the only kind that works without prev.
	assert.True(t, anyRule.CheckCondition(nil, row(map[string]any{"pattern": "inverted_hammer"})))
	assert.False(t, anyRule.CheckCondition(nil, row(map[string]any{"pattern": "engulfing"})))

	all := enabledRule(CondContains, ConditionConfig{
		Field: "tags", Patterns: []string{"bull", "confirmed"}, MatchAny: false,
	})
	assert.True(t, all.CheckCondition(nil, row(map[string]any{"tags": "bull,confirmed,high_vol"})))
	assert.False(t, all.CheckCondition(nil, row(map[string]any{"tags": "bull,unconfirmed"})))
}

func TestRange(t *testing.T) {
	enter := enabledRule(CondRangeEnter, ConditionConfig{Field: "rsi", Min: 30, Max: 70})
	assert.True(t, enter.CheckCondition(row(map[string]any{"rsi": 75.0}), row(map[string]any{"rsi": 65.0})))
	assert.False(t, enter.CheckCondition(row(map[string]any{"rsi": 65.0}), row(map[string]any{"rsi": 60.0})))

	exit := enabledRule(CondRangeExit, ConditionConfig{Field: "rsi", Min: 30, Max: 70})
	assert.True(t, exit.CheckCondition(row(map[string]any{"rsi": 65.0}), row(map[string]any{"rsi": 75.0})))
	assert.False(t, exit.CheckCondition(row(map[string]any{"rsi": 75.0}), row(map[string]any{"rsi": 80.0})))
}

func TestCustomPredicate(t *testing.T) {
	r := enabledRule(CondCustom, ConditionConfig{})
	r.Custom = func(prev, curr *Row) bool {
		return curr.Num("close") > prev.Num("close")*1.01
	}
	assert.True(t, r.CheckCondition(row(map[string]any{"close": 100.0}), row(map[string]any{"close": 102.0})))
	assert.False(t, r.CheckCondition(row(map[string]any{"close": 100.0}), row(map[string]any{"close": 100.5})))

	// Missing predicate is a suppressed evaluation error, not a panic.
	r.Custom = nil
	assert.False(t, r.CheckCondition(row(nil), row(nil)))
}

func TestCustomPanicSuppressed(t *testing.T) {
	r := enabledRule(CondCustom, ConditionConfig{})
	r.Custom = func(prev, curr *Row) bool {
		panic("bad predicate")
	}
	assert.NotPanics(t, func() {
		assert.False(t, r.CheckCondition(row(nil), row(nil)))
	})
}

func TestDisabledRuleNeverFires(t *testing.T) {
	r := enabledRule(CondThresholdCrossUp, ConditionConfig{Field: "rsi", Threshold: 70})
	r.Enabled = false
	assert.False(t, r.CheckCondition(row(map[string]any{"rsi": 60.0}), row(map[string]any{"rsi": 80.0})))
}

func TestHasDefaultTimeframes(t *testing.T) {
	r := enabledRule(CondContains, ConditionConfig{})
	r.Timeframes = []string{"4h", "1d", "1h"}
	assert.True(t, r.HasDefaultTimeframes())

	r.Timeframes = []string{"1h", "4h"}
	assert.False(t, r.HasDefaultTimeframes())

	r.Timeframes = []string{"1m", "4h", "1d"}
	assert.False(t, r.HasDefaultTimeframes())
}

func TestValidate(t *testing.T) {
	r := enabledRule(CondThresholdCrossUp, ConditionConfig{Field: "rsi", Threshold: 70})
	require.NoError(t, r.Validate())

	bad := enabledRule(CondThresholdCrossUp, ConditionConfig{Field: "rsi", Threshold: 70})
	bad.Strength = 0
	assert.Error(t, bad.Validate())

	bad = enabledRule(CondThresholdCrossUp, ConditionConfig{Field: "rsi", Threshold: 70})
	bad.Direction = "HOLD"
	assert.Error(t, bad.Validate())

	bad = enabledRule(CondThresholdCrossUp, ConditionConfig{Field: "rsi", Threshold: 70})
	bad.ConditionKind = "magic"
	assert.Error(t, bad.Validate())
}

func TestParseRuleSet(t *testing.T) {
	data := []byte(`
rules:
  - name: rsi_oversold_bounce
    table: momentum_indicators
    direction: BUY
    strength: 65
    cooldown_s: 3600
    condition_kind: threshold_cross_up
    condition:
      field: rsi
      threshold: 30
  - name: macd_dead_cross
    table: momentum_indicators
    direction: SELL
    strength: 70
    timeframes: ["1h", "4h"]
    condition_kind: cross_down
    condition:
      field_a: macd
      field_b: macd_signal
    enabled: false
`)
	ruleSet, err := Parse(data)
	require.NoError(t, err)
	require.Len(t, ruleSet, 2)

	assert.True(t, ruleSet[0].Enabled)
	assert.Equal(t, DefaultTimeframes, ruleSet[0].Timeframes)
	assert.False(t, ruleSet[1].Enabled)
	assert.Equal(t, []string{"1h", "4h"}, ruleSet[1].Timeframes)

	grouped := GroupByTable(ruleSet)
	require.Len(t, grouped["momentum_indicators"], 1)
	assert.Equal(t, "rsi_oversold_bounce", grouped["momentum_indicators"][0].Name)
}

func TestParseRejectsDuplicates(t *testing.T) {
	data := []byte(`
rules:
  - {name: a, table: t, direction: BUY, strength: 50, condition_kind: contains}
  - {name: a, table: t, direction: BUY, strength: 50, condition_kind: contains}
`)
	_, err := Parse(data)
	assert.Error(t, err)
}

func TestEvalErrorsIncrementCounter(t *testing.T) {
	before := testutil.ToFloat64(obs.RuleEvalErrors)

	r := enabledRule("definitely_not_a_kind", ConditionConfig{})
	assert.False(t, r.CheckCondition(row(map[string]any{"x": 1.0}), row(map[string]any{"x": 2.0})))

	assert.Equal(t, before+1, testutil.ToFloat64(obs.RuleEvalErrors))
}
