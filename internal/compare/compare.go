// Package compare runs one window under both the history and rule-replay
// signal sources and diffs the outcomes, including root-cause hints for
// rules the replay failed to reproduce.
package compare

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/quantrails/signalbench/internal/artifacts"
	"github.com/quantrails/signalbench/internal/config"
	"github.com/quantrails/signalbench/internal/runner"
	"github.com/quantrails/signalbench/internal/signal"
	"github.com/quantrails/signalbench/pkg/backtest"
)

// defaultTopN bounds the delta and missing-rule lists.
const defaultTopN = 10

// Block reasons assigned to rules missing from the replay stream.
const (
	BlockTimeframeNoData = "timeframe_no_data"
	BlockNotEvaluated    = "not_evaluated"
	BlockUnknown         = "unknown"
)

// KeyDelta is one per-key count difference between the two streams.
type KeyDelta struct {
	Key     string `json:"key"`
	History int    `json:"history"`
	Rules   int    `json:"rules"`
	Delta   int    `json:"delta"`
}

// MissingRuleDiagnostic explains why a history rule is absent from the
// replay stream.
type MissingRuleDiagnostic struct {
	Rule               string                   `json:"rule"`
	HistoryCount       int                      `json:"history_count"`
	PrimaryBlockReason string                   `json:"primary_block_reason"`
	Counters           *signal.RuleCounters     `json:"counters,omitempty"`
	Timeframes         *signal.TimeframeProfile `json:"timeframes,omitempty"`
}

// RuleOverlap measures agreement between the two rule-name sets.
type RuleOverlap struct {
	Jaccard         float64 `json:"jaccard"`
	Shared          int     `json:"shared"`
	HistoryOnly     int     `json:"history_only"`
	RulesOnly       int     `json:"rules_only"`
	HistoryCoverage float64 `json:"history_coverage"`
	RulesCoverage   float64 `json:"rules_coverage"`
}

// Summary is the comparison.json payload.
type Summary struct {
	BaseRunID string `json:"base_run_id"`

	HistoryMetrics *backtest.Metrics `json:"history_metrics"`
	RulesMetrics   *backtest.Metrics `json:"rules_metrics"`

	SignalTypeDeltas []KeyDelta `json:"signal_type_deltas"`
	TimeframeDeltas  []KeyDelta `json:"timeframe_deltas"`
	DirectionDeltas  []KeyDelta `json:"direction_deltas"`

	MissingHistoryRulesTop []MissingRuleDiagnostic `json:"missing_history_rules_top"`
	NewRuleTypesTop        []KeyDelta              `json:"new_rule_types_top"`

	RuleOverlap RuleOverlap `json:"rule_overlap"`
}

// Comparator orchestrates the paired runs.
type Comparator struct {
	Base      *config.Config
	NewRunner func(cfg *config.Config) *runner.Runner
	Sink      *artifacts.Sink
	TopN      int
}

// Run executes {base}-history and {base}-rules over the identical window
// and writes comparison.json plus comparison.md. A failure on either side
// is fatal; there is no partial summary.
func (c *Comparator) Run(ctx context.Context) (*Summary, error) {
	baseRunID := c.Base.Backtest.RunID
	if baseRunID == "" {
		return nil, &config.ConfigError{Field: "backtest.run_id", Reason: "comparison requires an explicit base run id"}
	}

	histRes, err := c.runSide(ctx, baseRunID+"-history", config.ModeHistorySignal)
	if err != nil {
		return nil, fmt.Errorf("history side failed: %w", err)
	}
	rulesRes, err := c.runSide(ctx, baseRunID+"-rules", config.ModeOfflineRuleReplay)
	if err != nil {
		return nil, fmt.Errorf("rule-replay side failed: %w", err)
	}

	topN := c.TopN
	if topN <= 0 {
		topN = defaultTopN
	}
	summary := BuildSummary(baseRunID, histRes, rulesRes, topN)

	compareDir := c.Sink.RunDir(c.Base.Backtest.Session, baseRunID+"-compare")
	if err := c.Sink.WriteJSON(compareDir, "comparison.json", summary); err != nil {
		return nil, err
	}
	if err := c.Sink.WriteFile(compareDir, "comparison.md", []byte(renderMarkdown(summary))); err != nil {
		return nil, err
	}

	log.Info().
		Str("base_run_id", baseRunID).
		Int("missing_rules", len(summary.MissingHistoryRulesTop)).
		Float64("rule_overlap", summary.RuleOverlap.Jaccard).
		Msg("Comparison complete")
	return summary, nil
}

func (c *Comparator) runSide(ctx context.Context, runID, mode string) (*runner.Result, error) {
	cfg := *c.Base
	cfg.Backtest.RunID = runID
	cfg.Backtest.Mode = mode
	return c.NewRunner(&cfg).Run(ctx, runner.Options{})
}

// BuildSummary diffs the two finished sides.
func BuildSummary(baseRunID string, hist, rules *runner.Result, topN int) *Summary {
	s := &Summary{
		BaseRunID:      baseRunID,
		HistoryMetrics: hist.Metrics,
		RulesMetrics:   rules.Metrics,
	}

	s.SignalTypeDeltas = keyDeltas(hist.Events, rules.Events, func(e backtest.SignalEvent) string { return e.SignalType }, topN)
	s.TimeframeDeltas = keyDeltas(hist.Events, rules.Events, func(e backtest.SignalEvent) string { return e.Timeframe }, topN)
	s.DirectionDeltas = keyDeltas(hist.Events, rules.Events, func(e backtest.SignalEvent) string { return string(e.Direction) }, topN)

	histTypes := countByKey(hist.Events, func(e backtest.SignalEvent) string { return e.SignalType })
	ruleTypes := countByKey(rules.Events, func(e backtest.SignalEvent) string { return e.SignalType })

	s.MissingHistoryRulesTop = missingRules(histTypes, ruleTypes, rules.Diagnostics, topN)
	s.NewRuleTypesTop = newRuleTypes(histTypes, ruleTypes, topN)
	s.RuleOverlap = overlap(histTypes, ruleTypes)
	return s
}

func countByKey(events []backtest.SignalEvent, key func(backtest.SignalEvent) string) map[string]int {
	out := make(map[string]int)
	for _, e := range events {
		if k := key(e); k != "" {
			out[k]++
		}
	}
	return out
}

// keyDeltas builds the top-N per-key differences ordered by |delta| then key.
func keyDeltas(hist, rules []backtest.SignalEvent, key func(backtest.SignalEvent) string, topN int) []KeyDelta {
	h := countByKey(hist, key)
	r := countByKey(rules, key)

	keys := make(map[string]bool, len(h)+len(r))
	for k := range h {
		keys[k] = true
	}
	for k := range r {
		keys[k] = true
	}

	deltas := make([]KeyDelta, 0, len(keys))
	for k := range keys {
		deltas = append(deltas, KeyDelta{Key: k, History: h[k], Rules: r[k], Delta: r[k] - h[k]})
	}
	sort.Slice(deltas, func(i, j int) bool {
		ai, aj := abs(deltas[i].Delta), abs(deltas[j].Delta)
		if ai != aj {
			return ai > aj
		}
		return deltas[i].Key < deltas[j].Key
	})
	if len(deltas) > topN {
		deltas = deltas[:topN]
	}
	return deltas
}

// missingRules lists history signal types the replay never produced, each
// classified from the replay diagnostics.
func missingRules(histTypes, ruleTypes map[string]int, diags *signal.Diagnostics, topN int) []MissingRuleDiagnostic {
	var missing []MissingRuleDiagnostic
	for name, count := range histTypes {
		if ruleTypes[name] > 0 {
			continue
		}
		d := MissingRuleDiagnostic{Rule: name, HistoryCount: count}
		var rd *signal.RuleDiagnostic
		if diags != nil {
			rd = diags.Rules[name]
		}
		d.PrimaryBlockReason = classify(rd)
		if rd != nil {
			counters := rd.Counters
			tf := rd.Timeframes
			d.Counters = &counters
			d.Timeframes = &tf
		}
		missing = append(missing, d)
	}

	sort.Slice(missing, func(i, j int) bool {
		if missing[i].HistoryCount != missing[j].HistoryCount {
			return missing[i].HistoryCount > missing[j].HistoryCount
		}
		return missing[i].Rule < missing[j].Rule
	})
	if len(missing) > topN {
		missing = missing[:topN]
	}
	return missing
}

// classify picks the dominant block reason for one missing rule.
func classify(d *signal.RuleDiagnostic) string {
	if d == nil {
		return BlockNotEvaluated
	}
	c := d.Counters
	if c.TimeframeFiltered > 0 && c.Triggered == 0 && len(d.Timeframes.Overlap) == 0 {
		return BlockTimeframeNoData
	}
	if c.Evaluated == 0 {
		return BlockNotEvaluated
	}

	reasons := []struct {
		name  string
		count int64
	}{
		{"condition_failed", c.ConditionFailed},
		{"timeframe_filtered", c.TimeframeFiltered},
		{"volume_filtered", c.VolumeFiltered},
		{"cooldown_blocked", c.CooldownBlocked},
	}
	best := reasons[0]
	for _, r := range reasons[1:] {
		if r.count > best.count {
			best = r
		}
	}
	if best.count == 0 {
		return BlockUnknown
	}
	return best.name
}

func newRuleTypes(histTypes, ruleTypes map[string]int, topN int) []KeyDelta {
	var out []KeyDelta
	for name, count := range ruleTypes {
		if histTypes[name] == 0 {
			out = append(out, KeyDelta{Key: name, Rules: count, Delta: count})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rules != out[j].Rules {
			return out[i].Rules > out[j].Rules
		}
		return out[i].Key < out[j].Key
	})
	if len(out) > topN {
		out = out[:topN]
	}
	return out
}

func overlap(histTypes, ruleTypes map[string]int) RuleOverlap {
	var o RuleOverlap
	union := make(map[string]bool, len(histTypes)+len(ruleTypes))
	for k := range histTypes {
		union[k] = true
		if ruleTypes[k] > 0 {
			o.Shared++
		} else {
			o.HistoryOnly++
		}
	}
	for k := range ruleTypes {
		if !union[k] {
			o.RulesOnly++
		}
		union[k] = true
	}

	if len(union) > 0 {
		o.Jaccard = float64(o.Shared) / float64(len(union))
	}
	if n := len(histTypes); n > 0 {
		o.HistoryCoverage = float64(o.Shared) / float64(n)
	}
	if n := len(ruleTypes); n > 0 {
		o.RulesCoverage = float64(o.Shared) / float64(n)
	}
	return o
}

func renderMarkdown(s *Summary) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Mode Comparison `%s`\n\n", s.BaseRunID)

	fmt.Fprintf(&b, "## Headline metrics\n\n")
	fmt.Fprintf(&b, "| metric | history | rules |\n|---|---|---|\n")
	fmt.Fprintf(&b, "| Total return | %.4f%% | %.4f%% |\n", s.HistoryMetrics.TotalReturnPct, s.RulesMetrics.TotalReturnPct)
	fmt.Fprintf(&b, "| Max drawdown | %.4f%% | %.4f%% |\n", s.HistoryMetrics.MaxDrawdownPct, s.RulesMetrics.MaxDrawdownPct)
	fmt.Fprintf(&b, "| Sharpe | %.4f | %.4f |\n", s.HistoryMetrics.Sharpe, s.RulesMetrics.Sharpe)
	fmt.Fprintf(&b, "| Trades | %d | %d |\n", s.HistoryMetrics.TradeCount, s.RulesMetrics.TradeCount)
	fmt.Fprintf(&b, "| Signals | %d | %d |\n", s.HistoryMetrics.SignalCount, s.RulesMetrics.SignalCount)

	writeDeltas := func(title string, deltas []KeyDelta) {
		if len(deltas) == 0 {
			return
		}
		fmt.Fprintf(&b, "\n## %s\n\n| key | history | rules | delta |\n|---|---|---|---|\n", title)
		for _, d := range deltas {
			fmt.Fprintf(&b, "| %s | %d | %d | %+d |\n", d.Key, d.History, d.Rules, d.Delta)
		}
	}
	writeDeltas("Signal type deltas", s.SignalTypeDeltas)
	writeDeltas("Timeframe deltas", s.TimeframeDeltas)
	writeDeltas("Direction deltas", s.DirectionDeltas)

	if len(s.MissingHistoryRulesTop) > 0 {
		fmt.Fprintf(&b, "\n## Missing history rules\n\n| rule | history count | block reason |\n|---|---|---|\n")
		for _, m := range s.MissingHistoryRulesTop {
			fmt.Fprintf(&b, "| %s | %d | %s |\n", m.Rule, m.HistoryCount, m.PrimaryBlockReason)
		}
	}
	if len(s.NewRuleTypesTop) > 0 {
		fmt.Fprintf(&b, "\n## New rule types\n\n| rule | count |\n|---|---|\n")
		for _, n := range s.NewRuleTypesTop {
			fmt.Fprintf(&b, "| %s | %d |\n", n.Key, n.Rules)
		}
	}

	o := s.RuleOverlap
	fmt.Fprintf(&b, "\n## Rule overlap\n\n")
	fmt.Fprintf(&b, "Jaccard %.4f, shared %d, history-only %d, rules-only %d\n",
		o.Jaccard, o.Shared, o.HistoryOnly, o.RulesOnly)
	return b.String()
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
