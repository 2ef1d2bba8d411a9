package signal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantrails/signalbench/internal/cooldown"
	"github.com/quantrails/signalbench/internal/rules"
	"github.com/quantrails/signalbench/internal/timeutil"
	"github.com/quantrails/signalbench/pkg/backtest"
)

// RuleCounters is the per-rule evaluation pipeline breakdown. Every
// evaluated (prev, curr) pair lands in exactly one outcome bucket.
type RuleCounters struct {
	Evaluated         int64 `json:"evaluated"`
	TimeframeFiltered int64 `json:"timeframe_filtered"`
	VolumeFiltered    int64 `json:"volume_filtered"`
	ConditionFailed   int64 `json:"condition_failed"`
	CooldownBlocked   int64 `json:"cooldown_blocked"`
	Triggered         int64 `json:"triggered"`
}

// TimeframeProfile records which timeframes a rule wanted, which the data
// offered, and their intersection.
type TimeframeProfile struct {
	Configured []string `json:"configured"`
	Observed   []string `json:"observed"`
	Overlap    []string `json:"overlap"`
}

// RuleDiagnostic is one rule's replay outcome.
type RuleDiagnostic struct {
	Counters   RuleCounters     `json:"counters"`
	Timeframes TimeframeProfile `json:"timeframes"`
}

// Diagnostics is the rule_replay_diagnostics.json payload.
type Diagnostics struct {
	GeneratedAt string                     `json:"generated_at"`
	Preferred   string                     `json:"preferred_timeframe"`
	Rules       map[string]*RuleDiagnostic `json:"rules"`
}

// RuleReplaySource evaluates a rule set over indicator tables and emits the
// triggered signals, honoring per-key cooldowns through the ledger.
type RuleReplaySource struct {
	Store   IndicatorStore
	Rules   []*rules.Rule
	Ledger  *cooldown.Ledger
	Symbols []string
	Start   time.Time
	End     time.Time

	// Preferred is the caller's base timeframe. When minute-first, it
	// replaces a rule's canonical default timeframe set so minute-cadence
	// indicator tables still evaluate.
	Preferred string

	diags *Diagnostics
}

// Diagnostics returns the replay breakdown collected by the last Load call.
func (s *RuleReplaySource) Diagnostics() *Diagnostics {
	return s.diags
}

// Load groups enabled rules by table, streams each table's rows in
// (symbol, timeframe, ts, rowid) order, and evaluates every rule on
// consecutive pairs within a (symbol, timeframe) group.
func (s *RuleReplaySource) Load(ctx context.Context) ([]backtest.SignalEvent, error) {
	byTable := rules.GroupByTable(s.Rules)

	tables := make([]string, 0, len(byTable))
	for t := range byTable {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	s.diags = &Diagnostics{
		GeneratedAt: timeutil.FormatTimestamp(time.Now().UTC()),
		Preferred:   s.Preferred,
		Rules:       make(map[string]*RuleDiagnostic),
	}

	var events []backtest.SignalEvent
	for _, table := range tables {
		tableRules := byTable[table]
		rows, err := s.Store.LoadRows(ctx, table, s.Symbols, s.Start, s.End)
		if err != nil {
			return nil, fmt.Errorf("failed to load indicator table %s: %w", table, err)
		}
		sort.SliceStable(rows, func(i, j int) bool { return rules.RowSortKey(rows[i], rows[j]) })

		observed := observedTimeframes(rows)
		for _, r := range tableRules {
			s.diags.Rules[r.Name] = &RuleDiagnostic{
				Timeframes: s.profileFor(r, observed),
			}
		}

		evs, err := s.replayTable(ctx, tableRules, rows)
		if err != nil {
			return nil, err
		}
		events = append(events, evs...)
	}

	log.Info().
		Int("tables", len(tables)).
		Int("events", len(events)).
		Msg("Rule replay finished")
	return finalize(events, SourceRuleReplay), nil
}

// replayTable walks one sorted row slice, evaluating every rule on each
// consecutive pair within the same (symbol, timeframe) group.
func (s *RuleReplaySource) replayTable(ctx context.Context, tableRules []*rules.Rule, rows []*rules.Row) ([]backtest.SignalEvent, error) {
	var events []backtest.SignalEvent

	for i, curr := range rows {
		var prev *rules.Row
		if i > 0 && rows[i-1].Symbol == curr.Symbol && rows[i-1].Timeframe == curr.Timeframe {
			prev = rows[i-1]
		}
		if prev == nil {
			continue
		}

		for _, r := range tableRules {
			c := &s.diags.Rules[r.Name].Counters
			c.Evaluated++

			if !s.timeframeAllowed(r, curr.Timeframe) {
				c.TimeframeFiltered++
				continue
			}
			if r.MinVolume > 0 && curr.Has("volume") && curr.Num("volume") < r.MinVolume {
				c.VolumeFiltered++
				continue
			}
			if !r.CheckCondition(prev, curr) {
				c.ConditionFailed++
				continue
			}

			key := cooldown.Key{Rule: r.Name, Symbol: curr.Symbol, Timeframe: curr.Timeframe}
			if !s.Ledger.Allow(key, curr.Ts, r.CooldownSec) {
				c.CooldownBlocked++
				continue
			}
			if err := s.Ledger.Commit(ctx, key, curr.Ts); err != nil {
				var pe *cooldown.PersistError
				if errors.As(err, &pe) {
					log.Warn().Err(err).Str("rule", r.Name).Msg("Signal suppressed by cooldown persist failure")
					continue
				}
				return nil, err
			}
			c.Triggered++

			if r.Direction != rules.DirectionBuy && r.Direction != rules.DirectionSell {
				continue
			}
			events = append(events, backtest.SignalEvent{
				Ts:         curr.Ts,
				Symbol:     curr.Symbol,
				Direction:  backtest.Direction(r.Direction),
				Strength:   r.Strength,
				SignalType: r.Name,
				Timeframe:  curr.Timeframe,
				Source:     SourceRuleReplay,
				Price:      rowClose(curr),
			})
		}
	}
	return events, nil
}

// timeframeAllowed applies the substitution rule: a rule carrying exactly
// the canonical default set accepts the caller's preferred minute-first
// timeframe instead.
func (s *RuleReplaySource) timeframeAllowed(r *rules.Rule, rowTf string) bool {
	if r.HasDefaultTimeframes() && timeutil.IsMinuteFirst(s.Preferred) {
		return rowTf == s.Preferred
	}
	return r.AllowsTimeframe(rowTf)
}

// profileFor builds the (configured, observed, overlap) diagnostic for one
// rule, with substitution applied to the configured set.
func (s *RuleReplaySource) profileFor(r *rules.Rule, observed []string) TimeframeProfile {
	configured := append([]string(nil), r.Timeframes...)
	if r.HasDefaultTimeframes() && timeutil.IsMinuteFirst(s.Preferred) {
		configured = []string{s.Preferred}
	}
	sort.Strings(configured)

	inConf := make(map[string]bool, len(configured))
	for _, tf := range configured {
		inConf[tf] = true
	}
	var overlap []string
	for _, tf := range observed {
		if inConf[tf] {
			overlap = append(overlap, tf)
		}
	}
	return TimeframeProfile{Configured: configured, Observed: observed, Overlap: overlap}
}

func observedTimeframes(rows []*rules.Row) []string {
	seen := make(map[string]bool)
	for _, r := range rows {
		seen[r.Timeframe] = true
	}
	out := make([]string, 0, len(seen))
	for tf := range seen {
		out = append(out, tf)
	}
	sort.Strings(out)
	return out
}

func rowClose(r *rules.Row) float64 {
	if !r.Has("close") {
		return 0
	}
	v := r.Num("close")
	if v != v { // NaN
		return 0
	}
	return v
}
