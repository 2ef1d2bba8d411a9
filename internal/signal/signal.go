// Package signal implements the three signal sources feeding the backtest
// core: persisted history, deterministic synthetic replay over bars, and
// offline rule replay over indicator tables. Every source emits a stream
// sorted by (ts, symbol, event_id) with strictly increasing event ids.
package signal

import (
	"context"
	"time"

	"github.com/quantrails/signalbench/internal/obs"
	"github.com/quantrails/signalbench/internal/rules"
	"github.com/quantrails/signalbench/pkg/backtest"
)

// Source kinds, also used as SignalEvent.Source values.
const (
	SourceHistory    = "history"
	SourceReplay     = "offline_replay"
	SourceRuleReplay = "offline_rule_replay"
)

// Source produces an ordered signal stream for one backtest run.
type Source interface {
	Load(ctx context.Context) ([]backtest.SignalEvent, error)
}

// SignalStore loads persisted signal events. Implementations return events
// in any order; the history source canonicalizes.
type SignalStore interface {
	LoadSignals(ctx context.Context, symbols []string, start, end time.Time, timeframe string) ([]backtest.SignalEvent, error)
}

// IndicatorStore loads indicator-table rows for rule replay.
type IndicatorStore interface {
	LoadRows(ctx context.Context, table string, symbols []string, start, end time.Time) ([]*rules.Row, error)
}

// finalize canonicalizes a stream: sort by (ts, symbol) and assign strictly
// increasing event ids, then record the emission counter.
func finalize(events []backtest.SignalEvent, source string) []backtest.SignalEvent {
	backtest.SortSignals(events)
	for i := range events {
		events[i].EventID = int64(i + 1)
	}
	obs.SignalsEmitted.WithLabelValues(source).Add(float64(len(events)))
	return events
}

// clampStrength bounds a mapped synthetic strength to [50..95].
func clampStrength(s int) int {
	if s < 50 {
		return 50
	}
	if s > 95 {
		return 95
	}
	return s
}
