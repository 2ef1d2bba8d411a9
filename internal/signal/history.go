package signal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantrails/signalbench/pkg/backtest"
)

// HistorySource replays persisted signal events from a signal store.
type HistorySource struct {
	Store     SignalStore
	Symbols   []string
	Start     time.Time
	End       time.Time
	Timeframe string
}

// Load selects events in the window, keeps BUY/SELL with a usable strength,
// and stamps source="history". Events whose strength could not be coerced to
// a positive integer are dropped, not defaulted.
func (s *HistorySource) Load(ctx context.Context) ([]backtest.SignalEvent, error) {
	raw, err := s.Store.LoadSignals(ctx, s.Symbols, s.Start, s.End, s.Timeframe)
	if err != nil {
		return nil, fmt.Errorf("failed to load history signals: %w", err)
	}

	allowed := make(map[string]bool, len(s.Symbols))
	for _, sym := range s.Symbols {
		allowed[sym] = true
	}

	var dropped, offTimeframe int
	events := make([]backtest.SignalEvent, 0, len(raw))
	for _, ev := range raw {
		if len(allowed) > 0 && !allowed[ev.Symbol] {
			continue
		}
		if s.Timeframe != "" && ev.Timeframe != "" && !strings.EqualFold(ev.Timeframe, s.Timeframe) {
			offTimeframe++
			continue
		}
		if ev.Direction != backtest.DirectionBuy && ev.Direction != backtest.DirectionSell {
			dropped++
			continue
		}
		if ev.Strength < 1 || ev.Strength > 100 {
			dropped++
			continue
		}
		ev.Source = SourceHistory
		if ev.Timeframe == "" {
			ev.Timeframe = s.Timeframe
		}
		events = append(events, ev)
	}

	if dropped > 0 || offTimeframe > 0 {
		log.Debug().
			Int("dropped", dropped).
			Int("off_timeframe", offTimeframe).
			Int("kept", len(events)).
			Msg("Dropped history events with unusable direction, strength or timeframe")
	}
	return finalize(events, SourceHistory), nil
}
