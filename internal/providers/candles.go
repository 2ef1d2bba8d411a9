package providers

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/quantrails/signalbench/internal/timeutil"
	"github.com/quantrails/signalbench/pkg/backtest"
)

// CandleStore loads bars per symbol; the Postgres store satisfies it.
type CandleStore interface {
	LoadBars(ctx context.Context, symbols []string, start, end time.Time, timeframe string) (map[string][]backtest.Bar, error)
}

// CandleLoader fans per-symbol bar loads out over a bounded worker group,
// with every fetch passing through the provider guard.
type CandleLoader struct {
	Store    CandleStore
	Guard    *Guard
	Parallel int
}

// NewCandleLoader builds a loader with the given fan-out width.
func NewCandleLoader(store CandleStore, guard *Guard, parallel int) *CandleLoader {
	if parallel < 1 {
		parallel = 1
	}
	return &CandleLoader{Store: store, Guard: guard, Parallel: parallel}
}

// Load fetches bars for all symbols in [start, end). Results are validated
// and sorted per symbol; a symbol with zero bars is simply absent. Bars not
// sitting on a timeframe boundary are rejected.
func (l *CandleLoader) Load(ctx context.Context, symbols []string, start, end time.Time, timeframe string) (map[string][]backtest.Bar, error) {
	out := make(map[string][]backtest.Bar, len(symbols))
	var mu sync.Mutex

	step := time.Duration(timeutil.MustTimeframeMinutes(timeframe)) * time.Minute

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.Parallel)

	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			var bars map[string][]backtest.Bar
			err := l.Guard.Do(gctx, "load_bars", func(ctx context.Context) error {
				var err error
				bars, err = l.Store.LoadBars(ctx, []string{symbol}, start, end, timeframe)
				return err
			})
			if err != nil {
				return fmt.Errorf("failed to load bars for %s: %w", symbol, err)
			}

			series := bars[symbol]
			if len(series) == 0 {
				return nil
			}
			for _, b := range series {
				if err := b.Validate(); err != nil {
					return fmt.Errorf("invalid bar for %s: %w", symbol, err)
				}
				if !b.Ts.Truncate(step).Equal(b.Ts) {
					return fmt.Errorf("misaligned bar for %s: %s is not on a %s boundary",
						symbol, timeutil.FormatTimestamp(b.Ts), timeframe)
				}
			}
			sort.Slice(series, func(i, j int) bool { return series[i].Ts.Before(series[j].Ts) })

			mu.Lock()
			out[symbol] = series
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var total int
	for _, s := range out {
		total += len(s)
	}
	log.Debug().
		Int("symbols", len(out)).
		Int("bars", total).
		Str("timeframe", timeframe).
		Msg("Candle fan-out load complete")
	return out, nil
}
