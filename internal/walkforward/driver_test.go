package walkforward

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantrails/signalbench/internal/artifacts"
	"github.com/quantrails/signalbench/internal/config"
	"github.com/quantrails/signalbench/internal/cooldown"
	"github.com/quantrails/signalbench/internal/providers"
	"github.com/quantrails/signalbench/internal/runner"
	"github.com/quantrails/signalbench/pkg/backtest"
)

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestBuildWindows90DaySpec(t *testing.T) {
	end := base.Add(90 * 24 * time.Hour)
	windows := BuildWindows(base, end, 45, 15, 15, 0)

	require.Len(t, windows, 3)
	assert.Equal(t, 1, windows[0].Fold)
	assert.Equal(t, base.Add(45*24*time.Hour), windows[0].TestStart)
	assert.Equal(t, base.Add(60*24*time.Hour), windows[0].TestEnd)
	assert.Equal(t, base.Add(60*24*time.Hour), windows[1].TestStart)
	assert.Equal(t, base.Add(90*24*time.Hour), windows[2].TestEnd)
}

func TestBuildWindowsMaxFoldsCap(t *testing.T) {
	end := base.Add(365 * 24 * time.Hour)
	windows := BuildWindows(base, end, 45, 15, 15, 2)
	assert.Len(t, windows, 2)
}

func TestBuildWindowsTooShort(t *testing.T) {
	end := base.Add(30 * 24 * time.Hour)
	assert.Empty(t, BuildWindows(base, end, 45, 15, 15, 0))
}

type windowedSignalStore struct {
	events []backtest.SignalEvent
}

func (s *windowedSignalStore) LoadSignals(_ context.Context, _ []string, start, end time.Time, _ string) ([]backtest.SignalEvent, error) {
	var out []backtest.SignalEvent
	for _, ev := range s.events {
		if !ev.Ts.Before(start) && ev.Ts.Before(end) {
			out = append(out, ev)
		}
	}
	return out, nil
}

type hourlyCandleStore struct{}

func (hourlyCandleStore) LoadBars(_ context.Context, symbols []string, start, end time.Time, _ string) (map[string][]backtest.Bar, error) {
	out := make(map[string][]backtest.Bar)
	for _, sym := range symbols {
		var bars []backtest.Bar
		for ts := start; ts.Before(end); ts = ts.Add(time.Hour) {
			bars = append(bars, backtest.Bar{
				Symbol: sym, Ts: ts,
				Open: 100, High: 100, Low: 100, Close: 100, Volume: 1,
			})
		}
		out[sym] = bars
	}
	return out, nil
}

func wfConfig() *config.Config {
	return &config.Config{
		Backtest: config.BacktestConfig{
			Mode:                  config.ModeHistorySignal,
			Symbols:               []string{"BTCUSDT"},
			Timeframe:             "1h",
			Start:                 "2024-01-01",
			End:                   "2024-03-31",
			RunID:                 "bt-wftest",
			Session:               "20240101",
			InitialEquity:         10000,
			PositionSizePct:       0.25,
			Leverage:              1,
			LongThreshold:         100,
			ShortThreshold:        100,
			CloseThreshold:        10,
			AllowLong:             true,
			NeutralConfirmMinutes: 5,
		},
		WalkForward: config.WalkForwardConfig{
			Enabled: true, TrainDays: 45, TestDays: 15, StepDays: 15,
			AutoFallback: true,
		},
		Precheck:  config.PrecheckConfig{MinSignalCount: 10, MinSignalDays: 3},
		Retention: config.RetentionConfig{KeepRuns: 50},
	}
}

// denseEvents spreads BUY events over the first fold's test window so its
// coverage precheck passes.
func denseEvents() []backtest.SignalEvent {
	start := base.Add(45 * 24 * time.Hour)
	events := make([]backtest.SignalEvent, 0, 12)
	for i := 0; i < 12; i++ {
		events = append(events, backtest.SignalEvent{
			EventID: int64(i + 1),
			Ts:      start.Add(time.Duration(i) * 26 * time.Hour),
			Symbol:  "BTCUSDT", Direction: backtest.DirectionBuy,
			Strength: 60, SignalType: "momentum_up", Timeframe: "1h",
		})
	}
	return events
}

func TestDriverAutoFallbackOnSparseFolds(t *testing.T) {
	cfg := wfConfig()
	signals := &windowedSignalStore{events: denseEvents()}
	sink := artifacts.NewSink(t.TempDir())

	var mu sync.Mutex
	foldCfgs := make(map[string]config.BacktestConfig)

	newRunner := func(c *config.Config) *runner.Runner {
		mu.Lock()
		foldCfgs[c.Backtest.RunID] = c.Backtest
		mu.Unlock()

		guard := providers.NewGuard(c.Backtest.RunID, providers.GuardConfig{RatePerSec: 1000, Burst: 100, MaxAttempts: 1})
		ledger := cooldown.NewLedger(cooldown.NewMemoryStore())
		_ = ledger.Hydrate(context.Background())
		return &runner.Runner{
			Cfg:     c,
			Candles: providers.NewCandleLoader(hourlyCandleStore{}, guard, 2),
			Signals: signals,
			Ledger:  ledger,
			Sink:    sink,
			State:   artifacts.NewStateWriter(sink.StatePath()),
		}
	}

	d := &Driver{Base: cfg, NewRunner: newRunner, Signals: signals, Sink: sink}
	summary, err := d.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 3, summary.Folds)
	assert.Equal(t, 1, summary.HistoryFolds)
	assert.Equal(t, 2, summary.FallbackFolds)

	// Fold 1 had coverage and stayed on history.
	assert.Equal(t, config.ModeHistorySignal, summary.Records[0].Mode)
	assert.Empty(t, summary.Records[0].FallbackReason)

	// Fold 2 fell back: mode switched, reason recorded, thresholds eased.
	rec2 := summary.Records[1]
	assert.Equal(t, config.ModeOfflineReplay, rec2.Mode)
	assert.NotEmpty(t, rec2.FallbackReason)

	fold2 := foldCfgs["bt-wftest-wf02"]
	assert.Equal(t, config.ModeOfflineReplay, fold2.Mode)
	assert.Equal(t, 70, fold2.LongThreshold) // 70% of 100
	assert.Equal(t, 70, fold2.ShortThreshold)
	assert.Equal(t, 15, fold2.CloseThreshold)

	// The base config itself is untouched.
	assert.Equal(t, config.ModeHistorySignal, cfg.Backtest.Mode)
	assert.Equal(t, 100, cfg.Backtest.LongThreshold)

	// Walk-forward artifact set exists.
	runDir := sink.RunDir("20240101", "bt-wftest")
	for _, name := range []string{"walk_forward_folds.csv", "walk_forward_summary.json", "metrics.json", "equity_curve.csv"} {
		_, err := os.Stat(filepath.Join(runDir, name))
		assert.NoError(t, err, name)
	}
}

func TestSummarizeStats(t *testing.T) {
	records := []FoldRecord{
		{Fold: 1, Mode: config.ModeHistorySignal, TotalReturnPct: 4, MaxDrawdownPct: 2, ExcessPct: 1},
		{Fold: 2, Mode: config.ModeOfflineReplay, TotalReturnPct: -2, MaxDrawdownPct: 6, ExcessPct: -1, FallbackReason: "sparse"},
		{Fold: 3, Mode: config.ModeOfflineReplay, TotalReturnPct: 1, MaxDrawdownPct: 1, ExcessPct: 0},
	}
	s := summarize(records)

	assert.Equal(t, 3, s.Folds)
	assert.InDelta(t, 1.0, s.MeanReturnPct, 1e-9)
	assert.InDelta(t, 1.0, s.MedianReturnPct, 1e-9)
	assert.InDelta(t, -2.0, s.MinReturnPct, 1e-9)
	assert.InDelta(t, 4.0, s.MaxReturnPct, 1e-9)
	assert.InDelta(t, 2.0/3.0, s.PositiveFoldRate, 1e-9)
	assert.InDelta(t, 3.0, s.MeanDrawdownPct, 1e-9)
	assert.Equal(t, 1, s.HistoryFolds)
	assert.Equal(t, 2, s.ReplayFolds)
	assert.Equal(t, 1, s.FallbackFolds)
}

func TestComposeMultiplicativeCurve(t *testing.T) {
	cfg := wfConfig()
	d := &Driver{Base: cfg, Sink: artifacts.NewSink(t.TempDir())}

	s := &Summary{Records: []FoldRecord{
		{Fold: 1, Start: "2024-02-15 00:00:00", End: "2024-03-01 00:00:00", TotalReturnPct: 10},
		{Fold: 2, Start: "2024-03-01 00:00:00", End: "2024-03-16 00:00:00", TotalReturnPct: -5},
	}}
	m, curve := d.compose(s)

	assert.InDelta(t, 10000*1.10*0.95, m.FinalEquity, 1e-9)
	assert.InDelta(t, 4.5, m.TotalReturnPct, 1e-9)
	require.Len(t, curve, 3)
	assert.InDelta(t, 10000.0, curve[0].Equity, 1e-9)
	assert.InDelta(t, 11000.0, curve[1].Equity, 1e-9)
	assert.InDelta(t, 10450.0, curve[2].Equity, 1e-9)
}
