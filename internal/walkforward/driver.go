package walkforward

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantrails/signalbench/internal/artifacts"
	"github.com/quantrails/signalbench/internal/config"
	"github.com/quantrails/signalbench/internal/runner"
	"github.com/quantrails/signalbench/internal/signal"
	"github.com/quantrails/signalbench/internal/timeutil"
	"github.com/quantrails/signalbench/pkg/backtest"
)

// Fallback adjustments applied when a history fold lacks coverage.
const (
	fallbackThresholdScale = 0.70
	fallbackThresholdFloor = 70
	fallbackCloseMin       = 15
)

// FoldRecord is one row of walk_forward_folds.csv.
type FoldRecord struct {
	Fold           int     `json:"fold"`
	Mode           string  `json:"mode"`
	Start          string  `json:"start"`
	End            string  `json:"end"`
	TotalReturnPct float64 `json:"total_return_pct"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	Sharpe         float64 `json:"sharpe"`
	Trades         int     `json:"trades"`
	WinRatePct     float64 `json:"win_rate_pct"`
	ExcessPct      float64 `json:"excess_return_pct"`
	SignalCount    int     `json:"signal_count"`
	SignalDays     int     `json:"signal_days"`
	FallbackReason string  `json:"fallback_reason,omitempty"`
}

// Summary is the walk_forward_summary.json payload.
type Summary struct {
	Folds            int     `json:"folds"`
	MeanReturnPct    float64 `json:"mean_return_pct"`
	MedianReturnPct  float64 `json:"median_return_pct"`
	MinReturnPct     float64 `json:"min_return_pct"`
	MaxReturnPct     float64 `json:"max_return_pct"`
	PositiveFoldRate float64 `json:"positive_fold_rate"`
	MeanDrawdownPct  float64 `json:"mean_drawdown_pct"`
	MeanExcessPct    float64 `json:"mean_excess_pct"`
	HistoryFolds     int     `json:"history_folds"`
	ReplayFolds      int     `json:"replay_folds"`
	FallbackFolds    int     `json:"fallback_folds"`

	Records []FoldRecord `json:"records"`
}

// Driver runs the fold sequence. Folds run sequentially so the result is
// deterministic.
type Driver struct {
	Base *config.Config
	// NewRunner builds a runner for one fold's cloned config.
	NewRunner func(cfg *config.Config) *runner.Runner
	// Signals feeds the coverage precheck for auto-fallback; nil disables
	// fallback probing.
	Signals signal.SignalStore
	Sink    *artifacts.Sink
	Clock   func() time.Time
}

func (d *Driver) now() time.Time {
	if d.Clock != nil {
		return d.Clock().UTC()
	}
	return time.Now().UTC()
}

// Run executes every fold and writes the walk-forward artifact set under
// the base run's directory.
func (d *Driver) Run(ctx context.Context) (*Summary, error) {
	wf := &d.Base.WalkForward
	bt := &d.Base.Backtest

	start, end, err := timeutil.ResolveWindow(bt.Start, bt.End)
	if err != nil {
		return nil, &config.ConfigError{Field: "backtest.start", Reason: err.Error()}
	}

	windows := BuildWindows(start, end, wf.TrainDays, wf.TestDays, wf.StepDays, wf.MaxFolds)
	if len(windows) == 0 {
		return nil, &config.ConfigError{Field: "walk_forward", Reason: "window produces no folds"}
	}

	baseRunID := bt.RunID
	if baseRunID == "" {
		baseRunID = runner.NewRunID(d.now())
	}

	var records []FoldRecord
	for _, w := range windows {
		record, err := d.runFold(ctx, w, baseRunID)
		if err != nil {
			return nil, fmt.Errorf("fold %d failed: %w", w.Fold, err)
		}
		records = append(records, *record)
	}

	summary := summarize(records)
	if err := d.writeArtifacts(baseRunID, summary); err != nil {
		return nil, err
	}

	log.Info().
		Int("folds", summary.Folds).
		Float64("mean_return_pct", summary.MeanReturnPct).
		Int("fallbacks", summary.FallbackFolds).
		Msg("Walk-forward complete")
	return summary, nil
}

// runFold clones the base config for one test window, applies auto-fallback
// if the history coverage is too thin, and runs the fold.
func (d *Driver) runFold(ctx context.Context, w Window, baseRunID string) (*FoldRecord, error) {
	cfg := *d.Base
	cfg.Backtest.Start = timeutil.FormatTimestamp(w.TestStart)
	cfg.Backtest.End = timeutil.FormatTimestamp(w.TestEnd)
	cfg.Backtest.RunID = fmt.Sprintf("%s-wf%02d", baseRunID, w.Fold)
	cfg.WalkForward.Enabled = false

	var fallbackReason string
	if cfg.Backtest.Mode == config.ModeHistorySignal && d.Base.WalkForward.AutoFallback && d.Signals != nil {
		reason, err := d.probeCoverage(ctx, &cfg, w)
		if err != nil {
			return nil, err
		}
		if reason != "" {
			fallbackReason = reason
			applyFallback(&cfg.Backtest)
			log.Warn().
				Int("fold", w.Fold).
				Str("reason", reason).
				Msg("Fold switched to offline replay")
		}
	}

	res, err := d.NewRunner(&cfg).Run(ctx, runner.Options{})
	if err != nil {
		return nil, err
	}

	return &FoldRecord{
		Fold:           w.Fold,
		Mode:           cfg.Backtest.Mode,
		Start:          cfg.Backtest.Start,
		End:            cfg.Backtest.End,
		TotalReturnPct: res.Metrics.TotalReturnPct,
		MaxDrawdownPct: res.Metrics.MaxDrawdownPct,
		Sharpe:         res.Metrics.Sharpe,
		Trades:         res.Metrics.TradeCount,
		WinRatePct:     res.Metrics.WinRatePct,
		ExcessPct:      res.Metrics.ExcessReturnPct,
		SignalCount:    res.Coverage.SignalCount,
		SignalDays:     res.Coverage.SignalDays,
		FallbackReason: fallbackReason,
	}, nil
}

// probeCoverage checks the fold's history signal density; a non-empty
// return is the fallback reason.
func (d *Driver) probeCoverage(ctx context.Context, cfg *config.Config, w Window) (string, error) {
	events, err := d.Signals.LoadSignals(ctx, cfg.Backtest.Symbols, w.TestStart, w.TestEnd, cfg.Backtest.Timeframe)
	if err != nil {
		return "", fmt.Errorf("coverage probe failed: %w", err)
	}

	cov := runner.AnalyzeCoverage(events, nil, w.TestStart, w.TestEnd, 1)
	if err := cov.CheckSignals(d.Base.Precheck); err != nil {
		return err.Error(), nil
	}
	return "", nil
}

// applyFallback switches a fold to synthetic replay and loosens thresholds:
// open thresholds scale to 70% with a floor of 70, the close threshold
// widens to at least 15.
func applyFallback(bt *config.BacktestConfig) {
	bt.Mode = config.ModeOfflineReplay

	scale := func(v int) int {
		scaled := int(math.Round(float64(v) * fallbackThresholdScale))
		if scaled < fallbackThresholdFloor {
			scaled = fallbackThresholdFloor
		}
		return scaled
	}
	bt.LongThreshold = scale(bt.LongThreshold)
	bt.ShortThreshold = scale(bt.ShortThreshold)
	if bt.CloseThreshold < fallbackCloseMin {
		bt.CloseThreshold = fallbackCloseMin
	}
}

func summarize(records []FoldRecord) *Summary {
	s := &Summary{Folds: len(records), Records: records}
	if len(records) == 0 {
		return s
	}

	returns := make([]float64, 0, len(records))
	var positive int
	for _, r := range records {
		returns = append(returns, r.TotalReturnPct)
		s.MeanReturnPct += r.TotalReturnPct
		s.MeanDrawdownPct += r.MaxDrawdownPct
		s.MeanExcessPct += r.ExcessPct
		if r.TotalReturnPct > 0 {
			positive++
		}
		switch {
		case r.FallbackReason != "":
			s.FallbackFolds++
			s.ReplayFolds++
		case r.Mode == config.ModeHistorySignal:
			s.HistoryFolds++
		default:
			s.ReplayFolds++
		}
	}

	n := float64(len(records))
	s.MeanReturnPct /= n
	s.MeanDrawdownPct /= n
	s.MeanExcessPct /= n
	s.PositiveFoldRate = float64(positive) / n

	sort.Float64s(returns)
	s.MinReturnPct = returns[0]
	s.MaxReturnPct = returns[len(returns)-1]
	mid := len(returns) / 2
	if len(returns)%2 == 1 {
		s.MedianReturnPct = returns[mid]
	} else {
		s.MedianReturnPct = (returns[mid-1] + returns[mid]) / 2
	}
	return s
}

// writeArtifacts persists the fold table, the summary, and a synthetic
// combined metrics/curve composing fold returns multiplicatively.
func (d *Driver) writeArtifacts(baseRunID string, s *Summary) error {
	runDir := d.Sink.RunDir(d.Base.Backtest.Session, baseRunID)

	folds, err := encodeFoldsCSV(s.Records)
	if err != nil {
		return err
	}
	if err := d.Sink.WriteFile(runDir, "walk_forward_folds.csv", folds); err != nil {
		return err
	}
	if err := d.Sink.WriteJSON(runDir, "walk_forward_summary.json", s); err != nil {
		return err
	}

	metrics, curve := d.compose(s)
	if err := d.Sink.WriteJSON(runDir, "metrics.json", metrics); err != nil {
		return err
	}
	curveCSV, err := backtest.EncodeEquityCSV(curve)
	if err != nil {
		return err
	}
	if err := d.Sink.WriteFile(runDir, "equity_curve.csv", curveCSV); err != nil {
		return err
	}
	return d.Sink.UpdateLatest(runDir)
}

// compose builds the combined view: fold returns chained multiplicatively
// from the configured initial equity.
func (d *Driver) compose(s *Summary) (*backtest.Metrics, []backtest.EquityPoint) {
	initial := d.Base.Backtest.InitialEquity
	equity := initial

	curve := make([]backtest.EquityPoint, 0, len(s.Records)+1)
	var trades int
	for _, r := range s.Records {
		startTs, err := timeutil.ParseTimestamp(r.Start)
		if err == nil && len(curve) == 0 {
			curve = append(curve, backtest.EquityPoint{Ts: startTs, Equity: equity})
		}
		equity *= 1 + r.TotalReturnPct/100
		trades += r.Trades
		if endTs, err := timeutil.ParseTimestamp(r.End); err == nil {
			curve = append(curve, backtest.EquityPoint{Ts: endTs, Equity: equity})
		}
	}

	m := &backtest.Metrics{
		RunID:          d.Base.Backtest.RunID,
		Mode:           "walk_forward",
		InitialEquity:  initial,
		FinalEquity:    equity,
		MaxDrawdownPct: s.MeanDrawdownPct,
		TradeCount:     trades,
	}
	if initial > 0 {
		m.TotalReturnPct = (equity/initial - 1) * 100
	}
	return m, curve
}

var foldsCSVHeader = []string{
	"fold", "mode", "start", "end", "total_return_pct", "max_drawdown_pct",
	"sharpe", "trades", "win_rate_pct", "excess_return_pct",
	"signal_count", "signal_days", "fallback_reason",
}

func encodeFoldsCSV(records []FoldRecord) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(foldsCSVHeader); err != nil {
		return nil, err
	}
	for _, r := range records {
		rec := []string{
			strconv.Itoa(r.Fold),
			r.Mode,
			r.Start,
			r.End,
			strconv.FormatFloat(r.TotalReturnPct, 'g', -1, 64),
			strconv.FormatFloat(r.MaxDrawdownPct, 'g', -1, 64),
			strconv.FormatFloat(r.Sharpe, 'g', -1, 64),
			strconv.Itoa(r.Trades),
			strconv.FormatFloat(r.WinRatePct, 'g', -1, 64),
			strconv.FormatFloat(r.ExcessPct, 'g', -1, 64),
			strconv.Itoa(r.SignalCount),
			strconv.Itoa(r.SignalDays),
			r.FallbackReason,
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}
