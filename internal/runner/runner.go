package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quantrails/signalbench/internal/artifacts"
	"github.com/quantrails/signalbench/internal/config"
	"github.com/quantrails/signalbench/internal/cooldown"
	"github.com/quantrails/signalbench/internal/obs"
	"github.com/quantrails/signalbench/internal/providers"
	"github.com/quantrails/signalbench/internal/rules"
	"github.com/quantrails/signalbench/internal/signal"
	"github.com/quantrails/signalbench/internal/timeutil"
	"github.com/quantrails/signalbench/pkg/backtest"
)

// Runner stages, written to run_state.json as they are entered.
const (
	StageLoadingSignals         = "loading_signals"
	StageLoadingIndicatorTables = "loading_indicator_tables"
	StageLoadingCandles         = "loading_candles"
	StageReplayingSignals       = "replaying_signals"
	StageExecuting              = "executing"
	StageWriting                = "writing"
	StageRetention              = "retention"
	StageDone                   = "done"
)

// Options are per-invocation switches.
type Options struct {
	// Force runs past a failed precheck.
	Force bool
	// CheckOnly stops after the precheck and reports coverage.
	CheckOnly bool
}

// Runner orchestrates one backtest over explicit collaborators. It is
// single-threaded; parallelism lives inside the candle loader.
type Runner struct {
	Cfg        *config.Config
	Candles    *providers.CandleLoader
	Signals    signal.SignalStore
	Indicators signal.IndicatorStore
	Rules      []*rules.Rule
	Ledger     *cooldown.Ledger
	Sink       *artifacts.Sink
	State      *artifacts.StateWriter
	Clock      func() time.Time
}

// Result is everything a finished run produced.
type Result struct {
	RunID  string
	Mode   string
	RunDir string

	Coverage    Coverage
	Events      []backtest.SignalEvent
	Exec        *backtest.ExecResult
	Metrics     *backtest.Metrics
	Diagnostics *signal.Diagnostics
}

func (r *Runner) now() time.Time {
	if r.Clock != nil {
		return r.Clock().UTC()
	}
	return time.Now().UTC()
}

// NewRunID builds a fresh run identifier.
func NewRunID(now time.Time) string {
	return "bt-" + now.Format("20060102-150405") + "-" + uuid.NewString()[:8]
}

// Run executes one backtest end to end. Any stage error is recorded in the
// run state (best effort) and returned wrapped in RunAborted.
func (r *Runner) Run(ctx context.Context, opts Options) (*Result, error) {
	bt := &r.Cfg.Backtest

	runID := bt.RunID
	if runID == "" {
		runID = NewRunID(r.now())
	}
	res := &Result{RunID: runID, Mode: bt.Mode, RunDir: r.Sink.RunDir(bt.Session, runID)}

	state := &artifacts.RunState{
		Status:    "running",
		RunID:     runID,
		Mode:      bt.Mode,
		StartedAt: timeutil.FormatTimestamp(r.now()),
	}

	start, end, err := timeutil.ResolveWindow(bt.Start, bt.End)
	if err != nil {
		return nil, r.fail(state, "init", &config.ConfigError{Field: "backtest.start", Reason: err.Error()})
	}
	tfMinutes := timeutil.MustTimeframeMinutes(bt.Timeframe)

	// Load inputs in mode order.
	var (
		events []backtest.SignalEvent
		bars   map[string][]backtest.Bar
	)
	switch bt.Mode {
	case config.ModeHistorySignal:
		r.transition(state, StageLoadingSignals)
		src := &signal.HistorySource{
			Store: r.Signals, Symbols: bt.Symbols,
			Start: start, End: end, Timeframe: bt.Timeframe,
		}
		if events, err = src.Load(ctx); err != nil {
			return nil, r.fail(state, StageLoadingSignals, err)
		}

		r.transition(state, StageLoadingCandles)
		if bars, err = r.Candles.Load(ctx, bt.Symbols, start, end, bt.Timeframe); err != nil {
			return nil, r.fail(state, StageLoadingCandles, err)
		}

	case config.ModeOfflineReplay:
		r.transition(state, StageLoadingCandles)
		if bars, err = r.Candles.Load(ctx, bt.Symbols, start, end, bt.Timeframe); err != nil {
			return nil, r.fail(state, StageLoadingCandles, err)
		}

		r.transition(state, StageReplayingSignals)
		src := &signal.SyntheticSource{
			Bars: bars,
			Cfg: signal.SyntheticConfig{
				Timeframe:        bt.Timeframe,
				MinSignalGapBars: bt.MinSignalGapBars,
			},
		}
		if events, err = src.Load(ctx); err != nil {
			return nil, r.fail(state, StageReplayingSignals, err)
		}

	case config.ModeOfflineRuleReplay:
		r.transition(state, StageLoadingIndicatorTables)
		src := &signal.RuleReplaySource{
			Store: r.Indicators, Rules: r.Rules, Ledger: r.Ledger,
			Symbols: bt.Symbols, Start: start, End: end,
			Preferred: bt.Timeframe,
		}
		if events, err = src.Load(ctx); err != nil {
			return nil, r.fail(state, StageLoadingIndicatorTables, err)
		}
		res.Diagnostics = src.Diagnostics()

		r.transition(state, StageLoadingCandles)
		if bars, err = r.Candles.Load(ctx, bt.Symbols, start, end, bt.Timeframe); err != nil {
			return nil, r.fail(state, StageLoadingCandles, err)
		}

	default:
		return nil, r.fail(state, "init", &config.ConfigError{Field: "backtest.mode", Reason: fmt.Sprintf("runner cannot execute mode %q", bt.Mode)})
	}
	res.Events = events

	// Precheck before any execution.
	res.Coverage = AnalyzeCoverage(events, bars, start, end, tfMinutes)
	if err := r.precheck(res.Coverage, bt.Mode, opts); err != nil {
		return res, r.fail(state, state.Stage, err)
	}
	if opts.CheckOnly {
		state.Status = "done"
		state.Stage = StageDone
		state.Message = "check-only: precheck passed"
		state.FinishedAt = timeutil.FormatTimestamp(r.now())
		r.writeState(state)
		return res, nil
	}

	r.transition(state, StageExecuting)
	scores := backtest.AggregateScores(events, bt.Timeframe)
	exec, err := backtest.Execute(r.execConfig(), bars, scores)
	if err != nil {
		return res, r.fail(state, StageExecuting, err)
	}
	res.Exec = exec

	m := backtest.CalculateMetrics(exec, bars, events)
	m.RunID = runID
	m.Mode = bt.Mode
	m.Start = start
	m.End = end
	res.Metrics = m

	r.transition(state, StageWriting)
	if err := r.writeArtifacts(res); err != nil {
		return res, r.fail(state, StageWriting, err)
	}

	r.transition(state, StageRetention)
	if err := r.Sink.UpdateLatest(res.RunDir); err != nil {
		return res, r.fail(state, StageRetention, err)
	}
	if err := r.Sink.ApplyRetention(r.Cfg.Retention.KeepRuns); err != nil {
		return res, r.fail(state, StageRetention, err)
	}

	state.Status = "done"
	state.Stage = StageDone
	state.LatestRunID = runID
	state.FinishedAt = timeutil.FormatTimestamp(r.now())
	r.writeState(state)
	obs.RunsCompleted.WithLabelValues("done").Inc()

	log.Info().
		Str("run_id", runID).
		Str("mode", bt.Mode).
		Int("trades", m.TradeCount).
		Float64("total_return_pct", m.TotalReturnPct).
		Msg("Backtest run complete")
	return res, nil
}

func (r *Runner) precheck(cov Coverage, mode string, opts Options) error {
	var err error
	if mode == config.ModeHistorySignal {
		err = cov.CheckSignals(r.Cfg.Precheck)
	}
	if err == nil {
		err = cov.CheckCandles(r.Cfg.Precheck)
	}
	if err != nil && opts.Force && !opts.CheckOnly {
		log.Warn().Err(err).Msg("Precheck failed but run is forced")
		return nil
	}
	return err
}

func (r *Runner) execConfig() backtest.ExecConfig {
	bt := &r.Cfg.Backtest
	return backtest.ExecConfig{
		InitialEquity:         bt.InitialEquity,
		PositionSizePct:       bt.PositionSizePct,
		Leverage:              bt.Leverage,
		FeeRate:               bt.FeeRate(),
		Slippage:              bt.SlippageRate(),
		LongOpenThreshold:     bt.LongThreshold,
		ShortOpenThreshold:    bt.ShortThreshold,
		CloseThreshold:        bt.CloseThreshold,
		AllowLong:             bt.AllowLong,
		AllowShort:            bt.AllowShort,
		MinHoldMinutes:        bt.MinHoldMinutes,
		NeutralConfirmMinutes: bt.NeutralConfirmMinutes,
	}
}

// writeArtifacts persists the standard artifact set for one run.
func (r *Runner) writeArtifacts(res *Result) error {
	if err := r.Sink.WriteJSON(res.RunDir, "metrics.json", res.Metrics); err != nil {
		return err
	}

	curve, err := backtest.EncodeEquityCSV(res.Exec.Curve)
	if err != nil {
		return err
	}
	if err := r.Sink.WriteFile(res.RunDir, "equity_curve.csv", curve); err != nil {
		return err
	}

	trades, err := backtest.EncodeTradesCSV(res.Exec.Trades)
	if err != nil {
		return err
	}
	if err := r.Sink.WriteFile(res.RunDir, "trades.csv", trades); err != nil {
		return err
	}

	signals, err := backtest.EncodeSignalsCSV(res.Events)
	if err != nil {
		return err
	}
	if err := r.Sink.WriteFile(res.RunDir, "signals.csv", signals); err != nil {
		return err
	}

	report := backtest.GenerateReport(res.Metrics)
	if err := r.Sink.WriteFile(res.RunDir, "report.md", []byte(report)); err != nil {
		return err
	}

	if res.Diagnostics != nil {
		if err := r.Sink.WriteJSON(res.RunDir, "rule_replay_diagnostics.json", res.Diagnostics); err != nil {
			return err
		}
	}
	return nil
}

// transition records entering a stage. State writes during normal flow are
// best effort: a broken state file must not stop the run.
func (r *Runner) transition(state *artifacts.RunState, stage string) {
	state.Status = "running"
	state.Stage = stage
	r.writeState(state)
}

// fail records the error state (best effort, never masking err) and wraps
// the stage error.
func (r *Runner) fail(state *artifacts.RunState, stage string, err error) error {
	if ctxErr := contextCause(err); ctxErr != "" {
		state.Error = ctxErr
	} else {
		state.Error = err.Error()
	}
	state.Status = "error"
	state.Stage = stage
	state.FinishedAt = timeutil.FormatTimestamp(r.now())
	r.writeState(state)
	obs.RunsCompleted.WithLabelValues("error").Inc()
	return &RunAborted{Stage: stage, Err: err}
}

func (r *Runner) writeState(state *artifacts.RunState) {
	if r.State == nil {
		return
	}
	if err := r.State.Write(state); err != nil {
		log.Warn().Err(err).Msg("Failed to write run state")
	}
}

func contextCause(err error) string {
	if err != nil && errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	return ""
}
