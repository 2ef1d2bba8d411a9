// Backtest Runner CLI
// Replays historical or rule-generated signals through the execution
// simulator and writes the run artifact set.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/quantrails/signalbench/internal/artifacts"
	"github.com/quantrails/signalbench/internal/compare"
	"github.com/quantrails/signalbench/internal/config"
	"github.com/quantrails/signalbench/internal/cooldown"
	"github.com/quantrails/signalbench/internal/providers"
	"github.com/quantrails/signalbench/internal/rules"
	"github.com/quantrails/signalbench/internal/runner"
	"github.com/quantrails/signalbench/internal/store"
	"github.com/quantrails/signalbench/internal/walkforward"
)

// Exit codes. A failed precheck is distinguishable so schedulers can treat
// "not enough data" differently from a real failure.
const (
	exitOK       = 0
	exitError    = 1
	exitPrecheck = 2
)

var (
	configPath = flag.String("config", "", "Path to config file (default: configs/config.yaml)")

	// Window and mode
	startFlag   = flag.String("start", "", "Window start (YYYY-MM-DD or 'YYYY-MM-DD HH:MM:SS')")
	endFlag     = flag.String("end", "", "Window end (YYYY-MM-DD or 'YYYY-MM-DD HH:MM:SS')")
	symbolsFlag = flag.String("symbols", "", "Comma-separated symbols (overrides config)")
	modeFlag    = flag.String("mode", "", "Run mode (history_signal, offline_replay, offline_rule_replay, compare_history_rule)")
	runIDFlag   = flag.String("run-id", "", "Explicit run id (default: generated)")

	// Costs and sizing
	feeBps          = flag.Float64("fee-bps", 0, "Taker fee in basis points")
	slippageBps     = flag.Float64("slippage-bps", 0, "Slippage in basis points")
	initialEquity   = flag.Float64("initial-equity", 0, "Starting cash")
	leverage        = flag.Float64("leverage", 0, "Notional leverage")
	positionSizePct = flag.Float64("position-size-pct", 0, "Fraction of cash per position (0, 1]")

	// Entry and exit policy
	longThreshold  = flag.Int("long-threshold", 0, "Score needed to open a long")
	shortThreshold = flag.Int("short-threshold", 0, "Score needed to open a short")
	closeThreshold = flag.Int("close-threshold", -1, "Score band treated as neutral")
	allowLong      = flag.Bool("allow-long", false, "Enable long entries")
	noAllowLong    = flag.Bool("no-allow-long", false, "Disable long entries")
	allowShort     = flag.Bool("allow-short", false, "Enable short entries")
	noAllowShort   = flag.Bool("no-allow-short", false, "Disable short entries")
	minHoldMinutes = flag.Int("min-hold-minutes", -1, "Minimum holding time before a close")
	neutralConfirm = flag.Int("neutral-confirm-minutes", -1, "Neutral minutes required before closing")

	// Walk-forward
	walkForwardFlag = flag.Bool("walk-forward", false, "Run the walk-forward fold sequence")
	wfMaxFolds      = flag.Int("walk-forward-max-folds", 0, "Cap on walk-forward folds (0 = unlimited)")
	wfAutoFallback  = flag.Bool("walk-forward-auto-fallback", false, "Fall back to offline replay on sparse folds")
	noWFFallback    = flag.Bool("no-walk-forward-auto-fallback", false, "Disable walk-forward auto-fallback")

	// Precheck
	minSignalDays     = flag.Int("min-signal-days", -1, "Minimum distinct signal days")
	minSignalCount    = flag.Int("min-signal-count", -1, "Minimum signal count")
	minCandleCoverage = flag.Float64("min-candle-coverage-pct", -1, "Minimum candle coverage percent")

	force     = flag.Bool("force", false, "Run even if the precheck fails")
	checkOnly = flag.Bool("check-only", false, "Stop after the precheck and report coverage")
)

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}

	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	logger := config.NewLogger("backtest-cli")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Monitoring.EnableMetrics {
		go serveMetrics(cfg.Monitoring.PrometheusPort)
	}

	if err := dispatch(ctx, cfg); err != nil {
		var pre *runner.PrecheckError
		if errors.As(err, &pre) {
			logger.Error().
				Int("signal_days", pre.SignalDays).
				Int("signal_count", pre.SignalCount).
				Float64("coverage_pct", pre.CoveragePct).
				Msg("Precheck failed; re-run with --force to override")
			return exitPrecheck
		}
		logger.Error().Err(err).Msg("Backtest failed")
		return exitError
	}
	return exitOK
}

// dispatch wires the stores and hands off to the walk-forward driver, the
// mode comparator, or a single runner.
func dispatch(ctx context.Context, cfg *config.Config) error {
	pool, err := pgxpool.New(ctx, cfg.Database.GetDSN())
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()
	pg := store.NewPostgresWithPool(pool)

	ledger, closeLedger, err := buildLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLedger()

	ruleSet, err := loadRules(cfg)
	if err != nil {
		return err
	}

	sink := artifacts.NewSink(cfg.Backtest.ArtifactRoot)
	guards := providers.NewGuardSet(guardConfig(&cfg.Providers))

	newRunner := func(c *config.Config) *runner.Runner {
		return &runner.Runner{
			Cfg:        c,
			Candles:    providers.NewCandleLoader(pg, guards.For("postgres"), c.Providers.Parallel),
			Signals:    pg,
			Indicators: pg,
			Rules:      ruleSet,
			Ledger:     ledger,
			Sink:       sink,
			State:      artifacts.NewStateWriter(sink.StatePath()),
		}
	}

	switch {
	case cfg.WalkForward.Enabled:
		d := &walkforward.Driver{Base: cfg, NewRunner: newRunner, Signals: pg, Sink: sink}
		_, err := d.Run(ctx)
		return err

	case cfg.Backtest.Mode == config.ModeCompare:
		c := &compare.Comparator{Base: cfg, NewRunner: newRunner, Sink: sink}
		_, err := c.Run(ctx)
		return err

	default:
		_, err := newRunner(cfg).Run(ctx, runner.Options{Force: *force, CheckOnly: *checkOnly})
		return err
	}
}

// buildLedger returns the cooldown ledger, Redis-backed when the run replays
// rules, in-memory otherwise.
func buildLedger(ctx context.Context, cfg *config.Config) (*cooldown.Ledger, func(), error) {
	mode := cfg.Backtest.Mode
	if mode != config.ModeOfflineRuleReplay && mode != config.ModeCompare {
		ledger := cooldown.NewLedger(cooldown.NewMemoryStore())
		if err := ledger.Hydrate(ctx); err != nil {
			return nil, nil, err
		}
		return ledger, func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.GetRedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ledger := cooldown.NewLedger(cooldown.NewRedisStore(client))
	if err := ledger.Hydrate(ctx); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to hydrate cooldown ledger: %w", err)
	}
	return ledger, func() { client.Close() }, nil
}

func loadRules(cfg *config.Config) ([]*rules.Rule, error) {
	mode := cfg.Backtest.Mode
	if mode != config.ModeOfflineRuleReplay && mode != config.ModeCompare {
		return nil, nil
	}
	ruleSet, err := rules.Load(cfg.Rules.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules from %s: %w", cfg.Rules.Path, err)
	}
	return ruleSet, nil
}

func guardConfig(p *config.ProvidersConfig) providers.GuardConfig {
	return providers.GuardConfig{
		RatePerSec:    p.RatePerSec,
		Burst:         p.Burst,
		TimeoutBudget: p.TimeoutBudget(),
		MaxAttempts:   p.MaxAttempts,
		BackoffBase:   time.Duration(p.BackoffBaseMS) * time.Millisecond,
		BackoffMax:    time.Duration(p.BackoffMaxMS) * time.Millisecond,
	}
}

func serveMetrics(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	log.Info().Str("addr", addr).Msg("Serving Prometheus metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warn().Err(err).Msg("Metrics server stopped")
	}
}

// applyFlags overlays explicitly set CLI flags onto the loaded config. Only
// flags the user actually passed take effect.
func applyFlags(cfg *config.Config) {
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	bt := &cfg.Backtest
	if set["start"] {
		bt.Start = *startFlag
	}
	if set["end"] {
		bt.End = *endFlag
	}
	if set["symbols"] {
		bt.Symbols = splitSymbols(*symbolsFlag)
	}
	if set["mode"] {
		bt.Mode = *modeFlag
	}
	if set["run-id"] {
		bt.RunID = *runIDFlag
	}

	if set["fee-bps"] {
		bt.FeeBps = *feeBps
	}
	if set["slippage-bps"] {
		bt.SlippageBps = *slippageBps
	}
	if set["initial-equity"] {
		bt.InitialEquity = *initialEquity
	}
	if set["leverage"] {
		bt.Leverage = *leverage
	}
	if set["position-size-pct"] {
		bt.PositionSizePct = *positionSizePct
	}

	if set["long-threshold"] {
		bt.LongThreshold = *longThreshold
	}
	if set["short-threshold"] {
		bt.ShortThreshold = *shortThreshold
	}
	if set["close-threshold"] {
		bt.CloseThreshold = *closeThreshold
	}
	if set["min-hold-minutes"] {
		bt.MinHoldMinutes = *minHoldMinutes
	}
	if set["neutral-confirm-minutes"] {
		bt.NeutralConfirmMinutes = *neutralConfirm
	}

	// The no- variants win when both are passed.
	if set["allow-long"] {
		bt.AllowLong = *allowLong
	}
	if set["no-allow-long"] && *noAllowLong {
		bt.AllowLong = false
	}
	if set["allow-short"] {
		bt.AllowShort = *allowShort
	}
	if set["no-allow-short"] && *noAllowShort {
		bt.AllowShort = false
	}

	if set["walk-forward"] {
		cfg.WalkForward.Enabled = *walkForwardFlag
	}
	if set["walk-forward-max-folds"] {
		cfg.WalkForward.MaxFolds = *wfMaxFolds
	}
	if set["walk-forward-auto-fallback"] {
		cfg.WalkForward.AutoFallback = *wfAutoFallback
	}
	if set["no-walk-forward-auto-fallback"] && *noWFFallback {
		cfg.WalkForward.AutoFallback = false
	}

	if set["min-signal-days"] {
		cfg.Precheck.MinSignalDays = *minSignalDays
	}
	if set["min-signal-count"] {
		cfg.Precheck.MinSignalCount = *minSignalCount
	}
	if set["min-candle-coverage-pct"] {
		cfg.Precheck.MinCandleCoveragePct = *minCandleCoverage
	}
}

func splitSymbols(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
