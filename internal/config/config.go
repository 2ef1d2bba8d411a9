// Package config loads and validates the signalbench configuration from
// YAML and environment variables.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ConfigError is a fail-fast configuration problem found before any work.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Backtest modes.
const (
	ModeHistorySignal     = "history_signal"
	ModeOfflineReplay     = "offline_replay"
	ModeOfflineRuleReplay = "offline_rule_replay"
	ModeCompare           = "compare_history_rule"
)

// movedToKey marks a config file that redirects to another file.
const movedToKey = "_moved_to"

// maxRedirectDepth bounds _moved_to chains.
const maxRedirectDepth = 5

// Config holds all signalbench configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Backtest    BacktestConfig    `mapstructure:"backtest"`
	Rules       RulesConfig       `mapstructure:"rules"`
	WalkForward WalkForwardConfig `mapstructure:"walk_forward"`
	Precheck    PrecheckConfig    `mapstructure:"precheck"`
	Providers   ProvidersConfig   `mapstructure:"providers"`
	Retention   RetentionConfig   `mapstructure:"retention"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`
}

// DatabaseConfig contains PostgreSQL settings.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// GetDSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisConfig contains the cooldown ledger backing store settings.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// GetRedisAddr returns the Redis address.
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// BacktestConfig is the per-run simulation configuration.
type BacktestConfig struct {
	Mode      string   `mapstructure:"mode"`
	Symbols   []string `mapstructure:"symbols"`
	Timeframe string   `mapstructure:"timeframe"`
	Start     string   `mapstructure:"start"`
	End       string   `mapstructure:"end"`
	RunID     string   `mapstructure:"run_id"`
	Session   string   `mapstructure:"session"`

	ArtifactRoot string `mapstructure:"artifact_root"`

	InitialEquity   float64 `mapstructure:"initial_equity"`
	PositionSizePct float64 `mapstructure:"position_size_pct"`
	Leverage        float64 `mapstructure:"leverage"`
	FeeBps          float64 `mapstructure:"fee_bps"`
	SlippageBps     float64 `mapstructure:"slippage_bps"`

	LongThreshold  int  `mapstructure:"long_threshold"`
	ShortThreshold int  `mapstructure:"short_threshold"`
	CloseThreshold int  `mapstructure:"close_threshold"`
	AllowLong      bool `mapstructure:"allow_long"`
	AllowShort     bool `mapstructure:"allow_short"`

	MinHoldMinutes        int `mapstructure:"min_hold_minutes"`
	NeutralConfirmMinutes int `mapstructure:"neutral_confirm_minutes"`

	MinSignalGapBars int `mapstructure:"min_signal_gap_bars"`
}

// RulesConfig locates the replay rule set.
type RulesConfig struct {
	Path string `mapstructure:"path"`
}

// WalkForwardConfig drives the rolling train/test evaluation.
type WalkForwardConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	TrainDays    int  `mapstructure:"train_days"`
	TestDays     int  `mapstructure:"test_days"`
	StepDays     int  `mapstructure:"step_days"`
	MaxFolds     int  `mapstructure:"max_folds"`
	AutoFallback bool `mapstructure:"auto_fallback"`
}

// PrecheckConfig holds the coverage thresholds gating a run.
type PrecheckConfig struct {
	MinSignalDays        int     `mapstructure:"min_signal_days"`
	MinSignalCount       int     `mapstructure:"min_signal_count"`
	MinCandleCoveragePct float64 `mapstructure:"min_candle_coverage_pct"`
}

// ProvidersConfig bounds store and upstream I/O.
type ProvidersConfig struct {
	RatePerSec    float64 `mapstructure:"rate_per_s"`
	Burst         int     `mapstructure:"burst"`
	TimeoutMS     int     `mapstructure:"timeout_ms"`
	MaxAttempts   int     `mapstructure:"max_attempts"`
	BackoffBaseMS int     `mapstructure:"backoff_base_ms"`
	BackoffMaxMS  int     `mapstructure:"backoff_max_ms"`
	Parallel      int     `mapstructure:"parallel"`
}

// TimeoutBudget returns the per-request timeout as a duration.
func (c *ProvidersConfig) TimeoutBudget() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// RetentionConfig bounds how many finished runs stay on disk.
type RetentionConfig struct {
	KeepRuns int `mapstructure:"keep_runs"`
}

// MonitoringConfig contains metrics exposure settings.
type MonitoringConfig struct {
	PrometheusPort int  `mapstructure:"prometheus_port"`
	EnableMetrics  bool `mapstructure:"enable_metrics"`
}

// Load reads configuration from a file plus SIGNALBENCH_* environment
// variables. A `_moved_to: <relpath>` entry redirects to another file, up to
// five hops. Unknown keys are ignored.
func Load(configPath string) (*Config, error) {
	v, err := readConfigFile(configPath, 0)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func readConfigFile(configPath string, depth int) (*viper.Viper, error) {
	if depth > maxRedirectDepth {
		return nil, &ConfigError{Field: movedToKey, Reason: "redirect chain too deep"}
	}

	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("SIGNALBENCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No file; defaults and environment apply.
	}

	if moved := v.GetString(movedToKey); moved != "" {
		base := filepath.Dir(v.ConfigFileUsed())
		return readConfigFile(filepath.Join(base, moved), depth+1)
	}
	return v, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "signalbench")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "signalbench")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("backtest.mode", ModeHistorySignal)
	v.SetDefault("backtest.symbols", []string{"BTCUSDT", "ETHUSDT"})
	v.SetDefault("backtest.timeframe", "1m")
	v.SetDefault("backtest.session", time.Now().UTC().Format("20060102"))
	v.SetDefault("backtest.artifact_root", "artifacts/backtest")
	v.SetDefault("backtest.initial_equity", 10000.0)
	v.SetDefault("backtest.position_size_pct", 0.25)
	v.SetDefault("backtest.leverage", 1.0)
	v.SetDefault("backtest.fee_bps", 4.0)
	v.SetDefault("backtest.slippage_bps", 3.0)
	v.SetDefault("backtest.long_threshold", 70)
	v.SetDefault("backtest.short_threshold", 70)
	v.SetDefault("backtest.close_threshold", 10)
	v.SetDefault("backtest.allow_long", true)
	v.SetDefault("backtest.allow_short", false)
	v.SetDefault("backtest.min_hold_minutes", 15)
	v.SetDefault("backtest.neutral_confirm_minutes", 10)
	v.SetDefault("backtest.min_signal_gap_bars", 3)

	v.SetDefault("rules.path", "configs/rules.yaml")

	v.SetDefault("walk_forward.enabled", false)
	v.SetDefault("walk_forward.train_days", 45)
	v.SetDefault("walk_forward.test_days", 15)
	v.SetDefault("walk_forward.step_days", 15)
	v.SetDefault("walk_forward.max_folds", 0)
	v.SetDefault("walk_forward.auto_fallback", true)

	v.SetDefault("precheck.min_signal_days", 5)
	v.SetDefault("precheck.min_signal_count", 50)
	v.SetDefault("precheck.min_candle_coverage_pct", 80.0)

	v.SetDefault("providers.rate_per_s", 20.0)
	v.SetDefault("providers.burst", 10)
	v.SetDefault("providers.timeout_ms", 10000)
	v.SetDefault("providers.max_attempts", 3)
	v.SetDefault("providers.backoff_base_ms", 100)
	v.SetDefault("providers.backoff_max_ms", 2000)
	v.SetDefault("providers.parallel", 4)

	v.SetDefault("retention.keep_runs", 20)

	v.SetDefault("monitoring.prometheus_port", 9100)
	v.SetDefault("monitoring.enable_metrics", false)
}

// Validate fails fast on ranges that would corrupt a run.
func (c *Config) Validate() error {
	b := &c.Backtest

	switch b.Mode {
	case ModeHistorySignal, ModeOfflineReplay, ModeOfflineRuleReplay, ModeCompare:
	default:
		return &ConfigError{Field: "backtest.mode", Reason: fmt.Sprintf("unknown mode %q", b.Mode)}
	}
	if len(b.Symbols) == 0 {
		return &ConfigError{Field: "backtest.symbols", Reason: "at least one symbol is required"}
	}
	for _, s := range b.Symbols {
		if strings.TrimSpace(s) == "" {
			return &ConfigError{Field: "backtest.symbols", Reason: "empty symbol"}
		}
	}
	if b.InitialEquity <= 0 {
		return &ConfigError{Field: "backtest.initial_equity", Reason: "must be positive"}
	}
	if b.PositionSizePct <= 0 || b.PositionSizePct > 1 {
		return &ConfigError{Field: "backtest.position_size_pct", Reason: "must be in (0, 1]"}
	}
	if b.Leverage <= 0 {
		return &ConfigError{Field: "backtest.leverage", Reason: "must be positive"}
	}
	if b.FeeBps < 0 || b.SlippageBps < 0 {
		return &ConfigError{Field: "backtest.fee_bps", Reason: "fees and slippage cannot be negative"}
	}
	if b.LongThreshold < 1 || b.LongThreshold > 100 {
		return &ConfigError{Field: "backtest.long_threshold", Reason: "must be in [1, 100]"}
	}
	if b.ShortThreshold < 1 || b.ShortThreshold > 100 {
		return &ConfigError{Field: "backtest.short_threshold", Reason: "must be in [1, 100]"}
	}
	if b.CloseThreshold < 0 || b.CloseThreshold > 100 {
		return &ConfigError{Field: "backtest.close_threshold", Reason: "must be in [0, 100]"}
	}
	if b.MinHoldMinutes < 0 || b.NeutralConfirmMinutes < 0 {
		return &ConfigError{Field: "backtest.min_hold_minutes", Reason: "cannot be negative"}
	}
	if !b.AllowLong && !b.AllowShort {
		return &ConfigError{Field: "backtest.allow_long", Reason: "at least one side must be enabled"}
	}

	wf := &c.WalkForward
	if wf.Enabled {
		if wf.TrainDays <= 0 || wf.TestDays <= 0 || wf.StepDays <= 0 {
			return &ConfigError{Field: "walk_forward", Reason: "train_days, test_days and step_days must be positive"}
		}
		if wf.MaxFolds < 0 {
			return &ConfigError{Field: "walk_forward.max_folds", Reason: "cannot be negative"}
		}
	}

	if c.Retention.KeepRuns < 0 {
		return &ConfigError{Field: "retention.keep_runs", Reason: "cannot be negative"}
	}
	return nil
}

// FeeRate converts fee basis points to a fraction.
func (b *BacktestConfig) FeeRate() float64 { return b.FeeBps / 10000 }

// SlippageRate converts slippage basis points to a fraction.
func (b *BacktestConfig) SlippageRate() float64 { return b.SlippageBps / 10000 }
