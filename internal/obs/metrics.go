// Package obs holds the process-wide Prometheus instrumentation for the
// backtest pipeline. All label sets are bounded.
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SignalsEmitted counts events emitted per source kind
	// (history, offline_replay, offline_rule_replay).
	SignalsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalbench_signals_emitted_total",
		Help: "Signal events emitted, by source",
	}, []string{"source"})

	// CooldownPersistFailures counts durable cooldown writes that failed.
	// Each failure also suppresses the would-be signal.
	CooldownPersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signalbench_cooldown_persist_failures_total",
		Help: "Cooldown ledger writes that failed and suppressed a signal",
	})

	// RuleEvalErrors counts suppressed rule evaluation errors.
	RuleEvalErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signalbench_rule_eval_errors_total",
		Help: "Rule evaluation errors that were suppressed",
	})

	// StoreRetries counts retried store operations, by operation name.
	StoreRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalbench_store_retries_total",
		Help: "Retried store operations",
	}, []string{"op"})

	// RunsCompleted counts finished backtest runs, by terminal status.
	RunsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalbench_runs_completed_total",
		Help: "Backtest runs reaching a terminal state",
	}, []string{"status"})
)
