// Package runner orchestrates one backtest: source selection, precheck,
// execution, artifact writing and retention, with externally visible
// run-state transitions at every stage.
package runner

import "fmt"

// PrecheckError blocks a run whose input coverage is below the configured
// thresholds. It maps to exit code 2 unless forced.
type PrecheckError struct {
	Reason      string
	SignalDays  int
	SignalCount int
	CoveragePct float64
}

func (e *PrecheckError) Error() string {
	return fmt.Sprintf("precheck failed: %s (signal_days=%d signal_count=%d coverage=%.1f%%)",
		e.Reason, e.SignalDays, e.SignalCount, e.CoveragePct)
}

// RunAborted wraps any error escaping a runner stage after the error state
// was recorded.
type RunAborted struct {
	Stage string
	Err   error
}

func (e *RunAborted) Error() string {
	return fmt.Sprintf("run aborted in stage %s: %v", e.Stage, e.Err)
}

func (e *RunAborted) Unwrap() error { return e.Err }
