package runner

import (
	"time"

	"github.com/quantrails/signalbench/internal/config"
	"github.com/quantrails/signalbench/pkg/backtest"
)

// Coverage summarizes how much input a window actually has.
type Coverage struct {
	SignalDays        int     `json:"signal_days"`
	SignalCount       int     `json:"signal_count"`
	CandleCoveragePct float64 `json:"candle_coverage_pct"`
}

// AnalyzeCoverage measures the signal stream and bar density of a window.
// Candle coverage is actual bars over expected bars, averaged over the
// symbols that have any bars at all.
func AnalyzeCoverage(events []backtest.SignalEvent, bars map[string][]backtest.Bar, start, end time.Time, tfMinutes int) Coverage {
	days := make(map[string]bool)
	for _, ev := range events {
		days[ev.Ts.UTC().Format("2006-01-02")] = true
	}

	cov := Coverage{
		SignalDays:  len(days),
		SignalCount: len(events),
	}

	if tfMinutes <= 0 {
		tfMinutes = 1
	}
	expectedPerSymbol := end.Sub(start).Minutes() / float64(tfMinutes)
	if expectedPerSymbol > 0 && len(bars) > 0 {
		var total float64
		for _, series := range bars {
			pct := float64(len(series)) / expectedPerSymbol * 100
			if pct > 100 {
				pct = 100
			}
			total += pct
		}
		cov.CandleCoveragePct = total / float64(len(bars))
	}
	return cov
}

// CheckSignals gates a history run on signal density.
func (c Coverage) CheckSignals(p config.PrecheckConfig) error {
	if p.MinSignalCount > 0 && c.SignalCount < p.MinSignalCount {
		return &PrecheckError{
			Reason:      "signal count below threshold",
			SignalDays:  c.SignalDays,
			SignalCount: c.SignalCount,
			CoveragePct: c.CandleCoveragePct,
		}
	}
	if p.MinSignalDays > 0 && c.SignalDays < p.MinSignalDays {
		return &PrecheckError{
			Reason:      "signal history spans too few days",
			SignalDays:  c.SignalDays,
			SignalCount: c.SignalCount,
			CoveragePct: c.CandleCoveragePct,
		}
	}
	return nil
}

// CheckCandles gates any run on bar density.
func (c Coverage) CheckCandles(p config.PrecheckConfig) error {
	if p.MinCandleCoveragePct > 0 && c.CandleCoveragePct < p.MinCandleCoveragePct {
		return &PrecheckError{
			Reason:      "candle coverage below threshold",
			SignalDays:  c.SignalDays,
			SignalCount: c.SignalCount,
			CoveragePct: c.CandleCoveragePct,
		}
	}
	return nil
}
