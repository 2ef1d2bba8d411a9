// Performance metrics for one backtest run.
package backtest

import (
	"math"
	"sort"
	"time"
)

const minutesPerYear = 365 * 24 * 60

// SymbolContribution is one symbol's share of the run outcome.
type SymbolContribution struct {
	Symbol            string  `json:"symbol"`
	PnLNet            float64 `json:"pnl_net"`
	TradeCount        int     `json:"trade_count"`
	WinRatePct        float64 `json:"win_rate_pct"`
	AvgHoldingMinutes float64 `json:"avg_holding_minutes"`
}

// ProfileCount is one (key, count) pair of the signal profile, sorted by
// (-count, key).
type ProfileCount struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// SignalProfile summarizes the signal stream that drove a run.
type SignalProfile struct {
	BySignalType []ProfileCount `json:"by_signal_type"`
	ByDirection  []ProfileCount `json:"by_direction"`
	ByTimeframe  []ProfileCount `json:"by_timeframe"`
}

// Metrics is the metrics.json payload for one run.
type Metrics struct {
	RunID string `json:"run_id,omitempty"`
	Mode  string `json:"mode,omitempty"`

	InitialEquity float64 `json:"initial_equity"`
	FinalEquity   float64 `json:"final_equity"`

	TotalReturnPct    float64 `json:"total_return_pct"`
	MaxDrawdownPct    float64 `json:"max_drawdown_pct"`
	Sharpe            float64 `json:"sharpe"`
	WinRatePct        float64 `json:"win_rate_pct"`
	ProfitFactor      float64 `json:"profit_factor"`
	AvgHoldingMinutes float64 `json:"avg_holding_minutes"`

	BuyHoldReturnPct float64 `json:"buy_hold_return_pct"`
	ExcessReturnPct  float64 `json:"excess_return_pct"`

	TradeCount  int `json:"trade_count"`
	SignalCount int `json:"signal_count"`

	PerSymbol     []SymbolContribution `json:"per_symbol"`
	SignalProfile SignalProfile        `json:"signal_profile"`

	Start time.Time `json:"start,omitempty"`
	End   time.Time `json:"end,omitempty"`
}

// CalculateMetrics derives the full metrics payload from a run's outputs.
// bars feed the buy-hold baseline; events feed the signal profile.
func CalculateMetrics(result *ExecResult, bars map[string][]Bar, events []SignalEvent) *Metrics {
	m := &Metrics{
		InitialEquity: result.InitialEquity,
		FinalEquity:   result.FinalEquity,
		TradeCount:    len(result.Trades),
		SignalCount:   len(events),
	}

	if result.InitialEquity > 0 {
		m.TotalReturnPct = (result.FinalEquity/result.InitialEquity - 1) * 100
	}
	m.MaxDrawdownPct = maxDrawdownPct(result.Curve)
	m.Sharpe = annualizedSharpe(result.Curve)

	wins := 0
	var sumGain, sumLoss, holdSum float64
	for _, t := range result.Trades {
		if t.PnLNet > 0 {
			wins++
			sumGain += t.PnLNet
		} else {
			sumLoss += -t.PnLNet
		}
		holdSum += t.HoldingMinutes()
	}
	if len(result.Trades) > 0 {
		m.WinRatePct = float64(wins) / float64(len(result.Trades)) * 100
		m.AvgHoldingMinutes = holdSum / float64(len(result.Trades))
	}
	switch {
	case sumLoss > 0:
		m.ProfitFactor = sumGain / sumLoss
	case sumGain > 0:
		m.ProfitFactor = 999
	}

	m.BuyHoldReturnPct = buyHoldReturnPct(bars)
	m.ExcessReturnPct = m.TotalReturnPct - m.BuyHoldReturnPct

	m.PerSymbol = symbolContributions(result.Trades)
	m.SignalProfile = profileSignals(events)

	return m
}

// maxDrawdownPct is the largest peak-to-trough equity loss in percent.
func maxDrawdownPct(curve []EquityPoint) float64 {
	var peak, maxDD float64
	for _, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
		}
		if peak > 0 {
			dd := (peak - p.Equity) / peak
			if dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD * 100
}

// annualizedSharpe computes the Sharpe ratio over the curve's minute
// returns, annualized by sqrt(minutes per year). Zero when the curve is
// too short or flat.
func annualizedSharpe(curve []EquityPoint) float64 {
	if len(curve) < 3 {
		return 0
	}

	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev <= 0 {
			continue
		}
		returns = append(returns, curve[i].Equity/prev-1)
	}
	if len(returns) < 2 {
		return 0
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns))
	std := math.Sqrt(variance)
	if std <= 1e-12 {
		return 0
	}

	return mean / std * math.Sqrt(minutesPerYear)
}

// buyHoldReturnPct is the equal-weighted first-to-last close return across
// all symbols with at least two bars.
func buyHoldReturnPct(bars map[string][]Bar) float64 {
	var sum float64
	var n int
	for _, series := range bars {
		if len(series) < 2 {
			continue
		}
		first, last := series[0].Close, series[len(series)-1].Close
		if first <= 0 {
			continue
		}
		sum += (last/first - 1) * 100
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func symbolContributions(trades []Trade) []SymbolContribution {
	type acc struct {
		pnl   float64
		count int
		wins  int
		hold  float64
	}
	bySymbol := make(map[string]*acc)
	for _, t := range trades {
		a := bySymbol[t.Symbol]
		if a == nil {
			a = &acc{}
			bySymbol[t.Symbol] = a
		}
		a.pnl += t.PnLNet
		a.count++
		if t.PnLNet > 0 {
			a.wins++
		}
		a.hold += t.HoldingMinutes()
	}

	out := make([]SymbolContribution, 0, len(bySymbol))
	for symbol, a := range bySymbol {
		c := SymbolContribution{
			Symbol:     symbol,
			PnLNet:     a.pnl,
			TradeCount: a.count,
		}
		if a.count > 0 {
			c.WinRatePct = float64(a.wins) / float64(a.count) * 100
			c.AvgHoldingMinutes = a.hold / float64(a.count)
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PnLNet != out[j].PnLNet {
			return out[i].PnLNet > out[j].PnLNet
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

func profileSignals(events []SignalEvent) SignalProfile {
	byType := make(map[string]int)
	byDirection := make(map[string]int)
	byTimeframe := make(map[string]int)
	for _, ev := range events {
		byType[ev.SignalType]++
		byDirection[string(ev.Direction)]++
		byTimeframe[ev.Timeframe]++
	}
	return SignalProfile{
		BySignalType: sortedCounts(byType),
		ByDirection:  sortedCounts(byDirection),
		ByTimeframe:  sortedCounts(byTimeframe),
	}
}

func sortedCounts(counts map[string]int) []ProfileCount {
	out := make([]ProfileCount, 0, len(counts))
	for k, c := range counts {
		out = append(out, ProfileCount{Key: k, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	return out
}
