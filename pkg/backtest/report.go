// Report and CSV artifact encoding for backtest runs.
package backtest

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/quantrails/signalbench/internal/timeutil"
)

// TradesCSVHeader is the column order of trades.csv.
var TradesCSVHeader = []string{
	"symbol", "side", "entry_ts", "exit_ts", "entry_price", "exit_price",
	"qty", "entry_fee", "exit_fee", "pnl_gross", "pnl_net",
	"entry_score", "exit_score", "reason",
}

// EncodeTradesCSV renders trades.csv with canonical UTC timestamps.
func EncodeTradesCSV(trades []Trade) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(TradesCSVHeader); err != nil {
		return nil, err
	}
	for _, t := range trades {
		rec := []string{
			t.Symbol,
			string(t.Side),
			timeutil.FormatTimestamp(t.EntryTs),
			timeutil.FormatTimestamp(t.ExitTs),
			formatFloat(t.EntryPrice),
			formatFloat(t.ExitPrice),
			formatFloat(t.Qty),
			formatFloat(t.EntryFee),
			formatFloat(t.ExitFee),
			formatFloat(t.PnLGross),
			formatFloat(t.PnLNet),
			strconv.Itoa(t.EntryScore),
			strconv.Itoa(t.ExitScore),
			string(t.Reason),
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// EncodeEquityCSV renders equity_curve.csv.
func EncodeEquityCSV(curve []EquityPoint) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write([]string{"timestamp", "equity"}); err != nil {
		return nil, err
	}
	for _, p := range curve {
		if err := w.Write([]string{timeutil.FormatTimestamp(p.Ts), formatFloat(p.Equity)}); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// signalsCSVHeader is the column order of a persisted signal stream.
var signalsCSVHeader = []string{
	"event_id", "ts", "symbol", "direction", "strength",
	"signal_type", "timeframe", "source", "price",
}

// EncodeSignalsCSV renders a signal stream with canonical UTC timestamps.
// Encoding a parsed stream reproduces the input byte for byte.
func EncodeSignalsCSV(events []SignalEvent) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(signalsCSVHeader); err != nil {
		return nil, err
	}
	for _, ev := range events {
		rec := []string{
			strconv.FormatInt(ev.EventID, 10),
			timeutil.FormatTimestamp(ev.Ts),
			ev.Symbol,
			string(ev.Direction),
			strconv.Itoa(ev.Strength),
			ev.SignalType,
			ev.Timeframe,
			ev.Source,
			formatFloat(ev.Price),
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// ParseSignalsCSV is the inverse of EncodeSignalsCSV.
func ParseSignalsCSV(data []byte) ([]SignalEvent, error) {
	r := csv.NewReader(bytes.NewReader(data))

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read signals header: %w", err)
	}
	if len(header) != len(signalsCSVHeader) {
		return nil, fmt.Errorf("unexpected signals header %v", header)
	}

	var events []SignalEvent
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read signals record: %w", err)
		}

		id, err := strconv.ParseInt(rec[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad event_id %q: %w", rec[0], err)
		}
		ts, err := timeutil.ParseTimestamp(rec[1])
		if err != nil {
			return nil, fmt.Errorf("bad signal ts %q: %w", rec[1], err)
		}
		strength, err := strconv.Atoi(rec[4])
		if err != nil {
			return nil, fmt.Errorf("bad strength %q: %w", rec[4], err)
		}
		price, err := strconv.ParseFloat(rec[8], 64)
		if err != nil {
			return nil, fmt.Errorf("bad price %q: %w", rec[8], err)
		}

		events = append(events, SignalEvent{
			EventID:    id,
			Ts:         ts,
			Symbol:     rec[2],
			Direction:  Direction(rec[3]),
			Strength:   strength,
			SignalType: rec[5],
			Timeframe:  rec[6],
			Source:     rec[7],
			Price:      price,
		})
	}
	return events, nil
}

// GenerateReport renders report.md for one run.
func GenerateReport(m *Metrics) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Backtest Report\n\n")
	if m.RunID != "" {
		fmt.Fprintf(&b, "Run: `%s` (mode `%s`)\n\n", m.RunID, m.Mode)
	}
	if !m.Start.IsZero() && !m.End.IsZero() {
		fmt.Fprintf(&b, "Window: %s → %s (UTC)\n\n",
			timeutil.FormatTimestamp(m.Start), timeutil.FormatTimestamp(m.End))
	}

	fmt.Fprintf(&b, "## Performance\n\n")
	fmt.Fprintf(&b, "| metric | value |\n|---|---|\n")
	fmt.Fprintf(&b, "| Initial equity | %.2f |\n", m.InitialEquity)
	fmt.Fprintf(&b, "| Final equity | %.2f |\n", m.FinalEquity)
	fmt.Fprintf(&b, "| Total return | %.4f%% |\n", m.TotalReturnPct)
	fmt.Fprintf(&b, "| Buy-hold | %.4f%% |\n", m.BuyHoldReturnPct)
	fmt.Fprintf(&b, "| Excess return | %.4f%% |\n", m.ExcessReturnPct)
	fmt.Fprintf(&b, "| Max drawdown | %.4f%% |\n", m.MaxDrawdownPct)
	fmt.Fprintf(&b, "| Sharpe (annualized) | %.4f |\n", m.Sharpe)
	fmt.Fprintf(&b, "| Trades | %d |\n", m.TradeCount)
	fmt.Fprintf(&b, "| Win rate | %.2f%% |\n", m.WinRatePct)
	fmt.Fprintf(&b, "| Profit factor | %.4f |\n", m.ProfitFactor)
	fmt.Fprintf(&b, "| Avg holding (min) | %.2f |\n", m.AvgHoldingMinutes)
	fmt.Fprintf(&b, "| Signals | %d |\n", m.SignalCount)

	if len(m.PerSymbol) > 0 {
		fmt.Fprintf(&b, "\n## Per-symbol contribution\n\n")
		fmt.Fprintf(&b, "| symbol | pnl_net | trades | win rate | avg hold (min) |\n|---|---|---|---|---|\n")
		for _, c := range m.PerSymbol {
			fmt.Fprintf(&b, "| %s | %.4f | %d | %.2f%% | %.2f |\n",
				c.Symbol, c.PnLNet, c.TradeCount, c.WinRatePct, c.AvgHoldingMinutes)
		}
	}

	writeProfile := func(title string, counts []ProfileCount) {
		if len(counts) == 0 {
			return
		}
		fmt.Fprintf(&b, "\n## %s\n\n| key | count |\n|---|---|\n", title)
		for _, pc := range counts {
			fmt.Fprintf(&b, "| %s | %d |\n", pc.Key, pc.Count)
		}
	}
	writeProfile("Signals by type", m.SignalProfile.BySignalType)
	writeProfile("Signals by direction", m.SignalProfile.ByDirection)
	writeProfile("Signals by timeframe", m.SignalProfile.ByTimeframe)

	return b.String()
}

// formatFloat renders floats compactly and deterministically for CSV.
func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
