// Package backtest provides the deterministic next-bar-open simulation core:
// score aggregation, position execution and performance metrics.
package backtest

import (
	"fmt"
	"sort"
	"time"
)

// Direction is the side of a signal event.
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// Bar is one OHLCV sample at a fixed cadence.
type Bar struct {
	Symbol    string    `json:"symbol"`
	Ts        time.Time `json:"ts"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Validate enforces the OHLCV invariants at ingress.
func (b Bar) Validate() error {
	lo, hi := b.Open, b.Open
	if b.Close < lo {
		lo = b.Close
	}
	if b.Close > hi {
		hi = b.Close
	}
	if b.Low > lo || b.High < hi {
		return fmt.Errorf("bar %s@%s: low/high do not bound open/close", b.Symbol, b.Ts)
	}
	if b.Open <= 0 || b.High <= 0 || b.Low <= 0 || b.Close <= 0 {
		return fmt.Errorf("bar %s@%s: non-positive price", b.Symbol, b.Ts)
	}
	if b.Volume < 0 {
		return fmt.Errorf("bar %s@%s: negative volume", b.Symbol, b.Ts)
	}
	return nil
}

// SignalEvent is one atomic directional intent.
type SignalEvent struct {
	EventID    int64     `json:"event_id"`
	Ts         time.Time `json:"ts"`
	Symbol     string    `json:"symbol"`
	Direction  Direction `json:"direction"`
	Strength   int       `json:"strength"` // 1..100
	SignalType string    `json:"signal_type"`
	Timeframe  string    `json:"timeframe"`
	Source     string    `json:"source"`
	Price      float64   `json:"price,omitempty"` // 0 when unknown
}

// SortSignals orders events by (ts, symbol, event_id), the canonical order
// every source must emit and the aggregator assumes.
func SortSignals(events []SignalEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.Ts.Equal(b.Ts) {
			return a.Ts.Before(b.Ts)
		}
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		return a.EventID < b.EventID
	})
}

// Side of an open position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Position is one open per-symbol position. At most one exists per symbol.
type Position struct {
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Qty        float64   `json:"qty"`
	EntryTs    time.Time `json:"entry_ts"`
	EntryPrice float64   `json:"entry_price"`
	EntryFee   float64   `json:"entry_fee"`
	EntryScore int       `json:"entry_score"`
}

// UnrealizedPnL marks the position to the given price.
func (p *Position) UnrealizedPnL(mark float64) float64 {
	if p.Side == SideLong {
		return (mark - p.EntryPrice) * p.Qty
	}
	return (p.EntryPrice - mark) * p.Qty
}

// CloseReason explains why a trade was closed.
type CloseReason string

const (
	ReasonReverseToShort CloseReason = "reverse_to_short"
	ReasonReverseToLong  CloseReason = "reverse_to_long"
	ReasonExitOnOpposite CloseReason = "exit_on_opposite"
	ReasonNeutralClose   CloseReason = "neutral_close"
	ReasonEODClose       CloseReason = "eod_close"
)

// Trade is an immutable closed position.
type Trade struct {
	Symbol     string      `json:"symbol"`
	Side       Side        `json:"side"`
	EntryTs    time.Time   `json:"entry_ts"`
	ExitTs     time.Time   `json:"exit_ts"`
	EntryPrice float64     `json:"entry_price"`
	ExitPrice  float64     `json:"exit_price"`
	Qty        float64     `json:"qty"`
	EntryFee   float64     `json:"entry_fee"`
	ExitFee    float64     `json:"exit_fee"`
	PnLGross   float64     `json:"pnl_gross"`
	PnLNet     float64     `json:"pnl_net"`
	EntryScore int         `json:"entry_score"`
	ExitScore  int         `json:"exit_score"`
	Reason     CloseReason `json:"reason"`
}

// HoldingMinutes is the trade's holding period in minutes.
func (t Trade) HoldingMinutes() float64 {
	return t.ExitTs.Sub(t.EntryTs).Minutes()
}

// EquityPoint is one mark-to-market snapshot of the portfolio.
type EquityPoint struct {
	Ts     time.Time `json:"ts"`
	Equity float64   `json:"equity"`
}
