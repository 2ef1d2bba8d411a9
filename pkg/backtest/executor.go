package backtest

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// ExecConfig holds the execution parameters for one simulator run.
type ExecConfig struct {
	InitialEquity         float64
	PositionSizePct       float64 // fraction of cash committed per entry
	Leverage              float64
	FeeRate               float64 // e.g. 0.0004 for 4 bps
	Slippage              float64 // e.g. 0.0003 for 3 bps
	LongOpenThreshold     int
	ShortOpenThreshold    int
	CloseThreshold        int
	AllowLong             bool
	AllowShort            bool
	MinHoldMinutes        int
	NeutralConfirmMinutes int
}

// Validate rejects configurations that cannot produce a meaningful run.
func (c ExecConfig) Validate() error {
	if c.InitialEquity <= 0 {
		return fmt.Errorf("initial equity must be positive")
	}
	if c.PositionSizePct <= 0 || c.PositionSizePct > 1 {
		return fmt.Errorf("position size pct %v outside (0,1]", c.PositionSizePct)
	}
	if c.Leverage <= 0 {
		return fmt.Errorf("leverage must be positive")
	}
	if c.FeeRate < 0 || c.Slippage < 0 {
		return fmt.Errorf("fee rate and slippage must be non-negative")
	}
	if c.LongOpenThreshold <= 0 || c.ShortOpenThreshold <= 0 {
		return fmt.Errorf("open thresholds must be positive")
	}
	if c.CloseThreshold < 0 {
		return fmt.Errorf("close threshold must be non-negative")
	}
	return nil
}

// ExecResult is the output of one simulator run.
type ExecResult struct {
	InitialEquity float64
	FinalEquity   float64
	Trades        []Trade
	Curve         []EquityPoint
}

type execState struct {
	cfg ExecConfig

	cash          float64
	positions     map[string]*Position
	lastClose     map[string]float64
	neutralStreak map[string]int
	trades        []Trade
	curve         []EquityPoint
}

// Execute runs the event-driven next-bar-open simulation over the given
// bars and aggregated scores. Bars need not arrive sorted; the simulation
// itself is fully deterministic for identical inputs.
func Execute(cfg ExecConfig, bars map[string][]Bar, scores ScoreMap) (*ExecResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid execution config: %w", err)
	}

	// Sort per-symbol series and index bars by timestamp.
	symbols := make([]string, 0, len(bars))
	index := make(map[string]map[time.Time]int, len(bars))
	tsSet := make(map[time.Time]struct{})
	for symbol, series := range bars {
		sort.Slice(series, func(i, j int) bool { return series[i].Ts.Before(series[j].Ts) })
		bars[symbol] = series
		symbols = append(symbols, symbol)
		idx := make(map[time.Time]int, len(series))
		for i, b := range series {
			idx[b.Ts.UTC()] = i
			tsSet[b.Ts.UTC()] = struct{}{}
		}
		index[symbol] = idx
	}
	sort.Strings(symbols)

	timeline := make([]time.Time, 0, len(tsSet))
	for ts := range tsSet {
		timeline = append(timeline, ts)
	}
	sort.Slice(timeline, func(i, j int) bool { return timeline[i].Before(timeline[j]) })

	s := &execState{
		cfg:           cfg,
		cash:          cfg.InitialEquity,
		positions:     make(map[string]*Position),
		lastClose:     make(map[string]float64),
		neutralStreak: make(map[string]int),
	}

	for _, ts := range timeline {
		for _, symbol := range symbols {
			i, ok := index[symbol][ts]
			if !ok {
				continue
			}
			series := bars[symbol]
			bar := series[i]
			s.lastClose[symbol] = bar.Close

			var nextBar *Bar
			if i+1 < len(series) {
				nextBar = &series[i+1]
			}

			score, hasScore := scores.Score(symbol, ts)
			s.step(symbol, ts, nextBar, score, hasScore)
		}
		s.recordEquity(ts)
	}

	// Force-close whatever is still open at each symbol's last close.
	for _, symbol := range symbols {
		pos := s.positions[symbol]
		if pos == nil {
			continue
		}
		series := bars[symbol]
		last := series[len(series)-1]
		score, _ := scores.Score(symbol, last.Ts)
		s.closePosition(pos, last.Close, last.Ts, score, ReasonEODClose)
	}
	if len(timeline) > 0 {
		s.recordEquity(timeline[len(timeline)-1])
	}

	curve := canonicalizeCurve(s.curve)
	final := cfg.InitialEquity
	if len(curve) > 0 {
		final = curve[len(curve)-1].Equity
	}

	log.Info().
		Int("bars_symbols", len(bars)).
		Int("timeline", len(timeline)).
		Int("trades", len(s.trades)).
		Float64("final_equity", final).
		Msg("Execution complete")

	return &ExecResult{
		InitialEquity: cfg.InitialEquity,
		FinalEquity:   final,
		Trades:        s.trades,
		Curve:         curve,
	}, nil
}

// step applies the per-(ts, symbol) decision logic.
func (s *execState) step(symbol string, ts time.Time, nextBar *Bar, score int, hasScore bool) {
	cfg := s.cfg
	pos := s.positions[symbol]

	if pos == nil {
		if !hasScore || nextBar == nil {
			return
		}
		switch {
		case cfg.AllowLong && score >= cfg.LongOpenThreshold:
			s.openPosition(symbol, SideLong, nextBar, score)
		case cfg.AllowShort && score <= -cfg.ShortOpenThreshold:
			s.openPosition(symbol, SideShort, nextBar, score)
		}
		return
	}

	if !hasScore {
		return // silence is not neutrality
	}

	oppositeStrong := (pos.Side == SideLong && score <= -cfg.ShortOpenThreshold) ||
		(pos.Side == SideShort && score >= cfg.LongOpenThreshold)

	if oppositeStrong {
		if nextBar == nil {
			return // no fill available; eod close will catch it
		}
		reverseSide := SideShort
		reason := ReasonExitOnOpposite
		allowed := cfg.AllowShort
		if pos.Side == SideShort {
			reverseSide = SideLong
			allowed = cfg.AllowLong
		}
		if allowed {
			if reverseSide == SideShort {
				reason = ReasonReverseToShort
			} else {
				reason = ReasonReverseToLong
			}
		}
		s.closePosition(pos, nextBar.Open, nextBar.Ts, score, reason)
		if allowed {
			s.openPosition(symbol, reverseSide, nextBar, score)
		}
		return
	}

	if abs(score) < cfg.CloseThreshold {
		s.neutralStreak[symbol]++
		held := ts.Sub(pos.EntryTs).Minutes()
		if s.neutralStreak[symbol] >= cfg.NeutralConfirmMinutes && held >= float64(cfg.MinHoldMinutes) {
			if nextBar != nil {
				s.closePosition(pos, nextBar.Open, nextBar.Ts, score, ReasonNeutralClose)
			}
		}
		return
	}

	s.neutralStreak[symbol] = 0
}

// openPosition fills at the next bar's open with slippage applied against
// the taker, and deducts the entry fee from cash.
func (s *execState) openPosition(symbol string, side Side, fill *Bar, score int) {
	cfg := s.cfg

	notional := s.cash * cfg.PositionSizePct * cfg.Leverage
	if notional <= 0 {
		return
	}

	entry := fill.Open * (1 + cfg.Slippage)
	if side == SideShort {
		entry = fill.Open * (1 - cfg.Slippage)
	}
	qty := notional / entry
	fee := notional * cfg.FeeRate

	s.cash -= fee
	s.positions[symbol] = &Position{
		Symbol:     symbol,
		Side:       side,
		Qty:        qty,
		EntryTs:    fill.Ts.UTC(),
		EntryPrice: entry,
		EntryFee:   fee,
		EntryScore: score,
	}
	s.neutralStreak[symbol] = 0

	log.Debug().
		Str("symbol", symbol).
		Str("side", string(side)).
		Float64("entry", entry).
		Float64("qty", qty).
		Int("score", score).
		Msg("Opened position")
}

// closePosition fills at the given raw price adjusted for the closing side,
// realizes pnl into cash and records the trade.
func (s *execState) closePosition(pos *Position, rawPrice float64, exitTs time.Time, score int, reason CloseReason) {
	cfg := s.cfg

	exit := rawPrice * (1 - cfg.Slippage) // closing a long sells
	if pos.Side == SideShort {
		exit = rawPrice * (1 + cfg.Slippage)
	}

	pnlGross := pos.UnrealizedPnL(exit)
	exitFee := pos.Qty * exit * cfg.FeeRate

	s.cash += pnlGross
	s.cash -= exitFee

	trade := Trade{
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		EntryTs:    pos.EntryTs,
		ExitTs:     exitTs.UTC(),
		EntryPrice: pos.EntryPrice,
		ExitPrice:  exit,
		Qty:        pos.Qty,
		EntryFee:   pos.EntryFee,
		ExitFee:    exitFee,
		PnLGross:   pnlGross,
		PnLNet:     pnlGross - pos.EntryFee - exitFee,
		EntryScore: pos.EntryScore,
		ExitScore:  score,
		Reason:     reason,
	}
	s.trades = append(s.trades, trade)
	delete(s.positions, pos.Symbol)
	s.neutralStreak[pos.Symbol] = 0

	log.Debug().
		Str("symbol", trade.Symbol).
		Str("side", string(trade.Side)).
		Str("reason", string(reason)).
		Float64("pnl_net", trade.PnLNet).
		Msg("Closed position")
}

// recordEquity appends a mark-to-market snapshot at ts.
func (s *execState) recordEquity(ts time.Time) {
	equity := s.cash
	for symbol, pos := range s.positions {
		if mark, ok := s.lastClose[symbol]; ok {
			equity += pos.UnrealizedPnL(mark)
		}
	}
	s.curve = append(s.curve, EquityPoint{Ts: ts.UTC(), Equity: equity})
}

// canonicalizeCurve deduplicates (last write wins) and sorts the curve so
// timestamps are strictly increasing.
func canonicalizeCurve(curve []EquityPoint) []EquityPoint {
	byTs := make(map[time.Time]float64, len(curve))
	for _, p := range curve {
		byTs[p.Ts] = p.Equity
	}
	out := make([]EquityPoint, 0, len(byTs))
	for ts, eq := range byTs {
		out = append(out, EquityPoint{Ts: ts, Equity: eq})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ts.Before(out[j].Ts) })
	return out
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
