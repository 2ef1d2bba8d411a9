package backtest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flatBars(symbol string, price float64, n int) []Bar {
	out := make([]Bar, n)
	for i := range out {
		out[i] = Bar{
			Symbol: symbol,
			Ts:     minuteTs(i),
			Open:   price, High: price, Low: price, Close: price,
			Volume: 100,
		}
	}
	return out
}

func defaultConfig() ExecConfig {
	return ExecConfig{
		InitialEquity:         10000,
		PositionSizePct:       0.25,
		Leverage:              2,
		FeeRate:               0.0004,
		Slippage:              0.0003,
		LongOpenThreshold:     70,
		ShortOpenThreshold:    70,
		CloseThreshold:        20,
		AllowLong:             true,
		AllowShort:            true,
		MinHoldMinutes:        0,
		NeutralConfirmMinutes: 3,
	}
}

func TestFlatMarketNoSignals(t *testing.T) {
	// Scenario: constant price, empty score map. The run must be a no-op.
	bars := map[string][]Bar{"BTCUSDT": flatBars("BTCUSDT", 100, 120)}

	res, err := Execute(defaultConfig(), bars, ScoreMap{})
	require.NoError(t, err)

	assert.Empty(t, res.Trades)
	assert.InDelta(t, 10000, res.FinalEquity, 1e-6)
	require.Len(t, res.Curve, 120)
	for _, p := range res.Curve {
		assert.InDelta(t, 10000, p.Equity, 1e-6)
	}
}

func TestSingleLongWinner(t *testing.T) {
	// One BUY at t=5 fills at t=6 open 100*(1+0.0003); the opposite SELL
	// at t=60 with shorts disabled closes at t=61 open 110*(1-0.0003).
	bars := make([]Bar, 71)
	for i := range bars {
		price := 100.0
		if i >= 60 {
			price = 110.0
		}
		bars[i] = Bar{Symbol: "BTCUSDT", Ts: minuteTs(i), Open: price, High: price, Low: price, Close: price, Volume: 100}
	}

	events := []SignalEvent{
		{EventID: 1, Ts: minuteTs(5), Symbol: "BTCUSDT", Direction: DirectionBuy, Strength: 80, Timeframe: "1m"},
		{EventID: 2, Ts: minuteTs(60), Symbol: "BTCUSDT", Direction: DirectionSell, Strength: 80, Timeframe: "1m"},
	}
	scores := AggregateScores(events, "1m")

	cfg := defaultConfig()
	cfg.AllowShort = false

	res, err := Execute(cfg, map[string][]Bar{"BTCUSDT": bars}, scores)
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)

	trade := res.Trades[0]
	qty := 5000.0 / 100.03

	assert.Equal(t, SideLong, trade.Side)
	assert.Equal(t, ReasonExitOnOpposite, trade.Reason)
	assert.Equal(t, minuteTs(6), trade.EntryTs)
	assert.Equal(t, minuteTs(61), trade.ExitTs)
	assert.InDelta(t, 100.03, trade.EntryPrice, 1e-9)
	assert.InDelta(t, 109.967, trade.ExitPrice, 1e-9)
	assert.InDelta(t, qty, trade.Qty, 1e-9)
	assert.InDelta(t, (109.967-100.03)*qty, trade.PnLGross, 1e-9)
	assert.InDelta(t, 5000*0.0004, trade.EntryFee, 1e-9)
	assert.InDelta(t, qty*109.967*0.0004, trade.ExitFee, 1e-9)
	assert.InDelta(t, trade.PnLGross-trade.EntryFee-trade.ExitFee, trade.PnLNet, 1e-9)
	assert.Equal(t, 80, trade.EntryScore)
	assert.Equal(t, -80, trade.ExitScore)

	wantFinal := 10000 - trade.EntryFee + trade.PnLGross - trade.ExitFee
	assert.InDelta(t, wantFinal, res.FinalEquity, 1e-6)
}

func TestReverseToShort(t *testing.T) {
	bars := map[string][]Bar{"BTCUSDT": flatBars("BTCUSDT", 100, 30)}
	events := []SignalEvent{
		{EventID: 1, Ts: minuteTs(2), Symbol: "BTCUSDT", Direction: DirectionBuy, Strength: 90, Timeframe: "1m"},
		{EventID: 2, Ts: minuteTs(10), Symbol: "BTCUSDT", Direction: DirectionSell, Strength: 90, Timeframe: "1m"},
	}
	scores := AggregateScores(events, "1m")

	res, err := Execute(defaultConfig(), map[string][]Bar{"BTCUSDT": bars["BTCUSDT"]}, scores)
	require.NoError(t, err)
	require.Len(t, res.Trades, 2)

	assert.Equal(t, ReasonReverseToShort, res.Trades[0].Reason)
	assert.Equal(t, SideLong, res.Trades[0].Side)
	// The reversal opened a short that the end of data closes.
	assert.Equal(t, SideShort, res.Trades[1].Side)
	assert.Equal(t, ReasonEODClose, res.Trades[1].Reason)
}

func TestNeutralCloseNeedsConfirmationAndMinHold(t *testing.T) {
	bars := map[string][]Bar{"BTCUSDT": flatBars("BTCUSDT", 100, 40)}
	events := []SignalEvent{
		{EventID: 1, Ts: minuteTs(1), Symbol: "BTCUSDT", Direction: DirectionBuy, Strength: 90, Timeframe: "1m"},
		// Weak scores below the close threshold, one per minute.
		{EventID: 2, Ts: minuteTs(10), Symbol: "BTCUSDT", Direction: DirectionBuy, Strength: 5, Timeframe: "1m"},
		{EventID: 3, Ts: minuteTs(11), Symbol: "BTCUSDT", Direction: DirectionBuy, Strength: 5, Timeframe: "1m"},
		{EventID: 4, Ts: minuteTs(12), Symbol: "BTCUSDT", Direction: DirectionBuy, Strength: 5, Timeframe: "1m"},
	}
	scores := AggregateScores(events, "1m")

	cfg := defaultConfig()
	cfg.NeutralConfirmMinutes = 3
	cfg.MinHoldMinutes = 5

	res, err := Execute(cfg, bars, scores)
	require.NoError(t, err)
	require.NotEmpty(t, res.Trades)

	assert.Equal(t, ReasonNeutralClose, res.Trades[0].Reason)
	// Confirmed on the third neutral bucket at t=12, filled at t=13.
	assert.Equal(t, minuteTs(13), res.Trades[0].ExitTs)
}

func TestNeutralStreakResetsOnStrongScore(t *testing.T) {
	bars := map[string][]Bar{"BTCUSDT": flatBars("BTCUSDT", 100, 40)}
	events := []SignalEvent{
		{EventID: 1, Ts: minuteTs(1), Symbol: "BTCUSDT", Direction: DirectionBuy, Strength: 90, Timeframe: "1m"},
		{EventID: 2, Ts: minuteTs(10), Symbol: "BTCUSDT", Direction: DirectionBuy, Strength: 5, Timeframe: "1m"},
		{EventID: 3, Ts: minuteTs(11), Symbol: "BTCUSDT", Direction: DirectionBuy, Strength: 5, Timeframe: "1m"},
		// Strong confirmation interrupts the streak.
		{EventID: 4, Ts: minuteTs(12), Symbol: "BTCUSDT", Direction: DirectionBuy, Strength: 60, Timeframe: "1m"},
		{EventID: 5, Ts: minuteTs(13), Symbol: "BTCUSDT", Direction: DirectionBuy, Strength: 5, Timeframe: "1m"},
		{EventID: 6, Ts: minuteTs(14), Symbol: "BTCUSDT", Direction: DirectionBuy, Strength: 5, Timeframe: "1m"},
	}
	scores := AggregateScores(events, "1m")

	cfg := defaultConfig()
	cfg.NeutralConfirmMinutes = 3
	cfg.MinHoldMinutes = 0

	res, err := Execute(cfg, bars, scores)
	require.NoError(t, err)

	// Only the forced end-of-data close: two neutral buckets before the
	// reset plus two after never reach the confirmation count.
	require.Len(t, res.Trades, 1)
	assert.Equal(t, ReasonEODClose, res.Trades[0].Reason)
}

func TestShortPositionPnL(t *testing.T) {
	bars := make([]Bar, 21)
	for i := range bars {
		price := 100.0
		if i >= 10 {
			price = 90.0
		}
		bars[i] = Bar{Symbol: "ETHUSDT", Ts: minuteTs(i), Open: price, High: price, Low: price, Close: price, Volume: 10}
	}
	events := []SignalEvent{
		{EventID: 1, Ts: minuteTs(2), Symbol: "ETHUSDT", Direction: DirectionSell, Strength: 80, Timeframe: "1m"},
	}
	scores := AggregateScores(events, "1m")

	cfg := defaultConfig()
	res, err := Execute(cfg, map[string][]Bar{"ETHUSDT": bars}, scores)
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)

	trade := res.Trades[0]
	assert.Equal(t, SideShort, trade.Side)
	assert.Equal(t, ReasonEODClose, trade.Reason)
	// Short entry sells at 100*(1-slip); price dropped so the trade wins.
	assert.InDelta(t, 100*(1-0.0003), trade.EntryPrice, 1e-9)
	assert.Greater(t, trade.PnLNet, 0.0)
}

func TestCurveStrictlyIncreasingAndDeduplicated(t *testing.T) {
	bars := map[string][]Bar{
		"BTCUSDT": flatBars("BTCUSDT", 100, 10),
		"ETHUSDT": flatBars("ETHUSDT", 50, 10),
	}

	res, err := Execute(defaultConfig(), bars, ScoreMap{})
	require.NoError(t, err)

	require.Len(t, res.Curve, 10)
	for i := 1; i < len(res.Curve); i++ {
		assert.True(t, res.Curve[i].Ts.After(res.Curve[i-1].Ts))
	}
}

func TestAtMostOnePositionPerSymbol(t *testing.T) {
	bars := map[string][]Bar{"BTCUSDT": flatBars("BTCUSDT", 100, 30)}
	// Repeated strong BUYs must not stack entries.
	events := []SignalEvent{}
	for i := 1; i < 20; i += 2 {
		events = append(events, SignalEvent{
			EventID: int64(i), Ts: minuteTs(i), Symbol: "BTCUSDT",
			Direction: DirectionBuy, Strength: 90, Timeframe: "1m",
		})
	}
	scores := AggregateScores(events, "1m")

	res, err := Execute(defaultConfig(), bars, scores)
	require.NoError(t, err)

	// One entry, one eod close.
	require.Len(t, res.Trades, 1)
	assert.Equal(t, ReasonEODClose, res.Trades[0].Reason)
}

func TestInvalidConfigRejected(t *testing.T) {
	cfg := defaultConfig()
	cfg.InitialEquity = 0
	_, err := Execute(cfg, nil, nil)
	assert.Error(t, err)

	cfg = defaultConfig()
	cfg.PositionSizePct = 1.5
	_, err = Execute(cfg, nil, nil)
	assert.Error(t, err)
}

func TestDeterminism(t *testing.T) {
	bars := func() map[string][]Bar {
		out := map[string][]Bar{}
		for _, sym := range []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"} {
			series := make([]Bar, 60)
			for i := range series {
				p := 100 + float64((i*7)%13) - float64((i*3)%5)
				series[i] = Bar{Symbol: sym, Ts: minuteTs(i), Open: p, High: p + 1, Low: p - 1, Close: p + 0.5, Volume: 10}
			}
			out[sym] = series
		}
		return out
	}

	events := []SignalEvent{
		{EventID: 1, Ts: minuteTs(3), Symbol: "BTCUSDT", Direction: DirectionBuy, Strength: 90, Timeframe: "1m"},
		{EventID: 2, Ts: minuteTs(9), Symbol: "ETHUSDT", Direction: DirectionSell, Strength: 85, Timeframe: "1m"},
		{EventID: 3, Ts: minuteTs(20), Symbol: "BTCUSDT", Direction: DirectionSell, Strength: 95, Timeframe: "1m"},
	}

	first, err := Execute(defaultConfig(), bars(), AggregateScores(events, "1m"))
	require.NoError(t, err)
	second, err := Execute(defaultConfig(), bars(), AggregateScores(events, "1m"))
	require.NoError(t, err)

	assert.Equal(t, first.Trades, second.Trades)
	assert.Equal(t, first.Curve, second.Curve)
}

func TestBarValidate(t *testing.T) {
	good := Bar{Symbol: "BTCUSDT", Ts: base, Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 1}
	require.NoError(t, good.Validate())

	bad := good
	bad.High = 99.5
	assert.Error(t, bad.Validate())

	bad = good
	bad.Low = 0
	assert.Error(t, bad.Validate())

	bad = good
	bad.Volume = -1
	assert.Error(t, bad.Validate())
}

func TestPositionUnrealizedPnL(t *testing.T) {
	long := &Position{Side: SideLong, Qty: 2, EntryPrice: 100}
	assert.InDelta(t, 20, long.UnrealizedPnL(110), 1e-9)

	short := &Position{Side: SideShort, Qty: 2, EntryPrice: 100}
	assert.InDelta(t, -20, short.UnrealizedPnL(110), 1e-9)
}
