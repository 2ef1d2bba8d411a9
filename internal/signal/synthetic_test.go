package signal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantrails/signalbench/pkg/backtest"
)

func barSeries(sym string, closes []float64) []backtest.Bar {
	bars := make([]backtest.Bar, len(closes))
	prev := closes[0]
	for i, c := range closes {
		hi, lo := prev, prev
		if c > hi {
			hi = c
		}
		if c < lo {
			lo = c
		}
		bars[i] = backtest.Bar{
			Symbol: sym, Ts: minuteTs(i),
			Open: prev, High: hi, Low: lo, Close: c, Volume: 10,
		}
		prev = c
	}
	return bars
}

func TestSyntheticFlatMarketEmitsNothing(t *testing.T) {
	src := &SyntheticSource{
		Bars: map[string][]backtest.Bar{
			"BTCUSDT": barSeries("BTCUSDT", []float64{100, 100, 100, 100, 100}),
		},
		Cfg: SyntheticConfig{Timeframe: "1m"},
	}
	events, err := src.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestSyntheticGapAndOppositeOverride(t *testing.T) {
	// Bar 1 breaks out (BUY), bar 2 would repeat BUY inside the gap and is
	// suppressed, bar 3 crashes hard enough for the opposite override.
	src := &SyntheticSource{
		Bars: map[string][]backtest.Bar{
			"BTCUSDT": barSeries("BTCUSDT", []float64{100, 100.2, 100.4, 99.0, 99.0, 99.0}),
		},
		Cfg: SyntheticConfig{Timeframe: "1m"},
	}
	events, err := src.Load(context.Background())
	require.NoError(t, err)

	require.Len(t, events, 2)
	assert.Equal(t, backtest.DirectionBuy, events[0].Direction)
	assert.Equal(t, minuteTs(1), events[0].Ts)
	assert.Equal(t, backtest.DirectionSell, events[1].Direction)
	assert.Equal(t, minuteTs(3), events[1].Ts)
	assert.GreaterOrEqual(t, events[1].Strength, 80)

	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.EventID)
		assert.Equal(t, SourceReplay, ev.Source)
		assert.GreaterOrEqual(t, ev.Strength, 50)
		assert.LessOrEqual(t, ev.Strength, 95)
	}
}

func TestSyntheticVolumeConfirmedContinuation(t *testing.T) {
	// Price moves only 0.05% (below momentum and capped under the prior
	// high) but volume triples: the volume detector fires.
	bars := []backtest.Bar{
		{Symbol: "ETHUSDT", Ts: minuteTs(0), Open: 100, High: 100.1, Low: 100, Close: 100, Volume: 10},
		{Symbol: "ETHUSDT", Ts: minuteTs(1), Open: 100, High: 100.05, Low: 100, Close: 100.05, Volume: 30},
	}
	src := &SyntheticSource{
		Bars: map[string][]backtest.Bar{"ETHUSDT": bars},
		Cfg:  SyntheticConfig{Timeframe: "1m"},
	}
	events, err := src.Load(context.Background())
	require.NoError(t, err)

	require.Len(t, events, 1)
	assert.Equal(t, "volume_surge_up", events[0].SignalType)
	assert.Equal(t, backtest.DirectionBuy, events[0].Direction)
}

func TestSyntheticStreamOrderedAcrossSymbols(t *testing.T) {
	src := &SyntheticSource{
		Bars: map[string][]backtest.Bar{
			"ETHUSDT": barSeries("ETHUSDT", []float64{50, 50.2}),
			"BTCUSDT": barSeries("BTCUSDT", []float64{100, 100.4}),
		},
		Cfg: SyntheticConfig{Timeframe: "1m"},
	}
	events, err := src.Load(context.Background())
	require.NoError(t, err)

	require.Len(t, events, 2)
	assert.Equal(t, "BTCUSDT", events[0].Symbol)
	assert.Equal(t, "ETHUSDT", events[1].Symbol)
	assert.Less(t, events[0].EventID, events[1].EventID)
}
