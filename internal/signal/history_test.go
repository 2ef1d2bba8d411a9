package signal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantrails/signalbench/pkg/backtest"
)

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func minuteTs(m int) time.Time { return base.Add(time.Duration(m) * time.Minute) }

type fakeSignalStore struct {
	events []backtest.SignalEvent
	err    error
}

func (f *fakeSignalStore) LoadSignals(_ context.Context, _ []string, _, _ time.Time, _ string) ([]backtest.SignalEvent, error) {
	return f.events, f.err
}

func TestHistorySourceFiltersAndOrders(t *testing.T) {
	store := &fakeSignalStore{events: []backtest.SignalEvent{
		{Ts: minuteTs(5), Symbol: "ETHUSDT", Direction: backtest.DirectionSell, Strength: 60, Timeframe: "1m"},
		{Ts: minuteTs(1), Symbol: "BTCUSDT", Direction: backtest.DirectionBuy, Strength: 80, Timeframe: "1m"},
		{Ts: minuteTs(2), Symbol: "BTCUSDT", Direction: "ALERT", Strength: 70, Timeframe: "1m"},
		{Ts: minuteTs(3), Symbol: "BTCUSDT", Direction: backtest.DirectionBuy, Strength: 0, Timeframe: "1m"},
		{Ts: minuteTs(4), Symbol: "DOGEUSDT", Direction: backtest.DirectionBuy, Strength: 70, Timeframe: "1m"},
	}}

	src := &HistorySource{
		Store:     store,
		Symbols:   []string{"BTCUSDT", "ETHUSDT"},
		Start:     base,
		End:       base.Add(time.Hour),
		Timeframe: "1m",
	}
	events, err := src.Load(context.Background())
	require.NoError(t, err)

	// ALERT, zero-strength and off-list symbols are dropped.
	require.Len(t, events, 2)
	assert.Equal(t, "BTCUSDT", events[0].Symbol)
	assert.Equal(t, "ETHUSDT", events[1].Symbol)

	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.EventID)
		assert.Equal(t, SourceHistory, ev.Source)
	}
}

func TestHistorySourceDropsMismatchedTimeframes(t *testing.T) {
	store := &fakeSignalStore{events: []backtest.SignalEvent{
		{Ts: minuteTs(1), Symbol: "BTCUSDT", Direction: backtest.DirectionBuy, Strength: 80, Timeframe: "1m"},
		{Ts: minuteTs(2), Symbol: "BTCUSDT", Direction: backtest.DirectionBuy, Strength: 80, Timeframe: "1h"},
		{Ts: minuteTs(3), Symbol: "BTCUSDT", Direction: backtest.DirectionSell, Strength: 70},
	}}

	src := &HistorySource{
		Store:     store,
		Symbols:   []string{"BTCUSDT"},
		Start:     base,
		End:       base.Add(time.Hour),
		Timeframe: "1m",
	}
	events, err := src.Load(context.Background())
	require.NoError(t, err)

	// The 1h event is filtered; the blank timeframe inherits the configured one.
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.Equal(t, "1m", ev.Timeframe)
	}
	assert.Equal(t, minuteTs(1), events[0].Ts)
	assert.Equal(t, minuteTs(3), events[1].Ts)
}

func TestHistorySourcePropagatesStoreErrors(t *testing.T) {
	src := &HistorySource{Store: &fakeSignalStore{err: assert.AnError}}
	_, err := src.Load(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
}
