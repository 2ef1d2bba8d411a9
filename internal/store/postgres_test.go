package store

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestLoadBarsGroupsBySymbol(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rows := pgxmock.NewRows([]string{"symbol", "open_time", "open", "high", "low", "close", "volume"}).
		AddRow("BTCUSDT", base, 100.0, 101.0, 99.0, 100.5, 12.0).
		AddRow("BTCUSDT", base.Add(time.Minute), 100.5, 102.0, 100.0, 101.5, 9.0).
		AddRow("ETHUSDT", base, 50.0, 50.5, 49.5, 50.2, 30.0)

	symbols := []string{"BTCUSDT", "ETHUSDT"}
	end := base.Add(time.Hour)
	mock.ExpectQuery("SELECT symbol, open_time, open, high, low, close, volume").
		WithArgs(symbols, "1m", base, end).
		WillReturnRows(rows)

	s := NewPostgres(mock)
	bars, err := s.LoadBars(context.Background(), symbols, base, end, "1m")
	require.NoError(t, err)

	require.Len(t, bars["BTCUSDT"], 2)
	require.Len(t, bars["ETHUSDT"], 1)
	assert.Equal(t, 100.5, bars["BTCUSDT"][0].Close)
	assert.Equal(t, base.Add(time.Minute), bars["BTCUSDT"][1].Ts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadSignalsDropsBadStrength(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	price := 100.25
	rows := pgxmock.NewRows([]string{"id", "ts", "symbol", "direction", "strength", "signal_type", "timeframe", "price"}).
		AddRow(int64(1), base, "BTCUSDT", "BUY", int64(80), "momentum_up", "1m", &price).
		AddRow(int64(2), base.Add(time.Minute), "BTCUSDT", "SELL", "not-a-number", "macd", "1m", (*float64)(nil)).
		AddRow(int64(3), base.Add(2*time.Minute), "BTCUSDT", "BUY", "65", "rsi", "", (*float64)(nil))

	symbols := []string{"BTCUSDT"}
	end := base.Add(time.Hour)
	mock.ExpectQuery("SELECT id, ts, symbol, direction, strength").
		WithArgs(symbols, base, end).
		WillReturnRows(rows)

	s := NewPostgres(mock)
	events, err := s.LoadSignals(context.Background(), symbols, base, end, "1m")
	require.NoError(t, err)

	// Row 2's strength cannot be coerced and is dropped.
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].EventID)
	assert.Equal(t, 80, events[0].Strength)
	assert.Equal(t, 100.25, events[0].Price)
	assert.Equal(t, 65, events[1].Strength)
	// Empty timeframe inherits the requested one.
	assert.Equal(t, "1m", events[1].Timeframe)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadRowsPreservesAllColumns(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rows := pgxmock.NewRows([]string{"symbol", "timeframe", "ts", "rowid", "rsi", "trend"}).
		AddRow("BTCUSDT", "1m", base, int64(1), 28.5, "down").
		AddRow("BTCUSDT", "1m", base.Add(time.Minute), int64(2), 41.0, "up")

	symbols := []string{"BTCUSDT"}
	end := base.Add(time.Hour)
	mock.ExpectQuery("SELECT \\* FROM rsi").
		WithArgs(symbols, base, end).
		WillReturnRows(rows)

	s := NewPostgres(mock)
	out, err := s.LoadRows(context.Background(), "rsi", symbols, base, end)
	require.NoError(t, err)

	require.Len(t, out, 2)
	assert.Equal(t, "BTCUSDT", out[0].Symbol)
	assert.Equal(t, int64(1), out[0].RowID)
	assert.Equal(t, 28.5, out[0].Num("rsi"))
	assert.Equal(t, "down", out[0].Str("trend"))
	assert.Equal(t, 41.0, out[1].Num("rsi"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadRowsRejectsBadTableName(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewPostgres(mock)
	_, err = s.LoadRows(context.Background(), "rsi; DROP TABLE x", nil, base, base)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid indicator table name")
}

func TestCoerceStrength(t *testing.T) {
	cases := []struct {
		in   any
		want int
		ok   bool
	}{
		{int64(80), 80, true},
		{72.9, 72, true},
		{"65", 65, true},
		{"abc", 0, false},
		{int64(0), 0, false},
		{int64(101), 0, false},
		{nil, 0, false},
	}
	for _, c := range cases {
		got, ok := coerceStrength(c.in)
		assert.Equal(t, c.ok, ok, "%v", c.in)
		if ok {
			assert.Equal(t, c.want, got, "%v", c.in)
		}
	}
}
