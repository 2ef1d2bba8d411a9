// Package store provides the PostgreSQL-backed candle, signal and indicator
// stores consumed by the backtest runner.
package store

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/quantrails/signalbench/internal/rules"
	"github.com/quantrails/signalbench/pkg/backtest"
)

// PoolInterface is the subset of pgxpool.Pool the stores need; pgxmock
// satisfies it in tests.
type PoolInterface interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Postgres implements CandleStore, SignalStore and IndicatorStore over one
// connection pool.
type Postgres struct {
	pool PoolInterface
}

// NewPostgres wraps an existing pool-compatible querier.
func NewPostgres(pool PoolInterface) *Postgres {
	return &Postgres{pool: pool}
}

// NewPostgresWithPool wraps a real pgxpool.Pool.
func NewPostgresWithPool(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// LoadBars loads candlesticks for the symbols in [start, end), grouped by
// symbol and ordered by open time.
func (p *Postgres) LoadBars(ctx context.Context, symbols []string, start, end time.Time, timeframe string) (map[string][]backtest.Bar, error) {
	query := `
		SELECT symbol, open_time, open, high, low, close, volume
		FROM candlesticks
		WHERE symbol = ANY($1) AND interval = $2
		  AND open_time >= $3 AND open_time < $4
		ORDER BY symbol, open_time
	`

	rows, err := p.pool.Query(ctx, query, symbols, timeframe, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to load candlesticks: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]backtest.Bar, len(symbols))
	var count int
	for rows.Next() {
		var b backtest.Bar
		if err := rows.Scan(&b.Symbol, &b.Ts, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan candlestick: %w", err)
		}
		b.Ts = b.Ts.UTC()
		out[b.Symbol] = append(out[b.Symbol], b)
		count++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read candlesticks: %w", err)
	}

	log.Debug().
		Int("bars", count).
		Int("symbols", len(out)).
		Str("timeframe", timeframe).
		Msg("Loaded candlesticks")
	return out, nil
}

// LoadSignals loads persisted signal events in [start, end) for the symbols.
// Events come back ordered; strength arrives as text and rows with an
// uncoercible strength are dropped rather than defaulted.
func (p *Postgres) LoadSignals(ctx context.Context, symbols []string, start, end time.Time, timeframe string) ([]backtest.SignalEvent, error) {
	query := `
		SELECT id, ts, symbol, direction, strength, signal_type, timeframe, price
		FROM signal_events
		WHERE symbol = ANY($1)
		  AND ts >= $2 AND ts < $3
		ORDER BY ts, symbol, id
	`

	rows, err := p.pool.Query(ctx, query, symbols, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to load signal events: %w", err)
	}
	defer rows.Close()

	var events []backtest.SignalEvent
	var dropped int
	for rows.Next() {
		var (
			ev          backtest.SignalEvent
			rawStrength any
			price       *float64
		)
		if err := rows.Scan(&ev.EventID, &ev.Ts, &ev.Symbol, &ev.Direction, &rawStrength, &ev.SignalType, &ev.Timeframe, &price); err != nil {
			return nil, fmt.Errorf("failed to scan signal event: %w", err)
		}
		strength, ok := coerceStrength(rawStrength)
		if !ok {
			dropped++
			continue
		}
		ev.Ts = ev.Ts.UTC()
		ev.Strength = strength
		if price != nil {
			ev.Price = *price
		}
		if ev.Timeframe == "" {
			ev.Timeframe = timeframe
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read signal events: %w", err)
	}

	if dropped > 0 {
		log.Warn().Int("dropped", dropped).Msg("Dropped signal events with uncoercible strength")
	}
	return events, nil
}

// tableNameRe limits indicator table names to plain identifiers; table names
// come from rule config, not user SQL, but replay interpolates them.
var tableNameRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// LoadRows loads one indicator table's rows in [start, end) with every
// column preserved in the row's field map.
func (p *Postgres) LoadRows(ctx context.Context, table string, symbols []string, start, end time.Time) ([]*rules.Row, error) {
	if !tableNameRe.MatchString(table) {
		return nil, fmt.Errorf("invalid indicator table name %q", table)
	}

	query := fmt.Sprintf(`
		SELECT * FROM %s
		WHERE symbol = ANY($1)
		  AND ts >= $2 AND ts < $3
		ORDER BY symbol, timeframe, ts, rowid
	`, table)

	rows, err := p.pool.Query(ctx, query, symbols, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to load indicator table %s: %w", table, err)
	}
	defer rows.Close()

	var out []*rules.Row
	for rows.Next() {
		row, err := scanIndicatorRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read indicator table %s: %w", table, err)
	}

	log.Debug().Str("table", table).Int("rows", len(out)).Msg("Loaded indicator rows")
	return out, nil
}

// scanIndicatorRow maps a generic result row into a rule row, lifting the
// well-known columns and keeping everything in the field map.
func scanIndicatorRow(rows pgx.Rows) (*rules.Row, error) {
	values, err := rows.Values()
	if err != nil {
		return nil, err
	}

	fields := make(map[string]any, len(values))
	for i, fd := range rows.FieldDescriptions() {
		fields[string(fd.Name)] = values[i]
	}

	symbol, _ := fields["symbol"].(string)
	timeframe, _ := fields["timeframe"].(string)
	ts, ok := fields["ts"].(time.Time)
	if !ok {
		return nil, fmt.Errorf("row missing ts column")
	}
	var rowID int64
	switch id := fields["rowid"].(type) {
	case int64:
		rowID = id
	case int32:
		rowID = int64(id)
	case int:
		rowID = int64(id)
	}

	return rules.NewRow(symbol, timeframe, ts, rowID, fields), nil
}

// coerceStrength converts the persisted strength cell, which historically
// mixes ints, floats and strings, into a usable [1,100] int.
func coerceStrength(v any) (int, bool) {
	var f float64
	switch x := v.(type) {
	case int:
		f = float64(x)
	case int16:
		f = float64(x)
	case int32:
		f = float64(x)
	case int64:
		f = float64(x)
	case float32:
		f = float64(x)
	case float64:
		f = x
	case string:
		n, err := fmt.Sscanf(x, "%f", &f)
		if err != nil || n != 1 {
			return 0, false
		}
	default:
		return 0, false
	}
	s := int(f)
	if s < 1 || s > 100 {
		return 0, false
	}
	return s, true
}
