// Lenient numeric coercion for heterogeneous indicator rows.
package rules

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/quantrails/signalbench/internal/timeutil"
)

// Row is one indicator-table sample. Fields carries the raw column values as
// loaded; numeric lookups go through a cached normalized view so repeated
// rule evaluation does not re-parse strings.
type Row struct {
	Symbol    string
	Timeframe string
	Ts        time.Time
	RowID     int64
	Fields    map[string]any

	numCache map[string]float64
}

// NewRow builds a Row over the given field map.
func NewRow(symbol, timeframe string, ts time.Time, rowID int64, fields map[string]any) *Row {
	return &Row{
		Symbol:    symbol,
		Timeframe: timeframe,
		Ts:        ts.UTC(),
		RowID:     rowID,
		Fields:    fields,
	}
}

// Num returns the field's numeric value, coercing strings leniently.
// Unparseable or missing values yield NaN, which makes every numeric
// predicate false.
func (r *Row) Num(field string) float64 {
	if r.numCache == nil {
		r.numCache = make(map[string]float64, len(r.Fields))
	}
	if v, ok := r.numCache[field]; ok {
		return v
	}
	v := coerceFloat(r.Fields[field])
	r.numCache[field] = v
	return v
}

// Str returns the field rendered as a string; nil becomes "".
func (r *Row) Str(field string) string {
	v, ok := r.Fields[field]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Has reports whether the column exists in this row.
func (r *Row) Has(field string) bool {
	_, ok := r.Fields[field]
	return ok
}

// coerceFloat converts heterogeneous cell values to float64. Strings may
// carry thousands separators and a trailing percent sign. Anything else
// becomes NaN; coercion never errors.
func coerceFloat(v any) float64 {
	switch x := v.(type) {
	case nil:
		return math.NaN()
	case float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case bool:
		if x {
			return 1
		}
		return 0
	case string:
		s := strings.TrimSpace(x)
		s = strings.TrimSuffix(s, "%")
		s = strings.ReplaceAll(s, ",", "")
		s = strings.TrimSpace(s)
		if s == "" {
			return math.NaN()
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return math.NaN()
		}
		return f
	default:
		return math.NaN()
	}
}

// RowSortKey orders rows by (symbol, timeframe, ts, rowid) as required by
// the replay pipeline.
func RowSortKey(a, b *Row) bool {
	if a.Symbol != b.Symbol {
		return a.Symbol < b.Symbol
	}
	if a.Timeframe != b.Timeframe {
		return a.Timeframe < b.Timeframe
	}
	if !a.Ts.Equal(b.Ts) {
		return a.Ts.Before(b.Ts)
	}
	return a.RowID < b.RowID
}

// RowTimestampString is a helper for diagnostics output.
func RowTimestampString(r *Row) string {
	return timeutil.FormatTimestamp(r.Ts)
}
