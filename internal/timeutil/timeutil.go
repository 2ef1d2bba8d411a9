// Package timeutil provides timestamp parsing, timeframe mapping and
// bucket-flooring helpers shared by the signal and backtest packages.
// All timestamps handled here are normalized to UTC.
package timeutil

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CanonicalFormat is the timestamp layout used in all persisted CSV artifacts.
const CanonicalFormat = "2006-01-02 15:04:05"

// DateFormat is the layout accepted for --start/--end CLI flags.
const DateFormat = "2006-01-02"

// TimeframeMinutes maps a timeframe string to its bar cadence in minutes.
// Returns an error for unknown timeframes.
func TimeframeMinutes(tf string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(tf)) {
	case "1m":
		return 1, nil
	case "3m":
		return 3, nil
	case "5m":
		return 5, nil
	case "15m":
		return 15, nil
	case "30m":
		return 30, nil
	case "1h":
		return 60, nil
	case "2h":
		return 120, nil
	case "4h":
		return 240, nil
	case "6h":
		return 360, nil
	case "12h":
		return 720, nil
	case "1d":
		return 1440, nil
	}

	// Fall back to "<N><unit>" parsing for cadences not in the common set.
	tf = strings.ToLower(strings.TrimSpace(tf))
	if len(tf) >= 2 {
		unit := tf[len(tf)-1]
		if n, err := strconv.Atoi(tf[:len(tf)-1]); err == nil && n > 0 {
			switch unit {
			case 'm':
				return n, nil
			case 'h':
				return n * 60, nil
			case 'd':
				return n * 1440, nil
			}
		}
	}

	return 0, fmt.Errorf("unknown timeframe %q", tf)
}

// MustTimeframeMinutes is TimeframeMinutes for known-good literals; it
// returns 1 for anything unparseable so callers bucket at minute cadence.
func MustTimeframeMinutes(tf string) int {
	n, err := TimeframeMinutes(tf)
	if err != nil {
		return 1
	}
	return n
}

// IsMinuteFirst reports whether a timeframe is minute-denominated (1m..30m).
func IsMinuteFirst(tf string) bool {
	n, err := TimeframeMinutes(tf)
	return err == nil && n < 60
}

// FloorMinute truncates a timestamp to its minute boundary in UTC.
func FloorMinute(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}

// FloorBar floors a timestamp to the start of its bar for the given
// timeframe cadence.
func FloorBar(t time.Time, tfMinutes int) time.Time {
	if tfMinutes <= 1 {
		return FloorMinute(t)
	}
	return t.UTC().Truncate(time.Duration(tfMinutes) * time.Minute)
}

// ParseTimestamp parses a timestamp in any of the accepted encodings
// (canonical, RFC3339, date-only, unix seconds) and normalizes it to UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}

	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}

	for _, layout := range []string{CanonicalFormat, time.RFC3339, time.RFC3339Nano, DateFormat} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// FormatTimestamp renders a timestamp in the canonical UTC layout used by
// CSV artifacts.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(CanonicalFormat)
}

// ResolveWindow parses the --start/--end pair into a half-open [start, end)
// UTC window. The end date is exclusive at day granularity when given as a
// bare date: "--end 2024-02-01" covers through the last bar of Jan 31.
func ResolveWindow(start, end string) (time.Time, time.Time, error) {
	s, err := ParseTimestamp(start)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start: %w", err)
	}
	e, err := ParseTimestamp(end)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end: %w", err)
	}
	if !e.After(s) {
		return time.Time{}, time.Time{}, fmt.Errorf("end %s is not after start %s", end, start)
	}
	return s, e, nil
}
