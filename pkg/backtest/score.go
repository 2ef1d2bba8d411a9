package backtest

import (
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantrails/signalbench/internal/timeutil"
)

// ScoreMap is the per-symbol minute-bucketed net score view the executor
// consumes: symbol → minute timestamp → signed net strength.
type ScoreMap map[string]map[time.Time]int

// Score returns the net score at a minute bucket, with presence.
func (m ScoreMap) Score(symbol string, ts time.Time) (int, bool) {
	buckets, ok := m[symbol]
	if !ok {
		return 0, false
	}
	s, ok := buckets[timeutil.FloorMinute(ts)]
	return s, ok
}

// AggregateScores buckets signals to minutes, sums signed strengths and
// forward-fills each scored minute for max(base timeframe, event timeframe)
// minutes, never past the symbol's next scored minute. The fill is what lets
// a 5m-cadence executor see a 1m event as more than a single silent bucket.
func AggregateScores(events []SignalEvent, baseTimeframe string) ScoreMap {
	baseMinutes := timeutil.MustTimeframeMinutes(baseTimeframe)

	scores := make(ScoreMap)
	holds := make(map[string]map[time.Time]int)

	for _, ev := range events {
		bucket := timeutil.FloorMinute(ev.Ts)

		if scores[ev.Symbol] == nil {
			scores[ev.Symbol] = make(map[time.Time]int)
			holds[ev.Symbol] = make(map[time.Time]int)
		}

		switch ev.Direction {
		case DirectionBuy:
			scores[ev.Symbol][bucket] += ev.Strength
		case DirectionSell:
			scores[ev.Symbol][bucket] -= ev.Strength
		default:
			continue
		}

		hold := timeutil.MustTimeframeMinutes(ev.Timeframe)
		if baseMinutes > hold {
			hold = baseMinutes
		}
		if prior := holds[ev.Symbol][bucket]; prior > hold {
			hold = prior
		}
		holds[ev.Symbol][bucket] = hold
	}

	// Second pass: forward-fill each scored minute across its hold window.
	for symbol, buckets := range scores {
		scored := make([]time.Time, 0, len(buckets))
		for ts := range buckets {
			scored = append(scored, ts)
		}
		sort.Slice(scored, func(i, j int) bool { return scored[i].Before(scored[j]) })

		for i, ts := range scored {
			hold := holds[symbol][ts]
			limit := ts.Add(time.Duration(hold) * time.Minute)
			if i+1 < len(scored) && scored[i+1].Before(limit) {
				limit = scored[i+1]
			}
			score := buckets[ts]
			for m := ts.Add(time.Minute); m.Before(limit); m = m.Add(time.Minute) {
				buckets[m] = score
			}
		}
	}

	log.Debug().
		Int("events", len(events)).
		Int("symbols", len(scores)).
		Str("base_timeframe", baseTimeframe).
		Msg("Aggregated signal scores")

	return scores
}
