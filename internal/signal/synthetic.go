package signal

import (
	"context"
	"math"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/quantrails/signalbench/pkg/backtest"
)

// Synthetic replay thresholds, all in percent of the reference price.
const (
	momentumMinPct     = 0.12
	breakoutMinPct     = 0.05
	volumeRatioMin     = 2.8
	volumeMinMovePct   = 0.03
	defaultMinGapBars  = 3
	oppositeGapMinStrg = 80
)

// SyntheticConfig tunes the bar-driven replay source.
type SyntheticConfig struct {
	Timeframe string
	// MinSignalGapBars spaces same-direction emissions per symbol.
	// Zero means the default of 3.
	MinSignalGapBars int
}

// SyntheticSource derives a deterministic signal stream from bars alone, for
// windows where no persisted signals exist.
type SyntheticSource struct {
	Bars map[string][]backtest.Bar
	Cfg  SyntheticConfig
}

type candidate struct {
	direction  backtest.Direction
	strength   int
	signalType string
}

// Load walks each symbol's bars in order and emits at most one event per
// bar: the candidate with the highest mapped strength. A same-direction
// event cannot fire within MinSignalGapBars of the previous emission; an
// opposite-direction event may fire earlier only when its strength is at
// least 80.
func (s *SyntheticSource) Load(_ context.Context) ([]backtest.SignalEvent, error) {
	gap := s.Cfg.MinSignalGapBars
	if gap <= 0 {
		gap = defaultMinGapBars
	}

	symbols := make([]string, 0, len(s.Bars))
	for sym := range s.Bars {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	var events []backtest.SignalEvent
	for _, sym := range symbols {
		bars := s.Bars[sym]
		lastIdx := -1
		var lastDir backtest.Direction

		for i := 1; i < len(bars); i++ {
			prev, curr := bars[i-1], bars[i]
			best, ok := bestCandidate(prev, curr)
			if !ok {
				continue
			}

			if lastIdx >= 0 && i-lastIdx < gap {
				opposite := best.direction != lastDir
				if !opposite || best.strength < oppositeGapMinStrg {
					continue
				}
			}

			events = append(events, backtest.SignalEvent{
				Ts:         curr.Ts,
				Symbol:     sym,
				Direction:  best.direction,
				Strength:   best.strength,
				SignalType: best.signalType,
				Timeframe:  s.Cfg.Timeframe,
				Source:     SourceReplay,
				Price:      curr.Close,
			})
			lastIdx, lastDir = i, best.direction
		}
	}

	log.Debug().Int("events", len(events)).Msg("Synthetic replay generated signals")
	return finalize(events, SourceReplay), nil
}

// bestCandidate evaluates the three detectors on one bar pair and returns
// the strongest hit.
func bestCandidate(prev, curr backtest.Bar) (candidate, bool) {
	if prev.Close <= 0 || prev.High <= 0 || prev.Low <= 0 {
		return candidate{}, false
	}
	pct := (curr.Close - prev.Close) / prev.Close * 100

	var cands []candidate

	// Breakout above the previous high, breakdown below the previous low.
	if up := (curr.Close - prev.High) / prev.High * 100; up >= breakoutMinPct {
		cands = append(cands, candidate{
			direction:  backtest.DirectionBuy,
			strength:   clampStrength(60 + int(up*300)),
			signalType: "breakout_up",
		})
	} else if down := (prev.Low - curr.Close) / prev.Low * 100; down >= breakoutMinPct {
		cands = append(cands, candidate{
			direction:  backtest.DirectionSell,
			strength:   clampStrength(60 + int(down*300)),
			signalType: "breakout_down",
		})
	}

	if math.Abs(pct) >= momentumMinPct {
		dir, typ := backtest.DirectionBuy, "momentum_up"
		if pct < 0 {
			dir, typ = backtest.DirectionSell, "momentum_down"
		}
		cands = append(cands, candidate{
			direction:  dir,
			strength:   clampStrength(50 + int(math.Abs(pct)*200)),
			signalType: typ,
		})
	}

	if prev.Volume > 0 && curr.Volume/prev.Volume >= volumeRatioMin && math.Abs(pct) >= volumeMinMovePct {
		dir, typ := backtest.DirectionBuy, "volume_surge_up"
		if pct < 0 {
			dir, typ = backtest.DirectionSell, "volume_surge_down"
		}
		cands = append(cands, candidate{
			direction:  dir,
			strength:   clampStrength(55 + int(curr.Volume/prev.Volume*5)),
			signalType: typ,
		})
	}

	if len(cands) == 0 {
		return candidate{}, false
	}
	best := cands[0]
	for _, c := range cands[1:] {
		if c.strength > best.strength {
			best = c
		}
	}
	return best, true
}
