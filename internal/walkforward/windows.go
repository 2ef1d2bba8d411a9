// Package walkforward drives rolling train/test evaluation over a window,
// with per-fold coverage fallback and a composed summary.
package walkforward

import "time"

// Window is one walk-forward fold. The train region is reserved for future
// parameter selection and is not consumed yet.
type Window struct {
	Fold       int
	TrainStart time.Time
	TrainEnd   time.Time
	TestStart  time.Time
	TestEnd    time.Time
}

// BuildWindows slides a train+test window across [start, end) by stepDays.
// Folds with an empty test interval are skipped; maxFolds caps the count
// when positive.
func BuildWindows(start, end time.Time, trainDays, testDays, stepDays, maxFolds int) []Window {
	var windows []Window

	day := 24 * time.Hour
	fold := 1
	for trainStart := start; ; trainStart = trainStart.Add(time.Duration(stepDays) * day) {
		trainEnd := trainStart.Add(time.Duration(trainDays) * day)
		if !trainEnd.Before(end) {
			break
		}
		testEnd := trainEnd.Add(time.Duration(testDays) * day)
		if testEnd.After(end) {
			testEnd = end
		}
		if !testEnd.After(trainEnd) {
			continue
		}

		windows = append(windows, Window{
			Fold:       fold,
			TrainStart: trainStart,
			TrainEnd:   trainEnd,
			TestStart:  trainEnd,
			TestEnd:    testEnd,
		})
		fold++
		if maxFolds > 0 && len(windows) >= maxFolds {
			break
		}
	}
	return windows
}
