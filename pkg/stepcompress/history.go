package stepcompress

import "math"

// HistorySteps records one emitted move for past-position queries.
// StepCount is signed by the direction the move stepped in.
type HistorySteps struct {
	FirstClock    uint64
	LastClock     uint64
	StartPosition int64
	StepCount     int32
	Interval      int32
	Add           int32
}

// freeHistory drops entries that ended at or before endClock. Entries
// are stored oldest-first, so expiry stops at the first live one.
func (sc *Compressor) freeHistory(endClock uint64) {
	drop := 0
	for drop < len(sc.history) && sc.history[drop].LastClock <= endClock {
		drop++
	}
	if drop > 0 {
		sc.history = append(sc.history[:0], sc.history[drop:]...)
	}
}

// FindPastPosition searches the history of moves to find the stepper
// position at a given clock. Inside a move the step offset is
// recovered by inverting the interval/add progression; with a nonzero
// add that is a quadratic in the offset.
func (sc *Compressor) FindPastPosition(clock uint64) int64 {
	lastPosition := sc.lastPosition
	for i := len(sc.history) - 1; i >= 0; i-- {
		hs := &sc.history[i]
		if clock < hs.FirstClock {
			lastPosition = hs.StartPosition
			continue
		}
		if clock >= hs.LastClock {
			return hs.StartPosition + int64(hs.StepCount)
		}
		interval, add := hs.Interval, hs.Add
		// The mcu fires the first pulse one interval after the
		// command starts, hence the +interval.
		ticks := int32(clock-hs.FirstClock) + interval
		var offset int32
		if add == 0 {
			offset = ticks / interval
		} else {
			// Solve for "count" using the quadratic formula
			a := .5 * float64(add)
			b := float64(interval) - .5*float64(add)
			c := -float64(ticks)
			offset = int32((math.Sqrt(b*b-4*a*c) - b) / (2. * a))
		}
		if hs.StepCount < 0 {
			return hs.StartPosition - int64(offset)
		}
		return hs.StartPosition + int64(offset)
	}
	return lastPosition
}

// ExtractOld returns up to max history entries overlapping
// [startClock, endClock), newest first.
func (sc *Compressor) ExtractOld(startClock, endClock uint64, max int) []HistorySteps {
	res := make([]HistorySteps, 0)
	for i := len(sc.history) - 1; i >= 0; i-- {
		hs := sc.history[i]
		if startClock >= hs.LastClock || len(res) >= max {
			break
		}
		if endClock <= hs.FirstClock {
			continue
		}
		res = append(res, hs)
	}
	return res
}
