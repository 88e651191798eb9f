package stepcompress

import (
	"fmt"

	"stepperhost/pkg/errors"
)

// checkLine verifies that a StepMove reproduces the queued step times:
// it replays the mcu's interval arithmetic bit-exactly and requires
// every pulse to land inside its tolerance window.
func (sc *Compressor) checkLine(move StepMove) error {
	if !CheckLines {
		return nil
	}
	if move.Count == 0 || (move.Interval == 0 && move.Add == 0 && move.Count > 1) ||
		move.Interval >= 0x80000000 {
		verifyRejects.Inc()
		err := errors.StepInvalidSequenceError(
			sc.oid, move.Interval, move.Count, move.Add, "Invalid sequence")
		sc.logger.Error("%s", err.Error())
		return err
	}
	qr := newQueueRef(sc, 65535)
	interval, p := move.Interval, uint32(0)
	for i := 0; i < int(move.Count); i++ {
		point := qr.minmaxPoint(i)
		p += interval
		if p < uint32(point.minp) || p > uint32(point.maxp) {
			verifyRejects.Inc()
			err := errors.StepInvalidSequenceError(
				sc.oid, move.Interval, move.Count, move.Add,
				fmt.Sprintf("Point %d: %d not in %d:%d", i+1, p, point.minp, point.maxp))
			sc.logger.Error("%s", err.Error())
			return err
		}
		if interval >= 0x80000000 {
			verifyRejects.Inc()
			err := errors.StepIntervalOverflowError(
				sc.oid, move.Interval, move.Count, move.Add, i+1, interval)
			sc.logger.Error("%s", err.Error())
			return err
		}
		interval += uint32(int32(move.Add))
	}
	return nil
}
