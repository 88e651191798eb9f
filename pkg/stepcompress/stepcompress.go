package stepcompress

import (
	"stepperhost/pkg/log"
	"stepperhost/pkg/metrics"
	"stepperhost/pkg/serialqueue"
)

const (
	// compressWindow bounds how many queued steps one search examines.
	compressWindow = 46000

	// clockDiffMax is the maximum clock delta between messages in the
	// queue (steps further out go through the "far" path).
	clockDiffMax = 3 << 28

	// sdsFilterTime suppresses a step+dir+step sequence shorter than
	// this many seconds.
	sdsFilterTime = .000750

	// historyExpire ages out history entries, in seconds.
	historyExpire = 30.0
)

// CheckLines enables verification of every emitted move against the
// queued step times. The replay is cheap relative to the search; leave
// it on outside of benchmarks.
var CheckLines = true

var (
	stepsAppended = metrics.NewCounter(
		"stepcompress_steps_appended_total", "Step times accepted from the planner")
	movesEmitted = metrics.NewCounter(
		"stepcompress_moves_emitted_total", "queue_step commands emitted")
	sdsRollbacks = metrics.NewCounter(
		"stepcompress_sds_rollbacks_total", "Steps dropped by the step-dir-step filter")
	verifyRejects = metrics.NewCounter(
		"stepcompress_verify_rejects_total", "Moves rejected by the line verifier")
)

// Compressor compresses one stepper's pulse schedule into mcu
// queue_step commands. It is not safe for concurrent use; all calls
// must come from the planner goroutine.
type Compressor struct {
	// Step queue
	queue stepQueue
	// Internal tracking
	maxError           uint32
	mcuTimeOffset      float64
	mcuFreq            float64
	lastStepPrintTime  float64
	lastInterval       uint32
	lastIdealStepClock uint64
	// Message generation
	lastStepClock        uint64
	msgs                 []*serialqueue.Message
	oid                  uint32
	queueStepMsgtag      int32
	setNextStepDirMsgtag int32
	sdir                 int
	invertSdir           int
	// Step+dir+step filter
	nextStepClock uint64
	nextStepDir   int
	// History tracking
	lastPosition int64
	history      []HistorySteps

	logger *log.Logger
}

// New creates an empty Compressor for the stepper with the given oid.
func New(oid uint32) *Compressor {
	return &Compressor{
		oid:    oid,
		sdir:   -1,
		logger: log.New("stepcompress").WithField("oid", oid),
	}
}

// Fill binds the per-stepper tolerance and wire message tags.
func (sc *Compressor) Fill(maxError uint32, queueStepMsgtag, setNextStepDirMsgtag int32) {
	sc.maxError = maxError
	sc.queueStepMsgtag = queueStepMsgtag
	sc.setNextStepDirMsgtag = setNextStepDirMsgtag
}

// Oid returns the stepper's object id.
func (sc *Compressor) Oid() uint32 {
	return sc.oid
}

// StepDir returns the direction of the most recently appended step.
func (sc *Compressor) StepDir() int {
	return sc.nextStepDir
}

// SetInvertSdir flips the logical-to-physical direction mapping.
func (sc *Compressor) SetInvertSdir(invert bool) {
	inv := 0
	if invert {
		inv = 1
	}
	if inv != sc.invertSdir {
		sc.invertSdir = inv
		if sc.sdir >= 0 {
			sc.sdir ^= 1
		}
	}
}

// calcLastStepPrintTime determines the print time of lastStepClock and
// ages out old history.
func (sc *Compressor) calcLastStepPrintTime() {
	lsc := float64(sc.lastStepClock)
	sc.lastStepPrintTime = sc.mcuTimeOffset + (lsc-.5)/sc.mcuFreq

	if lsc > sc.mcuFreq*historyExpire {
		sc.freeHistory(uint64(lsc - sc.mcuFreq*historyExpire))
	}
}

// SetTime sets the conversion rate of print time to mcu clock.
func (sc *Compressor) SetTime(timeOffset, mcuFreq float64) {
	sc.mcuTimeOffset = timeOffset
	sc.mcuFreq = mcuFreq
	sc.calcLastStepPrintTime()
}

// addMove creates a queue_step command from a StepMove and records it
// in the history.
func (sc *Compressor) addMove(firstClock uint64, move StepMove) {
	count := int32(move.Count)
	addfactor := count * (count - 1) / 2
	ticks := uint32(int32(move.Add)*addfactor) + move.Interval*uint32(count-1)
	lastClock := firstClock + uint64(ticks)
	sc.lastInterval = move.Interval + uint32(int32(move.Add)*(count-1))

	// Create and queue a queue_step command
	qm := serialqueue.AllocAndEncode([]uint32{
		uint32(sc.queueStepMsgtag), sc.oid,
		move.Interval, uint32(move.Count), uint32(int32(move.Add)),
	})
	qm.MinClock = sc.lastStepClock
	qm.ReqClock = sc.lastStepClock
	if move.Count == 1 && firstClock >= sc.lastStepClock+clockDiffMax {
		qm.ReqClock = firstClock
	}
	sc.msgs = append(sc.msgs, qm)
	sc.lastStepClock = lastClock
	movesEmitted.Inc()

	// Create and store move in history tracking
	stepCount := count
	if sc.sdir == 0 {
		stepCount = -count
	}
	sc.history = append(sc.history, HistorySteps{
		FirstClock:    firstClock,
		LastClock:     lastClock,
		StartPosition: sc.lastPosition,
		Interval:      int32(move.Interval),
		Add:           int32(move.Add),
		StepCount:     stepCount,
	})
	sc.lastPosition += int64(stepCount)
}

// queueFlush converts previously scheduled steps into mcu commands.
func (sc *Compressor) queueFlush(moveClock uint64) error {
	if sc.queue.empty() {
		return nil
	}
	for sc.lastStepClock < moveClock {
		move := sc.wrapCompress()
		if err := sc.checkLine(move); err != nil {
			return err
		}

		live := sc.queue.live()
		count := int(move.Count)
		sc.lastIdealStepClock = uint64(live[count-1]-uint32(sc.lastStepClock)) + sc.lastStepClock
		sc.addMove(sc.lastStepClock+uint64(move.Interval), move)

		if count >= len(live) {
			sc.queue.reset()
			break
		}
		sc.queue.advance(count)
	}
	sc.calcLastStepPrintTime()
	return nil
}

// flushFar generates a queue_step for a step far in the future from
// the last step.
func (sc *Compressor) flushFar(absStepClock uint64) {
	move := StepMove{Interval: uint32(absStepClock - sc.lastStepClock), Count: 1}
	sc.lastIdealStepClock = absStepClock
	sc.addMove(absStepClock, move)
	sc.calcLastStepPrintTime()
}

// setNextStepDir sends the set_next_step_dir command. Pending steps
// flush first so the direction change lands between the last step of
// the old direction and the first of the new.
func (sc *Compressor) setNextStepDir(sdir int) error {
	if sc.sdir == sdir {
		return nil
	}
	if err := sc.queueFlush(serialqueue.MaxClock); err != nil {
		return err
	}
	sc.sdir = sdir
	qm := serialqueue.AllocAndEncode([]uint32{
		uint32(sc.setNextStepDirMsgtag), sc.oid, uint32(sdir ^ sc.invertSdir),
	})
	qm.ReqClock = sc.lastStepClock
	sc.msgs = append(sc.msgs, qm)
	return nil
}

// queueAppendFar is the slow path for a next step far in the future.
func (sc *Compressor) queueAppendFar() error {
	stepClock := sc.nextStepClock
	sc.nextStepClock = 0
	if err := sc.queueFlush(stepClock - clockDiffMax + 1); err != nil {
		return err
	}
	if stepClock >= sc.lastStepClock+clockDiffMax {
		sc.flushFar(stepClock)
		return nil
	}
	sc.queue.push(uint32(stepClock))
	return nil
}

// queueAppendExtend is the slow path that makes room in the queue.
func (sc *Compressor) queueAppendExtend() error {
	if sc.queue.len() > 65535+2000 {
		// Too many steps in memory - flush the oldest 65535
		live := sc.queue.live()
		flush := live[65535-1] - uint32(sc.lastStepClock)
		if err := sc.queueFlush(sc.lastStepClock + uint64(flush)); err != nil {
			return err
		}
	}

	sc.queue.push(uint32(sc.nextStepClock))
	sc.nextStepClock = 0
	return nil
}

// queueAppend adds the pending step time to the queue.
func (sc *Compressor) queueAppend() error {
	if sc.nextStepDir != sc.sdir {
		if err := sc.setNextStepDir(sc.nextStepDir); err != nil {
			return err
		}
	}
	if sc.nextStepClock >= sc.lastStepClock+clockDiffMax {
		return sc.queueAppendFar()
	}
	if sc.queue.full() {
		return sc.queueAppendExtend()
	}
	sc.queue.push(uint32(sc.nextStepClock))
	sc.nextStepClock = 0
	return nil
}

// Append adds the next step time. A step opposing the pending one
// within the step-dir-step window rolls the pending step back instead.
func (sc *Compressor) Append(sdir int, printTime, stepTime float64) error {
	// Calculate step clock
	offset := printTime - sc.lastStepPrintTime
	relSC := (stepTime + offset) * sc.mcuFreq
	stepClock := sc.lastStepClock + uint64(relSC)
	// Flush previous pending step (if any)
	if sc.nextStepClock != 0 {
		if sdir != sc.nextStepDir {
			diff := float64(int64(stepClock - sc.nextStepClock))
			if diff < sdsFilterTime*sc.mcuFreq {
				// Rollback last step to avoid rapid step+dir+step
				sc.nextStepClock = 0
				sc.nextStepDir = sdir
				sdsRollbacks.Inc()
				return nil
			}
		}
		if err := sc.queueAppend(); err != nil {
			return err
		}
	}
	// Store this step as the next pending step
	sc.nextStepClock = stepClock
	sc.nextStepDir = sdir
	stepsAppended.Inc()
	return nil
}

// Commit forces the pending step into the queue (no further rollback).
func (sc *Compressor) Commit() error {
	if sc.nextStepClock != 0 {
		return sc.queueAppend()
	}
	return nil
}

// Flush compresses and emits all steps scheduled before moveClock.
func (sc *Compressor) Flush(moveClock uint64) error {
	if sc.nextStepClock != 0 && moveClock >= sc.nextStepClock {
		if err := sc.queueAppend(); err != nil {
			return err
		}
	}
	return sc.queueFlush(moveClock)
}

// Reset flushes everything and re-anchors the clock state.
func (sc *Compressor) Reset(lastStepClock uint64) error {
	if err := sc.Flush(serialqueue.MaxClock); err != nil {
		return err
	}
	sc.lastStepClock = lastStepClock
	sc.lastInterval = 0
	sc.sdir = -1
	sc.calcLastStepPrintTime()
	return nil
}

// SetLastPosition overwrites the tracked position and records a
// marker in the history.
func (sc *Compressor) SetLastPosition(clock uint64, lastPosition int64) error {
	if err := sc.Flush(serialqueue.MaxClock); err != nil {
		return err
	}
	sc.lastPosition = lastPosition

	// Add a marker to the history list
	sc.history = append(sc.history, HistorySteps{
		FirstClock:    clock,
		LastClock:     clock,
		StartPosition: lastPosition,
	})
	return nil
}

// QueueMsg queues an arbitrary pre-encoded mcu command to go out in
// order with the stepper commands.
func (sc *Compressor) QueueMsg(data []uint32) error {
	if err := sc.Flush(serialqueue.MaxClock); err != nil {
		return err
	}

	qm := serialqueue.AllocAndEncode(data)
	qm.ReqClock = sc.lastStepClock
	sc.msgs = append(sc.msgs, qm)
	return nil
}
