package stepcompress

import (
	"stepperhost/pkg/log"
	"stepperhost/pkg/serialqueue"
)

// StepperSync synchronizes the output of mcu step commands. The mcu
// can only queue a limited number of step commands - this code tracks
// when items on the mcu step queue become free so that new commands
// can be transmitted. It also ensures the mcu step queue is ordered
// between steppers so that no stepper starves the other steppers of
// space in the mcu step queue.
type StepperSync struct {
	// Transport
	sq *serialqueue.SerialQueue
	cq *serialqueue.CommandQueue
	// Associated compressors
	scList []*Compressor
	// Pending move clocks, kept as a min-heap rooted at index 0
	moveClocks []uint64

	logger *log.Logger
}

// NewStepperSync creates a synchronizer over the given compressors
// with a move queue of moveNum slots.
func NewStepperSync(sq *serialqueue.SerialQueue, scList []*Compressor, moveNum int) *StepperSync {
	return &StepperSync{
		sq:         sq,
		cq:         sq.AllocCommandQueue("steppersync"),
		scList:     append([]*Compressor(nil), scList...),
		moveClocks: make([]uint64, moveNum),
		logger:     log.New("steppersync"),
	}
}

// SetTime sets the conversion rate of print time to mcu clock on
// every associated compressor.
func (ss *StepperSync) SetTime(timeOffset, mcuFreq float64) {
	for _, sc := range ss.scList {
		sc.SetTime(timeOffset, mcuFreq)
	}
}

// heapReplace pops the heap root and pushes reqClock, sifting down
// from the root. Missing children compare as the maximum clock.
func (ss *StepperSync) heapReplace(reqClock uint64) {
	mc := ss.moveClocks
	nmc := len(mc)
	pos := 0
	for {
		child1Pos, child2Pos := 2*pos+1, 2*pos+2
		child1Clock, child2Clock := serialqueue.MaxClock, serialqueue.MaxClock
		if child1Pos < nmc {
			child1Clock = mc[child1Pos]
		}
		if child2Pos < nmc {
			child2Clock = mc[child2Pos]
		}
		if reqClock <= child1Clock && reqClock <= child2Clock {
			mc[pos] = reqClock
			return
		}
		if child1Clock < child2Clock {
			mc[pos] = child1Clock
			pos = child1Pos
		} else {
			mc[pos] = child2Clock
			pos = child2Pos
		}
	}
}

// Flush finds and transmits any scheduled steps prior to moveClock.
func (ss *StepperSync) Flush(moveClock uint64) error {
	// Flush each stepcompress to the specified move_clock
	for _, sc := range ss.scList {
		if err := sc.Flush(moveClock); err != nil {
			return err
		}
	}

	// Order commands by the reqclock of each pending command
	var batch []*serialqueue.Message
	for {
		// Find message with lowest reqclock
		reqClock := serialqueue.MaxClock
		var qm *serialqueue.Message
		var owner *Compressor
		for _, sc := range ss.scList {
			if len(sc.msgs) > 0 {
				m := sc.msgs[0]
				if m.ReqClock < reqClock {
					qm = m
					owner = sc
					reqClock = m.ReqClock
				}
			}
		}
		if qm == nil || (qm.MinClock != 0 && reqClock > moveClock) {
			break
		}

		nextAvail := ss.moveClocks[0]
		if qm.MinClock != 0 {
			// A nonzero MinClock indicates the command uses the
			// mcu move queue and holds the clock at which that
			// slot frees.
			ss.heapReplace(qm.MinClock)
		}
		// Reset MinClock to its normal meaning (minimum transmit time)
		qm.MinClock = nextAvail

		// Batch this command
		owner.msgs = owner.msgs[1:]
		batch = append(batch, qm)
	}

	// Transmit commands
	if len(batch) > 0 {
		if err := ss.sq.SendBatch(ss.cq, batch); err != nil {
			ss.logger.WithField("batch", len(batch)).Error("transport hand-off failed: %v", err)
			return err
		}
	}
	return nil
}
