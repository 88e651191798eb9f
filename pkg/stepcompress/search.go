package stepcompress

import "math"

// StepMove is one mcu queue_step command.
type StepMove struct {
	Interval uint32
	Count    uint16
	Add      int16
}

// addMove is a limited queue_step schedule based on just add and count.
type addMove struct {
	add   int32
	count int32
}

// idivUp returns n/d rounded up, supporting signed n.
func idivUp(n, d int32) int32 {
	if n >= 0 {
		return (n + d - 1) / d
	}
	return n / d
}

// idivDown returns n/d rounded down, supporting signed n.
func idivDown(n, d int32) int32 {
	if n >= 0 {
		return n / d
	}
	return (n - d + 1) / d
}

func divRoundUp(n, d int32) int32 {
	return (n + d - 1) / d
}

// queueRef is a snapshot cursor over a window of the step queue. All
// step times are handled as 32-bit offsets from lastStepClock; the
// wrapping subtraction is deliberate and windows never span more than
// clockDiffMax ticks.
type queueRef struct {
	steps              []uint32
	lastStepClock      uint64
	lastIdealStepClock uint64
	lastInterval       uint32
	maxError           uint32
}

func newQueueRef(sc *Compressor, maxCount int) queueRef {
	steps := sc.queue.live()
	if len(steps) > maxCount {
		steps = steps[:maxCount]
	}
	return queueRef{
		steps:              steps,
		lastStepClock:      sc.lastStepClock,
		lastIdealStepClock: sc.lastIdealStepClock,
		lastInterval:       sc.lastInterval,
		maxError:           sc.maxError,
	}
}

// afterMove returns the cursor state once an addMove is scheduled.
func (qr *queueRef) afterMove(am addMove) queueRef {
	nqr := *qr
	add, count := am.add, am.count
	addfactor := count * (count + 1) / 2
	nqr.lastIdealStepClock = uint64(qr.steps[count-1]-uint32(qr.lastStepClock)) + qr.lastStepClock
	nqr.steps = qr.steps[count:]
	nqr.lastStepClock += uint64(qr.lastInterval*uint32(count) + uint32(addfactor*add))
	nqr.lastInterval += uint32(count * add)
	return nqr
}

// points is the acceptable scheduling range for one step.
type points struct {
	minp, maxp int32
}

// minmaxPoint returns the minimum and maximum acceptable times for the
// step at index i of the cursor window.
func (qr *queueRef) minmaxPoint(i int) points {
	lsc := uint32(qr.lastStepClock)
	point := qr.steps[i] - lsc
	var prevpoint uint32
	if i > 0 {
		prevpoint = qr.steps[i-1] - lsc
	}
	maxErr := (point - prevpoint) / 2
	if maxErr > qr.maxError {
		maxErr = qr.maxError
	}
	return points{int32(point - maxErr), int32(point)}
}

// addRange holds the feasible "add" interval for a single-segment
// schedule starting at the cursor.
type addRange struct {
	minadd, maxadd int32
	count          int32
}

func (ar *addRange) init() {
	ar.minadd = -0x8000
	ar.maxadd = 0x7fff
	ar.count = 0
}

// update extends the range by one step if the intersection of add
// constraints stays non-empty.
func (ar *addRange) update(qr *queueRef) bool {
	if int(ar.count) >= len(qr.steps) {
		return false
	}
	nextpoint := qr.minmaxPoint(int(ar.count))

	nextcount := ar.count + 1
	nextaddfactor := nextcount * (nextcount + 1) / 2
	interval := int32(qr.lastInterval)
	nextminadd, nextmaxadd := ar.minadd, ar.maxadd
	if interval*nextcount+ar.minadd*nextaddfactor < nextpoint.minp {
		nextminadd = idivUp(nextpoint.minp-interval*nextcount, nextaddfactor)
	}
	if interval*nextcount+ar.maxadd*nextaddfactor > nextpoint.maxp {
		nextmaxadd = idivDown(nextpoint.maxp-interval*nextcount, nextaddfactor)
	}
	if nextminadd > nextmaxadd {
		return false
	}
	ar.minadd = nextminadd
	ar.maxadd = nextmaxadd
	ar.count = nextcount
	return true
}

// scan finds the longest valid single-segment schedule.
func (ar *addRange) scan(qr *queueRef) {
	ar.init()
	for ar.update(qr) {
	}
}

// idealInterval is the ticks since the previous ideal step time.
func (qr *queueRef) idealInterval(i int) int32 {
	if i > 0 {
		return int32(qr.steps[i] - qr.steps[i-1])
	}
	return int32(qr.steps[0] - uint32(qr.lastIdealStepClock))
}

// calcSeq is the step time after an add1,count1 + add2,count2 schedule.
func (qr *queueRef) calcSeq(add1, add2, c1, tc int32) int32 {
	ad := add1 - add2
	addfactor := tc * (tc + 1) / 2
	paddfactor := c1 * (c1 - 1) / 2
	return int32(qr.lastInterval)*tc + add2*addfactor + ad*(c1*tc-paddfactor)
}

// The "leastsquares" compression code attempts to find a valid
// add1,count1 sequence that maximizes the "total reach" of a
// subsequent add2,count2 sequence (maximize count1+count2). The code
// finds the simultaneous solution to a set of equations (one per
// step) of the following form:
//
//	add1*ac1 + add2*ac2 = adjusted_ideal_interval
//
// Where ac1, ac2, and adjusted_ideal_interval are constants for a
// given step time.

// calcLeastSquares estimates the best add1,count1 over totalcount steps.
func calcLeastSquares(qr *queueRef, totalcount int32) addMove {
	// Setup initial least squares variance and covariance values
	var varAc1, varAc2, covAc1Ac2 float64
	var covAc1Aii, covAc2Aii, sumAii float64
	for step := int32(1); step <= totalcount; step++ {
		wantInterval := qr.idealInterval(int(step - 1))
		aii := wantInterval - int32(qr.lastInterval)
		dac2, daii := float64(step), float64(aii)
		covAc2Aii += dac2 * daii
		varAc2 += dac2 * dac2
		sumAii += daii
	}
	condsumAii := sumAii

	// Calc least squares on all possible count1 to find overall best solution
	var ar addRange
	ar.init()
	bestE2 := math.MaxFloat64
	best := addMove{0, 0}
	for {
		if !ar.update(qr) {
			// Can not further increase count1 - return best result found
			return best
		}
		count1 := ar.count

		// Update leastsquares with new count1
		wantInterval := qr.idealInterval(int(count1 - 1))
		aii := wantInterval - int32(qr.lastInterval)
		covAc2Aii -= condsumAii
		covAc1Aii += condsumAii
		condsumAii -= float64(aii)
		pc2 := totalcount - count1 + 1
		paf := pc2 * (pc2 + 1) / 2
		vaDiff := pc2 * pc2
		caaDiff := paf - count1*pc2
		covAc1Ac2 += float64(caaDiff)
		varAc2 -= float64(vaDiff)
		varAc1 += float64(vaDiff - 2*caaDiff)

		// Calculate add1 and constrain to valid range
		dadd2 := 0.
		if count1 < totalcount {
			determinant := varAc1*varAc2 - covAc1Ac2*covAc1Ac2
			v := varAc1*covAc2Aii - covAc1Ac2*covAc1Aii
			dadd2 = math.Round(v / determinant)
		}
		dadd1 := math.Round((covAc1Aii - dadd2*covAc1Ac2) / varAc1)
		add1 := int32(dadd1)
		if add1 > ar.maxadd {
			add1 = ar.maxadd
		}
		if add1 < ar.minadd {
			add1 = ar.minadd
		}
		dadd1 = float64(add1)

		// Recalculate add2 and make sure fits in last step range
		if count1 < totalcount {
			dadd2 = math.Round((covAc2Aii - dadd1*covAc1Ac2) / varAc2)
		}
		add2 := int32(dadd2)
		lastr := qr.minmaxPoint(int(totalcount - 1))
		lastp := qr.calcSeq(add1, add2, count1, totalcount)
		count2 := totalcount - count1
		af := count2 * (count2 + 1) / 2
		if lastp < lastr.minp {
			if lastp+af > lastr.maxp {
				continue
			}
			add2 += divRoundUp(lastr.minp-lastp, af)
		} else if lastp > lastr.maxp {
			if lastp-af < lastr.minp {
				continue
			}
			add2 -= divRoundUp(lastp-lastr.maxp, af)
		}
		dadd2 = float64(add2)

		// Estimate relative squared error (add var_aii for absolute error)
		relError2 := (dadd1*dadd1*varAc1 + dadd2*dadd2*varAc2 +
			2*dadd1*dadd2*covAc1Ac2 -
			2*dadd1*covAc1Aii - 2*dadd2*covAc2Aii)
		if relError2 <= bestE2 {
			best.add = add1
			best.count = count1
			bestE2 = relError2
		}
	}
}

// compressLeastSquares compresses a step schedule using the
// leastsquares method.
func compressLeastSquares(qr *queueRef) addMove {
	// Find longest valid count1
	var outerAr1 addRange
	outerAr1.scan(qr)
	outerCount1 := outerAr1.count
	if outerCount1 == 0 {
		interval := qr.steps[0] - uint32(qr.lastStepClock)
		st := interval - qr.lastInterval - qr.maxError/2
		return addMove{int32(st), 1}
	}

	// Try finding longest valid "totalcount" by repeatedly running
	// leastsquares
	outerAdd1 := (outerAr1.minadd + outerAr1.maxadd) / 2
	prev := addMove{outerAdd1, outerCount1}
	next := prev
	prevTotalcount := int32(0)
	for {
		// Determine maximum reachable totalcount given count1,add1
		qr2 := qr.afterMove(next)
		var ar addRange
		ar.scan(&qr2)
		totalcount := next.count + ar.count

		// Calculate new add1,count1 using least squares (if needed)
		if prevTotalcount >= totalcount {
			return prev
		}
		prev = next
		prevTotalcount = totalcount
		next = calcLeastSquares(qr, totalcount)
		if next.count == 0 {
			// No count1 fit the final step window; keep the last
			// schedule known to reach prevTotalcount
			return prev
		}
	}
}

// wrapCompress converts the best addMove schedule to a StepMove.
func (sc *Compressor) wrapCompress() StepMove {
	qr := newQueueRef(sc, compressWindow)

	am1 := compressLeastSquares(&qr)
	if am1.count == 1 && len(qr.steps) > 1 {
		// Check if two addMove schedules can be sent in one StepMove
		qr2 := qr.afterMove(am1)
		am2 := compressLeastSquares(&qr2)
		if am2.add >= -0x8000 && am2.add <= 0x7fff {
			return StepMove{
				Interval: qr.lastInterval + uint32(am1.add),
				Count:    uint16(am2.count + 1),
				Add:      int16(am2.add),
			}
		}
	}

	var add int16
	if am1.count > 1 {
		add = int16(am1.add)
	}
	return StepMove{
		Interval: qr.lastInterval + uint32(am1.add),
		Count:    uint16(am1.count),
		Add:      add,
	}
}
