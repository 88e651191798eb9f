package stepcompress

import (
	"math/rand"
	"testing"

	"stepperhost/pkg/serialqueue"
)

func TestIdivHelpers(t *testing.T) {
	cases := []struct {
		n, d, up, down int32
	}{
		{7, 2, 4, 3},
		{6, 2, 3, 3},
		{0, 5, 0, 0},
		{-7, 2, -3, -4},
		{-6, 2, -3, -3},
		{-1, 3, 0, -1},
		{1, 3, 1, 0},
	}
	for _, tc := range cases {
		if got := idivUp(tc.n, tc.d); got != tc.up {
			t.Errorf("idivUp(%d,%d)=%d want %d", tc.n, tc.d, got, tc.up)
		}
		if got := idivDown(tc.n, tc.d); got != tc.down {
			t.Errorf("idivDown(%d,%d)=%d want %d", tc.n, tc.d, got, tc.down)
		}
	}
}

// newTestCompressor builds a compressor with the queue pre-loaded, the
// way the planner would have left it.
func newTestCompressor(maxError uint32, steps []uint32) *Compressor {
	sc := New(1)
	sc.Fill(maxError, 11, 12)
	sc.sdir = 1
	for _, s := range steps {
		sc.queue.push(s)
	}
	return sc
}

func TestMinmaxPoint(t *testing.T) {
	sc := newTestCompressor(25, []uint32{1000, 2000})
	qr := newQueueRef(sc, compressWindow)

	p0 := qr.minmaxPoint(0)
	if p0.maxp != 1000 || p0.minp != 975 {
		t.Errorf("point 0 = %+v", p0)
	}
	p1 := qr.minmaxPoint(1)
	if p1.maxp != 2000 || p1.minp != 1975 {
		t.Errorf("point 1 = %+v", p1)
	}

	// Tight spacing halves the window instead of using max_error
	sc2 := newTestCompressor(25, []uint32{1000, 1010})
	qr2 := newQueueRef(sc2, compressWindow)
	p := qr2.minmaxPoint(1)
	if p.maxp != 1010 || p.minp != 1005 {
		t.Errorf("tight point = %+v", p)
	}
}

func TestConstantVelocity(t *testing.T) {
	// Evenly spaced steps compress to one move with add=0.
	var steps []uint32
	for i := 1; i <= 10; i++ {
		steps = append(steps, uint32(i*1000))
	}
	sc := newTestCompressor(25, steps)

	move := sc.wrapCompress()
	if move.Count != 10 || move.Interval != 1000 || move.Add != 0 {
		t.Fatalf("move = %+v, want interval=1000 count=10 add=0", move)
	}
	if err := sc.checkLine(move); err != nil {
		t.Fatalf("checkLine: %v", err)
	}
}

func TestLinearAcceleration(t *testing.T) {
	// Differences 1000, 900, 800, 700, 600 fit interval=1000 add=-100.
	steps := []uint32{1000, 1900, 2700, 3400, 4000}
	sc := newTestCompressor(10, steps)

	move := sc.wrapCompress()
	if move.Count != 5 || move.Interval != 1000 || move.Add != -100 {
		t.Fatalf("move = %+v, want interval=1000 count=5 add=-100", move)
	}
	if err := sc.checkLine(move); err != nil {
		t.Fatalf("checkLine: %v", err)
	}

	// Replay the mcu arithmetic directly
	interval, p := uint32(move.Interval), uint32(0)
	for i := 1; i <= int(move.Count); i++ {
		p += interval
		want := uint32(1000*i) - uint32(100*i*(i-1)/2)
		if p != want {
			t.Errorf("pulse %d at %d, want %d", i, p, want)
		}
		interval += uint32(int32(move.Add))
	}
}

func TestDegenerateSingleStep(t *testing.T) {
	// A first step too distant for any 16-bit add falls back to a
	// lone count=1 move placed max_error/2 early.
	sc := newTestCompressor(50, []uint32{100000})
	move := sc.wrapCompress()
	if move.Count != 1 || move.Add != 0 {
		t.Fatalf("move = %+v, want count=1 add=0", move)
	}
	if move.Interval != 100000-25 {
		t.Errorf("interval = %d, want %d", move.Interval, 100000-25)
	}
	if err := sc.checkLine(move); err != nil {
		t.Fatalf("checkLine: %v", err)
	}
}

func TestLastIntervalContinuity(t *testing.T) {
	// After a flush, last_interval must equal the final replayed
	// interval so the next move chains exactly.
	var steps []uint32
	for i := 1; i <= 5; i++ {
		steps = append(steps, uint32(i*i*100+i*1000)) // mild acceleration
	}
	sc := newTestCompressor(25, steps)
	// A clock rate keeps the flushed moves from expiring out of the
	// history immediately.
	sc.SetTime(0, 1e6)
	if err := sc.queueFlush(serialqueue.MaxClock); err != nil {
		t.Fatalf("queueFlush: %v", err)
	}
	var replayed uint32
	for _, hs := range sc.history {
		count := hs.StepCount
		if count < 0 {
			count = -count
		}
		replayed = uint32(hs.Interval) + uint32(hs.Add)*uint32(count-1)
	}
	if sc.lastInterval != replayed {
		t.Errorf("lastInterval=%d, replay ends at %d", sc.lastInterval, replayed)
	}
}

// replaySchedule decodes every queue_step in the compressor's pending
// message list and replays the mcu arithmetic, returning absolute
// pulse clocks.
func replaySchedule(t *testing.T, sc *Compressor, startClock uint64) []uint64 {
	t.Helper()
	var pulses []uint64
	clock := startClock
	for _, m := range sc.msgs {
		vals := decodeMsg(m)
		if vals[0] != uint32(sc.queueStepMsgtag) {
			continue
		}
		interval, count, add := vals[2], vals[3], int32(vals[4])
		if count == 0 {
			t.Fatalf("queue_step with count=0")
		}
		if count > 1 && interval == 0 && add == 0 {
			t.Fatalf("queue_step with no progression")
		}
		for i := uint32(0); i < count; i++ {
			if interval >= 0x80000000 {
				t.Fatalf("interval overflow during replay: %d", interval)
			}
			clock += uint64(interval)
			pulses = append(pulses, clock)
			interval += uint32(add)
		}
		if add < -0x8000 || add > 0x7fff {
			t.Fatalf("add out of range: %d", add)
		}
	}
	return pulses
}

func TestRandomSchedulesWithinTolerance(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	profiles := []struct {
		name string
		gen  func(i int, interval float64) float64
	}{
		{"constant", func(i int, iv float64) float64 { return iv }},
		{"accel", func(i int, iv float64) float64 { return iv * 0.999 }},
		{"decel", func(i int, iv float64) float64 { return iv * 1.001 }},
		{"jitter", func(i int, iv float64) float64 {
			return iv * (0.98 + 0.04*rng.Float64())
		}},
	}
	for _, prof := range profiles {
		t.Run(prof.name, func(t *testing.T) {
			const maxError = 25
			interval := 800 + 400*rng.Float64()
			clock := 0.0
			var ideals []uint64
			for i := 0; i < 2000; i++ {
				interval = prof.gen(i, interval)
				if interval < 40 {
					interval = 40
				}
				clock += interval
				ideals = append(ideals, uint64(clock))
			}
			steps := make([]uint32, len(ideals))
			for i, c := range ideals {
				steps[i] = uint32(c)
			}
			sc := newTestCompressor(maxError, steps)
			if err := sc.queueFlush(serialqueue.MaxClock); err != nil {
				t.Fatalf("queueFlush: %v", err)
			}
			pulses := replaySchedule(t, sc, 0)
			if len(pulses) != len(ideals) {
				t.Fatalf("replayed %d pulses, scheduled %d", len(pulses), len(ideals))
			}
			for i, p := range pulses {
				ideal := ideals[i]
				if p > ideal {
					t.Fatalf("pulse %d at %d after ideal %d", i, p, ideal)
				}
				if ideal-p > maxError {
					t.Fatalf("pulse %d at %d misses ideal %d by %d",
						i, p, ideal, ideal-p)
				}
			}
		})
	}
}
