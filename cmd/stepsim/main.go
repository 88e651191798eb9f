// stepsim drives the step compression core with synthetic schedules
// and replays every emitted command on a bit-exact mcu model. It is
// the offline answer to "did the compressor keep every pulse inside
// its tolerance window, and how well did it compress?"
//
// Usage:
//
//	stepsim -steppers 3 -steps 20000 -freq 16000000
//	stepsim -device /dev/ttyACM0      # also write the real frames
//	stepsim -report :7130             # serve motion reports during the run
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"stepperhost/pkg/log"
	"stepperhost/pkg/metrics"
	"stepperhost/pkg/motionreport"
	"stepperhost/pkg/protocol"
	"stepperhost/pkg/serial"
	"stepperhost/pkg/serialqueue"
	"stepperhost/pkg/stepcompress"
)

const (
	queueStepTag      = 11
	setNextStepDirTag = 12
)

// recordingSink keeps every frame so the mcu model can replay them,
// optionally forwarding to a real serial device.
type recordingSink struct {
	mu      sync.Mutex
	frames  [][]byte
	forward io.Writer
}

func (s *recordingSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	s.frames = append(s.frames, append([]byte(nil), p...))
	s.mu.Unlock()
	if s.forward != nil {
		return s.forward.Write(p)
	}
	return len(p), nil
}

// mcuStepper is the replayed state of one stepper on the mcu model.
type mcuStepper struct {
	clock    uint64
	dir      int
	position int64
	pulses   []uint64
}

// replay runs every recorded frame through the mcu's step arithmetic.
func replay(frames [][]byte, steppers map[uint32]*mcuStepper) error {
	for _, f := range frames {
		payload := f[2 : len(f)-3]
		vals := protocol.DecodeCommandData(payload)
		switch vals[0] {
		case setNextStepDirTag:
			st := steppers[vals[1]]
			if vals[2] == 1 {
				st.dir = 1
			} else {
				st.dir = -1
			}
		case queueStepTag:
			st := steppers[vals[1]]
			interval, count, add := vals[2], vals[3], int32(vals[4])
			if count == 0 {
				return fmt.Errorf("oid %d: count=0", vals[1])
			}
			if count > 1 && interval == 0 && add == 0 {
				return fmt.Errorf("oid %d: no progression", vals[1])
			}
			if add < -0x8000 || add > 0x7fff {
				return fmt.Errorf("oid %d: add %d out of range", vals[1], add)
			}
			for i := uint32(0); i < count; i++ {
				if interval >= 0x80000000 {
					return fmt.Errorf("oid %d: interval overflow %d", vals[1], interval)
				}
				st.clock += uint64(interval)
				st.pulses = append(st.pulses, st.clock)
				st.position += int64(st.dir)
				interval += uint32(add)
			}
		}
	}
	return nil
}

// schedule is the planner-side record of one stepper's step stream.
type schedule struct {
	sdirs []int
	times []float64
}

// genSchedule builds a trapezoidal move profile with a direction
// reversal: accelerate, cruise, decelerate, dwell, return.
func genSchedule(steps int, startInterval, minInterval float64) schedule {
	var sched schedule
	add := func(sdir int, t float64) {
		sched.sdirs = append(sched.sdirs, sdir)
		sched.times = append(sched.times, t)
	}
	half := steps / 2
	accel := half / 3
	t := 0.0
	interval := startInterval
	for i := 0; i < half; i++ {
		switch {
		case i < accel && interval > minInterval:
			interval *= 0.995
		case i >= half-accel:
			interval *= 1.005
		}
		t += interval
		add(1, t)
	}
	t += 0.050 // dwell past the sds filter window
	interval = startInterval
	for i := half; i < steps; i++ {
		if interval > minInterval {
			interval *= 0.995
		}
		t += interval
		add(0, t)
	}
	return sched
}

func main() {
	numSteppers := flag.Int("steppers", 2, "number of steppers")
	numSteps := flag.Int("steps", 20000, "steps per stepper")
	mcuFreq := flag.Float64("freq", 16e6, "mcu clock frequency in Hz")
	maxErrorSec := flag.Float64("max-error", 0.000025, "per-step tolerance in seconds")
	moveNum := flag.Int("move-queue", 256, "mcu move queue depth")
	jsonLogs := flag.Bool("json", false, "JSON log output")
	logFile := flag.String("log-file", "", "log to this file (rotated) instead of stderr")
	dumpMetrics := flag.Bool("metrics", false, "dump metrics on exit")
	device := flag.String("device", "", "also write frames to this serial device")
	reportAddr := flag.String("report", "", "serve motion reports on this address")
	flag.Parse()

	logger := log.New("stepsim")
	if *jsonLogs {
		logger.SetFormat(log.FormatJSON)
	}
	if *logFile != "" {
		w, err := log.NewRotatingWriter(*logFile, 16<<20, 3)
		if err != nil {
			logger.Error("open log file: %v", err)
			os.Exit(1)
		}
		defer w.Close()
		logger.SetWriter(w)
	}

	sink := &recordingSink{}
	if *device != "" {
		port, err := serial.Open(serial.Config{Device: *device})
		if err != nil {
			logger.Error("open device: %v", err)
			os.Exit(1)
		}
		defer port.Close()
		sink.forward = port
	}

	sq := serialqueue.New(sink)
	maxError := uint32(*maxErrorSec * *mcuFreq)
	var scList []*stepcompress.Compressor
	for i := 0; i < *numSteppers; i++ {
		sc := stepcompress.New(uint32(i))
		sc.Fill(maxError, queueStepTag, setNextStepDirTag)
		scList = append(scList, sc)
	}
	ss := stepcompress.NewStepperSync(sq, scList, *moveNum)
	ss.SetTime(0, *mcuFreq)

	var plannerMu sync.Mutex
	if *reportAddr != "" {
		rs := motionreport.New(motionreport.Config{
			Addr:   *reportAddr,
			Source: &motionreport.CompressorSource{Mu: &plannerMu, List: scList},
		})
		if err := rs.Start(); err != nil {
			logger.Error("motion report: %v", err)
			os.Exit(1)
		}
		defer rs.Close()
	}

	// Feed each stepper a slightly different profile and flush in
	// slices, the way a planner drip-feeds the lookahead window.
	start := time.Now()
	scheds := make([]schedule, *numSteppers)
	for i := range scheds {
		base := 0.0008 + 0.0002*float64(i)
		scheds[i] = genSchedule(*numSteps, base, 0.00006)
	}
	idx := make([]int, *numSteppers)
	for slice := 1; ; slice++ {
		horizon := 0.250 * float64(slice)
		done := 0
		plannerMu.Lock()
		for i, sc := range scList {
			sched := &scheds[i]
			for idx[i] < len(sched.times) && sched.times[idx[i]] < horizon {
				if err := sc.Append(sched.sdirs[idx[i]], 0, sched.times[idx[i]]); err != nil {
					logger.Error("append: %v", err)
					os.Exit(1)
				}
				idx[i]++
			}
			if idx[i] == len(sched.times) {
				done++
			}
		}
		flushClock := uint64((horizon - 0.100) * *mcuFreq)
		if done == *numSteppers {
			for _, sc := range scList {
				if err := sc.Commit(); err != nil {
					logger.Error("commit: %v", err)
					os.Exit(1)
				}
			}
			flushClock = serialqueue.MaxClock
		}
		if err := ss.Flush(flushClock); err != nil {
			plannerMu.Unlock()
			logger.Error("flush: %v", err)
			os.Exit(1)
		}
		plannerMu.Unlock()
		if done == *numSteppers {
			break
		}
	}
	if err := sq.Close(); err != nil {
		logger.Error("close: %v", err)
		os.Exit(1)
	}
	elapsed := time.Since(start)

	// Replay everything on the mcu model and compare against the
	// planned schedules.
	sink.mu.Lock()
	frames := sink.frames
	sink.mu.Unlock()
	steppers := make(map[uint32]*mcuStepper)
	for i := 0; i < *numSteppers; i++ {
		steppers[uint32(i)] = &mcuStepper{}
	}
	if err := replay(frames, steppers); err != nil {
		logger.Error("replay: %v", err)
		os.Exit(1)
	}

	tol := uint64(maxError) + 1
	moves := 0
	for _, f := range frames {
		if protocol.DecodeCommandData(f[2:len(f)-3])[0] == queueStepTag {
			moves++
		}
	}
	for i := 0; i < *numSteppers; i++ {
		st := steppers[uint32(i)]
		sched := &scheds[i]
		if len(st.pulses) != len(sched.times) {
			logger.Error("stepper %d: %d pulses for %d scheduled steps",
				i, len(st.pulses), len(sched.times))
			os.Exit(1)
		}
		for j, p := range st.pulses {
			ideal := uint64(sched.times[j] * *mcuFreq)
			if p > ideal+1 || (ideal > p && ideal-p > tol) {
				logger.Error("stepper %d pulse %d: clock %d vs ideal %d",
					i, j, p, ideal)
				os.Exit(1)
			}
		}
	}

	totalSteps := *numSteppers * *numSteps
	logger.WithFields(log.Fields{
		"steppers":   *numSteppers,
		"steps":      totalSteps,
		"moves":      moves,
		"frames":     len(frames),
		"steps/move": fmt.Sprintf("%.1f", float64(totalSteps)/float64(moves)),
		"elapsed":    elapsed.Round(time.Millisecond).String(),
	}).Info("replay verified: every pulse within tolerance")

	if *dumpMetrics {
		metrics.Default().WriteText(os.Stdout)
	}
}
