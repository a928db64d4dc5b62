package sim

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// defaultMinTimeJump is used until the topology reports a path latency.
const defaultMinTimeJump = 10 * Millisecond

// TimeWindow is a half-open interval [Start, End) of simulated time during
// which a manager may process events without coordinating with the controller.
type TimeWindow struct {
	Start SimulationTime
	End   SimulationTime
}

// WindowEngine tracks the conservative-synchronization state: the current
// execute window, the simulation end time, and the minimum safe time jump.
//
// The manager mutates this state only through FinishRound, which it calls
// between rounds when no worker is processing events; the engine still takes
// a lock so that UpdateMinTimeJump may be called from the topology layer
// while a round is in flight.
type WindowEngine struct {
	mu sync.Mutex

	// user-supplied lower bound for the jump; 0 = unset
	minJumpTimeConfig SimulationTime
	// current effective minimum jump; 0 until the topology reports one
	minJumpTime SimulationTime
	// candidate jump observed during the current round; shrinks
	// monotonically and is never reset after promotion
	nextMinJumpTime SimulationTime

	start SimulationTime
	end   SimulationTime

	endTime          SimulationTime
	bootstrapEndTime SimulationTime

	stopRequested atomic.Bool
}

// NewWindowEngine computes the initial execute window. With workers > 0 the
// window is one minimum jump wide; single-threaded runs execute everything
// in one unbounded round.
func NewWindowEngine(runahead, stopTime, bootstrapEndTime SimulationTime, workers int) *WindowEngine {
	w := &WindowEngine{
		minJumpTimeConfig: runahead,
		endTime:           stopTime,
		bootstrapEndTime:  bootstrapEndTime,
	}

	w.start = 0
	if workers > 0 {
		w.end = w.minTimeJumpLocked()
	} else {
		w.end = TimeInvalid
	}
	return w
}

// Window returns the current execute window.
func (w *WindowEngine) Window() TimeWindow {
	w.mu.Lock()
	defer w.mu.Unlock()
	return TimeWindow{Start: w.start, End: w.end}
}

// EndTime returns the absolute simulation stop time.
func (w *WindowEngine) EndTime() SimulationTime {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.endTime
}

// BootstrapEndTime returns the time at which bandwidth enforcement begins.
func (w *WindowEngine) BootstrapEndTime() SimulationTime {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bootstrapEndTime
}

// RequestStop asks the run to terminate at the next round boundary.
// Safe to call from any goroutine, including signal handlers.
func (w *WindowEngine) RequestStop() {
	w.stopRequested.Store(true)
}

// minTimeJumpLocked returns the current safe window width: the observed
// topology minimum if known (10 ms floor otherwise), raised to the
// configured runahead when one is set. Callers must hold w.mu or have
// exclusive access during construction.
func (w *WindowEngine) minTimeJumpLocked() SimulationTime {
	jump := w.minJumpTime
	if jump == 0 {
		jump = defaultMinTimeJump
	}
	if w.minJumpTimeConfig > 0 && jump < w.minJumpTimeConfig {
		jump = w.minJumpTimeConfig
	}
	return jump
}

// UpdateMinTimeJump records a newly observed shortest path latency, in
// milliseconds. The candidate only ever shrinks; it takes effect at the
// next round boundary.
func (w *WindowEngine) UpdateMinTimeJump(minPathLatencyMs float64) {
	latency := SimulationTime(minPathLatencyMs * float64(Millisecond))

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.nextMinJumpTime == 0 || latency < w.nextMinJumpTime {
		if latency == 0 {
			panic("observed path latency must be positive")
		}
		old := w.nextMinJumpTime
		w.nextMinJumpTime = latency
		logrus.Debugf("updated topology minimum time jump from %d to %d nanoseconds; "+
			"the minimum config override is %d nanoseconds",
			old, w.nextMinJumpTime, w.minJumpTimeConfig)
	}
}

// FinishRound is the manager's round-completion barrier. It promotes any
// observed jump candidate, advances the execute window past
// minNextEventTime, clamps the window to the simulation end time, and
// reports whether another round should run.
func (w *WindowEngine) FinishRound(minNextEventTime SimulationTime) (TimeWindow, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.nextMinJumpTime != 0 {
		w.minJumpTime = w.nextMinJumpTime
	}

	if w.stopRequested.Load() {
		w.endTime = 0
	}

	newStart := minNextEventTime
	if newStart > w.endTime {
		newStart = w.endTime
	}
	newEnd := saturatingAdd(newStart, w.minTimeJumpLocked())
	if newEnd > w.endTime {
		newEnd = w.endTime
	}

	w.start = newStart
	w.end = newEnd

	return TimeWindow{Start: newStart, End: newEnd}, newStart < newEnd
}
