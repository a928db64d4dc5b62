package sim

import "math"

// SimulationTime counts simulated nanoseconds since the start of the run.
type SimulationTime uint64

const (
	// Nanosecond is the base resolution of simulated time.
	Nanosecond SimulationTime = 1
	// Millisecond in simulated nanoseconds.
	Millisecond SimulationTime = 1_000_000 * Nanosecond
	// Second in simulated nanoseconds.
	Second SimulationTime = 1_000 * Millisecond

	// TimeInvalid is the "no bound / no pending event" sentinel.
	TimeInvalid SimulationTime = math.MaxUint64
)

// Milliseconds returns t as fractional milliseconds.
func (t SimulationTime) Milliseconds() float64 {
	return float64(t) / float64(Millisecond)
}

// saturatingAdd returns a+b, clamped to TimeInvalid on overflow.
func saturatingAdd(a, b SimulationTime) SimulationTime {
	if a > TimeInvalid-b {
		return TimeInvalid
	}
	return a + b
}
