package training

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Accumulator collects scalar observations (losses, step durations, per-utterance
// error rates) and reports their mean. Mean of an empty accumulator is NaN; callers
// check Len first.
type Accumulator struct {
	values []float64
}

// NewAccumulator creates an empty accumulator with room for capacity values
func NewAccumulator(capacity int) *Accumulator {
	return &Accumulator{values: make([]float64, 0, capacity)}
}

// Record appends one observation
func (a *Accumulator) Record(value float64) {
	a.values = append(a.values, value)
}

// Len returns the number of recorded observations
func (a *Accumulator) Len() int {
	return len(a.values)
}

// Mean returns the arithmetic mean of the recorded observations
func (a *Accumulator) Mean() float64 {
	if len(a.values) == 0 {
		return math.NaN()
	}
	return stat.Mean(a.values, nil)
}

// Values returns the recorded observations. The slice is owned by the accumulator.
func (a *Accumulator) Values() []float64 {
	return a.values
}

// Reset clears the accumulator, keeping its storage
func (a *Accumulator) Reset() {
	a.values = a.values[:0]
}

// RunningWindow pairs the loss and step-duration accumulators that are averaged and
// cleared at every reporting interval. It is never persisted.
type RunningWindow struct {
	Loss     *Accumulator
	Duration *Accumulator // milliseconds per step
}

// NewRunningWindow creates a window sized for one reporting interval
func NewRunningWindow(interval int) *RunningWindow {
	return &RunningWindow{
		Loss:     NewAccumulator(interval),
		Duration: NewAccumulator(interval),
	}
}

// Record adds one training step
func (w *RunningWindow) Record(loss float64, durationMs float64) {
	w.Loss.Record(loss)
	w.Duration.Record(durationMs)
}

// Empty reports whether no steps were recorded since the last reset
func (w *RunningWindow) Empty() bool {
	return w.Loss.Len() == 0
}

// Reset clears both accumulators
func (w *RunningWindow) Reset() {
	w.Loss.Reset()
	w.Duration.Reset()
}
