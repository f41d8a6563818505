package training

import (
	"math"
)

// LRSchedule is a pure mapping from the number of optimizer steps already taken to
// the learning rate for the next step.
type LRSchedule interface {
	// LearningRate returns the rate for the step following stepsTaken updates
	LearningRate(stepsTaken int) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// WarmupSchedule ramps the learning rate up linearly for WarmupSteps steps and then
// decays it with the inverse square root of the step:
//
//	lr(n) = base * warmup^0.5 * min(n^-0.5, n * warmup^-1.5),  n = stepsTaken + 1
//
// The peak, reached at n == warmup, equals the base learning rate.
type WarmupSchedule struct {
	BaseLR      float64
	WarmupSteps int
}

// DefaultWarmupSteps is the warmup length used when none is configured
const DefaultWarmupSteps = 25000

// NewWarmupSchedule creates a warmup schedule
func NewWarmupSchedule(baseLR float64, warmupSteps int) *WarmupSchedule {
	if warmupSteps <= 0 {
		warmupSteps = DefaultWarmupSteps
	}
	return &WarmupSchedule{
		BaseLR:      baseLR,
		WarmupSteps: warmupSteps,
	}
}

func (s *WarmupSchedule) LearningRate(stepsTaken int) float64 {
	n := float64(stepsTaken + 1)
	if n < 1 {
		n = 1
	}
	w := float64(s.WarmupSteps)
	return s.BaseLR * math.Sqrt(w) * math.Min(math.Pow(n, -0.5), n*math.Pow(w, -1.5))
}

func (s *WarmupSchedule) GetName() string {
	return "WarmupLR"
}

// ConstantSchedule maintains constant learning rate
type ConstantSchedule struct {
	BaseLR float64
}

func (s *ConstantSchedule) LearningRate(stepsTaken int) float64 {
	return s.BaseLR
}

func (s *ConstantSchedule) GetName() string {
	return "ConstantLR"
}

// StepScheduler is the stateful side of a schedule: it only remembers how many steps
// were taken, so restoring that count restores the schedule exactly.
type StepScheduler struct {
	schedule LRSchedule
	steps    int
}

// NewStepScheduler wraps a pure schedule
func NewStepScheduler(schedule LRSchedule) *StepScheduler {
	return &StepScheduler{schedule: schedule}
}

// NewWarmupLR creates the scheduler used for CTC training from one base learning rate
func NewWarmupLR(baseLR float64, warmupSteps int) *StepScheduler {
	return NewStepScheduler(NewWarmupSchedule(baseLR, warmupSteps))
}

// Step advances the schedule by one optimizer step
func (s *StepScheduler) Step() {
	s.steps++
}

// GetLR returns the learning rate for the next optimizer step
func (s *StepScheduler) GetLR() float64 {
	return s.schedule.LearningRate(s.steps)
}

// StepCount returns the number of steps taken
func (s *StepScheduler) StepCount() int {
	return s.steps
}

// SetStepCount restores the position, e.g. from a checkpoint's global step
func (s *StepScheduler) SetStepCount(n int) {
	if n < 0 {
		n = 0
	}
	s.steps = n
}

// GetName returns the underlying schedule name
func (s *StepScheduler) GetName() string {
	return s.schedule.GetName()
}
