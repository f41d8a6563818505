package training

import (
	"sync"
	"time"
)

// Status is a point-in-time view of a training run for external observers
type Status struct {
	RunID         string    `json:"run_id"`
	Epoch         int       `json:"epoch"`
	TotalEpochs   int       `json:"total_epochs"`
	Batch         int       `json:"batch"`
	BatchesPerEp  int       `json:"batches_per_epoch"`
	GlobalStep    int       `json:"global_step"`
	MaxStep       int       `json:"max_step"`
	Loss          float64   `json:"loss"`
	LearningRate  float64   `json:"learning_rate"`
	ETA           string    `json:"eta"`
	MetricsType   string    `json:"metrics_type"`
	LastErrorRate float64   `json:"last_error_rate"`
	BestErrorRate float64   `json:"best_error_rate"`
	HasBest       bool      `json:"has_best"`
	Phase         string    `json:"phase"` // "starting", "training", "evaluating", "checkpointing", "finished"
	UpdatedAt     time.Time `json:"updated_at"`
}

// StatusTracker holds the latest Status. The trainer writes it from the training
// goroutine; status servers read it from their own goroutines.
type StatusTracker struct {
	mu     sync.RWMutex
	status Status
}

// NewStatusTracker creates a tracker in the "starting" phase
func NewStatusTracker(runID string) *StatusTracker {
	return &StatusTracker{status: Status{
		RunID:         runID,
		Phase:         "starting",
		LastErrorRate: -1,
		UpdatedAt:     time.Now(),
	}}
}

// Update applies fn to the current status under the write lock
func (st *StatusTracker) Update(fn func(s *Status)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	fn(&st.status)
	st.status.UpdatedAt = time.Now()
}

// Snapshot returns a copy of the current status
func (st *StatusTracker) Snapshot() Status {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.status
}
