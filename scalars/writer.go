package scalars

import (
	"context"

	"github.com/google/uuid"
)

// Writer binds one training run to a store. It satisfies the trainer's scalar sink.
type Writer struct {
	store Store
	runID string
}

// NewRunID returns a fresh identifier for a training run
func NewRunID() string {
	return uuid.NewString()
}

// NewWriter creates a writer for runID, generating one when empty
func NewWriter(store Store, runID string) *Writer {
	if runID == "" {
		runID = NewRunID()
	}
	return &Writer{store: store, runID: runID}
}

// RunID returns the run this writer records under
func (w *Writer) RunID() string {
	return w.runID
}

// AddScalar records one value for the bound run
func (w *Writer) AddScalar(ctx context.Context, tag string, step int, value float64) error {
	return w.store.AddScalar(ctx, w.runID, tag, step, value)
}
