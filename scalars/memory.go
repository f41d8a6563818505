package scalars

import (
	"context"
	"errors"
	"sync"
)

// MemoryStore keeps scalars in process memory; nothing survives a restart
type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	series      map[string]map[string][]Point
}

// NewMemoryStore creates an empty store; call Init before use
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Init allocates the series maps. Calling it again keeps recorded data.
func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		s.series = make(map[string]map[string][]Point)
		s.initialized = true
	}
	return nil
}

// AddScalar appends a point to the run's series for tag
func (s *MemoryStore) AddScalar(_ context.Context, runID, tag string, step int, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("memory store not initialized")
	}
	run, ok := s.series[runID]
	if !ok {
		run = make(map[string][]Point)
		s.series[runID] = run
	}
	run[tag] = append(run[tag], Point{Step: step, Value: value})
	return nil
}

// Scalars returns a copy of the points recorded for runID and tag, in insertion order
func (s *MemoryStore) Scalars(_ context.Context, runID, tag string) ([]Point, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	points := s.series[runID][tag]
	return append([]Point(nil), points...), nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}
