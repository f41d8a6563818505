// Package scalars records training curves (loss, learning rate, error rates) per run.
package scalars

import (
	"context"
	"fmt"
)

// Point is one recorded value
type Point struct {
	Step  int
	Value float64
}

// Store persists scalar series keyed by run and tag
type Store interface {
	Init(ctx context.Context) error
	AddScalar(ctx context.Context, runID, tag string, step int, value float64) error
	Scalars(ctx context.Context, runID, tag string) ([]Point, error)
	Close() error
}

// NewStore creates a store backend by name: "memory" (default) or "sqlite"
func NewStore(kind, sqlitePath string) (Store, error) {
	switch kind {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		if sqlitePath == "" {
			return nil, fmt.Errorf("sqlite scalar store requires a database path")
		}
		return NewSQLiteStore(sqlitePath), nil
	default:
		return nil, fmt.Errorf("unsupported scalar store backend: %s", kind)
	}
}
