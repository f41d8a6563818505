package scalars

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists scalars in a SQLite database file
type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

// NewSQLiteStore creates a store for the database at path; call Init before use
func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

// Init opens the database and creates the scalars table if needed
func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

// AddScalar records a value. Re-recording a step (a resumed run replaying a batch)
// replaces the earlier value.
func (s *SQLiteStore) AddScalar(ctx context.Context, runID, tag string, step int, value float64) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO scalars (run_id, tag, step, value)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id, tag, step) DO UPDATE SET value = excluded.value
	`, runID, tag, step, value)
	return err
}

// Scalars returns the points recorded for runID and tag, ordered by step
func (s *SQLiteStore) Scalars(ctx context.Context, runID, tag string) ([]Point, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT step, value FROM scalars
		WHERE run_id = ? AND tag = ?
		ORDER BY step
	`, runID, tag)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		var p Point
		if err := rows.Scan(&p.Step, &p.Value); err != nil {
			return nil, fmt.Errorf("scan scalar %s/%s: %w", runID, tag, err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// Close closes the database. The store can be initialised again afterwards.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("sqlite store not initialized")
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS scalars (
			run_id TEXT NOT NULL,
			tag TEXT NOT NULL,
			step INTEGER NOT NULL,
			value REAL NOT NULL,
			PRIMARY KEY (run_id, tag, step)
		);
	`)
	return err
}
