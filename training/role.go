package training

import "fmt"

// Role identifies this process among cooperating training workers. Every worker
// advances its own step counters identically; only the primary performs the
// side effects that must happen once per run: report lines, scalar records and
// checkpoint writes.
type Role struct {
	Rank      int
	WorldSize int
}

// SingleProcess is the role of a non-distributed run
var SingleProcess = Role{Rank: 0, WorldSize: 1}

// IsPrimary reports whether this worker owns logging and checkpointing
func (r Role) IsPrimary() bool {
	return r.Rank == 0
}

// Validate checks that the rank lies within the world size
func (r Role) Validate() error {
	if r.WorldSize < 1 {
		return fmt.Errorf("world size must be at least 1, got %d", r.WorldSize)
	}
	if r.Rank < 0 || r.Rank >= r.WorldSize {
		return fmt.Errorf("rank %d outside world size %d", r.Rank, r.WorldSize)
	}
	return nil
}

func (r Role) String() string {
	return fmt.Sprintf("rank %d/%d", r.Rank, r.WorldSize)
}
