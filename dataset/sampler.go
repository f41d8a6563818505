package dataset

import (
	"fmt"
	"math/rand"
	"sort"
)

// SamplerConfig controls how utterances are grouped into batches
type SamplerConfig struct {
	BatchSize int
	Sortagrad bool // first epoch in ascending duration order
	Shuffle   bool // shuffle batch order on later epochs
	DropLast  bool // drop a final incomplete batch
	Seed      int64
	Rank      int // this worker's share of the batches
	WorldSize int
}

// SortagradSampler groups utterances of similar duration into batches. With Sortagrad the
// first epoch visits batches from shortest to longest, which stabilises early CTC
// training; later epochs shuffle the batch order with a seed derived from the epoch so
// a resumed run sees the same order. Workers take every WorldSize-th batch.
type SortagradSampler struct {
	config  SamplerConfig
	batches [][]int
}

// NewSortagradSampler creates a sampler over utterances with the given durations
func NewSortagradSampler(durations []float64, config SamplerConfig) (*SortagradSampler, error) {
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.WorldSize == 0 {
		config.WorldSize = 1
	}
	if config.Rank < 0 || config.Rank >= config.WorldSize {
		return nil, fmt.Errorf("rank %d outside world size %d", config.Rank, config.WorldSize)
	}

	order := make([]int, len(durations))
	for i := range order {
		order[i] = i
	}
	if config.Sortagrad {
		sort.SliceStable(order, func(a, b int) bool {
			return durations[order[a]] < durations[order[b]]
		})
	}

	var batches [][]int
	for start := 0; start < len(order); start += config.BatchSize {
		end := min(start+config.BatchSize, len(order))
		if end-start < config.BatchSize && config.DropLast {
			break
		}
		batches = append(batches, order[start:end])
	}

	return &SortagradSampler{config: config, batches: batches}, nil
}

// Len returns the number of batches this worker receives per epoch
func (s *SortagradSampler) Len() int {
	n := len(s.batches)
	return n/s.config.WorldSize + boolToInt(s.config.Rank < n%s.config.WorldSize)
}

// Batches returns this worker's batches for an epoch. The slices must not be modified.
func (s *SortagradSampler) Batches(epoch int) [][]int {
	order := make([]int, len(s.batches))
	for i := range order {
		order[i] = i
	}
	if s.config.Shuffle && !(s.config.Sortagrad && epoch == 0) {
		rng := rand.New(rand.NewSource(s.config.Seed + int64(epoch)))
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	out := make([][]int, 0, s.Len())
	for i, b := range order {
		if i%s.config.WorldSize == s.config.Rank {
			out = append(out, s.batches[b])
		}
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
