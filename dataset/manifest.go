// Package dataset reads utterance manifests and turns them into padded minibatches.
package dataset

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/tsawler/go-deepspeech/featurizer"
	"github.com/tsawler/go-deepspeech/training"
)

// maxLineSize bounds one manifest line; features are stored inline
const maxLineSize = 64 << 20

// ManifestEntry is one JSON line of a manifest
type ManifestEntry struct {
	Duration float64     `json:"duration"`
	Text     string      `json:"text"`
	Features [][]float32 `json:"features"`
}

// Utterance is a manifest entry with its encoded transcript
type Utterance struct {
	Duration float64
	Text     string
	Labels   []int
	Features [][]float32 // frames x feature dim
}

// FilterOptions bounds utterance durations in seconds. MaxDuration <= 0 means no upper bound.
type FilterOptions struct {
	MinDuration float64
	MaxDuration float64
}

// Keep reports whether an utterance of the given duration passes the filter
func (f FilterOptions) Keep(duration float64) bool {
	if duration < f.MinDuration {
		return false
	}
	return f.MaxDuration <= 0 || duration <= f.MaxDuration
}

// Dataset is an in-memory list of utterances sharing one feature dimension
type Dataset struct {
	utterances []Utterance
	featureDim int
	normalizer *Normalizer
	skipped    int
}

// LoadManifest reads a manifest file
func LoadManifest(path string, tf *featurizer.TextFeaturizer, filter FilterOptions) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer f.Close()

	ds, err := ReadManifest(f, tf, filter)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ds, nil
}

// ReadManifest reads JSON lines, dropping utterances outside the duration filter.
// Blank lines are ignored; any malformed line is an error.
func ReadManifest(r io.Reader, tf *featurizer.TextFeaturizer, filter FilterOptions) (*Dataset, error) {
	ds := &Dataset{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1<<20), maxLineSize)

	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var entry ManifestEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, fmt.Errorf("line %d: failed to decode: %w", lineNo, err)
		}
		if !filter.Keep(entry.Duration) {
			ds.skipped++
			continue
		}
		if len(entry.Features) == 0 {
			return nil, fmt.Errorf("line %d: no feature frames", lineNo)
		}

		labels, err := tf.Encode(entry.Text)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}

		dim := len(entry.Features[0])
		if ds.featureDim == 0 {
			ds.featureDim = dim
		}
		for i, frame := range entry.Features {
			if len(frame) != ds.featureDim {
				return nil, fmt.Errorf("line %d frame %d: feature dim %d, expected %d", lineNo, i, len(frame), ds.featureDim)
			}
		}

		ds.utterances = append(ds.utterances, Utterance{
			Duration: entry.Duration,
			Text:     entry.Text,
			Labels:   labels,
			Features: entry.Features,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	return ds, nil
}

// New creates a dataset from utterances already in memory
func New(utterances []Utterance) (*Dataset, error) {
	ds := &Dataset{utterances: utterances}
	for i, u := range utterances {
		if len(u.Features) == 0 {
			return nil, fmt.Errorf("utterance %d: no feature frames", i)
		}
		if ds.featureDim == 0 {
			ds.featureDim = len(u.Features[0])
		}
		for _, frame := range u.Features {
			if len(frame) != ds.featureDim {
				return nil, fmt.Errorf("utterance %d: inconsistent feature dim", i)
			}
		}
	}
	return ds, nil
}

// Len returns the number of utterances
func (ds *Dataset) Len() int {
	return len(ds.utterances)
}

// FeatureDim returns the per-frame feature size (0 for an empty dataset)
func (ds *Dataset) FeatureDim() int {
	return ds.featureDim
}

// Skipped returns the number of manifest entries dropped by the duration filter
func (ds *Dataset) Skipped() int {
	return ds.skipped
}

// Utterance returns the i-th utterance
func (ds *Dataset) Utterance(i int) Utterance {
	return ds.utterances[i]
}

// Durations returns utterance durations in dataset order
func (ds *Dataset) Durations() []float64 {
	durations := make([]float64, len(ds.utterances))
	for i, u := range ds.utterances {
		durations[i] = u.Duration
	}
	return durations
}

// SetNormalizer makes Collate normalise features; nil disables normalisation
func (ds *Dataset) SetNormalizer(n *Normalizer) error {
	if n != nil && ds.featureDim != 0 && n.Dim() != ds.featureDim {
		return fmt.Errorf("normalizer dim %d does not match feature dim %d", n.Dim(), ds.featureDim)
	}
	ds.normalizer = n
	return nil
}

// Collate builds a minibatch from the given utterances. Features are zero-padded to the
// longest utterance and labels padded with the blank id to the longest transcript.
func (ds *Dataset) Collate(indices []int) (*training.Minibatch, error) {
	if len(indices) == 0 {
		return nil, fmt.Errorf("empty batch")
	}

	maxFrames, maxLabels := 0, 0
	for _, idx := range indices {
		if idx < 0 || idx >= len(ds.utterances) {
			return nil, fmt.Errorf("utterance index %d out of range %d", idx, len(ds.utterances))
		}
		u := ds.utterances[idx]
		maxFrames = max(maxFrames, len(u.Features))
		maxLabels = max(maxLabels, len(u.Labels))
	}

	batch := &training.Minibatch{
		Inputs:       make([][][]float32, len(indices)),
		InputLengths: make([]int, len(indices)),
		Labels:       make([][]int, len(indices)),
		LabelLengths: make([]int, len(indices)),
	}
	for i, idx := range indices {
		u := ds.utterances[idx]

		frames := make([][]float32, maxFrames)
		for f := range frames {
			frames[f] = make([]float32, ds.featureDim)
			if f < len(u.Features) {
				copy(frames[f], u.Features[f])
				if ds.normalizer != nil {
					ds.normalizer.Apply(frames[f])
				}
			}
		}
		labels := make([]int, maxLabels)
		copy(labels, u.Labels)

		batch.Inputs[i] = frames
		batch.InputLengths[i] = len(u.Features)
		batch.Labels[i] = labels
		batch.LabelLengths[i] = len(u.Labels)
	}

	return batch, nil
}
