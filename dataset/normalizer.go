package dataset

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"gonum.org/v1/gonum/stat"
)

// Normalizer standardises feature frames with a per-dimension mean and inverse std
type Normalizer struct {
	Mean []float64 `json:"mean"`
	IStd []float64 `json:"istd"`
}

// Dim returns the feature dimension the normalizer was computed for
func (n *Normalizer) Dim() int {
	return len(n.Mean)
}

// Apply normalises one frame in place
func (n *Normalizer) Apply(frame []float32) {
	for i := range frame {
		frame[i] = float32((float64(frame[i]) - n.Mean[i]) * n.IStd[i])
	}
}

// ComputeNormalizer estimates mean and inverse std over the frames of up to maxUtterances
// utterances (all when maxUtterances <= 0). Dimensions with zero variance get unit scale.
func ComputeNormalizer(ds *Dataset, maxUtterances int) (*Normalizer, error) {
	if ds.Len() == 0 {
		return nil, fmt.Errorf("cannot compute normalizer of an empty dataset")
	}
	n := ds.Len()
	if maxUtterances > 0 && maxUtterances < n {
		n = maxUtterances
	}

	columns := make([][]float64, ds.FeatureDim())
	for i := 0; i < n; i++ {
		for _, frame := range ds.utterances[i].Features {
			for d, v := range frame {
				columns[d] = append(columns[d], float64(v))
			}
		}
	}

	norm := &Normalizer{Mean: make([]float64, len(columns)), IStd: make([]float64, len(columns))}
	for d, values := range columns {
		mean, std := stat.PopMeanStdDev(values, nil)
		norm.Mean[d] = mean
		if std < 1e-20 || math.IsNaN(std) {
			norm.IStd[d] = 1
		} else {
			norm.IStd[d] = 1 / std
		}
	}
	return norm, nil
}

// LoadNormalizer reads {"mean": [...], "istd": [...]} from a JSON file
func LoadNormalizer(path string) (*Normalizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read normalizer: %w", err)
	}
	var n Normalizer
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("failed to decode normalizer: %w", err)
	}
	if len(n.Mean) == 0 || len(n.Mean) != len(n.IStd) {
		return nil, fmt.Errorf("normalizer has %d means and %d inverse stds", len(n.Mean), len(n.IStd))
	}
	return &n, nil
}

// Save writes the normalizer as JSON
func (n *Normalizer) Save(path string) error {
	data, err := json.MarshalIndent(n, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode normalizer: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write normalizer: %w", err)
	}
	return nil
}
