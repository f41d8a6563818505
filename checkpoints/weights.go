package checkpoints

import (
	"fmt"

	"github.com/tsawler/go-deepspeech/tensor"
)

// ExtractWeights copies parameter values into checkpoint weight tensors.
// The copies are detached so later training steps do not alter a checkpoint being written.
func ExtractWeights(params []*tensor.Parameter) []WeightTensor {
	weights := make([]WeightTensor, 0, len(params))
	for _, p := range params {
		weights = append(weights, WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Shape...),
			Data:  append([]float32(nil), p.Data...),
		})
	}
	return weights
}

// LoadWeights restores every parameter from weights. Each parameter must be present
// with an identical shape; anything else means the checkpoint belongs to another model.
func LoadWeights(weights []WeightTensor, params []*tensor.Parameter) error {
	if len(weights) != len(params) {
		return fmt.Errorf("%w: weight count mismatch: %d weights, %d parameters",
			ErrIncompatible, len(weights), len(params))
	}

	weightMap := make(map[string]WeightTensor, len(weights))
	for _, weight := range weights {
		weightMap[weight.Name] = weight
	}

	// Validate everything before touching the model so a failed load leaves it intact
	for _, p := range params {
		weight, ok := weightMap[p.Name]
		if !ok {
			return fmt.Errorf("%w: missing weight %s", ErrIncompatible, p.Name)
		}
		if !p.SameShape(weight.Shape) || len(weight.Data) != p.Len() {
			return fmt.Errorf("%w: shape mismatch for weight %s: parameter %v vs checkpoint %v",
				ErrIncompatible, p.Name, p.Shape, weight.Shape)
		}
	}

	for _, p := range params {
		if err := p.CopyFrom(weightMap[p.Name].Data); err != nil {
			return fmt.Errorf("failed to copy weight data for %s: %w", p.Name, err)
		}
	}

	return nil
}

// LoadMatchingWeights restores the parameters whose name and shape match a weight and
// reports the names that were skipped. Used for pretrained initialisation, where an
// output layer sized for another vocabulary is expected to differ.
func LoadMatchingWeights(weights []WeightTensor, params []*tensor.Parameter) (loaded int, skipped []string) {
	weightMap := make(map[string]WeightTensor, len(weights))
	for _, weight := range weights {
		weightMap[weight.Name] = weight
	}

	for _, p := range params {
		weight, ok := weightMap[p.Name]
		if !ok || !p.SameShape(weight.Shape) || len(weight.Data) != p.Len() {
			skipped = append(skipped, p.Name)
			continue
		}
		copy(p.Data, weight.Data)
		loaded++
	}

	return loaded, skipped
}
