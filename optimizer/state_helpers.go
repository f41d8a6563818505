package optimizer

import (
	"fmt"

	"github.com/tsawler/go-deepspeech/checkpoints"
)

const (
	adamType = "Adam"

	momentumPrefix = "momentum_"
	variancePrefix = "variance_"
)

// Common helper functions for optimizer state management

// stateTensor copies a moment buffer into a checkpoint tensor
func stateTensor(name string, shape []int, data []float32, stateType string) checkpoints.OptimizerTensor {
	return checkpoints.OptimizerTensor{
		Name:      name,
		Shape:     append([]int(nil), shape...),
		Data:      append([]float32(nil), data...),
		StateType: stateType,
	}
}

func indexStateTensors(state *checkpoints.OptimizerState) map[string]checkpoints.OptimizerTensor {
	index := make(map[string]checkpoints.OptimizerTensor, len(state.StateData))
	for _, t := range state.StateData {
		index[t.Name] = t
	}
	return index
}

// lookupStateTensor returns a detached copy of the named state tensor
func lookupStateTensor(index map[string]checkpoints.OptimizerTensor, name string, expected int) ([]float32, error) {
	t, ok := index[name]
	if !ok {
		return nil, fmt.Errorf("%w: optimizer state %s missing", checkpoints.ErrIncompatible, name)
	}
	if len(t.Data) != expected {
		return nil, fmt.Errorf("%w: data size mismatch for %s: expected %d elements, got %d",
			checkpoints.ErrIncompatible, name, expected, len(t.Data))
	}
	return append([]float32(nil), t.Data...), nil
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *checkpoints.OptimizerState) error {
	if state.Type != optimizerType {
		return fmt.Errorf("%w: state type mismatch: expected %s, got %s",
			checkpoints.ErrIncompatible, optimizerType, state.Type)
	}
	return nil
}

// extractFloatParam safely extracts a float parameter from the state map
func extractFloatParam(params map[string]float64, key string, defaultValue float64) float64 {
	if val, ok := params[key]; ok {
		return val
	}
	return defaultValue
}

// extractUint64Param safely extracts a counter from the state map
func extractUint64Param(params map[string]float64, key string, defaultValue uint64) uint64 {
	if val, ok := params[key]; ok && val >= 0 {
		return uint64(val)
	}
	return defaultValue
}
