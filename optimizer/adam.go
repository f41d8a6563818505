package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-deepspeech/checkpoints"
	"github.com/tsawler/go-deepspeech/tensor"
)

// Fixed hyperparameters of the training recipe. They are part of the system's
// externally visible behaviour and are not exposed as configuration.
const (
	DefaultClipNorm    = 5.0
	DefaultWeightDecay = 5e-4
)

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64 // Momentum decay (typically 0.9)
	Beta2        float64 // Variance decay (typically 0.999)
	Epsilon      float64 // Small constant to prevent division by zero (typically 1e-8)
	WeightDecay  float64 // L2 regularization coefficient added to the gradient
	ClipNorm     float64 // Global gradient norm threshold (0 = no clipping)
}

// DefaultAdamConfig returns the Adam configuration used for CTC training
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 5e-4,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  DefaultWeightDecay,
		ClipNorm:     DefaultClipNorm,
	}
}

// Adam implements bias-corrected Adam over a fixed parameter set.
//
// Each Step clips the gradients by global norm, adds the L2 weight decay term and
// then applies
//
//	m = beta1*m + (1-beta1)*g
//	v = beta2*v + (1-beta2)*g*g
//	p -= lr * m_hat / (sqrt(v_hat) + eps)
type Adam struct {
	config AdamConfig
	params []*tensor.Parameter

	momentum [][]float32 // First moment per parameter
	variance [][]float32 // Second moment per parameter

	stepCount uint64
	lastNorm  float64
}

// NewAdam creates an Adam optimizer for params
func NewAdam(params []*tensor.Parameter, config AdamConfig) (*Adam, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("no parameters provided")
	}
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", config.LearningRate)
	}

	seen := make(map[string]bool, len(params))
	adam := &Adam{
		config:   config,
		params:   params,
		momentum: make([][]float32, len(params)),
		variance: make([][]float32, len(params)),
	}
	for i, p := range params {
		if seen[p.Name] {
			return nil, fmt.Errorf("duplicate parameter name %q", p.Name)
		}
		seen[p.Name] = true
		adam.momentum[i] = make([]float32, p.Len())
		adam.variance[i] = make([]float32, p.Len())
	}

	return adam, nil
}

// Step applies one update using the current gradients and learning rate
func (adam *Adam) Step() error {
	adam.lastNorm = ClipGradByGlobalNorm(adam.params, adam.config.ClipNorm)
	if math.IsNaN(adam.lastNorm) || math.IsInf(adam.lastNorm, 0) {
		return fmt.Errorf("non-finite gradient norm at step %d", adam.stepCount+1)
	}

	adam.stepCount++
	t := float64(adam.stepCount)
	beta1, beta2 := adam.config.Beta1, adam.config.Beta2
	bias1 := 1 - math.Pow(beta1, t)
	bias2 := 1 - math.Pow(beta2, t)
	lr := adam.config.LearningRate
	decay := adam.config.WeightDecay

	for i, p := range adam.params {
		m := adam.momentum[i]
		v := adam.variance[i]
		for j := range p.Data {
			param := float64(p.Data[j])
			grad := float64(p.Grad[j]) + decay*param

			mj := beta1*float64(m[j]) + (1-beta1)*grad
			vj := beta2*float64(v[j]) + (1-beta2)*grad*grad
			m[j] = float32(mj)
			v[j] = float32(vj)

			mHat := mj / bias1
			vHat := vj / bias2
			p.Data[j] = float32(param - lr*mHat/(math.Sqrt(vHat)+adam.config.Epsilon))
		}
	}

	return nil
}

// ClearGrad zeroes the accumulated gradients of every parameter
func (adam *Adam) ClearGrad() {
	for _, p := range adam.params {
		p.ZeroGrad()
	}
}

// SetLR updates the learning rate used by the next Step
func (adam *Adam) SetLR(lr float64) {
	adam.config.LearningRate = lr
}

// GetLR returns the current learning rate
func (adam *Adam) GetLR() float64 {
	return adam.config.LearningRate
}

// StepCount returns the number of updates applied so far
func (adam *Adam) StepCount() uint64 {
	return adam.stepCount
}

// LastGradNorm returns the global gradient norm measured before clipping in the last Step
func (adam *Adam) LastGradNorm() float64 {
	return adam.lastNorm
}

// State extracts optimizer state for checkpointing
func (adam *Adam) State() (*checkpoints.OptimizerState, error) {
	state := &checkpoints.OptimizerState{
		Type: adamType,
		Parameters: map[string]float64{
			"learning_rate": adam.config.LearningRate,
			"beta1":         adam.config.Beta1,
			"beta2":         adam.config.Beta2,
			"epsilon":       adam.config.Epsilon,
			"weight_decay":  adam.config.WeightDecay,
			"clip_norm":     adam.config.ClipNorm,
			"step_count":    float64(adam.stepCount),
		},
		StateData: make([]checkpoints.OptimizerTensor, 0, 2*len(adam.params)),
	}

	for i, p := range adam.params {
		state.StateData = append(state.StateData,
			stateTensor(momentumPrefix+p.Name, p.Shape, adam.momentum[i], "momentum"),
			stateTensor(variancePrefix+p.Name, p.Shape, adam.variance[i], "variance"),
		)
	}

	return state, nil
}

// LoadState restores optimizer state from a checkpoint. Moments are matched to parameters
// by name; the optimizer is left unchanged if anything does not fit.
func (adam *Adam) LoadState(state *checkpoints.OptimizerState) error {
	if state == nil {
		return fmt.Errorf("%w: optimizer state missing", checkpoints.ErrIncompatible)
	}
	if err := validateStateType(adamType, state); err != nil {
		return err
	}

	tensors := indexStateTensors(state)
	momentum := make([][]float32, len(adam.params))
	variance := make([][]float32, len(adam.params))
	for i, p := range adam.params {
		m, err := lookupStateTensor(tensors, momentumPrefix+p.Name, p.Len())
		if err != nil {
			return err
		}
		v, err := lookupStateTensor(tensors, variancePrefix+p.Name, p.Len())
		if err != nil {
			return err
		}
		momentum[i] = m
		variance[i] = v
	}

	adam.momentum = momentum
	adam.variance = variance
	adam.stepCount = extractUint64Param(state.Parameters, "step_count", 0)
	adam.config.Beta1 = extractFloatParam(state.Parameters, "beta1", adam.config.Beta1)
	adam.config.Beta2 = extractFloatParam(state.Parameters, "beta2", adam.config.Beta2)
	adam.config.Epsilon = extractFloatParam(state.Parameters, "epsilon", adam.config.Epsilon)
	adam.config.LearningRate = extractFloatParam(state.Parameters, "learning_rate", adam.config.LearningRate)

	return nil
}
