// Package model provides the acoustic model trained with CTC: a per-frame projection
// from feature vectors to vocabulary logits.
package model

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-deepspeech/tensor"
	"github.com/tsawler/go-deepspeech/training"
)

// LinearCTCConfig holds configuration for LinearCTC
type LinearCTCConfig struct {
	InputDim  int
	VocabSize int
	Dropout   float64 // input dropout rate in training mode
	Seed      int64
}

// LinearCTC maps every frame independently: logits = dropout(x) W + b.
// Forward caches the (dropped-out) inputs for Backward; Predict does not.
type LinearCTC struct {
	config LinearCTCConfig
	weight *tensor.Parameter // InputDim x VocabSize
	bias   *tensor.Parameter // VocabSize
	rng    *rand.Rand

	training bool
	cached   []*mat.Dense
}

// NewLinearCTC creates the model with Xavier-uniform weights and zero bias
func NewLinearCTC(config LinearCTCConfig) (*LinearCTC, error) {
	if config.InputDim <= 0 || config.VocabSize <= 1 {
		return nil, fmt.Errorf("invalid dimensions: input %d, vocab %d", config.InputDim, config.VocabSize)
	}
	if config.Dropout < 0 || config.Dropout >= 1 {
		return nil, fmt.Errorf("dropout must be in [0, 1), got %g", config.Dropout)
	}

	m := &LinearCTC{
		config:   config,
		weight:   tensor.NewParameter("linear.weight", config.InputDim, config.VocabSize),
		bias:     tensor.NewParameter("linear.bias", config.VocabSize),
		rng:      rand.New(rand.NewSource(config.Seed)),
		training: true,
	}

	limit := math.Sqrt(6.0 / float64(config.InputDim+config.VocabSize))
	for i := range m.weight.Data {
		m.weight.Data[i] = float32((m.rng.Float64()*2 - 1) * limit)
	}
	return m, nil
}

// Forward computes logits and keeps the inputs for Backward
func (m *LinearCTC) Forward(inputs [][][]float32, inputLengths []int) (*training.Output, error) {
	if len(inputLengths) != len(inputs) {
		return nil, fmt.Errorf("got %d inputs and %d lengths", len(inputs), len(inputLengths))
	}

	w := m.weightMatrix()
	out := &training.Output{Logits: make([][][]float32, len(inputs)), Lengths: append([]int(nil), inputLengths...)}
	m.cached = make([]*mat.Dense, len(inputs))

	for i, frames := range inputs {
		x, err := m.inputMatrix(frames)
		if err != nil {
			return nil, fmt.Errorf("utterance %d: %w", i, err)
		}
		if x == nil {
			out.Logits[i] = [][]float32{}
			continue
		}
		if m.training && m.config.Dropout > 0 {
			m.dropout(x)
		}
		m.cached[i] = x
		out.Logits[i] = m.project(x, w)
	}
	return out, nil
}

// Backward accumulates parameter gradients from the logits gradient of the last Forward
func (m *LinearCTC) Backward(outputGrad [][][]float32) error {
	if m.cached == nil {
		return fmt.Errorf("backward called without forward")
	}
	if len(outputGrad) != len(m.cached) {
		return fmt.Errorf("gradient for %d utterances, forward had %d", len(outputGrad), len(m.cached))
	}

	V := m.config.VocabSize
	var dw mat.Dense
	for i, x := range m.cached {
		if x == nil {
			continue
		}
		T, _ := x.Dims()
		if len(outputGrad[i]) != T {
			return fmt.Errorf("utterance %d: gradient has %d frames, expected %d", i, len(outputGrad[i]), T)
		}

		g := mat.NewDense(T, V, nil)
		for t, row := range outputGrad[i] {
			if len(row) != V {
				return fmt.Errorf("utterance %d frame %d: gradient width %d, expected %d", i, t, len(row), V)
			}
			for k, v := range row {
				g.Set(t, k, float64(v))
				m.bias.Grad[k] += v
			}
		}

		dw.Reset()
		dw.Mul(x.T(), g)
		raw := dw.RawMatrix()
		for r := 0; r < raw.Rows; r++ {
			for c := 0; c < raw.Cols; c++ {
				m.weight.Grad[r*V+c] += float32(raw.Data[r*raw.Stride+c])
			}
		}
	}

	m.cached = nil
	return nil
}

// Predict computes logits without dropout and without caching
func (m *LinearCTC) Predict(inputs [][][]float32, inputLengths []int) (*training.Output, error) {
	if len(inputLengths) != len(inputs) {
		return nil, fmt.Errorf("got %d inputs and %d lengths", len(inputs), len(inputLengths))
	}

	w := m.weightMatrix()
	out := &training.Output{Logits: make([][][]float32, len(inputs)), Lengths: append([]int(nil), inputLengths...)}
	for i, frames := range inputs {
		x, err := m.inputMatrix(frames)
		if err != nil {
			return nil, fmt.Errorf("utterance %d: %w", i, err)
		}
		if x == nil {
			out.Logits[i] = [][]float32{}
			continue
		}
		out.Logits[i] = m.project(x, w)
	}
	return out, nil
}

// Parameters returns the weight and bias
func (m *LinearCTC) Parameters() []*tensor.Parameter {
	return []*tensor.Parameter{m.weight, m.bias}
}

func (m *LinearCTC) Train()           { m.training = true }
func (m *LinearCTC) Eval()            { m.training = false }
func (m *LinearCTC) IsTraining() bool { return m.training }

func (m *LinearCTC) weightMatrix() *mat.Dense {
	data := make([]float64, len(m.weight.Data))
	for i, v := range m.weight.Data {
		data[i] = float64(v)
	}
	return mat.NewDense(m.config.InputDim, m.config.VocabSize, data)
}

// inputMatrix converts frames to a T x InputDim matrix; nil for zero frames
func (m *LinearCTC) inputMatrix(frames [][]float32) (*mat.Dense, error) {
	if len(frames) == 0 {
		return nil, nil
	}
	data := make([]float64, 0, len(frames)*m.config.InputDim)
	for t, frame := range frames {
		if len(frame) != m.config.InputDim {
			return nil, fmt.Errorf("frame %d has %d features, expected %d", t, len(frame), m.config.InputDim)
		}
		for _, v := range frame {
			data = append(data, float64(v))
		}
	}
	return mat.NewDense(len(frames), m.config.InputDim, data), nil
}

func (m *LinearCTC) project(x, w *mat.Dense) [][]float32 {
	var z mat.Dense
	z.Mul(x, w)

	T, V := z.Dims()
	logits := make([][]float32, T)
	for t := 0; t < T; t++ {
		logits[t] = make([]float32, V)
		for k := 0; k < V; k++ {
			logits[t][k] = float32(z.At(t, k)) + m.bias.Data[k]
		}
	}
	return logits
}

// dropout zeroes inputs with probability Dropout and rescales the survivors
func (m *LinearCTC) dropout(x *mat.Dense) {
	keep := 1 - m.config.Dropout
	x.Apply(func(_, _ int, v float64) float64 {
		if m.rng.Float64() < m.config.Dropout {
			return 0
		}
		return v / keep
	}, x)
}
