package training

import (
	"context"
	"errors"

	"github.com/tsawler/go-deepspeech/checkpoints"
	"github.com/tsawler/go-deepspeech/tensor"
)

var testVocab = []string{"<blank>", "a", "b", "c", "d", " "}

// fakeModel emits uniform logits and fills every gradient with a constant
type fakeModel struct {
	params   []*tensor.Parameter
	training bool

	forwardCalls  int
	backwardCalls int
	predictCalls  int
	predictErr    error

	trainingDuringPredict []bool
}

func newFakeModel() *fakeModel {
	w := tensor.NewParameter("encoder.weight", 2, 3)
	b := tensor.NewParameter("encoder.bias", 3)
	for i := range w.Data {
		w.Data[i] = float32(i) * 0.1
	}
	return &fakeModel{params: []*tensor.Parameter{w, b}, training: true}
}

func (m *fakeModel) output(inputs [][][]float32, lengths []int) *Output {
	out := &Output{Logits: make([][][]float32, len(inputs)), Lengths: append([]int(nil), lengths...)}
	for i := range inputs {
		out.Logits[i] = make([][]float32, len(inputs[i]))
		for f := range out.Logits[i] {
			out.Logits[i][f] = make([]float32, len(testVocab))
		}
	}
	return out
}

func (m *fakeModel) Forward(inputs [][][]float32, inputLengths []int) (*Output, error) {
	m.forwardCalls++
	return m.output(inputs, inputLengths), nil
}

func (m *fakeModel) Backward(outputGrad [][][]float32) error {
	m.backwardCalls++
	for _, p := range m.params {
		for i := range p.Grad {
			p.Grad[i] = 0.1
		}
	}
	return nil
}

func (m *fakeModel) Predict(inputs [][][]float32, inputLengths []int) (*Output, error) {
	m.predictCalls++
	m.trainingDuringPredict = append(m.trainingDuringPredict, m.training)
	if m.predictErr != nil {
		return nil, m.predictErr
	}
	return m.output(inputs, inputLengths), nil
}

func (m *fakeModel) Parameters() []*tensor.Parameter { return m.params }
func (m *fakeModel) Train()                          { m.training = true }
func (m *fakeModel) Eval()                           { m.training = false }
func (m *fakeModel) IsTraining() bool                { return m.training }

// fakeOptimizer records the learning rate of every step
type fakeOptimizer struct {
	lr        float64
	stepLRs   []float64
	clears    int
	stepErr   error
	stepCount int
}

func (o *fakeOptimizer) Step() error {
	if o.stepErr != nil {
		return o.stepErr
	}
	o.stepLRs = append(o.stepLRs, o.lr)
	o.stepCount++
	return nil
}

func (o *fakeOptimizer) ClearGrad()       { o.clears++ }
func (o *fakeOptimizer) SetLR(lr float64) { o.lr = lr }
func (o *fakeOptimizer) GetLR() float64   { return o.lr }

func (o *fakeOptimizer) State() (*checkpoints.OptimizerState, error) {
	return &checkpoints.OptimizerState{Type: "Fake", Parameters: map[string]float64{"step_count": float64(o.stepCount)}}, nil
}

func (o *fakeOptimizer) LoadState(state *checkpoints.OptimizerState) error {
	if state == nil || state.Type != "Fake" {
		return checkpoints.ErrIncompatible
	}
	o.stepCount = int(state.Parameters["step_count"])
	return nil
}

// constantLoss returns the same loss for every batch
type constantLoss struct {
	value float64
	err   error
	calls int
}

func (l *constantLoss) Compute(out *Output, labels [][]int, labelLengths []int) (float64, [][][]float32, error) {
	l.calls++
	if l.err != nil {
		return 0, nil, l.err
	}
	grad := make([][][]float32, len(out.Logits))
	for i := range out.Logits {
		grad[i] = make([][]float32, len(out.Logits[i]))
		for f := range out.Logits[i] {
			grad[i][f] = make([]float32, len(out.Logits[i][f]))
		}
	}
	return l.value, grad, nil
}

// sliceSource replays a fixed list of batches every epoch
type sliceSource struct {
	batches []*Minibatch
	pos     int
	resets  []int
	nextErr error
}

func (s *sliceSource) Len() int { return len(s.batches) }

func (s *sliceSource) Reset(epoch int) error {
	s.resets = append(s.resets, epoch)
	s.pos = 0
	return nil
}

func (s *sliceSource) Next(ctx context.Context) (*Minibatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.nextErr != nil {
		return nil, s.nextErr
	}
	if s.pos >= len(s.batches) {
		return nil, nil
	}
	b := s.batches[s.pos]
	s.pos++
	return b, nil
}

// testBatch builds a batch whose references are the given label rows
func testBatch(labels ...[]int) *Minibatch {
	b := &Minibatch{}
	for _, row := range labels {
		frames := len(row) + 2
		input := make([][]float32, frames)
		for f := range input {
			input[f] = []float32{0.5, -0.5}
		}
		b.Inputs = append(b.Inputs, input)
		b.InputLengths = append(b.InputLengths, frames)
		b.Labels = append(b.Labels, row)
		b.LabelLengths = append(b.LabelLengths, len(row))
	}
	return b
}

func newSliceSource(n int) *sliceSource {
	s := &sliceSource{}
	for i := 0; i < n; i++ {
		s.batches = append(s.batches, testBatch([]int{1, 2}, []int{3}))
	}
	return s
}

// queueDecoder returns canned hypotheses, one slice per batch
type queueDecoder struct {
	hypotheses [][]string
	err        error
}

func (d *queueDecoder) DecodeBatch(out *Output, vocab []string) ([]string, error) {
	if d.err != nil {
		return nil, d.err
	}
	if len(d.hypotheses) == 0 {
		return make([]string, len(out.Logits)), nil
	}
	h := d.hypotheses[0]
	d.hypotheses = d.hypotheses[1:]
	return h, nil
}

// exactMatch scores 0 for identical transcripts and 1 otherwise
func exactMatch(reference, hypothesis string) (float64, error) {
	if reference == "" {
		return 0, errors.New("empty reference")
	}
	if reference == hypothesis {
		return 0, nil
	}
	return 1, nil
}

// recordingCheckpointer keeps every Save call in memory
type recordingCheckpointer struct {
	saves   []savedCall
	best    float64
	hasBest bool
	err     error
}

type savedCall struct {
	epoch      int
	globalStep int
	errorRate  float64
}

func (c *recordingCheckpointer) Save(model Model, optimizer Optimizer, epoch, globalStep int, errorRate float64) (*SaveResult, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.saves = append(c.saves, savedCall{epoch: epoch, globalStep: globalStep, errorRate: errorRate})
	improved := errorRate >= 0 && (!c.hasBest || errorRate < c.best)
	if improved {
		c.best, c.hasBest = errorRate, true
	}
	return &SaveResult{Path: "mem", Improved: improved}, nil
}

func (c *recordingCheckpointer) BestErrorRate() (float64, bool) {
	return c.best, c.hasBest
}

// recordingScalars keeps every scalar written
type recordingScalars struct {
	tags []string
}

func (s *recordingScalars) AddScalar(ctx context.Context, tag string, step int, value float64) error {
	s.tags = append(s.tags, tag)
	return nil
}
