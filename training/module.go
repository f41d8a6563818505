package training

import (
	"context"
	"fmt"

	"github.com/tsawler/go-deepspeech/checkpoints"
	"github.com/tsawler/go-deepspeech/tensor"
)

// Minibatch is one collated batch of utterances.
// Inputs is batch x frames x feature; rows are zero-padded past InputLengths.
// Labels holds token ids; entries past LabelLengths are padding.
type Minibatch struct {
	Inputs       [][][]float32
	InputLengths []int
	Labels       [][]int
	LabelLengths []int
}

// Size returns the number of utterances in the batch
func (b *Minibatch) Size() int {
	return len(b.InputLengths)
}

// Validate checks the batch invariants: consistent sizes, and every input at least as
// long as its label sequence (CTC cannot emit more labels than frames).
func (b *Minibatch) Validate() error {
	n := len(b.InputLengths)
	if len(b.LabelLengths) != n || len(b.Inputs) != n || len(b.Labels) != n {
		return fmt.Errorf("batch size mismatch: inputs %d, input lengths %d, labels %d, label lengths %d",
			len(b.Inputs), n, len(b.Labels), len(b.LabelLengths))
	}
	for i := 0; i < n; i++ {
		if b.InputLengths[i] < 0 || b.LabelLengths[i] < 0 {
			return fmt.Errorf("utterance %d: negative length (input %d, label %d)", i, b.InputLengths[i], b.LabelLengths[i])
		}
		if b.InputLengths[i] > len(b.Inputs[i]) {
			return fmt.Errorf("utterance %d: input length %d exceeds %d frames", i, b.InputLengths[i], len(b.Inputs[i]))
		}
		if b.LabelLengths[i] > len(b.Labels[i]) {
			return fmt.Errorf("utterance %d: label length %d exceeds %d labels", i, b.LabelLengths[i], len(b.Labels[i]))
		}
		if b.InputLengths[i] < b.LabelLengths[i] {
			return fmt.Errorf("utterance %d: input length %d shorter than label length %d",
				i, b.InputLengths[i], b.LabelLengths[i])
		}
	}
	return nil
}

// Output is the raw per-frame model output for a batch (batch x frames x vocab)
type Output struct {
	Logits  [][][]float32
	Lengths []int
}

// Model is the network being trained. Forward keeps whatever it needs for Backward;
// Predict is the inference path and must not retain activations.
type Model interface {
	Forward(inputs [][][]float32, inputLengths []int) (*Output, error)
	Backward(outputGrad [][][]float32) error
	Predict(inputs [][][]float32, inputLengths []int) (*Output, error)
	Parameters() []*tensor.Parameter
	Train()           // Sets module to training mode
	Eval()            // Sets module to evaluation mode
	IsTraining() bool // Returns true if in training mode
}

// Optimizer updates model parameters from accumulated gradients.
// Gradient clipping and weight decay are the optimizer's concern.
type Optimizer interface {
	Step() error
	ClearGrad()
	SetLR(lr float64)
	GetLR() float64
	State() (*checkpoints.OptimizerState, error)
	LoadState(state *checkpoints.OptimizerState) error
}

// Scheduler maps the optimization step count to a learning rate.
// The trainer advances it exactly once per consumed batch, after the optimizer step
// and before the next forward pass.
type Scheduler interface {
	Step()
	GetLR() float64
	StepCount() int
	SetStepCount(n int)
}

// Loss computes a reduced scalar loss and its gradient with respect to the logits
type Loss interface {
	Compute(out *Output, labels [][]int, labelLengths []int) (float64, [][][]float32, error)
}

// BatchSource yields the minibatches of one epoch. Next returns (nil, nil) once the
// epoch is exhausted; Reset prepares the given epoch (batch order is the source's policy).
type BatchSource interface {
	Len() int
	Reset(epoch int) error
	Next(ctx context.Context) (*Minibatch, error)
}

// Decoder turns raw model output into hypothesis transcripts
type Decoder interface {
	DecodeBatch(out *Output, vocab []string) ([]string, error)
}

// ErrorRateFunc compares a reference transcript with a hypothesis (CER or WER)
type ErrorRateFunc func(reference, hypothesis string) (float64, error)

// LabelsToStrings converts padded label id rows back into reference transcripts
func LabelsToStrings(labels [][]int, lengths []int, vocab []string) ([]string, error) {
	out := make([]string, len(labels))
	for i, row := range labels {
		n := len(row)
		if i < len(lengths) {
			if lengths[i] < 0 {
				return nil, fmt.Errorf("utterance %d: negative label length %d", i, lengths[i])
			}
			n = min(n, lengths[i])
		}
		buf := make([]byte, 0, n)
		for _, id := range row[:n] {
			if id < 0 || id >= len(vocab) {
				return nil, fmt.Errorf("label id %d out of vocabulary range %d", id, len(vocab))
			}
			buf = append(buf, vocab[id]...)
		}
		out[i] = string(buf)
	}
	return out, nil
}
