// Package ctc implements the connectionist temporal classification loss and a greedy
// best-path decoder over per-frame vocabulary logits.
package ctc

import (
	"fmt"
	"math"

	"github.com/tsawler/go-deepspeech/training"
)

// Blank is the vocabulary index reserved for the CTC blank symbol
const Blank = 0

// Loss computes the CTC negative log-likelihood with log-space forward-backward.
//
// Each sample's loss is divided by its label length and the batch loss is the mean
// over samples. A sample whose labels cannot be aligned to its frames (too few frames
// for the labels and their mandatory blanks) contributes zero loss and zero gradient
// and is counted in Infeasible.
type Loss struct {
	Blank int

	infeasible int
}

// NewLoss creates a CTC loss with blank index 0
func NewLoss() *Loss {
	return &Loss{Blank: Blank}
}

// Infeasible returns the number of samples skipped since the loss was created
func (l *Loss) Infeasible() int {
	return l.infeasible
}

// Compute returns the reduced loss and its gradient with respect to the logits.
// Frames past a sample's output length receive zero gradient.
func (l *Loss) Compute(out *training.Output, labels [][]int, labelLengths []int) (float64, [][][]float32, error) {
	batchSize := len(out.Logits)
	if batchSize == 0 {
		return 0, nil, fmt.Errorf("empty batch")
	}
	if len(out.Lengths) != batchSize || len(labels) != batchSize || len(labelLengths) != batchSize {
		return 0, nil, fmt.Errorf("batch size mismatch: logits %d, lengths %d, labels %d, label lengths %d",
			batchSize, len(out.Lengths), len(labels), len(labelLengths))
	}

	grad := make([][][]float32, batchSize)
	total := 0.0
	for b := 0; b < batchSize; b++ {
		frames := out.Logits[b]
		grad[b] = make([][]float32, len(frames))
		for t := range frames {
			grad[b][t] = make([]float32, len(frames[t]))
		}

		T := out.Lengths[b]
		if T < 0 || T > len(frames) {
			return 0, nil, fmt.Errorf("sample %d: output length %d outside %d frames", b, T, len(frames))
		}
		L := labelLengths[b]
		if L < 0 || L > len(labels[b]) {
			return 0, nil, fmt.Errorf("sample %d: label length %d outside %d labels", b, L, len(labels[b]))
		}
		label := labels[b][:L]

		vocabSize := 0
		if T > 0 {
			vocabSize = len(frames[0])
		}
		for _, id := range label {
			if id == l.Blank || id < 0 || (vocabSize > 0 && id >= vocabSize) {
				return 0, nil, fmt.Errorf("sample %d: invalid label id %d", b, id)
			}
		}

		scale := 1.0 / (float64(batchSize) * float64(max(L, 1)))
		nll, ok := l.sample(frames[:T], label, grad[b][:T], scale)
		if !ok {
			l.infeasible++
			continue
		}
		total += nll / float64(max(L, 1))
	}

	return total / float64(batchSize), grad, nil
}

// sample runs forward-backward for one utterance, writes scale * dNLL/dlogits into grad
// and returns the negative log-likelihood. ok is false for infeasible alignments.
func (l *Loss) sample(logits [][]float32, label []int, grad [][]float32, scale float64) (nll float64, ok bool) {
	T := len(logits)
	if T == 0 {
		return 0, false
	}
	repeats := 0
	for i := 1; i < len(label); i++ {
		if label[i] == label[i-1] {
			repeats++
		}
	}
	if T < len(label)+repeats {
		return 0, false
	}

	V := len(logits[0])
	logProbs := make([][]float64, T)
	for t := range logits {
		logProbs[t] = logSoftmax(logits[t])
	}

	// label sequence with blanks interleaved: _ l1 _ l2 ... _
	S := 2*len(label) + 1
	ext := make([]int, S)
	for s := range ext {
		if s%2 == 0 {
			ext[s] = l.Blank
		} else {
			ext[s] = label[s/2]
		}
	}

	alpha := negInfMatrix(T, S)
	alpha[0][0] = logProbs[0][ext[0]]
	if S > 1 {
		alpha[0][1] = logProbs[0][ext[1]]
	}
	for t := 1; t < T; t++ {
		for s := 0; s < S; s++ {
			a := alpha[t-1][s]
			if s >= 1 {
				a = logAddExp(a, alpha[t-1][s-1])
			}
			if s >= 2 && ext[s] != l.Blank && ext[s] != ext[s-2] {
				a = logAddExp(a, alpha[t-1][s-2])
			}
			alpha[t][s] = a + logProbs[t][ext[s]]
		}
	}

	beta := negInfMatrix(T, S)
	beta[T-1][S-1] = logProbs[T-1][ext[S-1]]
	if S > 1 {
		beta[T-1][S-2] = logProbs[T-1][ext[S-2]]
	}
	for t := T - 2; t >= 0; t-- {
		for s := 0; s < S; s++ {
			b := beta[t+1][s]
			if s+1 < S {
				b = logAddExp(b, beta[t+1][s+1])
			}
			if s+2 < S && ext[s] != l.Blank && ext[s] != ext[s+2] {
				b = logAddExp(b, beta[t+1][s+2])
			}
			beta[t][s] = b + logProbs[t][ext[s]]
		}
	}

	logLikelihood := alpha[T-1][S-1]
	if S > 1 {
		logLikelihood = logAddExp(logLikelihood, alpha[T-1][S-2])
	}
	if math.IsInf(logLikelihood, -1) || math.IsNaN(logLikelihood) {
		return 0, false
	}

	// alpha and beta both include the emission at t, so it is subtracted once
	occupancy := make([]float64, V)
	for t := 0; t < T; t++ {
		for k := range occupancy {
			occupancy[k] = math.Inf(-1)
		}
		for s := 0; s < S; s++ {
			k := ext[s]
			occupancy[k] = logAddExp(occupancy[k], alpha[t][s]+beta[t][s]-logProbs[t][k])
		}
		for k := 0; k < V; k++ {
			g := math.Exp(logProbs[t][k]) - math.Exp(occupancy[k]-logLikelihood)
			grad[t][k] = float32(scale * g)
		}
	}

	return -logLikelihood, true
}

func logSoftmax(logits []float32) []float64 {
	out := make([]float64, len(logits))
	maxLogit := math.Inf(-1)
	for _, v := range logits {
		maxLogit = math.Max(maxLogit, float64(v))
	}
	sum := 0.0
	for _, v := range logits {
		sum += math.Exp(float64(v) - maxLogit)
	}
	logSum := maxLogit + math.Log(sum)
	for i, v := range logits {
		out[i] = float64(v) - logSum
	}
	return out
}

func logAddExp(a, b float64) float64 {
	if math.IsInf(a, -1) {
		return b
	}
	if math.IsInf(b, -1) {
		return a
	}
	if a > b {
		return a + math.Log1p(math.Exp(b-a))
	}
	return b + math.Log1p(math.Exp(a-b))
}

func negInfMatrix(rows, cols int) [][]float64 {
	m := make([][]float64, rows)
	for i := range m {
		m[i] = make([]float64, cols)
		for j := range m[i] {
			m[i][j] = math.Inf(-1)
		}
	}
	return m
}
