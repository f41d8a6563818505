package ctc

import (
	"fmt"
	"strings"

	"github.com/tsawler/go-deepspeech/training"
)

// GreedyDecoder decodes the best path: the arg-max token of every frame, with repeats
// collapsed and blanks removed.
type GreedyDecoder struct {
	Blank int
}

// NewGreedyDecoder creates a decoder with blank index 0
func NewGreedyDecoder() *GreedyDecoder {
	return &GreedyDecoder{Blank: Blank}
}

// BestPath returns the collapsed token ids for one utterance
func (d *GreedyDecoder) BestPath(frames [][]float32) []int {
	ids := make([]int, 0, len(frames))
	prev := -1
	for _, frame := range frames {
		best := argmax(frame)
		if best != prev && best != d.Blank {
			ids = append(ids, best)
		}
		prev = best
	}
	return ids
}

// Decode maps one utterance's frames to text
func (d *GreedyDecoder) Decode(frames [][]float32, vocab []string) (string, error) {
	var sb strings.Builder
	for _, id := range d.BestPath(frames) {
		if id < 0 || id >= len(vocab) {
			return "", fmt.Errorf("token id %d outside vocabulary of %d", id, len(vocab))
		}
		sb.WriteString(vocab[id])
	}
	return sb.String(), nil
}

// DecodeBatch decodes every utterance up to its output length
func (d *GreedyDecoder) DecodeBatch(out *training.Output, vocab []string) ([]string, error) {
	texts := make([]string, len(out.Logits))
	for i, frames := range out.Logits {
		n := len(frames)
		if i < len(out.Lengths) && out.Lengths[i] < n {
			n = out.Lengths[i]
		}
		text, err := d.Decode(frames[:n], vocab)
		if err != nil {
			return nil, fmt.Errorf("utterance %d: %w", i, err)
		}
		texts[i] = text
	}
	return texts, nil
}

func argmax(values []float32) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}
