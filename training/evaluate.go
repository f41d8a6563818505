package training

import (
	"context"
	"fmt"
)

// NoEvaluation is returned by Evaluate when the held-out set produced no examples.
// An empty test set is a valid configuration (smoke runs), not an error.
const NoEvaluation = -1.0

// Evaluator runs the held-out pass: inference, decoding, and per-utterance error rates
type Evaluator struct {
	Decoder   Decoder
	Vocab     []string
	ErrorRate ErrorRateFunc
}

// NewEvaluator creates an evaluator. errorRate selects CER or WER for the whole run.
func NewEvaluator(decoder Decoder, vocab []string, errorRate ErrorRateFunc) (*Evaluator, error) {
	if decoder == nil {
		return nil, fmt.Errorf("decoder cannot be nil")
	}
	if errorRate == nil {
		return nil, fmt.Errorf("error rate function cannot be nil")
	}
	if len(vocab) == 0 {
		return nil, fmt.Errorf("vocabulary cannot be empty")
	}
	return &Evaluator{Decoder: decoder, Vocab: vocab, ErrorRate: errorRate}, nil
}

// Evaluate returns the mean per-utterance error rate over source, or NoEvaluation when
// source yields no utterances. The model is put in eval mode for the pass and is back
// in training mode on every return path; its parameters are only read.
func (e *Evaluator) Evaluate(ctx context.Context, model Model, source BatchSource) (float64, error) {
	model.Eval()
	defer model.Train()

	if err := source.Reset(0); err != nil {
		return NoEvaluation, fmt.Errorf("failed to reset evaluation source: %w", err)
	}

	errorRates := NewAccumulator(source.Len())
	for batchID := 0; ; batchID++ {
		if err := ctx.Err(); err != nil {
			return NoEvaluation, err
		}

		batch, err := source.Next(ctx)
		if err != nil {
			return NoEvaluation, fmt.Errorf("evaluation batch %d: failed to load: %w", batchID, err)
		}
		if batch == nil {
			break
		}

		output, err := model.Predict(batch.Inputs, batch.InputLengths)
		if err != nil {
			return NoEvaluation, fmt.Errorf("evaluation batch %d: inference failed: %w", batchID, err)
		}

		hypotheses, err := e.Decoder.DecodeBatch(output, e.Vocab)
		if err != nil {
			return NoEvaluation, fmt.Errorf("evaluation batch %d: decoding failed: %w", batchID, err)
		}

		references, err := LabelsToStrings(batch.Labels, batch.LabelLengths, e.Vocab)
		if err != nil {
			return NoEvaluation, fmt.Errorf("evaluation batch %d: %w", batchID, err)
		}

		if len(hypotheses) != len(references) {
			return NoEvaluation, fmt.Errorf("evaluation batch %d: %d hypotheses for %d references",
				batchID, len(hypotheses), len(references))
		}

		for i, reference := range references {
			rate, err := e.ErrorRate(reference, hypotheses[i])
			if err != nil {
				return NoEvaluation, fmt.Errorf("evaluation batch %d utterance %d: %w", batchID, i, err)
			}
			errorRates.Record(rate)
		}
	}

	if errorRates.Len() == 0 {
		return NoEvaluation, nil
	}
	return errorRates.Mean(), nil
}
