package training

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
)

// DefaultReportInterval is the number of batches between progress reports
const DefaultReportInterval = 100

// TrainerConfig holds configuration for the training loop
type TrainerConfig struct {
	TotalEpochs    int
	ReportInterval int    // Report every N batches (batch ids divisible by N)
	MetricsType    string // Tag for the evaluation metric, "cer" or "wer"
	Role           Role
}

// Checkpointer persists the end-of-epoch state
type Checkpointer interface {
	Save(model Model, optimizer Optimizer, epoch, globalStep int, errorRate float64) (*SaveResult, error)
	BestErrorRate() (float64, bool)
}

// ScalarWriter records scalar series (losses, learning rate, error rates) by step
type ScalarWriter interface {
	AddScalar(ctx context.Context, tag string, step int, value float64) error
}

// Dependencies are the collaborators the trainer drives. Scalars and Status are optional.
type Dependencies struct {
	Model        Model
	Optimizer    Optimizer
	Scheduler    Scheduler
	Loss         Loss
	TrainSource  BatchSource
	EvalSource   BatchSource
	Evaluator    *Evaluator
	Checkpointer Checkpointer
	Scalars      ScalarWriter
	Status       *StatusTracker
	Logger       *log.Logger
}

// EpochMetrics holds metrics for a single epoch
type EpochMetrics struct {
	Epoch         int
	Batches       int
	MeanLoss      float64 // NaN when the epoch had no batches
	ErrorRate     float64 // NoEvaluation when the held-out set was empty
	TrainDuration time.Duration
	Checkpoint    string
	Improved      bool
}

// RunSummary describes a completed run
type RunSummary struct {
	StartEpoch    int
	EpochsRun     int
	GlobalStep    int
	LastErrorRate float64
	BestErrorRate float64
	HasBest       bool
	Epochs        []EpochMetrics
}

// Trainer runs the epoch loop: per batch forward, CTC loss, backward, optimizer step and
// one scheduler step; per epoch evaluation and a checkpoint.
type Trainer struct {
	config TrainerConfig
	deps   Dependencies
	logger *log.Logger
}

// NewTrainer validates the configuration and collaborators and creates a trainer
func NewTrainer(config TrainerConfig, deps Dependencies) (*Trainer, error) {
	if config.TotalEpochs < 1 {
		return nil, fmt.Errorf("total epochs must be at least 1, got %d", config.TotalEpochs)
	}
	if config.ReportInterval <= 0 {
		config.ReportInterval = DefaultReportInterval
	}
	if config.MetricsType == "" {
		config.MetricsType = "cer"
	}
	if config.Role.WorldSize == 0 {
		config.Role = SingleProcess
	}
	if err := config.Role.Validate(); err != nil {
		return nil, err
	}

	switch {
	case deps.Model == nil:
		return nil, fmt.Errorf("model cannot be nil")
	case deps.Optimizer == nil:
		return nil, fmt.Errorf("optimizer cannot be nil")
	case deps.Scheduler == nil:
		return nil, fmt.Errorf("scheduler cannot be nil")
	case deps.Loss == nil:
		return nil, fmt.Errorf("loss cannot be nil")
	case deps.TrainSource == nil:
		return nil, fmt.Errorf("training source cannot be nil")
	case deps.EvalSource == nil:
		return nil, fmt.Errorf("evaluation source cannot be nil")
	case deps.Evaluator == nil:
		return nil, fmt.Errorf("evaluator cannot be nil")
	case deps.Checkpointer == nil && config.Role.IsPrimary():
		return nil, fmt.Errorf("checkpointer cannot be nil on the primary worker")
	}

	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &Trainer{config: config, deps: deps, logger: logger}, nil
}

// Run trains epochs startEpoch..TotalEpochs-1 starting from globalStep, which must agree
// with the scheduler's position (a resumed run restores both from the same checkpoint).
// It returns on the first error; cancelling ctx stops the run between batches.
func (t *Trainer) Run(ctx context.Context, startEpoch, globalStep int) (*RunSummary, error) {
	if startEpoch < 0 {
		return nil, fmt.Errorf("start epoch must be non-negative, got %d", startEpoch)
	}
	if globalStep < 0 {
		return nil, fmt.Errorf("global step must be non-negative, got %d", globalStep)
	}

	summary := &RunSummary{
		StartEpoch:    startEpoch,
		GlobalStep:    globalStep,
		LastErrorRate: NoEvaluation,
	}

	stepsPerEpoch := t.deps.TrainSource.Len()
	maxStep := stepsPerEpoch * max(t.config.TotalEpochs-startEpoch, 0)
	window := NewRunningWindow(t.config.ReportInterval)
	primary := t.config.Role.IsPrimary()

	if primary {
		t.logger.Info("starting training",
			"epochs", t.config.TotalEpochs,
			"start_epoch", startEpoch,
			"batches_per_epoch", humanize.Comma(int64(stepsPerEpoch)),
			"lr", t.deps.Scheduler.GetLR(),
			"role", t.config.Role.String())
	}
	t.updateStatus(func(s *Status) {
		s.TotalEpochs = t.config.TotalEpochs
		s.BatchesPerEp = stepsPerEpoch
		s.MaxStep = maxStep
		s.MetricsType = t.config.MetricsType
		s.GlobalStep = globalStep
		s.Phase = "training"
	})

	t.deps.Model.Train()
	runStep := 0 // steps taken by this invocation, for the ETA
	for epoch := startEpoch; epoch < t.config.TotalEpochs; epoch++ {
		metrics, steps, err := t.trainEpoch(ctx, epoch, &globalStep, runStep, maxStep, stepsPerEpoch, window)
		runStep = steps
		summary.GlobalStep = globalStep
		if err != nil {
			return summary, err
		}

		if err := t.finishEpoch(ctx, metrics, globalStep); err != nil {
			return summary, err
		}

		summary.EpochsRun++
		summary.LastErrorRate = metrics.ErrorRate
		summary.Epochs = append(summary.Epochs, *metrics)
	}

	if t.deps.Checkpointer != nil {
		summary.BestErrorRate, summary.HasBest = t.deps.Checkpointer.BestErrorRate()
	}
	t.updateStatus(func(s *Status) { s.Phase = "finished" })
	if primary {
		t.logger.Info("training finished", "epochs_run", summary.EpochsRun, "global_step", humanize.Comma(int64(globalStep)))
	}
	return summary, nil
}

// trainEpoch consumes one epoch of batches. It returns the number of steps this Run has
// taken so far, which drives the ETA.
func (t *Trainer) trainEpoch(ctx context.Context, epoch int, globalStep *int, runStep, maxStep, stepsPerEpoch int,
	window *RunningWindow) (*EpochMetrics, int, error) {
	if err := t.deps.TrainSource.Reset(epoch); err != nil {
		return nil, runStep, fmt.Errorf("epoch %d: failed to reset training source: %w", epoch, err)
	}

	epochStart := time.Now()
	epochLoss := NewAccumulator(stepsPerEpoch)
	stepStart := time.Now()

	for batchID := 0; ; batchID++ {
		if err := ctx.Err(); err != nil {
			return nil, runStep, err
		}

		batch, err := t.deps.TrainSource.Next(ctx)
		if err != nil {
			return nil, runStep, fmt.Errorf("epoch %d batch %d: failed to load: %w", epoch, batchID, err)
		}
		if batch == nil {
			break
		}

		loss, err := t.trainStep(batch)
		if err != nil {
			return nil, runStep, fmt.Errorf("epoch %d batch %d: %w", epoch, batchID, err)
		}

		elapsedMs := float64(time.Since(stepStart).Microseconds()) / 1000
		stepStart = time.Now()
		window.Record(loss, elapsedMs)
		epochLoss.Record(loss)

		if t.config.Role.IsPrimary() {
			t.writeScalar(ctx, "Train/Loss", *globalStep, loss)
			t.writeScalar(ctx, "Train/lr", *globalStep, t.deps.Optimizer.GetLR())
		}
		*globalStep++
		runStep++

		if batchID%t.config.ReportInterval == 0 && !window.Empty() {
			t.report(epoch, batchID, stepsPerEpoch, *globalStep, maxStep-runStep, window)
			window.Reset()
		}
	}

	return &EpochMetrics{
		Epoch:         epoch,
		Batches:       epochLoss.Len(),
		MeanLoss:      epochLoss.Mean(),
		ErrorRate:     NoEvaluation,
		TrainDuration: time.Since(epochStart),
	}, runStep, nil
}

// trainStep runs one optimization step: the learning rate comes from the scheduler,
// which advances exactly once after the parameter update.
func (t *Trainer) trainStep(batch *Minibatch) (float64, error) {
	if err := batch.Validate(); err != nil {
		return 0, fmt.Errorf("invalid batch: %w", err)
	}

	t.deps.Optimizer.SetLR(t.deps.Scheduler.GetLR())

	output, err := t.deps.Model.Forward(batch.Inputs, batch.InputLengths)
	if err != nil {
		return 0, fmt.Errorf("forward pass failed: %w", err)
	}

	loss, grad, err := t.deps.Loss.Compute(output, batch.Labels, batch.LabelLengths)
	if err != nil {
		return 0, fmt.Errorf("loss computation failed: %w", err)
	}

	if err := t.deps.Model.Backward(grad); err != nil {
		return 0, fmt.Errorf("backward pass failed: %w", err)
	}
	if err := t.deps.Optimizer.Step(); err != nil {
		return 0, fmt.Errorf("optimizer step failed: %w", err)
	}
	t.deps.Optimizer.ClearGrad()
	t.deps.Scheduler.Step()

	return loss, nil
}

func (t *Trainer) report(epoch, batchID, stepsPerEpoch, globalStep, remaining int, window *RunningWindow) {
	meanLoss := window.Loss.Mean()
	lr := t.deps.Scheduler.GetLR()
	eta := FormatETA(EstimateETA(window.Duration.Values(), remaining))

	t.updateStatus(func(s *Status) {
		s.Epoch = epoch
		s.Batch = batchID
		s.GlobalStep = globalStep
		s.Loss = meanLoss
		s.LearningRate = lr
		s.ETA = eta
	})

	if !t.config.Role.IsPrimary() {
		return
	}
	t.logger.Info("train",
		"epoch", fmt.Sprintf("%d/%d", epoch+1, t.config.TotalEpochs),
		"batch", fmt.Sprintf("%d/%d", batchID, stepsPerEpoch),
		"loss", fmt.Sprintf("%.5f", meanLoss),
		"lr", fmt.Sprintf("%.8f", lr),
		"eta", eta)
}

// finishEpoch evaluates on the held-out set and, on the primary worker, records the
// error rate and writes the epoch checkpoint.
func (t *Trainer) finishEpoch(ctx context.Context, metrics *EpochMetrics, globalStep int) error {
	t.updateStatus(func(s *Status) {
		s.Epoch = metrics.Epoch
		s.GlobalStep = globalStep
		s.Phase = "evaluating"
	})

	errorRate, err := t.deps.Evaluator.Evaluate(ctx, t.deps.Model, t.deps.EvalSource)
	if err != nil {
		return fmt.Errorf("epoch %d: evaluation failed: %w", metrics.Epoch, err)
	}
	metrics.ErrorRate = errorRate

	if !t.config.Role.IsPrimary() {
		t.updateStatus(func(s *Status) {
			s.LastErrorRate = errorRate
			s.Phase = "training"
		})
		return nil
	}

	t.logger.Info("epoch finished",
		"epoch", metrics.Epoch+1,
		"duration", FormatETA(metrics.TrainDuration),
		"batches", metrics.Batches,
		t.config.MetricsType, fmt.Sprintf("%.5f", errorRate))
	if errorRate < 0 {
		t.logger.Warn("evaluation set is empty, error rate not measured", "epoch", metrics.Epoch+1)
	} else {
		t.writeScalar(ctx, "Test/"+t.config.MetricsType, metrics.Epoch, errorRate)
	}

	t.updateStatus(func(s *Status) { s.Phase = "checkpointing" })
	result, err := t.deps.Checkpointer.Save(t.deps.Model, t.deps.Optimizer, metrics.Epoch, globalStep, errorRate)
	if err != nil {
		return fmt.Errorf("epoch %d: %w", metrics.Epoch, err)
	}
	metrics.Checkpoint = result.Path
	metrics.Improved = result.Improved

	best, hasBest := t.deps.Checkpointer.BestErrorRate()
	t.updateStatus(func(s *Status) {
		s.LastErrorRate = errorRate
		s.BestErrorRate = best
		s.HasBest = hasBest
		s.Phase = "training"
	})
	return nil
}

// writeScalar records one scalar; a failing sink is logged and training continues
func (t *Trainer) writeScalar(ctx context.Context, tag string, step int, value float64) {
	if t.deps.Scalars == nil {
		return
	}
	if err := t.deps.Scalars.AddScalar(ctx, tag, step, value); err != nil && !errors.Is(err, context.Canceled) {
		t.logger.Warn("failed to record scalar", "tag", tag, "step", step, "err", err)
	}
}

func (t *Trainer) updateStatus(fn func(s *Status)) {
	if t.deps.Status != nil {
		t.deps.Status.Update(fn)
	}
}
