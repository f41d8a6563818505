package training

import (
	"bytes"
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
)

type trainerFixture struct {
	model        *fakeModel
	optimizer    *fakeOptimizer
	scheduler    *StepScheduler
	loss         *constantLoss
	train        *sliceSource
	eval         *sliceSource
	checkpointer *recordingCheckpointer
	scalars      *recordingScalars
	status       *StatusTracker
	logs         *bytes.Buffer
}

func newTrainerFixture(batches int) *trainerFixture {
	return &trainerFixture{
		model:        newFakeModel(),
		optimizer:    &fakeOptimizer{},
		scheduler:    NewWarmupLR(5e-4, 10),
		loss:         &constantLoss{value: 2.5},
		train:        newSliceSource(batches),
		eval:         &sliceSource{},
		checkpointer: &recordingCheckpointer{},
		scalars:      &recordingScalars{},
		status:       NewStatusTracker("test-run"),
		logs:         &bytes.Buffer{},
	}
}

func (f *trainerFixture) trainer(t *testing.T, config TrainerConfig) *Trainer {
	t.Helper()
	evaluator, err := NewEvaluator(&queueDecoder{}, testVocab, exactMatch)
	if err != nil {
		t.Fatalf("NewEvaluator failed: %v", err)
	}
	trainer, err := NewTrainer(config, Dependencies{
		Model:        f.model,
		Optimizer:    f.optimizer,
		Scheduler:    f.scheduler,
		Loss:         f.loss,
		TrainSource:  f.train,
		EvalSource:   f.eval,
		Evaluator:    evaluator,
		Checkpointer: f.checkpointer,
		Scalars:      f.scalars,
		Status:       f.status,
		Logger:       log.New(f.logs),
	})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	return trainer
}

func TestTrainerRunStepsAndCheckpoints(t *testing.T) {
	f := newTrainerFixture(3)
	trainer := f.trainer(t, TrainerConfig{TotalEpochs: 2, ReportInterval: 100, MetricsType: "cer"})

	summary, err := trainer.Run(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if summary.GlobalStep != 6 {
		t.Errorf("Expected global step 6, got %d", summary.GlobalStep)
	}
	if summary.EpochsRun != 2 {
		t.Errorf("Expected 2 epochs run, got %d", summary.EpochsRun)
	}
	if f.scheduler.StepCount() != 6 {
		t.Errorf("Expected 6 scheduler steps, got %d", f.scheduler.StepCount())
	}
	if f.model.forwardCalls != 6 || f.model.backwardCalls != 6 {
		t.Errorf("Expected 6 forward/backward calls, got %d/%d", f.model.forwardCalls, f.model.backwardCalls)
	}
	if f.optimizer.clears != 6 {
		t.Errorf("Expected 6 gradient clears, got %d", f.optimizer.clears)
	}

	want := []savedCall{{epoch: 0, globalStep: 3, errorRate: -1}, {epoch: 1, globalStep: 6, errorRate: -1}}
	if len(f.checkpointer.saves) != len(want) {
		t.Fatalf("Expected %d saves, got %d", len(want), len(f.checkpointer.saves))
	}
	for i, w := range want {
		if f.checkpointer.saves[i] != w {
			t.Errorf("Save %d: expected %+v, got %+v", i, w, f.checkpointer.saves[i])
		}
	}
	if summary.HasBest {
		t.Error("An unevaluated run must not record a best error rate")
	}
	if !f.model.IsTraining() {
		t.Error("Model should end in training mode")
	}
	if got := f.status.Snapshot(); got.Phase != "finished" || got.GlobalStep != 6 {
		t.Errorf("Unexpected final status %+v", got)
	}
}

func TestTrainerUsesScheduleRateForEachStep(t *testing.T) {
	f := newTrainerFixture(4)
	trainer := f.trainer(t, TrainerConfig{TotalEpochs: 2})

	if _, err := trainer.Run(context.Background(), 0, 0); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	schedule := NewWarmupSchedule(5e-4, 10)
	if len(f.optimizer.stepLRs) != 8 {
		t.Fatalf("Expected 8 optimizer steps, got %d", len(f.optimizer.stepLRs))
	}
	for step, lr := range f.optimizer.stepLRs {
		if want := schedule.LearningRate(step); math.Abs(lr-want) > 1e-15 {
			t.Errorf("Step %d: expected lr %g, got %g", step, want, lr)
		}
	}
}

func TestTrainerResumeRunsRemainingEpochs(t *testing.T) {
	f := newTrainerFixture(3)
	f.scheduler.SetStepCount(15)
	trainer := f.trainer(t, TrainerConfig{TotalEpochs: 7})

	summary, err := trainer.Run(context.Background(), 5, 15)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if summary.EpochsRun != 2 || summary.GlobalStep != 21 {
		t.Errorf("Expected 2 epochs and step 21, got %d epochs and step %d", summary.EpochsRun, summary.GlobalStep)
	}
	if len(f.checkpointer.saves) != 2 || f.checkpointer.saves[0].epoch != 5 || f.checkpointer.saves[1].epoch != 6 {
		t.Errorf("Expected saves for epochs 5 and 6, got %+v", f.checkpointer.saves)
	}
	if f.train.resets[0] != 5 {
		t.Errorf("Expected the source to be reset for epoch 5 first, got %v", f.train.resets)
	}
	if f.scheduler.StepCount() != 21 {
		t.Errorf("Expected scheduler at step 21, got %d", f.scheduler.StepCount())
	}
}

func TestTrainerZeroBatches(t *testing.T) {
	f := newTrainerFixture(0)
	trainer := f.trainer(t, TrainerConfig{TotalEpochs: 2, ReportInterval: 1})

	summary, err := trainer.Run(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.GlobalStep != 0 || f.scheduler.StepCount() != 0 {
		t.Errorf("Expected no steps, got global %d scheduler %d", summary.GlobalStep, f.scheduler.StepCount())
	}
	if len(f.checkpointer.saves) != 2 {
		t.Errorf("Expected a checkpoint per epoch, got %d", len(f.checkpointer.saves))
	}
	if strings.Contains(f.logs.String(), "batch=") {
		t.Errorf("No report expected without batches, got logs:\n%s", f.logs.String())
	}
}

func TestTrainerReportsAtInterval(t *testing.T) {
	f := newTrainerFixture(5)
	trainer := f.trainer(t, TrainerConfig{TotalEpochs: 1, ReportInterval: 2})

	if _, err := trainer.Run(context.Background(), 0, 0); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// batch ids 0, 2 and 4
	if got := strings.Count(f.logs.String(), "batch="); got != 3 {
		t.Errorf("Expected 3 report lines, got %d:\n%s", got, f.logs.String())
	}
	if !strings.Contains(f.logs.String(), "loss=2.50000") {
		t.Errorf("Expected mean loss in report, got:\n%s", f.logs.String())
	}
}

func TestTrainerNonPrimaryHasNoSideEffects(t *testing.T) {
	f := newTrainerFixture(3)
	trainer := f.trainer(t, TrainerConfig{TotalEpochs: 2, ReportInterval: 1, Role: Role{Rank: 1, WorldSize: 2}})

	summary, err := trainer.Run(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if summary.GlobalStep != 6 || f.scheduler.StepCount() != 6 {
		t.Errorf("Counters must advance on every worker, got global %d scheduler %d",
			summary.GlobalStep, f.scheduler.StepCount())
	}
	if len(f.checkpointer.saves) != 0 {
		t.Errorf("Non-primary worker wrote %d checkpoints", len(f.checkpointer.saves))
	}
	if len(f.scalars.tags) != 0 {
		t.Errorf("Non-primary worker wrote scalars %v", f.scalars.tags)
	}
	if f.logs.Len() != 0 {
		t.Errorf("Non-primary worker logged:\n%s", f.logs.String())
	}
}

func TestTrainerRecordsScalars(t *testing.T) {
	f := newTrainerFixture(2)
	f.eval = newSliceSource(1)
	trainer := f.trainer(t, TrainerConfig{TotalEpochs: 1, MetricsType: "wer"})

	if _, err := trainer.Run(context.Background(), 0, 0); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	counts := map[string]int{}
	for _, tag := range f.scalars.tags {
		counts[tag]++
	}
	if counts["Train/Loss"] != 2 || counts["Train/lr"] != 2 || counts["Test/wer"] != 1 {
		t.Errorf("Unexpected scalar counts %v", counts)
	}
}

func TestTrainerStopsOnError(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *trainerFixture)
	}{
		{"loss failure", func(f *trainerFixture) { f.loss.err = errors.New("nan") }},
		{"optimizer failure", func(f *trainerFixture) { f.optimizer.stepErr = errors.New("non-finite gradient") }},
		{"source failure", func(f *trainerFixture) { f.train.nextErr = errors.New("truncated manifest") }},
		{"invalid batch", func(f *trainerFixture) {
			f.train.batches[1].InputLengths[0] = 1 // shorter than its 2 labels
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTrainerFixture(3)
			tt.setup(f)
			trainer := f.trainer(t, TrainerConfig{TotalEpochs: 2})

			if _, err := trainer.Run(context.Background(), 0, 0); err == nil {
				t.Fatal("Expected error")
			}
			if len(f.checkpointer.saves) != 0 {
				t.Errorf("No checkpoint expected after a failed epoch, got %d", len(f.checkpointer.saves))
			}
		})
	}
}

func TestTrainerCheckpointFailureIsFatal(t *testing.T) {
	f := newTrainerFixture(1)
	f.checkpointer.err = errors.New("disk full")
	trainer := f.trainer(t, TrainerConfig{TotalEpochs: 3})

	summary, err := trainer.Run(context.Background(), 0, 0)
	if err == nil {
		t.Fatal("Expected error")
	}
	if summary.EpochsRun != 0 {
		t.Errorf("Expected no completed epochs, got %d", summary.EpochsRun)
	}
}

func TestTrainerCancellation(t *testing.T) {
	f := newTrainerFixture(3)
	trainer := f.trainer(t, TrainerConfig{TotalEpochs: 2})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := trainer.Run(ctx, 0, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if f.model.forwardCalls != 0 {
		t.Errorf("No batch should run after cancellation, got %d", f.model.forwardCalls)
	}
}

func TestNewTrainerValidation(t *testing.T) {
	f := newTrainerFixture(1)
	evaluator, _ := NewEvaluator(&queueDecoder{}, testVocab, exactMatch)
	deps := Dependencies{
		Model: f.model, Optimizer: f.optimizer, Scheduler: f.scheduler, Loss: f.loss,
		TrainSource: f.train, EvalSource: f.eval, Evaluator: evaluator, Checkpointer: f.checkpointer,
	}

	if _, err := NewTrainer(TrainerConfig{TotalEpochs: 0}, deps); err == nil {
		t.Error("Expected error for zero epochs")
	}
	if _, err := NewTrainer(TrainerConfig{TotalEpochs: 1, Role: Role{Rank: 2, WorldSize: 2}}, deps); err == nil {
		t.Error("Expected error for rank outside world size")
	}

	noCheckpointer := deps
	noCheckpointer.Checkpointer = nil
	if _, err := NewTrainer(TrainerConfig{TotalEpochs: 1}, noCheckpointer); err == nil {
		t.Error("Expected error for primary without checkpointer")
	}
	if _, err := NewTrainer(TrainerConfig{TotalEpochs: 1, Role: Role{Rank: 1, WorldSize: 2}}, noCheckpointer); err != nil {
		t.Errorf("Non-primary worker does not need a checkpointer: %v", err)
	}

	trainer, err := NewTrainer(TrainerConfig{TotalEpochs: 1}, deps)
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	if trainer.config.ReportInterval != DefaultReportInterval {
		t.Errorf("Expected default report interval, got %d", trainer.config.ReportInterval)
	}
	if _, err := trainer.Run(context.Background(), -1, 0); err == nil {
		t.Error("Expected error for negative start epoch")
	}
}
