package training

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"

	"github.com/tsawler/go-deepspeech/checkpoints"
)

// CheckpointConfig configures checkpoint saving behavior
type CheckpointConfig struct {
	SaveDirectory  string                       // Directory to save checkpoints
	MaxCheckpoints int                          // Epoch checkpoints to keep (0 = unlimited); the best slot is never rotated
	Format         checkpoints.CheckpointFormat // JSON or Proto
	MetricsType    string                       // "cer" or "wer", recorded with every checkpoint
	RunID          string
}

// DefaultCheckpointConfig returns the default configuration
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		SaveDirectory:  "./models",
		MaxCheckpoints: 3,
		Format:         checkpoints.FormatJSON,
		MetricsType:    "cer",
	}
}

const (
	epochFilePrefix = "checkpoint_epoch_"
	bestFileBase    = "best_checkpoint"
)

var epochFilePattern = regexp.MustCompile(`^checkpoint_epoch_(\d+)\.(json|ckpt)$`)

// ResumeState is what a resumed run needs besides the restored model and optimizer
type ResumeState struct {
	Path          string
	NextEpoch     int
	GlobalStep    int
	ErrorRate     float64
	BestErrorRate float64
	HasBest       bool
}

// SaveResult describes one epoch-end save
type SaveResult struct {
	Path     string
	Size     int64
	Improved bool   // the best slot was replaced
	BestPath string // set when Improved
}

// CheckpointManager writes one checkpoint per completed epoch plus a "best" slot that
// holds the checkpoint with the lowest error rate seen so far. The best error rate is
// stored in every checkpoint so that resumed runs keep comparing against it.
type CheckpointManager struct {
	config CheckpointConfig
	saver  *checkpoints.CheckpointSaver
	logger *log.Logger

	bestErrorRate float64
	hasBest       bool
	bestKnown     bool // best seeded from Load or from the best file on disk
}

// NewCheckpointManager creates a new checkpoint manager
func NewCheckpointManager(config CheckpointConfig, logger *log.Logger) *CheckpointManager {
	if config.SaveDirectory == "" {
		config.SaveDirectory = DefaultCheckpointConfig().SaveDirectory
	}
	if logger == nil {
		logger = log.Default()
	}
	return &CheckpointManager{
		config: config,
		saver:  checkpoints.NewCheckpointSaver(config.Format),
		logger: logger,
	}
}

// EpochPath returns the path of the checkpoint for a completed epoch
func (cm *CheckpointManager) EpochPath(epoch int) string {
	name := fmt.Sprintf("%s%d.%s", epochFilePrefix, epoch, cm.config.Format.Extension())
	return filepath.Join(cm.config.SaveDirectory, name)
}

// BestPath returns the path of the best checkpoint slot
func (cm *CheckpointManager) BestPath() string {
	return filepath.Join(cm.config.SaveDirectory, bestFileBase+"."+cm.config.Format.Extension())
}

// BestErrorRate returns the lowest error rate recorded so far, if any
func (cm *CheckpointManager) BestErrorRate() (float64, bool) {
	return cm.bestErrorRate, cm.hasBest
}

// Save writes the checkpoint for a completed epoch and, when errorRate is a real
// measurement strictly below the best so far, republishes it as the best checkpoint.
// A negative errorRate means no evaluation happened and never replaces the best.
func (cm *CheckpointManager) Save(model Model, optimizer Optimizer, epoch, globalStep int, errorRate float64) (*SaveResult, error) {
	if err := os.MkdirAll(cm.config.SaveDirectory, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	if err := cm.seedBest(); err != nil {
		return nil, err
	}

	improved := errorRate >= 0 && (!cm.hasBest || errorRate < cm.bestErrorRate)
	bestErrorRate, hasBest := cm.bestErrorRate, cm.hasBest
	if improved {
		bestErrorRate, hasBest = errorRate, true
	}

	checkpoint, err := cm.createCheckpoint(model, optimizer, epoch, globalStep, errorRate, bestErrorRate, hasBest)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint: %w", err)
	}

	// the best slot is published first so no epoch checkpoint ever records a best
	// that the best slot does not hold
	result := &SaveResult{Path: cm.EpochPath(epoch)}
	if improved {
		checkpoint.Metadata.Description = fmt.Sprintf("Best checkpoint - %s: %.6f", cm.config.MetricsType, errorRate)
		bestPath := cm.BestPath()
		if err := cm.saver.SaveCheckpoint(checkpoint, bestPath); err != nil {
			return nil, fmt.Errorf("failed to save best checkpoint: %w", err)
		}
		cm.bestErrorRate, cm.hasBest = bestErrorRate, hasBest
		result.Improved, result.BestPath = true, bestPath
		cm.logger.Info("new best checkpoint", "path", bestPath, cm.config.MetricsType, errorRate)
	}

	checkpoint.Metadata.Description = fmt.Sprintf("Epoch %d checkpoint", epoch)
	if err := cm.saver.SaveCheckpoint(checkpoint, result.Path); err != nil {
		return nil, fmt.Errorf("failed to save checkpoint: %w", err)
	}
	if info, err := os.Stat(result.Path); err == nil {
		result.Size = info.Size()
	}
	cm.logger.Info("saved checkpoint", "path", result.Path, "size", humanize.Bytes(uint64(result.Size)))

	if err := cm.cleanupOldCheckpoints(); err != nil {
		cm.logger.Warn("failed to cleanup old checkpoints", "err", err)
	}

	return result, nil
}

// Load restores model weights and optimizer state from a checkpoint file, or from the
// latest epoch checkpoint when path is a directory. Missing, corrupt and mismatched
// checkpoints are all errors; the caller must not train from a half-restored state.
func (cm *CheckpointManager) Load(path string, model Model, optimizer Optimizer) (*ResumeState, error) {
	resolved, err := resolveCheckpointPath(path, false)
	if err != nil {
		return nil, err
	}

	checkpoint, err := cm.saver.LoadCheckpoint(resolved)
	if err != nil {
		return nil, err
	}

	state := checkpoint.TrainingState
	if cm.config.MetricsType != "" && state.MetricsType != "" && state.MetricsType != cm.config.MetricsType {
		return nil, fmt.Errorf("%w: %s was scored with %s, run uses %s",
			checkpoints.ErrIncompatible, resolved, state.MetricsType, cm.config.MetricsType)
	}

	if optimizer != nil {
		if checkpoint.OptimizerState == nil {
			return nil, fmt.Errorf("%w: %s has no optimizer state", checkpoints.ErrIncompatible, resolved)
		}
		if err := optimizer.LoadState(checkpoint.OptimizerState); err != nil {
			return nil, fmt.Errorf("failed to restore optimizer state: %w", err)
		}
	}
	if err := checkpoints.LoadWeights(checkpoint.Weights, model.Parameters()); err != nil {
		return nil, fmt.Errorf("failed to load weights: %w", err)
	}

	cm.bestErrorRate, cm.hasBest, cm.bestKnown = state.BestErrorRate, state.HasBest, true
	// an epoch checkpoint can lag behind the best slot if a save failed between the two
	// writes, so the lower of the two wins
	if rate, ok, err := cm.readBestSlot(); err != nil {
		cm.logger.Warn("ignoring unreadable best checkpoint", "path", cm.BestPath(), "err", err)
	} else if ok && (!cm.hasBest || rate < cm.bestErrorRate) {
		cm.bestErrorRate, cm.hasBest = rate, true
	}

	cm.logger.Info("resumed from checkpoint", "path", resolved, "epoch", state.Epoch, "step", humanize.Comma(int64(state.Step)))
	return &ResumeState{
		Path:          resolved,
		NextEpoch:     state.Epoch + 1,
		GlobalStep:    state.Step,
		ErrorRate:     state.ErrorRate,
		BestErrorRate: cm.bestErrorRate,
		HasBest:       cm.hasBest,
	}, nil
}

// LoadPretrained initializes model weights from a checkpoint, leaving optimizer state and
// training progress alone. Parameters whose name or shape do not match are skipped with
// a warning; a checkpoint that matches nothing is rejected.
// A directory resolves to its best checkpoint, falling back to the latest epoch.
func (cm *CheckpointManager) LoadPretrained(path string, model Model) (int, error) {
	resolved, err := resolveCheckpointPath(path, true)
	if err != nil {
		return 0, err
	}

	checkpoint, err := cm.saver.LoadCheckpoint(resolved)
	if err != nil {
		return 0, err
	}

	loaded, skipped := checkpoints.LoadMatchingWeights(checkpoint.Weights, model.Parameters())
	for _, name := range skipped {
		cm.logger.Warn("skipping pretrained parameter", "name", name)
	}
	if loaded == 0 {
		return 0, fmt.Errorf("%w: no parameter in %s matches the model", checkpoints.ErrIncompatible, resolved)
	}

	cm.logger.Info("loaded pretrained weights", "path", resolved, "parameters", loaded, "skipped", len(skipped))
	return loaded, nil
}

func (cm *CheckpointManager) createCheckpoint(model Model, optimizer Optimizer, epoch, globalStep int,
	errorRate, bestErrorRate float64, hasBest bool) (*checkpoints.Checkpoint, error) {
	optimizerState, err := optimizer.State()
	if err != nil {
		return nil, fmt.Errorf("failed to capture optimizer state: %w", err)
	}

	return &checkpoints.Checkpoint{
		Weights: checkpoints.ExtractWeights(model.Parameters()),
		TrainingState: checkpoints.TrainingState{
			Epoch:         epoch,
			Step:          globalStep,
			LearningRate:  optimizer.GetLR(),
			ErrorRate:     errorRate,
			MetricsType:   cm.config.MetricsType,
			BestErrorRate: bestErrorRate,
			HasBest:       hasBest,
		},
		OptimizerState: optimizerState,
		Metadata: checkpoints.CheckpointMetadata{
			RunID: cm.config.RunID,
			Tags:  []string{fmt.Sprintf("epoch_%d", epoch)},
		},
	}, nil
}

// seedBest picks up the best error rate from an existing best checkpoint the first time
// a fresh run saves into a directory that already has one.
func (cm *CheckpointManager) seedBest() error {
	if cm.bestKnown {
		return nil
	}

	rate, ok, err := cm.readBestSlot()
	if err != nil {
		return fmt.Errorf("failed to read existing best checkpoint: %w", err)
	}
	if ok {
		cm.bestErrorRate, cm.hasBest = rate, true
	}
	cm.bestKnown = true
	return nil
}

// readBestSlot returns the error rate held by the best checkpoint in the save directory.
// ok is false when there is none, or when it was scored with a different metric and so
// cannot be compared with this run's measurements.
func (cm *CheckpointManager) readBestSlot() (rate float64, ok bool, err error) {
	checkpoint, err := cm.saver.LoadCheckpoint(cm.BestPath())
	if errors.Is(err, checkpoints.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	state := checkpoint.TrainingState
	if cm.config.MetricsType != "" && state.MetricsType != "" && state.MetricsType != cm.config.MetricsType {
		cm.logger.Warn("existing best checkpoint uses another metric, not comparing against it",
			"path", cm.BestPath(), "metric", state.MetricsType, "run_metric", cm.config.MetricsType)
		return 0, false, nil
	}
	switch {
	case state.HasBest:
		return state.BestErrorRate, true, nil
	case state.ErrorRate >= 0:
		return state.ErrorRate, true, nil
	}
	return 0, false, nil
}

// cleanupOldCheckpoints keeps the MaxCheckpoints most recent epoch checkpoints in the
// save directory, including ones left by earlier runs.
func (cm *CheckpointManager) cleanupOldCheckpoints() error {
	if cm.config.MaxCheckpoints <= 0 {
		return nil
	}

	files, err := listEpochCheckpoints(cm.config.SaveDirectory)
	if err != nil {
		return err
	}
	if len(files) <= cm.config.MaxCheckpoints {
		return nil
	}

	for _, f := range files[:len(files)-cm.config.MaxCheckpoints] {
		if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove old checkpoint %s: %w", f.path, err)
		}
		cm.logger.Debug("removed old checkpoint", "path", f.path)
	}
	return nil
}

type epochFile struct {
	epoch int
	path  string
}

// listEpochCheckpoints returns the epoch checkpoints in dir ordered by epoch
func listEpochCheckpoints(dir string) ([]epochFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", checkpoints.ErrNotFound, dir)
		}
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	var files []epochFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := epochFilePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		epoch, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		files = append(files, epochFile{epoch: epoch, path: filepath.Join(dir, entry.Name())})
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].epoch != files[j].epoch {
			return files[i].epoch < files[j].epoch
		}
		return files[i].path < files[j].path
	})
	return files, nil
}

// LatestCheckpoint returns the epoch checkpoint with the highest epoch in dir
func LatestCheckpoint(dir string) (string, error) {
	files, err := listEpochCheckpoints(dir)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", fmt.Errorf("%w: no epoch checkpoints in %s", checkpoints.ErrNotFound, dir)
	}
	return files[len(files)-1].path, nil
}

func resolveCheckpointPath(path string, preferBest bool) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", checkpoints.ErrNotFound, path)
		}
		return "", fmt.Errorf("failed to stat checkpoint: %w", err)
	}
	if !info.IsDir() {
		return path, nil
	}

	if preferBest {
		for _, format := range []checkpoints.CheckpointFormat{checkpoints.FormatJSON, checkpoints.FormatProto} {
			best := filepath.Join(path, bestFileBase+"."+format.Extension())
			if _, err := os.Stat(best); err == nil {
				return best, nil
			}
		}
	}
	return LatestCheckpoint(path)
}
