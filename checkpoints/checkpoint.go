package checkpoints

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a checkpoint file or directory does not exist
	ErrNotFound = errors.New("checkpoint not found")

	// ErrCorrupt is returned when a checkpoint exists but cannot be decoded
	ErrCorrupt = errors.New("checkpoint corrupt")

	// ErrIncompatible is returned when checkpoint contents do not fit the target model or optimizer
	ErrIncompatible = errors.New("checkpoint incompatible")
)

const (
	formatVersion = "1.0.0"
	framework     = "go-deepspeech"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatProto
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatProto:
		return "Proto"
	default:
		return "Unknown"
	}
}

// Extension returns the file extension used for the format, without the dot
func (cf CheckpointFormat) Extension() string {
	switch cf {
	case FormatProto:
		return "ckpt"
	default:
		return "json"
	}
}

// ParseFormat maps a configuration string ("json", "proto") to a CheckpointFormat
func ParseFormat(s string) (CheckpointFormat, error) {
	switch strings.ToLower(s) {
	case "", "json":
		return FormatJSON, nil
	case "proto", "protobuf", "ckpt":
		return FormatProto, nil
	default:
		return FormatJSON, fmt.Errorf("unknown checkpoint format %q", s)
	}
}

// FormatForPath infers the format from a file extension
func FormatForPath(path string) CheckpointFormat {
	if strings.EqualFold(filepath.Ext(path), "."+FormatProto.Extension()) {
		return FormatProto
	}
	return FormatJSON
}

// Checkpoint represents a complete training snapshot: weights, optimizer state and progress
type Checkpoint struct {
	Weights []WeightTensor `json:"weights"`

	TrainingState TrainingState `json:"training_state"`

	// Optimizer state (if available)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// TrainingState captures the training progress at the moment the checkpoint was taken.
// Epoch is the index of the epoch that completed; resuming starts at Epoch+1.
type TrainingState struct {
	Epoch         int     `json:"epoch"`
	Step          int     `json:"step"`
	LearningRate  float64 `json:"learning_rate"`
	ErrorRate     float64 `json:"error_rate"`
	MetricsType   string  `json:"metrics_type"`
	BestErrorRate float64 `json:"best_error_rate"`
	HasBest       bool    `json:"has_best"`
}

// OptimizerState captures optimizer-specific state (moments, step count, hyperparameters)
type OptimizerState struct {
	Type       string             `json:"type"` // "Adam", "SGD", etc.
	Parameters map[string]float64 `json:"parameters"`
	StateData  []OptimizerTensor  `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", "variance"
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	RunID       string    `json:"run_id,omitempty"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// Format returns the format this saver writes
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// SaveCheckpoint atomically writes a complete checkpoint to path.
// Either the whole file is published under path or any previous file at path is left untouched.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = framework
		checkpoint.Metadata.Version = formatVersion
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	switch cs.format {
	case FormatJSON:
		return WriteFileAtomic(path, func(w io.Writer) error {
			encoder := json.NewEncoder(w)
			if err := encoder.Encode(checkpoint); err != nil {
				return fmt.Errorf("failed to encode checkpoint: %w", err)
			}
			return nil
		})
	case FormatProto:
		data := MarshalProto(checkpoint)
		return WriteFileAtomic(path, func(w io.Writer) error {
			_, err := w.Write(data)
			return err
		})
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// LoadCheckpoint loads a checkpoint file. The format is taken from the file extension,
// so a saver configured for one format can still read checkpoints written in the other.
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var checkpoint *Checkpoint
	switch FormatForPath(path) {
	case FormatProto:
		checkpoint, err = UnmarshalProto(data)
	default:
		checkpoint = &Checkpoint{}
		err = json.Unmarshal(data, checkpoint)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}

	return checkpoint, nil
}

// WriteFileAtomic writes a file through a temporary sibling and renames it into place.
// The temp file is synced before the rename and the directory is synced after it,
// so a crash leaves either the old file or the complete new one.
func WriteFileAtomic(path string, write func(w io.Writer) error) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	buf := bufio.NewWriter(tmp)
	if err = write(buf); err != nil {
		return err
	}
	if err = buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush checkpoint: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}
	if err = os.Chmod(tmpName, 0644); err != nil {
		return fmt.Errorf("failed to chmod checkpoint: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to publish checkpoint: %w", err)
	}

	syncDir(dir)
	return nil
}

// syncDir flushes directory metadata so a completed rename survives a crash.
// Not every platform supports syncing a directory handle; failures are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
