package checkpoints

import (
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tsawler/go-deepspeech/tensor"
)

func testCheckpoint() *Checkpoint {
	checkpoint := &Checkpoint{
		Weights: []WeightTensor{
			{Name: "proj.weight", Shape: []int{5, 3}, Data: make([]float32, 15)},
			{Name: "proj.bias", Shape: []int{5}, Data: make([]float32, 5)},
		},
		TrainingState: TrainingState{
			Epoch:         5,
			Step:          1200,
			LearningRate:  3.1622776601683795e-05,
			ErrorRate:     0.25,
			MetricsType:   "cer",
			BestErrorRate: 0.25,
			HasBest:       true,
		},
		OptimizerState: &OptimizerState{
			Type: "Adam",
			Parameters: map[string]float64{
				"beta1":      0.9,
				"beta2":      0.999,
				"step_count": 1200,
			},
			StateData: []OptimizerTensor{
				{Name: "momentum_proj.bias", Shape: []int{5}, Data: []float32{0.1, -0.2, 0.3, 1e-9, -7}, StateType: "momentum"},
				{Name: "variance_proj.bias", Shape: []int{5}, Data: []float32{1e-3, 2e-3, 3e-3, 0, 5}, StateType: "variance"},
			},
		},
		Metadata: CheckpointMetadata{
			Version:     "1.0.0",
			Framework:   "go-deepspeech",
			CreatedAt:   time.Date(2026, 3, 1, 12, 0, 0, 123, time.UTC),
			RunID:       "run-1",
			Description: "Test checkpoint",
			Tags:        []string{"epoch_5", "cer"},
		},
	}

	// Values that do not survive a lossy decimal encoding
	for i := range checkpoint.Weights[0].Data {
		checkpoint.Weights[0].Data[i] = float32(math.Sin(float64(i))) / 3
	}
	for i := range checkpoint.Weights[1].Data {
		checkpoint.Weights[1].Data[i] = float32(i) * 0.1
	}
	return checkpoint
}

func assertCheckpointsEqual(t *testing.T, expected, loaded *Checkpoint) {
	t.Helper()

	if loaded.TrainingState != expected.TrainingState {
		t.Errorf("Training state mismatch: expected %+v, got %+v", expected.TrainingState, loaded.TrainingState)
	}

	if len(loaded.Weights) != len(expected.Weights) {
		t.Fatalf("Weight count mismatch: expected %d, got %d", len(expected.Weights), len(loaded.Weights))
	}
	for i, w := range expected.Weights {
		got := loaded.Weights[i]
		if got.Name != w.Name {
			t.Errorf("Weight name mismatch: expected %s, got %s", w.Name, got.Name)
		}
		if len(got.Shape) != len(w.Shape) {
			t.Fatalf("Shape mismatch for %s: expected %v, got %v", w.Name, w.Shape, got.Shape)
		}
		for j := range w.Data {
			if math.Float32bits(got.Data[j]) != math.Float32bits(w.Data[j]) {
				t.Errorf("Weight %s data mismatch at index %d: expected %v, got %v", w.Name, j, w.Data[j], got.Data[j])
			}
		}
	}

	if loaded.OptimizerState == nil {
		t.Fatalf("Optimizer state missing after load")
	}
	if loaded.OptimizerState.Type != expected.OptimizerState.Type {
		t.Errorf("Optimizer type mismatch: expected %s, got %s", expected.OptimizerState.Type, loaded.OptimizerState.Type)
	}
	for k, v := range expected.OptimizerState.Parameters {
		if loaded.OptimizerState.Parameters[k] != v {
			t.Errorf("Optimizer parameter %s mismatch: expected %v, got %v", k, v, loaded.OptimizerState.Parameters[k])
		}
	}
	for i, s := range expected.OptimizerState.StateData {
		got := loaded.OptimizerState.StateData[i]
		if got.Name != s.Name || got.StateType != s.StateType {
			t.Errorf("Optimizer tensor mismatch: expected %s/%s, got %s/%s", s.Name, s.StateType, got.Name, got.StateType)
		}
		for j := range s.Data {
			if math.Float32bits(got.Data[j]) != math.Float32bits(s.Data[j]) {
				t.Errorf("Optimizer tensor %s mismatch at %d: expected %v, got %v", s.Name, j, s.Data[j], got.Data[j])
			}
		}
	}

	if loaded.Metadata.RunID != expected.Metadata.RunID {
		t.Errorf("Run ID mismatch: expected %s, got %s", expected.Metadata.RunID, loaded.Metadata.RunID)
	}
	if !loaded.Metadata.CreatedAt.Equal(expected.Metadata.CreatedAt) {
		t.Errorf("CreatedAt mismatch: expected %v, got %v", expected.Metadata.CreatedAt, loaded.Metadata.CreatedAt)
	}
	if len(loaded.Metadata.Tags) != len(expected.Metadata.Tags) {
		t.Errorf("Tag count mismatch: expected %d, got %d", len(expected.Metadata.Tags), len(loaded.Metadata.Tags))
	}
}

func TestCheckpointSaveLoadRoundTrip(t *testing.T) {
	formats := []CheckpointFormat{FormatJSON, FormatProto}

	for _, format := range formats {
		t.Run(format.String(), func(t *testing.T) {
			checkpoint := testCheckpoint()
			saver := NewCheckpointSaver(format)
			path := filepath.Join(t.TempDir(), "checkpoint_epoch_5."+format.Extension())

			if err := saver.SaveCheckpoint(checkpoint, path); err != nil {
				t.Fatalf("Failed to save checkpoint: %v", err)
			}

			loaded, err := saver.LoadCheckpoint(path)
			if err != nil {
				t.Fatalf("Failed to load checkpoint: %v", err)
			}

			assertCheckpointsEqual(t, checkpoint, loaded)
		})
	}
}

func TestCheckpointLoadUsesFileExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.ckpt")

	if err := NewCheckpointSaver(FormatProto).SaveCheckpoint(testCheckpoint(), path); err != nil {
		t.Fatalf("Failed to save checkpoint: %v", err)
	}

	// A JSON saver still reads the binary file
	loaded, err := NewCheckpointSaver(FormatJSON).LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("Failed to load checkpoint: %v", err)
	}
	if loaded.TrainingState.Epoch != 5 {
		t.Errorf("Expected epoch 5, got %d", loaded.TrainingState.Epoch)
	}
}

func TestCheckpointLoadErrors(t *testing.T) {
	dir := t.TempDir()
	saver := NewCheckpointSaver(FormatJSON)

	_, err := saver.LoadCheckpoint(filepath.Join(dir, "missing.json"))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	corrupt := filepath.Join(dir, "corrupt.json")
	if err := os.WriteFile(corrupt, []byte(`{"weights": [`), 0644); err != nil {
		t.Fatalf("Failed to write corrupt file: %v", err)
	}
	_, err = saver.LoadCheckpoint(corrupt)
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("Expected ErrCorrupt for truncated JSON, got %v", err)
	}

	corruptProto := filepath.Join(dir, "corrupt.ckpt")
	if err := os.WriteFile(corruptProto, []byte{0x0a, 0xff, 0xff}, 0644); err != nil {
		t.Fatalf("Failed to write corrupt file: %v", err)
	}
	_, err = saver.LoadCheckpoint(corruptProto)
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("Expected ErrCorrupt for truncated proto, got %v", err)
	}
}

func TestWriteFileAtomicKeepsPreviousFileOnFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "best_checkpoint.json")

	if err := os.WriteFile(path, []byte("previous"), 0644); err != nil {
		t.Fatalf("Failed to seed file: %v", err)
	}

	writeErr := errors.New("disk full")
	err := WriteFileAtomic(path, func(w io.Writer) error {
		if _, err := w.Write([]byte("partial")); err != nil {
			return err
		}
		return writeErr
	})
	if !errors.Is(err, writeErr) {
		t.Fatalf("Expected write error, got %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file: %v", err)
	}
	if string(data) != "previous" {
		t.Errorf("Previous file was modified: %q", data)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("Failed to list dir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected temp file to be cleaned up, found %d entries", len(entries))
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		input    string
		expected CheckpointFormat
		wantErr  bool
	}{
		{"json", FormatJSON, false},
		{"", FormatJSON, false},
		{"proto", FormatProto, false},
		{"PROTOBUF", FormatProto, false},
		{"onnx", FormatJSON, true},
	}

	for _, tt := range tests {
		got, err := ParseFormat(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFormat(%q): unexpected error state %v", tt.input, err)
			continue
		}
		if got != tt.expected {
			t.Errorf("ParseFormat(%q): expected %s, got %s", tt.input, tt.expected, got)
		}
	}
}

func TestLoadWeights(t *testing.T) {
	params := []*tensor.Parameter{tensor.NewParameter("proj.weight", 2, 2), tensor.NewParameter("proj.bias", 2)}
	params[0].Data = []float32{1, 2, 3, 4}
	params[1].Data = []float32{5, 6}

	weights := ExtractWeights(params)

	// Extraction must detach from the live parameters
	params[0].Data[0] = 100

	restored := []*tensor.Parameter{tensor.NewParameter("proj.weight", 2, 2), tensor.NewParameter("proj.bias", 2)}
	if err := LoadWeights(weights, restored); err != nil {
		t.Fatalf("LoadWeights failed: %v", err)
	}
	if restored[0].Data[0] != 1 || restored[1].Data[1] != 6 {
		t.Errorf("Unexpected restored values: %v %v", restored[0].Data, restored[1].Data)
	}

	wrongShape := []*tensor.Parameter{tensor.NewParameter("proj.weight", 4, 1), tensor.NewParameter("proj.bias", 2)}
	if err := LoadWeights(weights, wrongShape); !errors.Is(err, ErrIncompatible) {
		t.Errorf("Expected ErrIncompatible for shape mismatch, got %v", err)
	}
	if wrongShape[1].Data[0] != 0 {
		t.Errorf("Failed load must not modify parameters")
	}

	missing := []*tensor.Parameter{tensor.NewParameter("other.weight", 2, 2), tensor.NewParameter("proj.bias", 2)}
	if err := LoadWeights(weights, missing); !errors.Is(err, ErrIncompatible) {
		t.Errorf("Expected ErrIncompatible for missing weight, got %v", err)
	}
}

func TestLoadMatchingWeights(t *testing.T) {
	weights := []WeightTensor{
		{Name: "proj.weight", Shape: []int{3, 2}, Data: []float32{1, 2, 3, 4, 5, 6}},
		{Name: "proj.bias", Shape: []int{3}, Data: []float32{7, 8, 9}},
	}

	// Output layer sized for a larger vocabulary
	params := []*tensor.Parameter{tensor.NewParameter("proj.weight", 4, 2), tensor.NewParameter("proj.bias", 3)}

	loaded, skipped := LoadMatchingWeights(weights, params)
	if loaded != 1 {
		t.Errorf("Expected 1 loaded parameter, got %d", loaded)
	}
	if len(skipped) != 1 || skipped[0] != "proj.weight" {
		t.Errorf("Expected proj.weight to be skipped, got %v", skipped)
	}
	if params[1].Data[0] != 7 {
		t.Errorf("Expected bias to be loaded, got %v", params[1].Data)
	}
}
