// Package config builds the training configuration from built-in defaults, an optional
// YAML file and command-line flags, in that order of precedence.
package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure
var ErrInvalid = errors.New("invalid configuration")

// Config is the full set of training options. It is built once by Load and passed by
// value afterwards.
type Config struct {
	UseGPU          bool    `yaml:"use_gpu"`
	BatchSize       int     `yaml:"batch_size"`
	NumEpoch        int     `yaml:"num_epoch"`
	LearningRate    float64 `yaml:"learning_rate"`
	WarmupSteps     int     `yaml:"warmup_steps"`
	MinDuration     float64 `yaml:"min_duration"`
	MaxDuration     float64 `yaml:"max_duration"`
	ResumeModel     string  `yaml:"resume_model"`
	PretrainedModel string  `yaml:"pretrained_model"`
	TrainManifest   string  `yaml:"train_manifest"`
	TestManifest    string  `yaml:"test_manifest"`
	VocabPath       string  `yaml:"vocab_path"`
	MeanIStdPath    string  `yaml:"mean_istd_path"`
	OutputModelDir  string  `yaml:"output_model_dir"`
	MetricsType     string  `yaml:"metrics_type"`
	ReportInterval  int     `yaml:"report_interval"`
	NumWorkers      int     `yaml:"num_workers"`
	Prefetch        int     `yaml:"prefetch"`
	Sortagrad       bool    `yaml:"sortagrad"`
	Shuffle         bool    `yaml:"shuffle"`
	Seed            int64   `yaml:"seed"`
	Dropout         float64 `yaml:"dropout"`
	CheckpointFmt   string  `yaml:"checkpoint_format"`
	MaxCheckpoints  int     `yaml:"max_checkpoints"`
	ScalarStore     string  `yaml:"scalar_store"`
	ScalarDBPath    string  `yaml:"scalar_db_path"`
	StatusAddr      string  `yaml:"status_addr"`
	Rank            int     `yaml:"rank"`
	WorldSize       int     `yaml:"world_size"`
	LogLevel        string  `yaml:"log_level"`
}

// Default returns the built-in defaults
func Default() Config {
	return Config{
		UseGPU:         false,
		BatchSize:      8,
		NumEpoch:       200,
		LearningRate:   5e-4,
		WarmupSteps:    25000,
		MinDuration:    0.5,
		MaxDuration:    20.0,
		TrainManifest:  "dataset/manifest.train",
		TestManifest:   "dataset/manifest.test",
		VocabPath:      "dataset/vocabulary.txt",
		OutputModelDir: "models/",
		MetricsType:    "cer",
		ReportInterval: 100,
		NumWorkers:     4,
		Prefetch:       8,
		Sortagrad:      true,
		Shuffle:        true,
		Seed:           1000,
		Dropout:        0.1,
		CheckpointFmt:  "json",
		MaxCheckpoints: 3,
		ScalarStore:    "memory",
		ScalarDBPath:   "models/scalars.db",
		StatusAddr:     "",
		Rank:           0,
		WorldSize:      1,
		LogLevel:       "info",
	}
}

// Load parses args (without the program name). A -config flag names a YAML file applied
// over the defaults; flags given explicitly override the file.
func Load(args []string) (Config, error) {
	configPath, err := findConfigPath(args)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	if configPath != "" {
		if err := cfg.mergeFile(configPath); err != nil {
			return Config{}, err
		}
	}

	fs := flag.NewFlagSet("ds2-train", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.String("config", configPath, "optional YAML config file")
	cfg.bind(fs)
	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("%w: unexpected arguments %v", ErrInvalid, fs.Args())
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Usage writes the flag help to w
func Usage(w io.Writer) {
	fs := flag.NewFlagSet("ds2-train", flag.ContinueOnError)
	fs.SetOutput(w)
	fs.String("config", "", "optional YAML config file")
	cfg := Default()
	cfg.bind(fs)
	fs.PrintDefaults()
}

// findConfigPath pulls -config out of args before the full parse so the file can be
// applied underneath the flags
func findConfigPath(args []string) (string, error) {
	fs := flag.NewFlagSet("ds2-train", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	path := fs.String("config", "", "")
	// unknown flags are reported by the full parse
	var rest []string
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "-config" || a == "--config" {
			if i+1 >= len(args) {
				return "", fmt.Errorf("%w: -config needs a value", ErrInvalid)
			}
			rest = append(rest, a, args[i+1])
			i++
			continue
		}
		if strings.HasPrefix(a, "-config=") || strings.HasPrefix(a, "--config=") {
			rest = append(rest, a)
		}
	}
	if err := fs.Parse(rest); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return *path, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: parse %s: %v", ErrInvalid, path, err)
	}
	return nil
}

func (c *Config) bind(fs *flag.FlagSet) {
	fs.BoolVar(&c.UseGPU, "use_gpu", c.UseGPU, "train on a CUDA device")
	fs.IntVar(&c.BatchSize, "batch_size", c.BatchSize, "utterances per batch")
	fs.IntVar(&c.NumEpoch, "num_epoch", c.NumEpoch, "total training epochs")
	fs.Float64Var(&c.LearningRate, "learning_rate", c.LearningRate, "base learning rate")
	fs.IntVar(&c.WarmupSteps, "warmup_steps", c.WarmupSteps, "learning-rate warmup steps")
	fs.Float64Var(&c.MinDuration, "min_duration", c.MinDuration, "shortest utterance kept, in seconds")
	fs.Float64Var(&c.MaxDuration, "max_duration", c.MaxDuration, "longest utterance kept, in seconds (<=0 for no limit)")
	fs.StringVar(&c.ResumeModel, "resume_model", c.ResumeModel, "checkpoint file or directory to resume from")
	fs.StringVar(&c.PretrainedModel, "pretrained_model", c.PretrainedModel, "checkpoint whose weights initialise the model")
	fs.StringVar(&c.TrainManifest, "train_manifest", c.TrainManifest, "training manifest path")
	fs.StringVar(&c.TestManifest, "test_manifest", c.TestManifest, "evaluation manifest path")
	fs.StringVar(&c.VocabPath, "vocab_path", c.VocabPath, "vocabulary file path")
	fs.StringVar(&c.MeanIStdPath, "mean_istd_path", c.MeanIStdPath, "feature normaliser file (computed from training data when missing)")
	fs.StringVar(&c.OutputModelDir, "output_model_dir", c.OutputModelDir, "checkpoint directory")
	fs.StringVar(&c.MetricsType, "metrics_type", c.MetricsType, "evaluation metric: cer|wer")
	fs.IntVar(&c.ReportInterval, "report_interval", c.ReportInterval, "batches between progress reports")
	fs.IntVar(&c.NumWorkers, "num_workers", c.NumWorkers, "data loader workers")
	fs.IntVar(&c.Prefetch, "prefetch", c.Prefetch, "batches prepared ahead of training")
	fs.BoolVar(&c.Sortagrad, "sortagrad", c.Sortagrad, "first epoch in ascending duration order")
	fs.BoolVar(&c.Shuffle, "shuffle", c.Shuffle, "shuffle batch order after the first epoch")
	fs.Int64Var(&c.Seed, "seed", c.Seed, "random seed")
	fs.Float64Var(&c.Dropout, "dropout", c.Dropout, "input dropout probability")
	fs.StringVar(&c.CheckpointFmt, "checkpoint_format", c.CheckpointFmt, "checkpoint encoding: json|proto")
	fs.IntVar(&c.MaxCheckpoints, "max_checkpoints", c.MaxCheckpoints, "epoch checkpoints kept on disk")
	fs.StringVar(&c.ScalarStore, "scalar_store", c.ScalarStore, "scalar store backend: memory|sqlite")
	fs.StringVar(&c.ScalarDBPath, "scalar_db_path", c.ScalarDBPath, "sqlite database for scalars")
	fs.StringVar(&c.StatusAddr, "status_addr", c.StatusAddr, "status server address (empty disables)")
	fs.IntVar(&c.Rank, "rank", c.Rank, "worker rank")
	fs.IntVar(&c.WorldSize, "world_size", c.WorldSize, "number of workers")
	fs.StringVar(&c.LogLevel, "log_level", c.LogLevel, "log level: debug|info|warn|error")
}

// Validate checks every field that would otherwise fail late in a run
func (c Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(c.BatchSize > 0, "batch_size must be positive, got %d", c.BatchSize)
	check(c.NumEpoch > 0, "num_epoch must be positive, got %d", c.NumEpoch)
	check(c.LearningRate > 0, "learning_rate must be positive, got %g", c.LearningRate)
	check(c.WarmupSteps >= 0, "warmup_steps cannot be negative, got %d", c.WarmupSteps)
	check(c.MinDuration >= 0, "min_duration cannot be negative, got %g", c.MinDuration)
	check(c.MaxDuration <= 0 || c.MaxDuration >= c.MinDuration,
		"max_duration %g is below min_duration %g", c.MaxDuration, c.MinDuration)
	check(c.MetricsType == "cer" || c.MetricsType == "wer", "metrics_type must be cer or wer, got %q", c.MetricsType)
	check(c.ReportInterval > 0, "report_interval must be positive, got %d", c.ReportInterval)
	check(c.NumWorkers > 0, "num_workers must be positive, got %d", c.NumWorkers)
	check(c.Prefetch > 0, "prefetch must be positive, got %d", c.Prefetch)
	check(c.Dropout >= 0 && c.Dropout < 1, "dropout must be in [0, 1), got %g", c.Dropout)
	check(c.CheckpointFmt == "json" || c.CheckpointFmt == "proto", "checkpoint_format must be json or proto, got %q", c.CheckpointFmt)
	check(c.MaxCheckpoints > 0, "max_checkpoints must be positive, got %d", c.MaxCheckpoints)
	check(c.ScalarStore == "memory" || c.ScalarStore == "sqlite", "scalar_store must be memory or sqlite, got %q", c.ScalarStore)
	check(c.ScalarStore != "sqlite" || c.ScalarDBPath != "", "scalar_db_path is required for the sqlite scalar store")
	check(c.OutputModelDir != "", "output_model_dir is required")
	check(c.TrainManifest != "", "train_manifest is required")
	check(c.VocabPath != "", "vocab_path is required")
	check(c.WorldSize > 0, "world_size must be positive, got %d", c.WorldSize)
	check(c.Rank >= 0 && c.Rank < c.WorldSize, "rank %d outside world of %d", c.Rank, c.WorldSize)
	check(validLogLevel(c.LogLevel), "log_level must be debug, info, warn or error, got %q", c.LogLevel)

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func validLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}

// Print writes every option as "name: value", sorted by name
func (c Config) Print(w io.Writer) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	var fields map[string]any
	if err := yaml.Unmarshal(data, &fields); err != nil {
		return err
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintln(w, "-----------  Configuration Arguments -----------")
	for _, name := range names {
		fmt.Fprintf(w, "%s: %v\n", name, fields[name])
	}
	fmt.Fprintln(w, "------------------------------------------------")
	return nil
}
