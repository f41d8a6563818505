// Command ds2-train trains a CTC speech recognition model from feature manifests.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/tsawler/go-deepspeech/async"
	"github.com/tsawler/go-deepspeech/checkpoints"
	"github.com/tsawler/go-deepspeech/config"
	"github.com/tsawler/go-deepspeech/ctc"
	"github.com/tsawler/go-deepspeech/dataset"
	"github.com/tsawler/go-deepspeech/device"
	"github.com/tsawler/go-deepspeech/featurizer"
	"github.com/tsawler/go-deepspeech/metrics"
	"github.com/tsawler/go-deepspeech/model"
	"github.com/tsawler/go-deepspeech/monitor"
	"github.com/tsawler/go-deepspeech/optimizer"
	"github.com/tsawler/go-deepspeech/scalars"
	"github.com/tsawler/go-deepspeech/training"
)

// utterances sampled when the feature normaliser has to be estimated
const normalizerSample = 5000

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			config.Usage(os.Stderr)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "ds2-train: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          fmt.Sprintf("rank%d", cfg.Rank),
	})
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger.SetLevel(level)

	role := training.Role{Rank: cfg.Rank, WorldSize: cfg.WorldSize}
	if role.IsPrimary() {
		if err := cfg.Print(os.Stdout); err != nil {
			return err
		}
	}

	dev, err := device.Select(cfg.UseGPU)
	if err != nil {
		return err
	}
	logger.Info("device selected", "device", dev.String(), "gpu", dev.UseGPU)

	tf, err := featurizer.LoadVocabulary(cfg.VocabPath)
	if err != nil {
		return err
	}

	filter := dataset.FilterOptions{MinDuration: cfg.MinDuration, MaxDuration: cfg.MaxDuration}
	trainSet, err := dataset.LoadManifest(cfg.TrainManifest, tf, filter)
	if err != nil {
		return err
	}
	evalSet, err := loadEvalSet(cfg, tf)
	if err != nil {
		return err
	}
	logger.Info("datasets loaded",
		"train", trainSet.Len(), "train_skipped", trainSet.Skipped(),
		"eval", evalSet.Len(), "feature_dim", trainSet.FeatureDim(), "vocab", tf.VocabSize())

	normalizer, err := prepareNormalizer(cfg, trainSet, logger)
	if err != nil {
		return err
	}
	if err := trainSet.SetNormalizer(normalizer); err != nil {
		return err
	}
	if err := evalSet.SetNormalizer(normalizer); err != nil {
		return err
	}

	trainSampler, err := dataset.NewSortagradSampler(trainSet.Durations(), trainSamplerConfig(cfg, role))
	if err != nil {
		return err
	}
	evalSampler, err := dataset.NewSortagradSampler(evalSet.Durations(), dataset.SamplerConfig{BatchSize: cfg.BatchSize})
	if err != nil {
		return err
	}

	loaderConfig := async.AsyncDataLoaderConfig{PrefetchDepth: cfg.Prefetch, Workers: cfg.NumWorkers, Logger: logger}
	trainLoader, err := async.NewAsyncDataLoader(trainSampler, trainSet, loaderConfig)
	if err != nil {
		return err
	}
	defer trainLoader.Close()
	evalLoader, err := async.NewAsyncDataLoader(evalSampler, evalSet, loaderConfig)
	if err != nil {
		return err
	}
	defer evalLoader.Close()

	net, err := model.NewLinearCTC(model.LinearCTCConfig{
		InputDim:  trainSet.FeatureDim(),
		VocabSize: tf.VocabSize(),
		Dropout:   cfg.Dropout,
		Seed:      cfg.Seed,
	})
	if err != nil {
		return err
	}

	adamConfig := optimizer.DefaultAdamConfig()
	adamConfig.LearningRate = cfg.LearningRate
	adam, err := optimizer.NewAdam(net.Parameters(), adamConfig)
	if err != nil {
		return err
	}
	scheduler := training.NewWarmupLR(cfg.LearningRate, cfg.WarmupSteps)

	format, err := checkpoints.ParseFormat(cfg.CheckpointFmt)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	runID := scalars.NewRunID()
	manager := training.NewCheckpointManager(training.CheckpointConfig{
		SaveDirectory:  cfg.OutputModelDir,
		MaxCheckpoints: cfg.MaxCheckpoints,
		Format:         format,
		MetricsType:    cfg.MetricsType,
		RunID:          runID,
	}, logger)

	// pretrained weights first, a resumed checkpoint then overrides them
	if cfg.PretrainedModel != "" {
		if _, err := manager.LoadPretrained(cfg.PretrainedModel, net); err != nil {
			return err
		}
	}
	startEpoch, globalStep := 0, 0
	if cfg.ResumeModel != "" {
		state, err := manager.Load(cfg.ResumeModel, net, adam)
		if err != nil {
			return err
		}
		startEpoch, globalStep = state.NextEpoch, state.GlobalStep
		scheduler.SetStepCount(globalStep)
	}

	if cfg.ScalarStore == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(cfg.ScalarDBPath), 0755); err != nil {
			return err
		}
	}
	store, err := scalars.NewStore(cfg.ScalarStore, cfg.ScalarDBPath)
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return err
	}
	defer store.Close()

	status := training.NewStatusTracker(runID)
	if cfg.StatusAddr != "" && role.IsPrimary() {
		server, err := monitor.NewServer(cfg.StatusAddr, status, logger)
		if err != nil {
			return err
		}
		if err := server.Start(); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Warn("status server shutdown", "err", err)
			}
		}()
	}

	errorRate, err := metrics.ForType(cfg.MetricsType)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	evaluator, err := training.NewEvaluator(ctc.NewGreedyDecoder(), tf.Vocabulary(), training.ErrorRateFunc(errorRate))
	if err != nil {
		return err
	}

	trainer, err := training.NewTrainer(training.TrainerConfig{
		TotalEpochs:    cfg.NumEpoch,
		ReportInterval: cfg.ReportInterval,
		MetricsType:    cfg.MetricsType,
		Role:           role,
	}, training.Dependencies{
		Model:        net,
		Optimizer:    adam,
		Scheduler:    scheduler,
		Loss:         ctc.NewLoss(),
		TrainSource:  trainLoader,
		EvalSource:   evalLoader,
		Evaluator:    evaluator,
		Checkpointer: manager,
		Scalars:      scalars.NewWriter(store, runID),
		Status:       status,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	summary, err := trainer.Run(ctx, startEpoch, globalStep)
	if err != nil {
		return err
	}
	if summary.HasBest {
		logger.Info("best checkpoint", "path", manager.BestPath(), cfg.MetricsType, summary.BestErrorRate)
	}
	return nil
}

// trainSamplerConfig batches the training set. A trailing partial batch is always dropped.
func trainSamplerConfig(cfg config.Config, role training.Role) dataset.SamplerConfig {
	return dataset.SamplerConfig{
		BatchSize: cfg.BatchSize,
		Sortagrad: cfg.Sortagrad,
		Shuffle:   cfg.Shuffle,
		DropLast:  true,
		Seed:      cfg.Seed,
		Rank:      role.Rank,
		WorldSize: role.WorldSize,
	}
}

// loadEvalSet reads the evaluation manifest. It is not duration-filtered; an empty
// path gives an empty set and the run skips evaluation.
func loadEvalSet(cfg config.Config, tf *featurizer.TextFeaturizer) (*dataset.Dataset, error) {
	if cfg.TestManifest == "" {
		return dataset.New(nil)
	}
	return dataset.LoadManifest(cfg.TestManifest, tf, dataset.FilterOptions{})
}

// prepareNormalizer loads the mean/istd file, or estimates it from the training set and
// writes it to the configured path for later runs
func prepareNormalizer(cfg config.Config, trainSet *dataset.Dataset, logger *log.Logger) (*dataset.Normalizer, error) {
	if cfg.MeanIStdPath != "" {
		n, err := dataset.LoadNormalizer(cfg.MeanIStdPath)
		if err == nil {
			return n, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	n, err := dataset.ComputeNormalizer(trainSet, normalizerSample)
	if err != nil {
		return nil, err
	}
	if cfg.MeanIStdPath != "" {
		if err := n.Save(cfg.MeanIStdPath); err != nil {
			return nil, err
		}
		logger.Info("feature normalizer saved", "path", cfg.MeanIStdPath)
	}
	return n, nil
}
