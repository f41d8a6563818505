package async

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/tsawler/go-deepspeech/training"
)

// ErrClosed is returned by Next after Close
var ErrClosed = errors.New("data loader closed")

// Sampler yields the utterance indices of every batch of an epoch
type Sampler interface {
	Len() int
	Batches(epoch int) [][]int
}

// Collator turns utterance indices into a padded minibatch
type Collator interface {
	Collate(indices []int) (*training.Minibatch, error)
}

// AsyncDataLoaderConfig holds configuration for the data loader
type AsyncDataLoaderConfig struct {
	PrefetchDepth int // Number of batches prepared ahead of the consumer (default: 8)
	Workers       int // Number of background workers (default: 4)
	Logger        *log.Logger
}

type batchResult struct {
	batch *training.Minibatch
	err   error
}

type batchJob struct {
	id      int
	indices []int
	slot    chan batchResult
}

// AsyncDataLoader collates batches on a pool of background workers and hands them to the
// trainer in sampler order. It implements training.BatchSource.
type AsyncDataLoader struct {
	sampler       Sampler
	collator      Collator
	prefetchDepth int
	workers       int
	logger        *log.Logger

	// Pipeline of the current epoch
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	pending chan chan batchResult // one slot per batch, in order

	// State
	epoch        int
	batchCounter uint64
	isRunning    bool
	closed       bool
	mutex        sync.RWMutex
}

// NewAsyncDataLoader creates a new asynchronous data loader
func NewAsyncDataLoader(sampler Sampler, collator Collator, config AsyncDataLoaderConfig) (*AsyncDataLoader, error) {
	if sampler == nil {
		return nil, fmt.Errorf("sampler cannot be nil")
	}
	if collator == nil {
		return nil, fmt.Errorf("collator cannot be nil")
	}

	// Set defaults
	if config.PrefetchDepth <= 0 {
		config.PrefetchDepth = 8
	}
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	return &AsyncDataLoader{
		sampler:       sampler,
		collator:      collator,
		prefetchDepth: config.PrefetchDepth,
		workers:       config.Workers,
		logger:        config.Logger,
	}, nil
}

// Len returns the number of batches per epoch
func (adl *AsyncDataLoader) Len() int {
	return adl.sampler.Len()
}

// Reset abandons any batches still in flight and starts loading the given epoch
func (adl *AsyncDataLoader) Reset(epoch int) error {
	adl.mutex.Lock()
	defer adl.mutex.Unlock()

	if adl.closed {
		return ErrClosed
	}
	adl.stopLocked()

	batches := adl.sampler.Batches(epoch)
	adl.ctx, adl.cancel = context.WithCancel(context.Background())
	adl.pending = make(chan chan batchResult, adl.prefetchDepth)
	adl.epoch = epoch

	jobs := make(chan batchJob)
	for i := 0; i < adl.workers; i++ {
		adl.wg.Add(1)
		go adl.worker(adl.ctx, jobs)
	}
	adl.wg.Add(1)
	go adl.dispatch(adl.ctx, batches, jobs, adl.pending)

	adl.isRunning = true
	adl.logger.Debug("data loader started", "epoch", epoch, "batches", len(batches), "workers", adl.workers)
	return nil
}

// Next returns the next batch of the epoch, or (nil, nil) when the epoch is exhausted.
// Batches arrive in sampler order regardless of which worker finished first.
func (adl *AsyncDataLoader) Next(ctx context.Context) (*training.Minibatch, error) {
	adl.mutex.RLock()
	pending, loaderCtx, running, closed := adl.pending, adl.ctx, adl.isRunning, adl.closed
	adl.mutex.RUnlock()

	if closed {
		return nil, ErrClosed
	}
	if !running {
		return nil, fmt.Errorf("data loader not started, call Reset first")
	}

	var slot chan batchResult
	select {
	case s, ok := <-pending:
		if !ok {
			return nil, nil
		}
		slot = s
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-loaderCtx.Done():
		return nil, fmt.Errorf("data loader has been reset")
	}

	select {
	case r := <-slot:
		if r.err != nil {
			return nil, r.err
		}
		adl.mutex.Lock()
		adl.batchCounter++
		adl.mutex.Unlock()
		return r.batch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-loaderCtx.Done():
		return nil, fmt.Errorf("data loader has been reset")
	}
}

// Close stops the workers. The loader cannot be used afterwards.
func (adl *AsyncDataLoader) Close() error {
	adl.mutex.Lock()
	defer adl.mutex.Unlock()

	adl.stopLocked()
	adl.closed = true
	return nil
}

func (adl *AsyncDataLoader) stopLocked() {
	if !adl.isRunning {
		return
	}
	adl.cancel()
	adl.wg.Wait()
	adl.isRunning = false
}

// dispatch reserves an ordered result slot for every batch, then queues the work.
// The bounded pending channel caps how far loading runs ahead of the consumer.
func (adl *AsyncDataLoader) dispatch(ctx context.Context, batches [][]int, jobs chan<- batchJob, pending chan<- chan batchResult) {
	defer adl.wg.Done()
	defer close(jobs)
	defer close(pending)

	for id, indices := range batches {
		slot := make(chan batchResult, 1)
		select {
		case pending <- slot:
		case <-ctx.Done():
			return
		}
		select {
		case jobs <- batchJob{id: id, indices: indices, slot: slot}:
		case <-ctx.Done():
			return
		}
	}
}

// worker runs in background to collate batches
func (adl *AsyncDataLoader) worker(ctx context.Context, jobs <-chan batchJob) {
	defer adl.wg.Done()

	for job := range jobs {
		if ctx.Err() != nil {
			return
		}
		batch, err := adl.collator.Collate(job.indices)
		if err != nil {
			err = fmt.Errorf("batch %d: %w", job.id, err)
		}
		// slot is buffered and owned by this job, so the send never blocks
		job.slot <- batchResult{batch: batch, err: err}
	}
}

// Stats returns statistics about the data loader
func (adl *AsyncDataLoader) Stats() AsyncDataLoaderStats {
	adl.mutex.RLock()
	defer adl.mutex.RUnlock()

	stats := AsyncDataLoaderStats{
		IsRunning:       adl.isRunning,
		Epoch:           adl.epoch,
		BatchesProduced: adl.batchCounter,
		QueueCapacity:   adl.prefetchDepth,
		Workers:         adl.workers,
	}
	if adl.pending != nil {
		stats.QueuedBatches = len(adl.pending)
	}
	return stats
}

// AsyncDataLoaderStats provides statistics about the data loader
type AsyncDataLoaderStats struct {
	IsRunning       bool
	Epoch           int
	BatchesProduced uint64
	QueuedBatches   int
	QueueCapacity   int
	Workers         int
}
