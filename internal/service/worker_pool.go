package service

import (
	"context"
	"errors"
	"sync"

	"github.com/haatos/hookci/internal/report"
	"github.com/haatos/hookci/internal/store"
	"github.com/haatos/hookci/internal/types"
	"go.uber.org/zap"
)

type JobExecutor interface {
	Execute(ctx context.Context, spec *types.PipelineSpec) (*types.JobResult, error)
}

type ResultReporter interface {
	Report(ctx context.Context, result *types.JobResult) error
}

type SpecQueue interface {
	ReadSpec(ctx context.Context, jobID string) (*types.PipelineSpec, error)
	ListSpecs(ctx context.Context) ([]string, error)
	ArchiveSpec(ctx context.Context, jobID string) error
}

type JobReader interface {
	ReadJob(ctx context.Context, jobID string) (*store.Job, error)
}

// WorkerPool feeds queued specs to a fixed number of workers. An
// infrastructure fault halts the pool: no further jobs are taken and
// Halted is closed once the fault is recorded.
type WorkerPool struct {
	executor JobExecutor
	reporter ResultReporter
	specs    SpecQueue
	jobs     JobReader
	workers  int
	logger   *zap.SugaredLogger

	queue    chan string
	done     chan struct{}
	halted   chan struct{}
	inFlight map[string]struct{}
	haltErr  error
	wg       sync.WaitGroup
	mu       sync.Mutex
}

func NewWorkerPool(
	executor JobExecutor,
	reporter ResultReporter,
	specs SpecQueue,
	jobs JobReader,
	workers, queueSize int,
	logger *zap.SugaredLogger,
) *WorkerPool {
	return &WorkerPool{
		executor: executor,
		reporter: reporter,
		specs:    specs,
		jobs:     jobs,
		workers:  max(workers, 1),
		logger:   logger,
		queue:    make(chan string, max(queueSize, 1)),
		done:     make(chan struct{}),
		halted:   make(chan struct{}),
		inFlight: make(map[string]struct{}),
	}
}

// Enqueue adds jobID unless it is already queued or running.
func (wp *WorkerPool) Enqueue(jobID string) error {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	select {
	case <-wp.halted:
		return ErrPoolHalted
	case <-wp.done:
		return ErrPoolHalted
	default:
	}
	if _, ok := wp.inFlight[jobID]; ok {
		return nil
	}

	select {
	case wp.queue <- jobID:
		wp.inFlight[jobID] = struct{}{}
		return nil
	default:
		return NewErrRunQueueFull()
	}
}

// Poll enqueues every queued spec that is not yet in flight. A full queue
// leaves the rest for the next poll.
func (wp *WorkerPool) Poll(ctx context.Context) error {
	ids, err := wp.specs.ListSpecs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := wp.Enqueue(id); err != nil {
			var full *ErrRunQueueFull
			if errors.As(err, &full) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (wp *WorkerPool) Start() {
	for range wp.workers {
		wp.wg.Go(wp.run)
	}
}

func (wp *WorkerPool) run() {
	for {
		select {
		case <-wp.done:
			return
		case <-wp.halted:
			return
		case jobID := <-wp.queue:
			wp.process(jobID)
		}
	}
}

func (wp *WorkerPool) process(jobID string) {
	defer wp.release(jobID)
	ctx := context.Background()
	logger := wp.logger.With("job_id", jobID)

	spec, err := wp.specs.ReadSpec(ctx, jobID)
	if err != nil {
		if errors.Is(err, types.ErrInvalidSpec) {
			logger.Errorw("invalid spec moved out of the queue", "error", err)
			wp.archive(ctx, jobID)
			return
		}
		logger.Errorw("err reading spec", "error", err)
		return
	}

	result, err := wp.executor.Execute(ctx, spec)
	switch {
	case errors.Is(err, ErrInfrastructure):
		logger.Errorw("infrastructure fault, halting worker pool", "error", err)
		wp.Halt(err)
		return
	case errors.Is(err, ErrJobNotClaimed):
		wp.settleUnclaimed(ctx, jobID)
		return
	case err != nil:
		logger.Errorw("err executing job", "error", err)
		return
	}

	if err := wp.reporter.Report(ctx, result); err != nil {
		var reportingErr *report.ReportingError
		if errors.As(err, &reportingErr) {
			logger.Warnw("result not delivered", "error", err)
		} else {
			logger.Errorw("err persisting result", "error", err)
		}
	}
	wp.archive(ctx, jobID)
}

// settleUnclaimed archives the spec of a job that some other worker already
// brought to a terminal state.
func (wp *WorkerPool) settleUnclaimed(ctx context.Context, jobID string) {
	j, err := wp.jobs.ReadJob(ctx, jobID)
	if err != nil {
		wp.logger.Warnw("err reading unclaimed job", "job_id", jobID, "error", err)
		return
	}
	if j.State.IsTerminal() {
		wp.archive(ctx, jobID)
	}
}

func (wp *WorkerPool) archive(ctx context.Context, jobID string) {
	if err := wp.specs.ArchiveSpec(ctx, jobID); err != nil && !errors.Is(err, store.ErrNotFound) {
		wp.logger.Errorw("err archiving spec", "job_id", jobID, "error", err)
	}
}

func (wp *WorkerPool) release(jobID string) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	delete(wp.inFlight, jobID)
}

func (wp *WorkerPool) Halt(err error) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	select {
	case <-wp.halted:
	default:
		wp.haltErr = err
		close(wp.halted)
	}
}

func (wp *WorkerPool) Halted() <-chan struct{} {
	return wp.halted
}

// Err returns the fault that halted the pool, if any.
func (wp *WorkerPool) Err() error {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.haltErr
}

// Shutdown stops taking jobs and waits for in-flight jobs to finish.
func (wp *WorkerPool) Shutdown() {
	wp.mu.Lock()
	select {
	case <-wp.done:
	default:
		close(wp.done)
	}
	wp.mu.Unlock()
	wp.wg.Wait()
}
