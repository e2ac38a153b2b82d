package service

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/haatos/hookci/internal/store"
	"github.com/haatos/hookci/internal/types"
	"go.uber.org/zap"
)

const workerLostAnnotation = "worker lost"

func NewScheduler() (gocron.Scheduler, error) {
	return gocron.NewScheduler()
}

// SchedulePolling polls the spec queue every interval. A poll still running
// when the next one is due is skipped.
func SchedulePolling(
	s gocron.Scheduler,
	pool *WorkerPool,
	interval time.Duration,
	logger *zap.SugaredLogger,
) error {
	_, err := s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if err := pool.Poll(context.Background()); err != nil {
				logger.Warnw("err polling spec queue", "error", err)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("poll-spec-queue"),
	)
	return err
}

type StaleJobFailer interface {
	FailStaleJobs(ctx context.Context, startedBefore time.Time, annotation string) ([]string, error)
	ReadJob(ctx context.Context, jobID string) (*store.Job, error)
	ListJobStages(ctx context.Context, jobID string) ([]*store.JobStage, error)
}

// Sweeper fails running jobs whose worker stopped reporting and reports
// them like any other terminal job.
type Sweeper struct {
	jobs       StaleJobFailer
	reporter   ResultReporter
	staleAfter time.Duration
	logger     *zap.SugaredLogger
}

func NewSweeper(
	jobs StaleJobFailer,
	reporter ResultReporter,
	staleAfter time.Duration,
	logger *zap.SugaredLogger,
) *Sweeper {
	return &Sweeper{jobs: jobs, reporter: reporter, staleAfter: staleAfter, logger: logger}
}

func (sw *Sweeper) Sweep(ctx context.Context) ([]string, error) {
	ids, err := sw.jobs.FailStaleJobs(ctx, time.Now().UTC().Add(-sw.staleAfter), workerLostAnnotation)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		sw.logger.Warnw("stale job failed", "job_id", id, "state", types.JobFailed, "annotation", workerLostAnnotation)
		if err := sw.report(ctx, id); err != nil {
			sw.logger.Errorw("err reporting stale job", "job_id", id, "error", err)
		}
	}
	return ids, nil
}

func (sw *Sweeper) report(ctx context.Context, jobID string) error {
	j, err := sw.jobs.ReadJob(ctx, jobID)
	if err != nil {
		return err
	}
	stages, err := sw.jobs.ListJobStages(ctx, jobID)
	if err != nil {
		return err
	}
	return sw.reporter.Report(ctx, resultFromRecord(j, stages))
}

// resultFromRecord rebuilds the result of a job that no engine finished.
func resultFromRecord(j *store.Job, stages []*store.JobStage) *types.JobResult {
	r := &types.JobResult{
		JobID:         j.JobID,
		RepositoryURL: j.RepositoryURL,
		CommitSHA:     j.CommitSHA,
		Branch:        j.Branch,
		State:         j.State,
		Annotation:    deref(j.Annotation),
		LogRef:        deref(j.LogRef),
		RetryOf:       deref(j.RetryOf),
		Stages:        make([]types.StageOutcome, 0, len(stages)),
	}
	if j.StartedOn != nil {
		r.StartedOn = *j.StartedOn
	}
	if j.EndedOn != nil {
		r.EndedOn = *j.EndedOn
	}
	for _, s := range stages {
		r.Stages = append(r.Stages, types.StageOutcome{
			Stage:      s.Stage,
			Status:     s.Status,
			ExitCode:   s.ExitCode,
			Attempts:   s.Attempts,
			Annotation: deref(s.Annotation),
			LogRef:     deref(s.LogRef),
			StartedOn:  s.StartedOn,
			EndedOn:    s.EndedOn,
		})
	}
	return r
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func ScheduleSweep(s gocron.Scheduler, sw *Sweeper, interval time.Duration) error {
	_, err := s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if _, err := sw.Sweep(context.Background()); err != nil {
				sw.logger.Warnw("err sweeping stale jobs", "error", err)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("sweep-stale-jobs"),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	return err
}
