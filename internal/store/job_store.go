package store

import (
	"context"
	"errors"
	"time"

	"github.com/haatos/hookci/internal/types"
)

var ErrNotFound = errors.New("not found")

type Job struct {
	JobID         string         `db:"job_id"`
	RepositoryURL string         `db:"repository_url"`
	CommitSHA     string         `db:"commit_sha"`
	Branch        string         `db:"branch"`
	State         types.JobState `db:"state"`
	CurrentStage  *types.Stage   `db:"current_stage"`
	ClaimToken    *string        `db:"claim_token"`
	WorkerID      *string        `db:"worker_id"`
	Annotation    *string        `db:"annotation"`
	LogRef        *string        `db:"log_ref"`
	RetryOf       *string        `db:"retry_of"`
	CreatedOn     time.Time      `db:"created_on"`
	StartedOn     *time.Time     `db:"started_on"`
	EndedOn       *time.Time     `db:"ended_on"`
}

type JobStage struct {
	JobID      string            `db:"job_id"`
	Stage      types.Stage       `db:"stage"`
	Status     types.StageStatus `db:"status"`
	ExitCode   int               `db:"exit_code"`
	Attempts   int               `db:"attempts"`
	Annotation *string           `db:"annotation"`
	LogRef     *string           `db:"log_ref"`
	StartedOn  time.Time         `db:"started_on"`
	EndedOn    time.Time         `db:"ended_on"`
}

// NewJob is the insert shape for a pending job.
type NewJob struct {
	JobID         string
	RepositoryURL string
	CommitSHA     string
	Branch        string
	RetryOf       string
}

type JobStore interface {
	// CreateJob inserts a pending job. When the id already exists the stored
	// row is returned with created set to false.
	CreateJob(ctx context.Context, job NewJob) (j *Job, created bool, err error)
	ReadJob(ctx context.Context, jobID string) (*Job, error)
	// ClaimJob moves a pending job to running. It returns false when another
	// worker got there first.
	ClaimJob(ctx context.Context, jobID, claimToken, workerID string, startedOn time.Time) (bool, error)
	UpdateJobStage(ctx context.Context, jobID, claimToken string, stage types.Stage) error
	UpsertStageOutcome(ctx context.Context, jobID string, outcome types.StageOutcome) error
	FinishJob(ctx context.Context, jobID, claimToken string, state types.JobState, annotation, logRef string, endedOn time.Time) (bool, error)
	ReleaseJob(ctx context.Context, jobID, claimToken string) error
	FailStaleJobs(ctx context.Context, startedBefore time.Time, annotation string) ([]string, error)
	DeleteJob(ctx context.Context, jobID string) error
	ListJobStages(ctx context.Context, jobID string) ([]*JobStage, error)
	ListJobsByState(ctx context.Context, state types.JobState) ([]*Job, error)
}
