package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/georgysavva/scany/v2/sqlscan"
	"github.com/haatos/hookci/internal/types"
)

type JobSQLStore struct {
	rdb, rwdb *sql.DB
}

func NewJobSQLStore(rdb, rwdb *sql.DB) *JobSQLStore {
	return &JobSQLStore{rdb, rwdb}
}

func (store *JobSQLStore) CreateJob(ctx context.Context, nj NewJob) (*Job, bool, error) {
	var retryOf *string
	if nj.RetryOf != "" {
		retryOf = &nj.RetryOf
	}
	j := new(Job)
	query := `insert into jobs (
		job_id,
		repository_url,
		commit_sha,
		branch,
		state,
		retry_of,
		created_on
	)
	values ($1, $2, $3, $4, $5, $6, $7)
	on conflict (job_id) do nothing
	returning *`
	err := sqlscan.Get(
		ctx, store.rwdb, j, query,
		nj.JobID,
		nj.RepositoryURL,
		nj.CommitSHA,
		nj.Branch,
		types.JobPending,
		retryOf,
		time.Now().UTC(),
	)
	if err == nil {
		return j, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}

	existing, err := store.readJob(ctx, store.rwdb, nj.JobID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (store *JobSQLStore) ReadJob(ctx context.Context, jobID string) (*Job, error) {
	return store.readJob(ctx, store.rdb, jobID)
}

func (store *JobSQLStore) readJob(ctx context.Context, db *sql.DB, jobID string) (*Job, error) {
	j := new(Job)
	query := "select * from jobs where job_id = $1"
	if err := sqlscan.Get(ctx, db, j, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return j, nil
}

func (store *JobSQLStore) ClaimJob(
	ctx context.Context,
	jobID, claimToken, workerID string,
	startedOn time.Time,
) (bool, error) {
	query := `update jobs
	set state = $1,
		claim_token = $2,
		worker_id = $3,
		started_on = $4
	where job_id = $5 and state = $6`
	res, err := store.rwdb.ExecContext(
		ctx, query,
		types.JobRunning,
		claimToken,
		workerID,
		startedOn.UTC(),
		jobID,
		types.JobPending,
	)
	if err != nil {
		return false, err
	}
	return oneRowAffected(res)
}

func (store *JobSQLStore) UpdateJobStage(
	ctx context.Context,
	jobID, claimToken string,
	stage types.Stage,
) error {
	query := `update jobs
	set current_stage = $1
	where job_id = $2 and claim_token = $3 and state = $4`
	res, err := store.rwdb.ExecContext(ctx, query, stage, jobID, claimToken, types.JobRunning)
	if err != nil {
		return err
	}
	ok, err := oneRowAffected(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (store *JobSQLStore) UpsertStageOutcome(
	ctx context.Context,
	jobID string,
	o types.StageOutcome,
) error {
	query := `insert into job_stages (
		job_id,
		stage,
		status,
		exit_code,
		attempts,
		annotation,
		log_ref,
		started_on,
		ended_on
	)
	values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	on conflict (job_id, stage) do update
	set status = excluded.status,
		exit_code = excluded.exit_code,
		attempts = excluded.attempts,
		annotation = excluded.annotation,
		log_ref = excluded.log_ref,
		started_on = excluded.started_on,
		ended_on = excluded.ended_on`
	_, err := store.rwdb.ExecContext(
		ctx, query,
		jobID,
		o.Stage,
		o.Status,
		o.ExitCode,
		o.Attempts,
		nullable(o.Annotation),
		nullable(o.LogRef),
		o.StartedOn.UTC(),
		o.EndedOn.UTC(),
	)
	return err
}

func (store *JobSQLStore) FinishJob(
	ctx context.Context,
	jobID, claimToken string,
	state types.JobState,
	annotation, logRef string,
	endedOn time.Time,
) (bool, error) {
	query := `update jobs
	set state = $1,
		annotation = $2,
		log_ref = $3,
		ended_on = $4,
		current_stage = null
	where job_id = $5 and claim_token = $6 and state = $7`
	res, err := store.rwdb.ExecContext(
		ctx, query,
		state,
		nullable(annotation),
		nullable(logRef),
		endedOn.UTC(),
		jobID,
		claimToken,
		types.JobRunning,
	)
	if err != nil {
		return false, err
	}
	return oneRowAffected(res)
}

func (store *JobSQLStore) ReleaseJob(ctx context.Context, jobID, claimToken string) error {
	query := `update jobs
	set state = $1,
		claim_token = null,
		worker_id = null,
		started_on = null,
		current_stage = null
	where job_id = $2 and claim_token = $3 and state = $4`
	_, err := store.rwdb.ExecContext(ctx, query, types.JobPending, jobID, claimToken, types.JobRunning)
	return err
}

func (store *JobSQLStore) FailStaleJobs(
	ctx context.Context,
	startedBefore time.Time,
	annotation string,
) ([]string, error) {
	query := `update jobs
	set state = $1,
		annotation = $2,
		ended_on = $3,
		current_stage = null
	where state = $4 and started_on < $5
	returning job_id`
	ids := make([]string, 0)
	err := sqlscan.Select(
		ctx, store.rwdb, &ids, query,
		types.JobFailed,
		annotation,
		time.Now().UTC(),
		types.JobRunning,
		startedBefore.UTC(),
	)
	return ids, err
}

func (store *JobSQLStore) DeleteJob(ctx context.Context, jobID string) error {
	query := "delete from jobs where job_id = $1"
	_, err := store.rwdb.ExecContext(ctx, query, jobID)
	return err
}

func (store *JobSQLStore) ListJobStages(ctx context.Context, jobID string) ([]*JobStage, error) {
	query := `select * from job_stages where job_id = $1 order by case stage
		when 'checkout' then 1
		when 'build' then 2
		when 'test' then 3
		when 'scan' then 4
	end`
	stages := make([]*JobStage, 0)
	err := sqlscan.Select(ctx, store.rdb, &stages, query, jobID)
	return stages, err
}

func (store *JobSQLStore) ListJobsByState(ctx context.Context, state types.JobState) ([]*Job, error) {
	query := "select * from jobs where state = $1 order by created_on"
	jobs := make([]*Job, 0)
	err := sqlscan.Select(ctx, store.rdb, &jobs, query, state)
	return jobs, err
}

func oneRowAffected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
