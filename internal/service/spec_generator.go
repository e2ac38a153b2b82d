package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haatos/hookci/internal"
	"github.com/haatos/hookci/internal/store"
	"github.com/haatos/hookci/internal/types"
	"github.com/haatos/hookci/internal/webhook"
	"go.uber.org/zap"
)

type PolicyReader interface {
	ReadPolicy(ctx context.Context, repositoryURL string) (*store.RepositoryPolicy, error)
}

type JobRegistry interface {
	CreateJob(ctx context.Context, job store.NewJob) (*store.Job, bool, error)
	ReadJob(ctx context.Context, jobID string) (*store.Job, error)
	DeleteJob(ctx context.Context, jobID string) error
}

type SpecWriter interface {
	WriteSpec(ctx context.Context, spec *types.PipelineSpec) (string, error)
	ReadSpec(ctx context.Context, jobID string) (*types.PipelineSpec, error)
}

type GenerateResult struct {
	JobID    string
	SpecPath string
	Spec     *types.PipelineSpec
	Ignored  bool
	Reason   string
}

type SpecGenerator struct {
	policies      PolicyReader
	jobs          JobRegistry
	specs         SpecWriter
	uuidGenerator UUIDGenerator
	cfg           *internal.Configuration
	logger        *zap.SugaredLogger
}

func NewSpecGenerator(
	policies PolicyReader,
	jobs JobRegistry,
	specs SpecWriter,
	uuidGenerator UUIDGenerator,
	cfg *internal.Configuration,
	logger *zap.SugaredLogger,
) *SpecGenerator {
	return &SpecGenerator{
		policies:      policies,
		jobs:          jobs,
		specs:         specs,
		uuidGenerator: uuidGenerator,
		cfg:           cfg,
		logger:        logger,
	}
}

// Generate turns a normalized webhook event into a pending job and its spec
// file. Redeliveries of the same repository and commit yield a
// DuplicateJobError.
func (g *SpecGenerator) Generate(ctx context.Context, e *webhook.WebhookEvent) (*GenerateResult, error) {
	repositoryURL := types.NormalizeRepositoryURL(e.RepositoryURL)
	policy, err := g.lookupPolicy(ctx, repositoryURL)
	if err != nil {
		return nil, err
	}

	if policy.TriggerBranch != "" && policy.TriggerBranch != e.Branch {
		return &GenerateResult{
			Ignored: true,
			Reason:  fmt.Sprintf("branch %s does not match trigger branch %s", e.Branch, policy.TriggerBranch),
		}, nil
	}

	spec := &types.PipelineSpec{
		Version:       types.SpecVersion,
		JobID:         types.NewJobID(repositoryURL, e.CommitSHA),
		RepositoryURL: repositoryURL,
		CloneURL:      e.CloneURL,
		CommitSHA:     e.CommitSHA,
		Branch:        e.Branch,
		Event:         string(e.Kind),
		Pusher:        e.Pusher,
		Stages:        types.StagesFor(policy.ScanEnabled),
		ScanEnabled:   policy.ScanEnabled,
		Report:        g.reportTarget(),
		Build: types.BuildSettings{
			Dockerfile:     policy.Dockerfile,
			TestCommand:    policy.TestCommand,
			TestDockerfile: policy.TestDockerfile,
		},
		CreatedOn: time.Now().UTC(),
	}
	if spec.CloneURL == "" {
		spec.CloneURL = repositoryURL
	}
	if spec.Build.Dockerfile == "" {
		spec.Build.Dockerfile = "Dockerfile"
	}
	if err := spec.Validate(); err != nil {
		return nil, &webhook.MalformedPayloadError{Reason: "event cannot produce a valid spec", Err: err}
	}

	return g.persist(ctx, spec)
}

// Retry schedules a new run of a finished job under a fresh job id.
func (g *SpecGenerator) Retry(ctx context.Context, jobID string) (*GenerateResult, error) {
	j, err := g.jobs.ReadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !j.State.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrJobNotTerminal, jobID, j.State)
	}
	original, err := g.specs.ReadSpec(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("err reading spec of %s: %w", jobID, err)
	}

	spec := *original
	spec.Stages = append([]types.Stage(nil), original.Stages...)
	spec.JobID = g.uuidGenerator.GenerateUUID()
	spec.RetryOf = jobID
	spec.CreatedOn = time.Now().UTC()
	return g.persist(ctx, &spec)
}

func (g *SpecGenerator) persist(ctx context.Context, spec *types.PipelineSpec) (*GenerateResult, error) {
	j, created, err := g.jobs.CreateJob(ctx, store.NewJob{
		JobID:         spec.JobID,
		RepositoryURL: spec.RepositoryURL,
		CommitSHA:     spec.CommitSHA,
		Branch:        spec.Branch,
		RetryOf:       spec.RetryOf,
	})
	if err != nil {
		return nil, fmt.Errorf("err creating job record: %w", err)
	}
	if !created && !g.orphaned(ctx, j) {
		return nil, &DuplicateJobError{JobID: j.JobID, State: j.State}
	}

	path, err := g.specs.WriteSpec(ctx, spec)
	if errors.Is(err, store.ErrSpecExists) {
		return nil, &DuplicateJobError{JobID: spec.JobID, State: types.JobPending}
	}
	if err != nil {
		if created {
			if delErr := g.jobs.DeleteJob(context.Background(), spec.JobID); delErr != nil {
				err = errors.Join(err, delErr)
			}
		}
		return nil, fmt.Errorf("err writing spec: %w", err)
	}

	g.logger.Infow("job scheduled",
		"job_id", spec.JobID,
		"repository", spec.RepositoryURL,
		"commit", spec.CommitSHA,
		"branch", spec.Branch,
		"stages", spec.Stages,
		"retry_of", spec.RetryOf,
	)
	return &GenerateResult{JobID: spec.JobID, SpecPath: path, Spec: spec}, nil
}

// orphaned reports whether j is a pending job whose spec was never written,
// so the delivery should write it instead of being deduplicated.
func (g *SpecGenerator) orphaned(ctx context.Context, j *store.Job) bool {
	if j.State != types.JobPending {
		return false
	}
	_, err := g.specs.ReadSpec(ctx, j.JobID)
	if errors.Is(err, store.ErrNotFound) {
		g.logger.Warnw("pending job has no spec, rewriting it", "job_id", j.JobID)
		return true
	}
	return false
}

func (g *SpecGenerator) lookupPolicy(ctx context.Context, repositoryURL string) (*store.RepositoryPolicy, error) {
	policy, err := g.policies.ReadPolicy(ctx, repositoryURL)
	if err == nil {
		return policy, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, &PolicyLookupError{RepositoryURL: repositoryURL, Err: err}
	}
	if !g.cfg.AllowUnregistered {
		return nil, &PolicyLookupError{RepositoryURL: repositoryURL, Err: err}
	}
	d := g.cfg.DefaultPolicy
	return &store.RepositoryPolicy{
		RepositoryURL:  repositoryURL,
		ScanEnabled:    d.ScanEnabled,
		TriggerBranch:  d.TriggerBranch,
		Dockerfile:     d.Dockerfile,
		TestCommand:    d.TestCommand,
		TestDockerfile: d.TestDockerfile,
	}, nil
}

func (g *SpecGenerator) reportTarget() types.ReportTarget {
	if g.cfg.StandaloneMode() {
		return types.ReportLocal
	}
	return types.ReportRemote
}
