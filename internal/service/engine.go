package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/haatos/hookci/internal"
	"github.com/haatos/hookci/internal/logstore"
	"github.com/haatos/hookci/internal/sandbox"
	"github.com/haatos/hookci/internal/store"
	"github.com/haatos/hookci/internal/types"
	"github.com/haatos/hookci/internal/util"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	sourceDir      = "src"
	scanReportFile = "scan-report.json"
	destroyTimeout = 2 * time.Minute
)

type JobRunner interface {
	CreateJob(ctx context.Context, job store.NewJob) (*store.Job, bool, error)
	ClaimJob(ctx context.Context, jobID, claimToken, workerID string, startedOn time.Time) (bool, error)
	UpdateJobStage(ctx context.Context, jobID, claimToken string, stage types.Stage) error
	UpsertStageOutcome(ctx context.Context, jobID string, outcome types.StageOutcome) error
	FinishJob(ctx context.Context, jobID, claimToken string, state types.JobState, annotation, logRef string, endedOn time.Time) (bool, error)
	ReleaseJob(ctx context.Context, jobID, claimToken string) error
}

// Engine runs the stages of one pipeline spec inside a sandbox and drives the
// job record from pending to a terminal state.
type Engine struct {
	jobs          JobRunner
	runtime       sandbox.Runtime
	logs          logstore.LogStore
	cfg           *internal.Configuration
	uuidGenerator UUIDGenerator
	workerID      string
	tracer        trace.Tracer
	logger        *zap.SugaredLogger
}

func NewEngine(
	jobs JobRunner,
	runtime sandbox.Runtime,
	logs logstore.LogStore,
	cfg *internal.Configuration,
	uuidGenerator UUIDGenerator,
	logger *zap.SugaredLogger,
) *Engine {
	hostname, _ := os.Hostname()
	return &Engine{
		jobs:          jobs,
		runtime:       runtime,
		logs:          logs,
		cfg:           cfg,
		uuidGenerator: uuidGenerator,
		workerID:      fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		tracer:        otel.Tracer("github.com/haatos/hookci/engine"),
		logger:        logger,
	}
}

// execution is the state of a single claimed job.
type execution struct {
	spec       *types.PipelineSpec
	claimToken string
	sandbox    sandbox.Sandbox
	image      string
	result     *types.JobResult
}

func (e *Engine) Execute(ctx context.Context, spec *types.PipelineSpec) (*types.JobResult, error) {
	if _, _, err := e.jobs.CreateJob(ctx, store.NewJob{
		JobID:         spec.JobID,
		RepositoryURL: spec.RepositoryURL,
		CommitSHA:     spec.CommitSHA,
		Branch:        spec.Branch,
		RetryOf:       spec.RetryOf,
	}); err != nil {
		return nil, fmt.Errorf("%w: err ensuring job record: %w", ErrInfrastructure, err)
	}

	claimToken := e.uuidGenerator.GenerateUUID()
	startedOn := time.Now().UTC()
	claimed, err := e.jobs.ClaimJob(ctx, spec.JobID, claimToken, e.workerID, startedOn)
	if err != nil {
		return nil, fmt.Errorf("%w: err claiming job: %w", ErrInfrastructure, err)
	}
	if !claimed {
		return nil, fmt.Errorf("%w: %s", ErrJobNotClaimed, spec.JobID)
	}

	ctx, span := e.tracer.Start(ctx, "job", trace.WithAttributes(
		attribute.String("hookci.job_id", spec.JobID),
		attribute.String("hookci.repository", spec.RepositoryURL),
		attribute.String("hookci.commit", spec.CommitSHA),
	))
	defer span.End()

	logger := e.logger.With("job_id", spec.JobID)
	logger.Infow("job claimed", "worker_id", e.workerID, "commit", spec.CommitSHA)

	sb, err := e.runtime.Create(ctx, spec.JobID)
	if err != nil {
		span.SetStatus(codes.Error, "sandbox unavailable")
		err = e.release(spec.JobID, claimToken, err)
		return nil, fmt.Errorf("%w: err creating sandbox: %w", ErrInfrastructure, err)
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
		defer cancel()
		if err := sb.Destroy(dctx); err != nil {
			logger.Warnw("err destroying sandbox", "error", err)
		}
	}()

	x := &execution{
		spec:       spec,
		claimToken: claimToken,
		sandbox:    sb,
		image:      imageName(spec),
		result: &types.JobResult{
			JobID:         spec.JobID,
			RepositoryURL: spec.RepositoryURL,
			CommitSHA:     spec.CommitSHA,
			Branch:        spec.Branch,
			State:         types.JobSucceeded,
			Stages:        make([]types.StageOutcome, 0, len(spec.Stages)),
			RetryOf:       spec.RetryOf,
			StartedOn:     startedOn,
		},
	}

	for _, stage := range spec.Stages {
		err := e.jobs.UpdateJobStage(ctx, spec.JobID, claimToken, stage)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s is no longer running under this claim", ErrJobNotClaimed, spec.JobID)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: err updating current stage: %w", ErrInfrastructure, err)
		}

		outcome, stageErr := e.runStage(ctx, x, stage)
		if errors.Is(stageErr, ErrInfrastructure) {
			span.SetStatus(codes.Error, "sandbox unavailable")
			return nil, e.release(spec.JobID, claimToken, stageErr)
		}
		x.result.Stages = append(x.result.Stages, outcome)
		if err := e.jobs.UpsertStageOutcome(ctx, spec.JobID, outcome); err != nil {
			return nil, fmt.Errorf("%w: err recording stage outcome: %w", ErrInfrastructure, err)
		}
		if stageErr == nil {
			continue
		}

		logger.Infow("stage did not pass", "stage", stage, "status", outcome.Status, "reason", stageErr)
		x.result.State, x.result.Annotation = terminalState(stageErr)
		break
	}

	x.result.EndedOn = time.Now().UTC()
	logRef, err := e.logs.Archive(ctx, spec.JobID)
	if err != nil {
		logger.Warnw("err archiving logs", "error", err)
	}
	x.result.LogRef = logRef

	finished, err := e.jobs.FinishJob(
		ctx, spec.JobID, claimToken,
		x.result.State, x.result.Annotation, logRef, x.result.EndedOn,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: err finishing job: %w", ErrInfrastructure, err)
	}
	if !finished {
		return nil, fmt.Errorf("%w: %s was finished by someone else", ErrJobNotClaimed, spec.JobID)
	}

	if x.result.State != types.JobSucceeded {
		span.SetStatus(codes.Error, x.result.Annotation)
	}
	span.SetAttributes(attribute.String("hookci.state", string(x.result.State)))
	logger.Infow("job finished",
		"state", x.result.State,
		"annotation", x.result.Annotation,
		"duration", x.result.EndedOn.Sub(startedOn).String(),
	)
	return x.result, nil
}

// release hands the claim back so the job can run again once the
// infrastructure recovers.
func (e *Engine) release(jobID, claimToken string, cause error) error {
	if err := e.jobs.ReleaseJob(context.Background(), jobID, claimToken); err != nil {
		return errors.Join(cause, fmt.Errorf("err releasing job: %w", err))
	}
	return cause
}

func terminalState(err error) (types.JobState, string) {
	var (
		finding  *ScanFinding
		scanInfo *ScanInfrastructureError
		envErr   *EnvironmentError
	)
	switch {
	case errors.As(err, &finding):
		return types.JobScanFailed, finding.Error()
	case errors.As(err, &scanInfo):
		return types.JobScanFailed, "scan infrastructure error"
	case errors.As(err, &envErr):
		return types.JobScanFailed, "environment error"
	default:
		return types.JobFailed, err.Error()
	}
}

func (e *Engine) runStage(ctx context.Context, x *execution, stage types.Stage) (types.StageOutcome, error) {
	ctx, span := e.tracer.Start(ctx, "stage."+string(stage))
	defer span.End()

	outcome := types.StageOutcome{
		Stage:     stage,
		Attempts:  1,
		StartedOn: time.Now().UTC(),
	}
	var w io.Writer = io.Discard
	if lw, ref, err := e.logs.Create(x.spec.JobID, stage); err != nil {
		e.logger.Warnw("err creating stage log", "job_id", x.spec.JobID, "stage", stage, "error", err)
	} else {
		defer lw.Close()
		w = lw
		outcome.LogRef = ref
	}

	var err error
	switch stage {
	case types.StageCheckout:
		outcome.ExitCode, err = e.runCommand(ctx, x, stage, checkoutCommand(x.spec), w)
	case types.StageBuild:
		outcome.ExitCode, err = e.runCommand(ctx, x, stage, buildCommand(x.spec, x.image), w)
	case types.StageTest:
		cmd := testCommand(x.spec, x.image)
		if cmd == "" {
			fmt.Fprintln(w, "no test command or test dockerfile configured")
			outcome.Status = types.StageSkipped
			break
		}
		outcome.ExitCode, err = e.runCommand(ctx, x, stage, cmd, w)
	case types.StageScan:
		var summary *types.ScanSummary
		summary, outcome.ExitCode, outcome.Attempts, err = e.scan(ctx, x, w)
		x.result.Scan = summary
	default:
		err = fmt.Errorf("unknown stage %q", stage)
	}
	outcome.EndedOn = time.Now().UTC()

	if outcome.Status == "" {
		outcome.Status = stageStatus(err)
	}
	if err != nil {
		outcome.Annotation = err.Error()
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(
		attribute.String("hookci.stage.status", string(outcome.Status)),
		attribute.Int("hookci.stage.exit_code", outcome.ExitCode),
		attribute.Int("hookci.stage.attempts", outcome.Attempts),
	)
	return outcome, err
}

func stageStatus(err error) types.StageStatus {
	var (
		finding  *ScanFinding
		scanInfo *ScanInfrastructureError
		envErr   *EnvironmentError
	)
	switch {
	case err == nil:
		return types.StageOK
	case errors.As(err, &finding):
		return types.StageFinding
	case errors.As(err, &scanInfo), errors.As(err, &envErr):
		return types.StageError
	default:
		return types.StageFailed
	}
}

// runCommand runs a checkout, build or test command under the stage timeout.
// Any non-zero exit or timeout is a StageFailure; an unreachable sandbox is
// an infrastructure fault.
func (e *Engine) runCommand(
	ctx context.Context,
	x *execution,
	stage types.Stage,
	command string,
	w io.Writer,
) (int, error) {
	timeout := e.stageTimeout(stage)
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fmt.Fprintf(w, "$ %s\n", command)
	code, err := x.sandbox.Exec(tctx, command, w)
	switch {
	case errors.Is(err, sandbox.ErrUnavailable):
		return code, fmt.Errorf("%w: %s: %w", ErrInfrastructure, stage, err)
	case errors.Is(err, context.DeadlineExceeded):
		fmt.Fprintf(w, "\n%s timed out after %s\n", stage, timeout)
		return code, &StageFailure{Stage: stage, ExitCode: code, Timeout: timeout}
	case err != nil:
		return code, &StageFailure{Stage: stage, ExitCode: code, Err: err}
	case code != 0:
		return code, &StageFailure{Stage: stage, ExitCode: code}
	}
	return 0, nil
}

// scan runs the optional provisioning command and the vulnerability scanner,
// retrying scanner infrastructure failures with exponential backoff.
func (e *Engine) scan(ctx context.Context, x *execution, w io.Writer) (*types.ScanSummary, int, int, error) {
	maxAttempts := max(e.cfg.Scan.MaxAttempts, 1)
	backoff := retry.WithMaxRetries(
		uint64(maxAttempts-1),
		retry.NewExponential(max(e.cfg.Scan.Backoff, time.Millisecond)),
	)

	var (
		attempts int
		exitCode int
		summary  *types.ScanSummary
	)
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		fmt.Fprintf(w, "--- scan attempt %d/%d\n", attempts, maxAttempts)
		var err error
		summary, exitCode, err = e.scanOnce(ctx, x, w)

		var infraErr *ScanInfrastructureError
		if errors.As(err, &infraErr) {
			e.logger.Warnw("scan infrastructure error",
				"job_id", x.spec.JobID, "attempt", attempts, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil && ctx.Err() != nil && !isScanError(err) {
		err = &ScanInfrastructureError{Err: err}
	}

	if summary == nil {
		summary = new(types.ScanSummary)
	}
	summary.Attempts = attempts
	var infraErr *ScanInfrastructureError
	summary.Infrastructure = errors.As(err, &infraErr)
	return summary, exitCode, attempts, err
}

func isScanError(err error) bool {
	var (
		finding  *ScanFinding
		scanInfo *ScanInfrastructureError
		envErr   *EnvironmentError
	)
	return errors.As(err, &finding) || errors.As(err, &scanInfo) || errors.As(err, &envErr)
}

func (e *Engine) scanOnce(ctx context.Context, x *execution, w io.Writer) (*types.ScanSummary, int, error) {
	tctx, cancel := context.WithTimeout(ctx, e.stageTimeout(types.StageScan))
	defer cancel()

	if cmd := e.cfg.Scan.ProvisionCommand; cmd != "" {
		provision := fmt.Sprintf("cd %s && %s", sourceDir, cmd)
		fmt.Fprintf(w, "$ %s\n", provision)
		code, err := x.sandbox.Exec(tctx, provision, w)
		switch {
		case errors.Is(err, sandbox.ErrUnavailable):
			return nil, code, fmt.Errorf("%w: scan: %w", ErrInfrastructure, err)
		case err != nil:
			return nil, code, &ScanInfrastructureError{ExitCode: code, Err: err}
		case code == 2:
			return nil, code, &ScanInfrastructureError{
				ExitCode: code,
				Err:      errors.New("provisioning could not fetch dependencies"),
			}
		case code != 0:
			return nil, code, &EnvironmentError{ExitCode: code}
		}
	}

	cmd := scanCommand(x.image, e.cfg.Scan.FindingExitCode, e.cfg.Scan.Severities)
	fmt.Fprintf(w, "$ %s\n", cmd)
	code, err := x.sandbox.Exec(tctx, cmd, w)
	if errors.Is(err, sandbox.ErrUnavailable) {
		return nil, code, fmt.Errorf("%w: scan: %w", ErrInfrastructure, err)
	}
	if err != nil {
		return nil, code, &ScanInfrastructureError{ExitCode: code, Err: err}
	}

	switch code {
	case 0:
		summary, _ := e.readScanReport(ctx, x)
		return summary, code, nil
	case e.cfg.Scan.FindingExitCode:
		summary, err := e.readScanReport(ctx, x)
		if err != nil {
			e.logger.Warnw("err reading scan report", "job_id", x.spec.JobID, "error", err)
			summary = new(types.ScanSummary)
		}
		return summary, code, &ScanFinding{Summary: *summary}
	default:
		return nil, code, &ScanInfrastructureError{ExitCode: code}
	}
}

func (e *Engine) readScanReport(ctx context.Context, x *execution) (*types.ScanSummary, error) {
	b, err := x.sandbox.ReadFile(ctx, scanReportFile)
	if err != nil {
		return nil, err
	}
	return ParseScanReport(b)
}

func (e *Engine) stageTimeout(stage types.Stage) time.Duration {
	t := e.cfg.StageTimeouts
	switch stage {
	case types.StageCheckout:
		return t.Checkout
	case types.StageBuild:
		return t.Build
	case types.StageTest:
		return t.Test
	default:
		return t.Scan
	}
}

func imageName(spec *types.PipelineSpec) string {
	return fmt.Sprintf("hookci/%s:%s", util.SanitizeName(spec.JobID), types.ShortSHA(spec.CommitSHA))
}

func labelFlag(jobID string) string {
	return util.ShellQuote(fmt.Sprintf("%s=%s", internal.SandboxLabel, jobID))
}

func checkoutCommand(spec *types.PipelineSpec) string {
	return fmt.Sprintf(
		"git clone --quiet %s %s && git -C %s checkout --quiet --detach %s",
		util.ShellQuote(spec.CloneURL), sourceDir, sourceDir, util.ShellQuote(spec.CommitSHA),
	)
}

func buildCommand(spec *types.PipelineSpec, image string) string {
	return fmt.Sprintf(
		"cd %s && docker build --label %s -t %s -f %s .",
		sourceDir, labelFlag(spec.JobID), image, util.ShellQuote(spec.Build.Dockerfile),
	)
}

// testCommand returns an empty string when the job has nothing to test.
func testCommand(spec *types.PipelineSpec, image string) string {
	switch {
	case spec.Build.TestCommand != "":
		return fmt.Sprintf(
			"docker run --rm --label %s %s sh -c %s",
			labelFlag(spec.JobID), image, util.ShellQuote(spec.Build.TestCommand),
		)
	case spec.Build.TestDockerfile != "":
		return fmt.Sprintf(
			"cd %s && docker build --label %s -t %s-test -f %s .",
			sourceDir, labelFlag(spec.JobID), image, util.ShellQuote(spec.Build.TestDockerfile),
		)
	}
	return ""
}

func scanCommand(image string, findingExitCode int, severities string) string {
	return fmt.Sprintf(
		"trivy image --exit-code %d --severity %s --format json --output %s %s",
		findingExitCode, util.ShellQuote(severities), scanReportFile, image,
	)
}
