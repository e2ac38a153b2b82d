package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haatos/hookci/internal/logstore"
	"github.com/haatos/hookci/internal/sandbox"
	"github.com/haatos/hookci/internal/store"
	"github.com/haatos/hookci/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const trivyReport = `{
	"Results": [
		{"Target": "app", "Vulnerabilities": [
			{"VulnerabilityID": "CVE-2024-0001", "Severity": "CRITICAL"},
			{"VulnerabilityID": "CVE-2024-0002", "Severity": "HIGH"},
			{"VulnerabilityID": "CVE-2024-0003", "Severity": "HIGH"}
		]}
	]
}`

type engineSuite struct {
	jobStore *store.JobSQLStore
	runtime  *fakeRuntime
	engine   *Engine
	suite.Suite
}

func TestEngine(t *testing.T) {
	suite.Run(t, new(engineSuite))
}

func (suite *engineSuite) SetupTest() {
	db := newTestDB(suite.T())
	cfg := newTestConfig(suite.T())
	suite.jobStore = store.NewJobSQLStore(db, db)
	suite.runtime = newFakeRuntime()
	suite.engine = NewEngine(
		suite.jobStore,
		suite.runtime,
		logstore.NewLocalStore(cfg.Workdir),
		cfg,
		NewUUIDGen(),
		testLogger,
	)
}

func (suite *engineSuite) execute(spec *types.PipelineSpec) (*types.JobResult, error) {
	return suite.engine.Execute(context.Background(), spec)
}

func (suite *engineSuite) TestExecute_Succeeds() {
	// arrange
	spec := newTestSpec("a1b2c3d4e5f6a7b8", false)

	// act
	result, err := suite.execute(spec)

	// assert
	suite.Require().NoError(err)
	suite.Equal(types.JobSucceeded, result.State)
	suite.Equal([]types.StageStatus{types.StageOK, types.StageOK, types.StageOK}, result.StageStatuses())
	suite.Equal([]string{"checkout", "build", "test"}, suite.runtime.stages())
	suite.Equal([]string{spec.JobID}, suite.runtime.destroyed)
	suite.Nil(result.Scan)

	j, err := suite.jobStore.ReadJob(context.Background(), spec.JobID)
	suite.NoError(err)
	suite.Equal(types.JobSucceeded, j.State)
	stages, err := suite.jobStore.ListJobStages(context.Background(), spec.JobID)
	suite.NoError(err)
	suite.Len(stages, 3)
}

func (suite *engineSuite) TestExecute_FailFast() {
	cases := []struct {
		name       string
		failing    string
		wantStages []string
	}{
		{"checkout fails", "checkout", []string{"checkout"}},
		{"build fails", "build", []string{"checkout", "build"}},
		{"test fails", "test", []string{"checkout", "build", "test"}},
	}
	for i, tc := range cases {
		suite.Run(tc.name, func() {
			// arrange
			suite.SetupTest()
			suite.runtime.on(tc.failing, execResponse{code: 2})
			spec := newTestSpec("b0b0b0b0b0b"+string(rune('0'+i)), true)

			// act
			result, err := suite.execute(spec)

			// assert
			suite.Require().NoError(err)
			suite.Equal(types.JobFailed, result.State)
			suite.Equal(tc.wantStages, suite.runtime.stages())
			suite.Len(result.Stages, len(tc.wantStages))
			last := result.Stages[len(result.Stages)-1]
			suite.Equal(types.StageFailed, last.Status)
			suite.Equal(2, last.ExitCode)
			suite.Contains(result.Annotation, tc.failing)
			suite.Nil(result.Scan)
		})
	}
}

func (suite *engineSuite) TestExecute_TestTimeoutIsFailure() {
	// arrange
	suite.runtime.on("test", execResponse{code: -1, err: context.DeadlineExceeded})
	spec := newTestSpec("c0ffee00c0ffee00", true)

	// act
	result, err := suite.execute(spec)

	// assert
	suite.Require().NoError(err)
	suite.Equal(types.JobFailed, result.State)
	suite.NotEqual(types.JobScanFailed, result.State)
	suite.NotContains(suite.runtime.stages(), "scan")
	suite.Contains(result.Annotation, "timed out")
}

func (suite *engineSuite) TestExecute_ScanFinding() {
	// arrange
	suite.runtime.on("scan", execResponse{code: 4})
	suite.runtime.files[scanReportFile] = []byte(trivyReport)
	spec := newTestSpec("deadbeefdeadbeef", true)

	// act
	result, err := suite.execute(spec)

	// assert
	suite.Require().NoError(err)
	suite.Equal(types.JobScanFailed, result.State)
	suite.Equal(
		[]types.StageStatus{types.StageOK, types.StageOK, types.StageOK, types.StageFinding},
		result.StageStatuses(),
	)
	suite.Require().NotNil(result.Scan)
	suite.Equal(1, result.Scan.Critical)
	suite.Equal(2, result.Scan.High)
	suite.Equal(1, result.Scan.Attempts)
	suite.False(result.Scan.Infrastructure)
}

func (suite *engineSuite) TestExecute_ScanInfrastructureRetried() {
	// arrange
	suite.runtime.on("scan",
		execResponse{code: 1},
		execResponse{code: -1, err: context.DeadlineExceeded},
		execResponse{code: 0},
	)
	spec := newTestSpec("1234abcd1234abcd", true)

	// act
	result, err := suite.execute(spec)

	// assert
	suite.Require().NoError(err)
	suite.Equal(types.JobSucceeded, result.State)
	suite.Equal(types.StageOK, result.Stages[3].Status)
	suite.Equal(3, result.Stages[3].Attempts)
	suite.Require().NotNil(result.Scan)
	suite.Equal(3, result.Scan.Attempts)
	stages, err := suite.jobStore.ListJobStages(context.Background(), spec.JobID)
	suite.NoError(err)
	suite.Equal(3, stages[3].Attempts)
}

func (suite *engineSuite) TestExecute_ScanInfrastructureExhausted() {
	// arrange
	suite.runtime.on("scan", execResponse{code: 1})
	spec := newTestSpec("abcdef0123456789", true)

	// act
	result, err := suite.execute(spec)

	// assert
	suite.Require().NoError(err)
	suite.Equal(types.JobScanFailed, result.State)
	suite.Equal("scan infrastructure error", result.Annotation)
	suite.Equal(types.StageError, result.Stages[3].Status)
	suite.Equal(3, result.Scan.Attempts)
	suite.True(result.Scan.Infrastructure)
}

func (suite *engineSuite) TestExecute_Provisioning() {
	cases := []struct {
		name           string
		provision      []execResponse
		wantState      types.JobState
		wantAnnotation string
		wantAttempts   int
	}{
		{"dependency fetch is retried", []execResponse{{code: 2}, {code: 0}}, types.JobSucceeded, "", 2},
		{"install failure is an environment error", []execResponse{{code: 3}}, types.JobScanFailed, "environment error", 1},
		{"unknown exit is an environment error", []execResponse{{code: 9}}, types.JobScanFailed, "environment error", 1},
	}
	for i, tc := range cases {
		suite.Run(tc.name, func() {
			// arrange
			suite.SetupTest()
			suite.engine.cfg.Scan.ProvisionCommand = "make deps"
			suite.runtime.on("provision", tc.provision...)
			spec := newTestSpec("feedface0000000"+string(rune('0'+i)), true)

			// act
			result, err := suite.execute(spec)

			// assert
			suite.Require().NoError(err)
			suite.Equal(tc.wantState, result.State)
			suite.Equal(tc.wantAnnotation, result.Annotation)
			suite.Equal(tc.wantAttempts, result.Scan.Attempts)
		})
	}
}

func (suite *engineSuite) TestExecute_SkippedTest() {
	// arrange
	spec := newTestSpec("0a0b0c0d0e0f0a0b", false)
	spec.Build.TestCommand = ""

	// act
	result, err := suite.execute(spec)

	// assert
	suite.Require().NoError(err)
	suite.Equal(types.JobSucceeded, result.State)
	suite.Equal(types.StageSkipped, result.Stages[2].Status)
	suite.Equal([]string{"checkout", "build"}, suite.runtime.stages())
}

func (suite *engineSuite) TestExecute_TestDockerfile() {
	spec := newTestSpec("0a0b0c0d0e0f0a0c", false)
	spec.Build.TestCommand = ""
	spec.Build.TestDockerfile = "Dockerfile.test"

	result, err := suite.execute(spec)

	suite.Require().NoError(err)
	suite.Equal(types.StageOK, result.Stages[2].Status)
	suite.Equal([]string{"checkout", "build", "test"}, suite.runtime.stages())
}

func (suite *engineSuite) TestExecute_SandboxUnavailable() {
	// arrange
	suite.runtime.createErr = errors.New("docker daemon not reachable")
	spec := newTestSpec("9999aaaa9999aaaa", false)

	// act
	result, err := suite.execute(spec)

	// assert
	suite.ErrorIs(err, ErrInfrastructure)
	suite.Nil(result)
	j, err := suite.jobStore.ReadJob(context.Background(), spec.JobID)
	suite.NoError(err)
	suite.Equal(types.JobPending, j.State)
	suite.Empty(suite.runtime.commands)
}

func (suite *engineSuite) TestExecute_SandboxLostMidRun() {
	lost := fmt.Errorf("%w: connection reset by peer", sandbox.ErrUnavailable)
	cases := []struct {
		name       string
		stage      string
		wantStages []string
	}{
		{"during build", "build", []string{"checkout", "build"}},
		{"during scan", "scan", []string{"checkout", "build", "test", "scan"}},
	}
	for i, tc := range cases {
		suite.Run(tc.name, func() {
			// arrange
			suite.SetupTest()
			suite.runtime.on(tc.stage, execResponse{code: -1, err: lost})
			spec := newTestSpec("0d0d0d0d0d0d0d0"+string(rune('0'+i)), true)

			// act
			result, err := suite.execute(spec)

			// assert
			suite.ErrorIs(err, ErrInfrastructure)
			suite.ErrorIs(err, sandbox.ErrUnavailable)
			suite.Nil(result)
			suite.Equal(tc.wantStages, suite.runtime.stages())
			suite.Equal([]string{spec.JobID}, suite.runtime.destroyed)
			j, err := suite.jobStore.ReadJob(context.Background(), spec.JobID)
			suite.Require().NoError(err)
			suite.Equal(types.JobPending, j.State)
			suite.Nil(j.ClaimToken)
		})
	}
}

func (suite *engineSuite) TestExecute_SweptWhileRunning() {
	// arrange
	ctx := context.Background()
	spec := newTestSpec("5eed5eed5eed5eed", false)
	suite.runtime.onExec = func(stage string) {
		if stage == "build" {
			_, err := suite.jobStore.FailStaleJobs(ctx, time.Now().Add(time.Hour), workerLostAnnotation)
			suite.Require().NoError(err)
		}
	}

	// act
	result, err := suite.execute(spec)

	// assert
	suite.ErrorIs(err, ErrJobNotClaimed)
	suite.NotErrorIs(err, ErrInfrastructure)
	suite.Nil(result)
	suite.Equal([]string{"checkout", "build"}, suite.runtime.stages())
	suite.Equal([]string{spec.JobID}, suite.runtime.destroyed)
	j, err := suite.jobStore.ReadJob(ctx, spec.JobID)
	suite.Require().NoError(err)
	suite.Equal(types.JobFailed, j.State)
	suite.Equal(workerLostAnnotation, *j.Annotation)
}

func (suite *engineSuite) TestExecute_SandboxDestroyedOnEveryExit() {
	cases := []struct {
		name      string
		arrange   func()
		wantState types.JobState
	}{
		{"failed", func() { suite.runtime.on("build", execResponse{code: 1}) }, types.JobFailed},
		{"scan failed", func() {
			suite.runtime.on("scan", execResponse{code: 4})
			suite.runtime.files[scanReportFile] = []byte(trivyReport)
		}, types.JobScanFailed},
		{"destroy error", func() { suite.runtime.destroyErr = errors.New("docker rm failed") }, types.JobSucceeded},
	}
	for i, tc := range cases {
		suite.Run(tc.name, func() {
			// arrange
			suite.SetupTest()
			tc.arrange()
			spec := newTestSpec("de57de57de57de5"+string(rune('0'+i)), true)

			// act
			result, err := suite.execute(spec)

			// assert
			suite.Require().NoError(err)
			suite.Equal(tc.wantState, result.State)
			suite.Equal([]string{spec.JobID}, suite.runtime.destroyed)
			j, err := suite.jobStore.ReadJob(context.Background(), spec.JobID)
			suite.Require().NoError(err)
			suite.Equal(tc.wantState, j.State)
		})
	}
}

func (suite *engineSuite) TestExecute_SandboxDestroyedOnStoreError() {
	// arrange
	engine := NewEngine(
		&failingOutcomes{JobSQLStore: suite.jobStore, err: errors.New("database is locked")},
		suite.runtime,
		suite.engine.logs,
		suite.engine.cfg,
		NewUUIDGen(),
		testLogger,
	)
	spec := newTestSpec("0b0e0b0e0b0e0b0e", false)

	// act
	result, err := engine.Execute(context.Background(), spec)

	// assert
	suite.ErrorIs(err, ErrInfrastructure)
	suite.Nil(result)
	suite.Equal([]string{"checkout"}, suite.runtime.stages())
	suite.Equal([]string{spec.JobID}, suite.runtime.destroyed)
}

func (suite *engineSuite) TestExecute_AlreadyFinished() {
	// arrange
	spec := newTestSpec("5555666677778888", false)
	_, err := suite.execute(spec)
	suite.Require().NoError(err)
	before := len(suite.runtime.commands)

	// act
	result, err := suite.execute(spec)

	// assert
	suite.ErrorIs(err, ErrJobNotClaimed)
	suite.Nil(result)
	suite.Len(suite.runtime.commands, before)
}

func TestEngine_ConcurrentClaims(t *testing.T) {
	// arrange
	db := newTestDB(t)
	cfg := newTestConfig(t)
	jobStore := store.NewJobSQLStore(db, db)
	runtime := newFakeRuntime()
	engine := NewEngine(jobStore, runtime, logstore.NewLocalStore(cfg.Workdir), cfg, NewUUIDGen(), testLogger)
	spec := newTestSpec("abababababababab", false)
	var (
		wg       sync.WaitGroup
		winners  atomic.Int32
		notClaim atomic.Int32
	)

	// act
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Execute(context.Background(), spec)
			switch {
			case err == nil:
				winners.Add(1)
			case errors.Is(err, ErrJobNotClaimed):
				notClaim.Add(1)
			}
		}()
	}
	wg.Wait()

	// assert
	assert.Equal(t, int32(1), winners.Load())
	assert.Equal(t, int32(4), notClaim.Load())
	assert.Equal(t, []string{"checkout", "build", "test"}, runtime.stages())
}

func TestParseScanReport(t *testing.T) {
	summary, err := ParseScanReport([]byte(trivyReport))

	require.NoError(t, err)
	assert.Equal(t, 3, summary.Total())
	assert.Equal(t, 1, summary.Critical)

	_, err = ParseScanReport([]byte("not json"))
	assert.Error(t, err)
}

func TestEngine_StageTimeout(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.StageTimeouts.Build = 42 * time.Second
	e := &Engine{cfg: cfg}

	assert.Equal(t, 42*time.Second, e.stageTimeout(types.StageBuild))
	assert.Equal(t, cfg.StageTimeouts.Scan, e.stageTimeout(types.StageScan))
}
