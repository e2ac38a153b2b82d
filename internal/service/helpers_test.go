package service

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/haatos/hookci/internal"
	"github.com/haatos/hookci/internal/sandbox"
	"github.com/haatos/hookci/internal/store"
	"github.com/haatos/hookci/internal/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

var testLogger = zap.NewNop().Sugar()

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:?_time_format=sqlite")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	require.NoError(t, store.RunMigrations(db, "sqlite"))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestConfig(t *testing.T) *internal.Configuration {
	cfg := internal.DefaultConfiguration()
	cfg.Workdir = t.TempDir()
	cfg.Scan.Backoff = 0
	cfg.DefaultPolicy.TestCommand = "make test"
	return cfg
}

func newTestSpec(sha string, scan bool) *types.PipelineSpec {
	repo := "https://github.com/acme/widgets"
	return &types.PipelineSpec{
		Version:       types.SpecVersion,
		JobID:         types.NewJobID(repo, sha),
		RepositoryURL: repo,
		CloneURL:      repo + ".git",
		CommitSHA:     sha,
		Branch:        "main",
		Event:         "push",
		Stages:        types.StagesFor(scan),
		ScanEnabled:   scan,
		Report:        types.ReportLocal,
		Build: types.BuildSettings{
			Dockerfile:  "Dockerfile",
			TestCommand: "make test",
		},
	}
}

// commandStage maps a sandbox command onto the stage or step issuing it.
func commandStage(cmd string) string {
	switch {
	case strings.HasPrefix(cmd, "git clone"):
		return "checkout"
	case strings.HasPrefix(cmd, "docker run"), strings.Contains(cmd, "-test -f"):
		return "test"
	case strings.Contains(cmd, "docker build"):
		return "build"
	case strings.HasPrefix(cmd, "trivy"):
		return "scan"
	default:
		return "provision"
	}
}

type execResponse struct {
	code int
	err  error
}

// fakeRuntime hands out sandboxes whose commands answer from a script keyed
// by stage. The last response of a stage repeats.
type fakeRuntime struct {
	mu        sync.Mutex
	script    map[string][]execResponse
	files     map[string][]byte
	createErr  error
	destroyErr error
	// onExec runs before each scripted command with the stage issuing it.
	onExec    func(stage string)
	commands  []string
	destroyed []string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{script: map[string][]execResponse{}, files: map[string][]byte{}}
}

func (r *fakeRuntime) on(stage string, responses ...execResponse) *fakeRuntime {
	r.script[stage] = responses
	return r
}

func (r *fakeRuntime) Create(ctx context.Context, jobID string) (sandbox.Sandbox, error) {
	if r.createErr != nil {
		return nil, r.createErr
	}
	return &fakeSandbox{runtime: r, id: jobID}, nil
}

func (r *fakeRuntime) Prune(ctx context.Context, keep func(string) bool) error {
	return nil
}

func (r *fakeRuntime) stages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	stages := make([]string, 0, len(r.commands))
	for _, c := range r.commands {
		stages = append(stages, commandStage(c))
	}
	return stages
}

type fakeSandbox struct {
	runtime *fakeRuntime
	id      string
}

func (s *fakeSandbox) ID() string  { return s.id }
func (s *fakeSandbox) Dir() string { return "/sandbox/" + s.id }

func (s *fakeSandbox) Exec(ctx context.Context, command string, out io.Writer) (int, error) {
	r := s.runtime
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, command)
	stage := commandStage(command)
	fmt.Fprintf(out, "ran %s\n", stage)
	if r.onExec != nil {
		r.onExec(stage)
	}

	responses := r.script[stage]
	if len(responses) == 0 {
		return 0, nil
	}
	res := responses[0]
	if len(responses) > 1 {
		r.script[stage] = responses[1:]
	}
	return res.code, res.err
}

func (s *fakeSandbox) ReadFile(ctx context.Context, path string) ([]byte, error) {
	s.runtime.mu.Lock()
	defer s.runtime.mu.Unlock()
	b, ok := s.runtime.files[path]
	if !ok {
		return nil, fmt.Errorf("%s: no such file", path)
	}
	return b, nil
}

func (s *fakeSandbox) Destroy(ctx context.Context) error {
	s.runtime.mu.Lock()
	defer s.runtime.mu.Unlock()
	s.runtime.destroyed = append(s.runtime.destroyed, s.id)
	return s.runtime.destroyErr
}

// failingOutcomes is a job store whose stage outcome writes fail.
type failingOutcomes struct {
	*store.JobSQLStore
	err error
}

func (f *failingOutcomes) UpsertStageOutcome(ctx context.Context, jobID string, outcome types.StageOutcome) error {
	return f.err
}
