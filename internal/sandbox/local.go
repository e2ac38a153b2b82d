package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/haatos/hookci/internal"
)

const waitDelay = 5 * time.Second

type LocalRuntime struct {
	root       string
	keepImages bool
}

func NewLocalRuntime(workdir string, keepImages bool) *LocalRuntime {
	return &LocalRuntime{
		root:       filepath.Join(workdir, internal.SandboxesDirName),
		keepImages: keepImages,
	}
}

func (r *LocalRuntime) Create(ctx context.Context, jobID string) (Sandbox, error) {
	dir := filepath.Join(r.root, dirName(jobID))
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("err clearing sandbox directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("err creating sandbox directory: %w", err)
	}
	return &LocalSandbox{id: jobID, dir: dir, keepImages: r.keepImages}, nil
}

func (r *LocalRuntime) Prune(ctx context.Context, keep func(string) bool) error {
	entries, err := os.ReadDir(r.root)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var errs []error
	for _, e := range entries {
		if !e.IsDir() || keep(e.Name()) {
			continue
		}
		sb := &LocalSandbox{id: e.Name(), dir: filepath.Join(r.root, e.Name()), keepImages: r.keepImages}
		if err := sb.Destroy(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type LocalSandbox struct {
	id         string
	dir        string
	keepImages bool
}

func (s *LocalSandbox) ID() string  { return s.id }
func (s *LocalSandbox) Dir() string { return s.dir }

func (s *LocalSandbox) Exec(ctx context.Context, command string, out io.Writer) (int, error) {
	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	cmd.Dir = s.dir
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = waitDelay

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return -1, ctxErr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("%w: %w", ErrUnavailable, err)
}

func (s *LocalSandbox) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.dir, path)
	}
	return os.ReadFile(path)
}

func (s *LocalSandbox) Destroy(ctx context.Context) error {
	var errs []error
	if _, err := exec.LookPath("docker"); err == nil {
		cmd := exec.CommandContext(ctx, "bash", "-c", cleanupCommand(s.id, s.keepImages))
		if out, err := cmd.CombinedOutput(); err != nil {
			errs = append(errs, fmt.Errorf("err removing containers for %s: %w: %s", s.id, err, out))
		}
	}
	if err := os.RemoveAll(s.dir); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
