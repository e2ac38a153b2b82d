package logstore

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/haatos/hookci/internal"
	"github.com/haatos/hookci/internal/types"
	"github.com/haatos/hookci/internal/util"
)

// LogStore keeps per stage output of jobs.
type LogStore interface {
	// Create truncates and opens the log of one stage. The returned path is
	// the stage's log reference.
	Create(jobID string, stage types.Stage) (io.WriteCloser, string, error)
	// Archive publishes a finished job's logs and returns the job level log
	// reference.
	Archive(ctx context.Context, jobID string) (string, error)
}

type LocalStore struct {
	root string
}

func NewLocalStore(workdir string) *LocalStore {
	return &LocalStore{root: filepath.Join(workdir, internal.LogsDirName)}
}

func (s *LocalStore) JobDir(jobID string) string {
	return filepath.Join(s.root, util.SanitizeName(jobID))
}

func (s *LocalStore) Create(jobID string, stage types.Stage) (io.WriteCloser, string, error) {
	dir := s.JobDir(jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", err
	}
	path := filepath.Join(dir, string(stage)+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, "", err
	}
	return f, path, nil
}

func (s *LocalStore) Archive(ctx context.Context, jobID string) (string, error) {
	return s.JobDir(jobID), nil
}
