package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/haatos/hookci/internal"
	"github.com/haatos/hookci/internal/types"
	"github.com/haatos/hookci/internal/util"
)

const specExtension = ".yml"

var ErrSpecExists = errors.New("pipeline spec already exists")

type SpecStore interface {
	WriteSpec(ctx context.Context, spec *types.PipelineSpec) (string, error)
	ReadSpec(ctx context.Context, jobID string) (*types.PipelineSpec, error)
	ListSpecs(ctx context.Context) ([]string, error)
	ArchiveSpec(ctx context.Context, jobID string) error
	SpecPath(jobID string) string
}

// SpecFileStore keeps pipeline specs as YAML files under a working directory.
// Queued specs live in specs/queue and move to specs/archive once their job
// reaches a terminal state.
type SpecFileStore struct {
	queueDir   string
	archiveDir string
}

func NewSpecFileStore(workdir string) (*SpecFileStore, error) {
	s := &SpecFileStore{
		queueDir:   filepath.Join(workdir, internal.QueueDirName),
		archiveDir: filepath.Join(workdir, internal.ArchiveDirName),
	}
	for _, dir := range []string{s.queueDir, s.archiveDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *SpecFileStore) SpecPath(jobID string) string {
	return filepath.Join(s.queueDir, jobID+specExtension)
}

func (s *SpecFileStore) WriteSpec(ctx context.Context, spec *types.PipelineSpec) (string, error) {
	b, err := types.MarshalSpec(spec)
	if err != nil {
		return "", err
	}
	path := s.SpecPath(spec.JobID)
	if exists, _ := util.PathExists(filepath.Join(s.archiveDir, spec.JobID+specExtension)); exists {
		return "", fmt.Errorf("%w: %s", ErrSpecExists, spec.JobID)
	}
	if err := util.CreateFileAtomic(path, b, 0o644); err != nil {
		if errors.Is(err, util.ErrFileExists) {
			return "", fmt.Errorf("%w: %s", ErrSpecExists, spec.JobID)
		}
		return "", err
	}
	return path, nil
}

func (s *SpecFileStore) ReadSpec(ctx context.Context, jobID string) (*types.PipelineSpec, error) {
	if !types.ValidJobID(jobID) {
		return nil, ErrNotFound
	}
	for _, dir := range []string{s.queueDir, s.archiveDir} {
		b, err := os.ReadFile(filepath.Join(dir, jobID+specExtension))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return types.ParseSpec(b)
	}
	return nil, ErrNotFound
}

// ListSpecs returns the job ids of every queued spec in name order.
func (s *SpecFileStore) ListSpecs(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.queueDir)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != specExtension {
			continue
		}
		id := strings.TrimSuffix(name, specExtension)
		if !types.ValidJobID(id) {
			continue
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *SpecFileStore) ArchiveSpec(ctx context.Context, jobID string) error {
	if !types.ValidJobID(jobID) {
		return ErrNotFound
	}
	src := s.SpecPath(jobID)
	dst := filepath.Join(s.archiveDir, jobID+specExtension)
	if err := os.Rename(src, dst); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	return nil
}
