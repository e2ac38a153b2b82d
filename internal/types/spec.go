package types

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"time"

	"github.com/goccy/go-yaml"
)

const SpecVersion = 1

type ReportTarget string

const (
	ReportLocal  ReportTarget = "local"
	ReportRemote ReportTarget = "remote"
)

type BuildSettings struct {
	Dockerfile     string `yaml:"dockerfile"`
	TestCommand    string `yaml:"test_command,omitempty"`
	TestDockerfile string `yaml:"test_dockerfile,omitempty"`
}

// PipelineSpec is the durable description of one job. It is written once and
// never modified afterwards.
type PipelineSpec struct {
	Version       int           `yaml:"version"`
	JobID         string        `yaml:"job_id"`
	RepositoryURL string        `yaml:"repository_url"`
	CloneURL      string        `yaml:"clone_url"`
	CommitSHA     string        `yaml:"commit_sha"`
	Branch        string        `yaml:"branch"`
	Event         string        `yaml:"event"`
	Pusher        string        `yaml:"pusher,omitempty"`
	Stages        []Stage       `yaml:"stages"`
	ScanEnabled   bool          `yaml:"scan_enabled"`
	Report        ReportTarget  `yaml:"report"`
	Build         BuildSettings `yaml:"build"`
	RetryOf       string        `yaml:"retry_of,omitempty"`
	CreatedOn     time.Time     `yaml:"created_on"`
}

var commitSHARegexp = regexp.MustCompile(`^[0-9a-fA-F]{7,64}$`)

// Job ids name files and sandboxes, so they are restricted to one safe path
// segment.
var jobIDRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,127}$`)

var ErrInvalidSpec = errors.New("invalid pipeline spec")

func ValidJobID(id string) bool {
	return jobIDRegexp.MatchString(id)
}

func (ps *PipelineSpec) Validate() error {
	if ps.JobID == "" {
		return fmt.Errorf("%w: job_id is required", ErrInvalidSpec)
	}
	if !ValidJobID(ps.JobID) {
		return fmt.Errorf("%w: job_id %q may only hold lowercase letters, digits, '.', '_' and '-'", ErrInvalidSpec, ps.JobID)
	}
	if ps.RepositoryURL == "" {
		return fmt.Errorf("%w: repository_url is required", ErrInvalidSpec)
	}
	if !commitSHARegexp.MatchString(ps.CommitSHA) {
		return fmt.Errorf("%w: commit_sha %q is not a commit hash", ErrInvalidSpec, ps.CommitSHA)
	}
	if !slices.Equal(ps.Stages, StagesFor(ps.ScanEnabled)) {
		return fmt.Errorf(
			"%w: stages %v do not match scan_enabled=%t",
			ErrInvalidSpec, ps.Stages, ps.ScanEnabled,
		)
	}
	switch ps.Report {
	case ReportLocal, ReportRemote:
	default:
		return fmt.Errorf("%w: unknown report target %q", ErrInvalidSpec, ps.Report)
	}
	return nil
}

// applyDefaults fills fields an operator may leave out of a hand-authored spec.
func (ps *PipelineSpec) applyDefaults() {
	if ps.Version == 0 {
		ps.Version = SpecVersion
	}
	if ps.CloneURL == "" {
		ps.CloneURL = ps.RepositoryURL
	}
	if ps.Build.Dockerfile == "" {
		ps.Build.Dockerfile = "Dockerfile"
	}
	if ps.Report == "" {
		ps.Report = ReportLocal
	}
	if ps.Event == "" {
		ps.Event = "push"
	}
	if len(ps.Stages) == 0 {
		ps.Stages = StagesFor(ps.ScanEnabled)
	}
}

func MarshalSpec(ps *PipelineSpec) ([]byte, error) {
	if err := ps.Validate(); err != nil {
		return nil, err
	}
	return yaml.Marshal(ps)
}

func ParseSpec(b []byte) (*PipelineSpec, error) {
	ps := new(PipelineSpec)
	if err := yaml.Unmarshal(b, ps); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSpec, err)
	}
	ps.applyDefaults()
	if err := ps.Validate(); err != nil {
		return nil, err
	}
	return ps, nil
}
