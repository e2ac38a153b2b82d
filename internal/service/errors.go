package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/haatos/hookci/internal/types"
)

var (
	// ErrInfrastructure marks faults of the platform itself rather than of the
	// job: the store or the sandbox runtime is unavailable.
	ErrInfrastructure = errors.New("infrastructure fault")
	ErrJobNotClaimed  = errors.New("job was claimed by another worker")
	ErrJobNotTerminal = errors.New("job has not finished")
	ErrPoolHalted     = errors.New("worker pool halted")
)

type ErrRunQueueFull struct{}

func (e ErrRunQueueFull) Error() string {
	return "run queue is full"
}

func NewErrRunQueueFull() *ErrRunQueueFull {
	return &ErrRunQueueFull{}
}

type PolicyLookupError struct {
	RepositoryURL string
	Err           error
}

func (e *PolicyLookupError) Error() string {
	return fmt.Sprintf("err looking up policy for %s: %v", e.RepositoryURL, e.Err)
}

func (e *PolicyLookupError) Unwrap() error {
	return e.Err
}

// DuplicateJobError is returned when a job for the same repository and
// commit already exists. It is not a failure of the request.
type DuplicateJobError struct {
	JobID string
	State types.JobState
}

func (e *DuplicateJobError) Error() string {
	return fmt.Sprintf("job %s already scheduled (%s)", e.JobID, e.State)
}

type StageFailure struct {
	Stage    types.Stage
	ExitCode int
	Timeout  time.Duration
	Err      error
}

func (e *StageFailure) Error() string {
	switch {
	case e.Timeout > 0:
		return fmt.Sprintf("%s timed out after %s", e.Stage, e.Timeout)
	case e.Err != nil:
		return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
	default:
		return fmt.Sprintf("%s failed with exit code %d", e.Stage, e.ExitCode)
	}
}

func (e *StageFailure) Unwrap() error {
	return e.Err
}

type ScanFinding struct {
	Summary types.ScanSummary
}

func (e *ScanFinding) Error() string {
	return fmt.Sprintf(
		"scan found %d vulnerabilities (critical %d, high %d)",
		e.Summary.Total(), e.Summary.Critical, e.Summary.High,
	)
}

// ScanInfrastructureError is a scanner failure unrelated to the image under
// test. It is retried.
type ScanInfrastructureError struct {
	ExitCode int
	Err      error
}

func (e *ScanInfrastructureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("scan infrastructure error: %v", e.Err)
	}
	return fmt.Sprintf("scan infrastructure error: exit code %d", e.ExitCode)
}

func (e *ScanInfrastructureError) Unwrap() error {
	return e.Err
}

// EnvironmentError is a provisioning failure that retrying will not fix.
type EnvironmentError struct {
	ExitCode int
}

func (e *EnvironmentError) Error() string {
	return fmt.Sprintf("environment error: provisioning exited with code %d", e.ExitCode)
}
