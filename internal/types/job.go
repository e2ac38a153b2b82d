package types

import (
	"strings"

	"github.com/google/uuid"
)

type JobState string

const (
	JobPending    JobState = "pending"
	JobRunning    JobState = "running"
	JobSucceeded  JobState = "succeeded"
	JobFailed     JobState = "failed"
	JobScanFailed JobState = "scan_failed"
)

func (s JobState) IsTerminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobScanFailed:
		return true
	}
	return false
}

func (s JobState) ToString() string {
	return strings.ToUpper(string(s))
}

type Stage string

const (
	StageCheckout Stage = "checkout"
	StageBuild    Stage = "build"
	StageTest     Stage = "test"
	StageScan     Stage = "scan"
)

// StagesFor returns the fixed stage sequence of a job.
func StagesFor(scanEnabled bool) []Stage {
	stages := []Stage{StageCheckout, StageBuild, StageTest}
	if scanEnabled {
		stages = append(stages, StageScan)
	}
	return stages
}

type StageStatus string

const (
	StageOK      StageStatus = "ok"
	StageFailed  StageStatus = "failed"
	StageFinding StageStatus = "finding"
	StageSkipped StageStatus = "skipped"
	StageError   StageStatus = "error"
)

var jobNamespace = uuid.MustParse("4f1d5e2a-8c3b-5a7e-9d10-6b2c8e4f7a31")

// NewJobID derives the job identifier from the repository and commit so that
// redelivered webhooks map onto the same job.
func NewJobID(repositoryURL, commitSHA string) string {
	key := NormalizeRepositoryURL(repositoryURL) + "@" + strings.ToLower(commitSHA)
	return uuid.NewSHA1(jobNamespace, []byte(key)).String()
}

func NormalizeRepositoryURL(repositoryURL string) string {
	u := strings.TrimSpace(repositoryURL)
	u = strings.TrimSuffix(u, "/")
	u = strings.TrimSuffix(u, ".git")
	return u
}

// ShortSHA is the image tag used for a commit.
func ShortSHA(commitSHA string) string {
	if len(commitSHA) <= 6 {
		return commitSHA
	}
	return commitSHA[:6]
}
