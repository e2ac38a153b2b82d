package types

import "time"

type StageOutcome struct {
	Stage      Stage       `json:"stage"`
	Status     StageStatus `json:"status"`
	ExitCode   int         `json:"exit_code"`
	Attempts   int         `json:"attempts"`
	Annotation string      `json:"annotation,omitempty"`
	LogRef     string      `json:"log_ref,omitempty"`
	StartedOn  time.Time   `json:"started_on"`
	EndedOn    time.Time   `json:"ended_on"`
}

type ScanSummary struct {
	Critical       int  `json:"critical"`
	High           int  `json:"high"`
	Medium         int  `json:"medium"`
	Low            int  `json:"low"`
	Unknown        int  `json:"unknown"`
	Infrastructure bool `json:"infrastructure_error"`
	Attempts       int  `json:"attempts"`
}

func (s ScanSummary) Total() int {
	return s.Critical + s.High + s.Medium + s.Low + s.Unknown
}

// JobResult is the terminal outcome of a job handed to the reporter.
type JobResult struct {
	JobID         string         `json:"job_id"`
	RepositoryURL string         `json:"repository_url"`
	CommitSHA     string         `json:"commit_sha"`
	Branch        string         `json:"branch"`
	State         JobState       `json:"state"`
	Annotation    string         `json:"annotation,omitempty"`
	Stages        []StageOutcome `json:"stages"`
	Scan          *ScanSummary   `json:"scan,omitempty"`
	LogRef        string         `json:"log_ref,omitempty"`
	RetryOf       string         `json:"retry_of,omitempty"`
	StartedOn     time.Time      `json:"started_on"`
	EndedOn       time.Time      `json:"ended_on"`
}

func (r *JobResult) StageStatuses() []StageStatus {
	statuses := make([]StageStatus, len(r.Stages))
	for i, s := range r.Stages {
		statuses[i] = s.Status
	}
	return statuses
}
