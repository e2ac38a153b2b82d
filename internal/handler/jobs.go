package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/haatos/hookci/internal/service"
	"github.com/haatos/hookci/internal/store"
	"github.com/haatos/hookci/internal/types"
	"github.com/haatos/hookci/internal/util"
	"github.com/labstack/echo/v4"
)

type JobReader interface {
	ReadJob(ctx context.Context, jobID string) (*store.Job, error)
	ListJobStages(ctx context.Context, jobID string) ([]*store.JobStage, error)
}

type JobHandler struct {
	jobs      JobReader
	scheduler JobScheduler
}

func NewJobHandler(jobs JobReader, scheduler JobScheduler) *JobHandler {
	return &JobHandler{jobs: jobs, scheduler: scheduler}
}

type StageResponse struct {
	Stage      types.Stage       `json:"stage"`
	Status     types.StageStatus `json:"status"`
	ExitCode   int               `json:"exit_code"`
	Attempts   int               `json:"attempts"`
	Annotation string            `json:"annotation,omitempty"`
	LogRef     string            `json:"log_ref,omitempty"`
	StartedOn  time.Time         `json:"started_on"`
	EndedOn    time.Time         `json:"ended_on"`
}

type JobResponse struct {
	JobID         string          `json:"job_id"`
	RepositoryURL string          `json:"repository_url"`
	CommitSHA     string          `json:"commit_sha"`
	Branch        string          `json:"branch"`
	State         types.JobState  `json:"state"`
	CurrentStage  *types.Stage    `json:"current_stage,omitempty"`
	Annotation    string          `json:"annotation,omitempty"`
	LogRef        string          `json:"log_ref,omitempty"`
	RetryOf       string          `json:"retry_of,omitempty"`
	CreatedOn     time.Time       `json:"created_on"`
	StartedOn     *time.Time      `json:"started_on,omitempty"`
	EndedOn       *time.Time      `json:"ended_on,omitempty"`
	Stages        []StageResponse `json:"stages"`
}

func (h *JobHandler) GetJob(c echo.Context) error {
	jp := new(JobParams)
	if err := c.Bind(jp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid job id")
	}

	ctx := c.Request().Context()
	j, err := h.jobs.ReadJob(ctx, jp.JobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return newError(err, http.StatusNotFound, "job not found")
		}
		return newError(err, http.StatusInternalServerError, "unable to read job")
	}
	stages, err := h.jobs.ListJobStages(ctx, jp.JobID)
	if err != nil {
		return newError(err, http.StatusInternalServerError, "unable to read job stages")
	}

	return c.JSON(http.StatusOK, newJobResponse(j, stages))
}

func (h *JobHandler) PostRetryJob(c echo.Context) error {
	jp := new(JobParams)
	if err := c.Bind(jp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid job id")
	}

	res, err := h.scheduler.Retry(c.Request().Context(), jp.JobID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return newError(err, http.StatusNotFound, "job not found")
	case errors.Is(err, service.ErrJobNotTerminal):
		return newError(err, http.StatusConflict, "job has not finished")
	}
	return scheduled(c, res, err)
}

func newJobResponse(j *store.Job, stages []*store.JobStage) JobResponse {
	jr := JobResponse{
		JobID:         j.JobID,
		RepositoryURL: j.RepositoryURL,
		CommitSHA:     j.CommitSHA,
		Branch:        j.Branch,
		State:         j.State,
		CurrentStage:  j.CurrentStage,
		Annotation:    util.Deref(j.Annotation),
		LogRef:        util.Deref(j.LogRef),
		RetryOf:       util.Deref(j.RetryOf),
		CreatedOn:     j.CreatedOn,
		StartedOn:     j.StartedOn,
		EndedOn:       j.EndedOn,
		Stages:        make([]StageResponse, 0, len(stages)),
	}
	for _, s := range stages {
		jr.Stages = append(jr.Stages, StageResponse{
			Stage:      s.Stage,
			Status:     s.Status,
			ExitCode:   s.ExitCode,
			Attempts:   s.Attempts,
			Annotation: util.Deref(s.Annotation),
			LogRef:     util.Deref(s.LogRef),
			StartedOn:  s.StartedOn,
			EndedOn:    s.EndedOn,
		})
	}
	return jr
}
