package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/haatos/hookci/internal"
	"github.com/haatos/hookci/internal/service"
	"github.com/haatos/hookci/internal/webhook"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const (
	StatusAccepted         = "accepted"
	StatusIgnored          = "ignored"
	StatusAlreadyScheduled = "already_scheduled"
	StatusError            = "error"
)

type StatusResponse struct {
	Status string `json:"status"`
	JobID  string `json:"job_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type EventNormalizer interface {
	Normalize(r webhook.Request) (*webhook.Result, error)
}

type JobScheduler interface {
	Generate(ctx context.Context, e *webhook.WebhookEvent) (*service.GenerateResult, error)
	Retry(ctx context.Context, jobID string) (*service.GenerateResult, error)
}

type WebhookHandler struct {
	normalizer EventNormalizer
	scheduler  JobScheduler
	logger     *zap.SugaredLogger
}

func NewWebhookHandler(
	normalizer EventNormalizer,
	scheduler JobScheduler,
	logger *zap.SugaredLogger,
) *WebhookHandler {
	return &WebhookHandler{normalizer: normalizer, scheduler: scheduler, logger: logger}
}

func (h *WebhookHandler) PostWebhook(c echo.Context) error {
	wp := new(WebhookParams)
	if err := (&echo.DefaultBinder{}).BindPathParams(c, wp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid webhook route")
	}

	body, err := readBody(c)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return newError(err, http.StatusRequestEntityTooLarge, "payload too large")
		}
		return newError(err, http.StatusBadRequest, "unable to read payload")
	}

	result, err := h.normalizer.Normalize(webhook.Request{
		Provider:  wp.Provider,
		TriggerID: wp.TriggerID,
		RemoteIP:  c.RealIP(),
		Header:    c.Request().Header,
		Body:      body,
	})
	if err != nil {
		return normalizeError(err)
	}
	if result.Unverified {
		h.logger.Warnw("webhook accepted without signature check", "provider", wp.Provider, "remote_ip", c.RealIP())
	}
	if result.Ignored {
		return c.JSON(http.StatusOK, StatusResponse{Status: StatusIgnored, Reason: result.Reason})
	}

	res, err := h.scheduler.Generate(c.Request().Context(), result.Event)
	return scheduled(c, res, err)
}

func readBody(c echo.Context) ([]byte, error) {
	r := http.MaxBytesReader(c.Response(), c.Request().Body, internal.MaxWebhookBody)
	defer r.Close()
	return io.ReadAll(r)
}

func normalizeError(err error) error {
	var authErr *webhook.AuthenticationError
	var payloadErr *webhook.MalformedPayloadError
	switch {
	case errors.Is(err, webhook.ErrUnknownProvider):
		return newError(err, http.StatusNotFound, "unknown webhook provider")
	case errors.As(err, &authErr):
		if authErr.Forbidden {
			return newError(err, http.StatusForbidden, authErr.Reason)
		}
		return newError(err, http.StatusUnauthorized, authErr.Reason)
	case errors.As(err, &payloadErr):
		return newError(err, http.StatusBadRequest, payloadErr.Error())
	default:
		return newError(err, http.StatusInternalServerError, "unable to process webhook")
	}
}

// scheduled writes the outcome of a generate or retry call.
func scheduled(c echo.Context, res *service.GenerateResult, err error) error {
	if err != nil {
		var dup *service.DuplicateJobError
		var policyErr *service.PolicyLookupError
		var payloadErr *webhook.MalformedPayloadError
		switch {
		case errors.As(err, &dup):
			return c.JSON(http.StatusOK, StatusResponse{
				Status: StatusAlreadyScheduled,
				JobID:  dup.JobID,
				Reason: string(dup.State),
			})
		case errors.As(err, &policyErr):
			return newError(err, http.StatusInternalServerError, "unable to resolve repository policy")
		case errors.As(err, &payloadErr):
			return newError(err, http.StatusBadRequest, payloadErr.Error())
		default:
			return newError(err, http.StatusInternalServerError, "unable to schedule job")
		}
	}
	if res.Ignored {
		return c.JSON(http.StatusOK, StatusResponse{Status: StatusIgnored, Reason: res.Reason})
	}
	return c.JSON(http.StatusOK, StatusResponse{Status: StatusAccepted, JobID: res.JobID})
}
