package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/haatos/hookci/internal/security"
	"github.com/haatos/hookci/internal/service"
	"github.com/haatos/hookci/internal/testutil"
	"github.com/haatos/hookci/internal/types"
	"github.com/haatos/hookci/internal/webhook"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testSecret    = "s3cr3t"
	testTriggerID = "d41d8cd9"
	pushPayload   = `{
		"ref": "refs/heads/main",
		"after": "9fceb02d0ae598e95dc970b74767f19372d61af8",
		"repository": {
			"html_url": "https://github.com/acme/widgets",
			"clone_url": "https://github.com/acme/widgets.git"
		},
		"pusher": {"name": "alice"}
	}`
)

func newTestServer(t *testing.T, scheduler JobScheduler) *echo.Echo {
	t.Helper()
	n, err := webhook.NewNormalizer(
		testTriggerID,
		nil,
		webhook.NewGitHubParser(testSecret),
		webhook.NewBitbucketParser(testSecret),
	)
	require.NoError(t, err)

	e := echo.New()
	e.HTTPErrorHandler = NewErrorHandler(zap.NewNop().Sugar())
	SetupWebhookRoutes(e, NewWebhookHandler(n, scheduler, zap.NewNop().Sugar()))
	return e
}

func newWebhookRequest(path, event, body string, signed bool) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-GitHub-Delivery", "72d3162e-cc78-11e3-81ab-4c9367dc0958")
	if signed {
		req.Header.Set("X-Hub-Signature-256", security.Sign(testSecret, []byte(body)))
	}
	return req
}

func decodeStatus(t *testing.T, rec *httptest.ResponseRecorder) StatusResponse {
	t.Helper()
	var sr StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sr))
	return sr
}

func TestWebhookHandler_PostWebhook(t *testing.T) {
	path := "/webhooks/github/" + testTriggerID

	t.Run("success - push is accepted", func(t *testing.T) {
		// arrange
		scheduler := new(testutil.MockJobScheduler)
		scheduler.On("Generate", mock.Anything, mock.MatchedBy(func(e *webhook.WebhookEvent) bool {
			return e.CommitSHA == "9fceb02d0ae598e95dc970b74767f19372d61af8" &&
				e.Branch == "main"
		})).Return(&service.GenerateResult{JobID: "job-1"}, nil)
		e := newTestServer(t, scheduler)
		rec := httptest.NewRecorder()

		// act
		e.ServeHTTP(rec, newWebhookRequest(path, "push", pushPayload, true))

		// assert
		assert.Equal(t, http.StatusOK, rec.Code)
		sr := decodeStatus(t, rec)
		assert.Equal(t, StatusAccepted, sr.Status)
		assert.Equal(t, "job-1", sr.JobID)
		scheduler.AssertExpectations(t)
	})

	t.Run("success - unhandled event is ignored", func(t *testing.T) {
		// arrange
		scheduler := new(testutil.MockJobScheduler)
		e := newTestServer(t, scheduler)
		rec := httptest.NewRecorder()

		// act
		e.ServeHTTP(rec, newWebhookRequest(path, "ping", `{"zen":"keep it simple"}`, true))

		// assert
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, StatusIgnored, decodeStatus(t, rec).Status)
		scheduler.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
	})

	t.Run("success - redelivery is already scheduled", func(t *testing.T) {
		// arrange
		scheduler := new(testutil.MockJobScheduler)
		scheduler.On("Generate", mock.Anything, mock.Anything).
			Return(nil, &service.DuplicateJobError{JobID: "job-1", State: types.JobRunning})
		e := newTestServer(t, scheduler)
		rec := httptest.NewRecorder()

		// act
		e.ServeHTTP(rec, newWebhookRequest(path, "push", pushPayload, true))

		// assert
		assert.Equal(t, http.StatusOK, rec.Code)
		sr := decodeStatus(t, rec)
		assert.Equal(t, StatusAlreadyScheduled, sr.Status)
		assert.Equal(t, "job-1", sr.JobID)
	})

	t.Run("success - branch filtered by policy is ignored", func(t *testing.T) {
		// arrange
		scheduler := new(testutil.MockJobScheduler)
		scheduler.On("Generate", mock.Anything, mock.Anything).
			Return(&service.GenerateResult{Ignored: true, Reason: "branch main does not match"}, nil)
		e := newTestServer(t, scheduler)
		rec := httptest.NewRecorder()

		// act
		e.ServeHTTP(rec, newWebhookRequest(path, "push", pushPayload, true))

		// assert
		assert.Equal(t, http.StatusOK, rec.Code)
		sr := decodeStatus(t, rec)
		assert.Equal(t, StatusIgnored, sr.Status)
		assert.Empty(t, sr.JobID)
	})

	t.Run("failure - bad signature", func(t *testing.T) {
		// arrange
		scheduler := new(testutil.MockJobScheduler)
		e := newTestServer(t, scheduler)
		rec := httptest.NewRecorder()
		req := newWebhookRequest(path, "push", pushPayload, false)
		req.Header.Set("X-Hub-Signature-256", security.Sign("other", []byte(pushPayload)))

		// act
		e.ServeHTTP(rec, req)

		// assert
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, StatusError, decodeStatus(t, rec).Status)
		scheduler.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
	})

	t.Run("failure - wrong trigger id", func(t *testing.T) {
		// arrange
		scheduler := new(testutil.MockJobScheduler)
		e := newTestServer(t, scheduler)
		rec := httptest.NewRecorder()

		// act
		e.ServeHTTP(rec, newWebhookRequest("/webhooks/github/nope", "push", pushPayload, true))

		// assert
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("failure - malformed payload", func(t *testing.T) {
		// arrange
		scheduler := new(testutil.MockJobScheduler)
		e := newTestServer(t, scheduler)
		rec := httptest.NewRecorder()

		// act
		e.ServeHTTP(rec, newWebhookRequest(path, "push", `{"ref":`, true))

		// assert
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		scheduler.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
	})

	t.Run("failure - unknown provider", func(t *testing.T) {
		// arrange
		e := newTestServer(t, new(testutil.MockJobScheduler))
		rec := httptest.NewRecorder()

		// act
		e.ServeHTTP(rec, newWebhookRequest("/webhooks/gitlab/"+testTriggerID, "push", pushPayload, true))

		// assert
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("failure - policy lookup", func(t *testing.T) {
		// arrange
		scheduler := new(testutil.MockJobScheduler)
		scheduler.On("Generate", mock.Anything, mock.Anything).Return(nil, &service.PolicyLookupError{
			RepositoryURL: "https://github.com/acme/widgets",
			Err:           errors.New("database is locked"),
		})
		e := newTestServer(t, scheduler)
		rec := httptest.NewRecorder()

		// act
		e.ServeHTTP(rec, newWebhookRequest(path, "push", pushPayload, true))

		// assert
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "unable to resolve repository policy", decodeStatus(t, rec).Reason)
	})

	t.Run("failure - payload too large", func(t *testing.T) {
		// arrange
		e := newTestServer(t, new(testutil.MockJobScheduler))
		rec := httptest.NewRecorder()
		body := `{"pad":"` + strings.Repeat("a", 6<<20) + `"}`

		// act
		e.ServeHTTP(rec, newWebhookRequest(path, "push", body, true))

		// assert
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})
}
