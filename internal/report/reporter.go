package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"

	"github.com/haatos/hookci/internal"
	"github.com/haatos/hookci/internal/types"
	"github.com/haatos/hookci/internal/util"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// ReportingError means the result could not be delivered to the reporting
// endpoint. The job's state is not affected.
type ReportingError struct {
	JobID      string
	StatusCode int
	Err        error
}

func (e *ReportingError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("err reporting job %s: endpoint responded %d", e.JobID, e.StatusCode)
	}
	return fmt.Sprintf("err reporting job %s: %v", e.JobID, e.Err)
}

func (e *ReportingError) Unwrap() error {
	return e.Err
}

type Reporter struct {
	resultsDir string
	endpoint   string
	token      string
	client     *http.Client
	logger     *zap.SugaredLogger
}

func NewReporter(cfg *internal.Configuration, logger *zap.SugaredLogger) *Reporter {
	r := &Reporter{
		resultsDir: filepath.Join(cfg.Workdir, internal.ResultsDirName),
		endpoint:   cfg.ReportingEndpoint,
		token:      cfg.ReportingToken,
		logger:     logger,
	}
	if cfg.StandaloneMode() {
		return r
	}

	base := &http.Client{
		Timeout:   cfg.ReportingTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	if cfg.ReportingOAuth.ClientID != "" && cfg.ReportingOAuth.TokenURL != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.ReportingOAuth.ClientID,
			ClientSecret: cfg.ReportingOAuth.ClientSecret,
			TokenURL:     cfg.ReportingOAuth.TokenURL,
			Scopes:       cfg.ReportingOAuth.Scopes,
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		r.client = cc.Client(ctx)
		r.client.Timeout = cfg.ReportingTimeout
		r.token = ""
	} else {
		r.client = base
	}
	return r
}

// ResultPath is where the result of jobID is persisted.
func (r *Reporter) ResultPath(jobID string) string {
	return filepath.Join(r.resultsDir, util.SanitizeName(jobID)+".json")
}

// Report persists result locally and, outside standalone mode, delivers it
// to the reporting endpoint.
func (r *Reporter) Report(ctx context.Context, result *types.JobResult) error {
	b, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	if err := util.WriteFileAtomic(r.ResultPath(result.JobID), b, 0o644); err != nil {
		return fmt.Errorf("err writing result file: %w", err)
	}
	if r.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(b))
	if err != nil {
		return &ReportingError{JobID: result.JobID, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	res, err := r.client.Do(req)
	if err != nil {
		return &ReportingError{JobID: result.JobID, Err: err}
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return &ReportingError{JobID: result.JobID, StatusCode: res.StatusCode}
	}
	r.logger.Debugw("result delivered", "job_id", result.JobID, "status", res.StatusCode)
	return nil
}
