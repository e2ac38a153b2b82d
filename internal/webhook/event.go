package webhook

import (
	"net/http"
	"time"
)

type Provider string

const (
	GitHub    Provider = "github"
	Bitbucket Provider = "bitbucket"
)

type EventKind string

const (
	KindPush        EventKind = "push"
	KindPullRequest EventKind = "pull_request"
)

// WebhookEvent is the provider independent view of an inbound push or pull
// request notification.
type WebhookEvent struct {
	Provider      Provider
	Kind          EventKind
	RepositoryURL string
	CloneURL      string
	Branch        string
	Ref           string
	CommitSHA     string
	Pusher        string
	Message       string
	DeliveryID    string
	Signature     string
	ReceivedOn    time.Time
}

// Result is what a parser produces: either an event or the reason the
// delivery was ignored.
type Result struct {
	Event   *WebhookEvent
	Ignored bool
	Reason  string
	// Unverified is set when no secret is configured for the provider.
	Unverified bool
}

func ignored(format string) *Result {
	return &Result{Ignored: true, Reason: format}
}

// Parser understands one provider's payloads.
type Parser interface {
	Provider() Provider
	Signed() bool
	Verify(header http.Header, body []byte) error
	Parse(header http.Header, body []byte) (*Result, error)
}
