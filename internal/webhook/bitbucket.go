package webhook

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/haatos/hookci/internal/security"
)

const (
	bitbucketEventHeader     = "X-Event-Key"
	bitbucketRequestHeader   = "X-Request-UUID"
	bitbucketSignatureHeader = "X-Hub-Signature"
)

type bitbucketLinks struct {
	HTML struct {
		Href string `json:"href"`
	} `json:"html"`
}

type bitbucketRepository struct {
	FullName string         `json:"full_name"`
	Links    bitbucketLinks `json:"links"`
}

type bitbucketActor struct {
	DisplayName string `json:"display_name"`
	Nickname    string `json:"nickname"`
}

type bitbucketPushPayload struct {
	Actor      bitbucketActor       `json:"actor"`
	Repository *bitbucketRepository `json:"repository"`
	Push       *struct {
		Changes []struct {
			Closed bool `json:"closed"`
			New    *struct {
				Type   string `json:"type"`
				Name   string `json:"name"`
				Target struct {
					Hash    string `json:"hash"`
					Message string `json:"message"`
				} `json:"target"`
			} `json:"new"`
		} `json:"changes"`
	} `json:"push"`
}

type bitbucketEndpoint struct {
	Branch struct {
		Name string `json:"name"`
	} `json:"branch"`
	Commit struct {
		Hash string `json:"hash"`
	} `json:"commit"`
	Repository *bitbucketRepository `json:"repository"`
}

type bitbucketPullRequestPayload struct {
	Repository  *bitbucketRepository `json:"repository"`
	PullRequest *struct {
		ID          int64             `json:"id"`
		Title       string            `json:"title"`
		Author      bitbucketActor    `json:"author"`
		Source      bitbucketEndpoint `json:"source"`
		Destination bitbucketEndpoint `json:"destination"`
	} `json:"pullrequest"`
}

type BitbucketParser struct {
	secret string
}

func NewBitbucketParser(secret string) *BitbucketParser {
	return &BitbucketParser{secret: secret}
}

func (p *BitbucketParser) Provider() Provider {
	return Bitbucket
}

func (p *BitbucketParser) Signed() bool {
	return p.secret != ""
}

func (p *BitbucketParser) Verify(header http.Header, body []byte) error {
	if p.secret == "" {
		return nil
	}
	return verify(p.secret, body, header.Get(bitbucketSignatureHeader))
}

func (p *BitbucketParser) Parse(header http.Header, body []byte) (*Result, error) {
	eventType := header.Get(bitbucketEventHeader)
	var (
		result *Result
		err    error
	)
	switch eventType {
	case "":
		return nil, malformed("missing "+bitbucketEventHeader+" header", nil)
	case "repo:push":
		result, err = p.parsePush(body)
	case "pullrequest:created", "pullrequest:updated":
		result, err = p.parsePullRequest(body)
	default:
		return ignored(fmt.Sprintf("event_type = %s not handled", eventType)), nil
	}
	if err != nil {
		return nil, err
	}
	if result.Event != nil {
		result.Event.DeliveryID = header.Get(bitbucketRequestHeader)
		result.Event.Signature = header.Get(bitbucketSignatureHeader)
	}
	return result, nil
}

func (p *BitbucketParser) parsePush(body []byte) (*Result, error) {
	payload := new(bitbucketPushPayload)
	if err := json.Unmarshal(body, payload); err != nil {
		return nil, malformed("invalid json", err)
	}
	if payload.Repository == nil || payload.Repository.Links.HTML.Href == "" {
		return nil, malformed("repository.links.html.href is required", nil)
	}
	if payload.Push == nil || len(payload.Push.Changes) == 0 {
		return nil, malformed("push.changes is required", nil)
	}

	for _, change := range payload.Push.Changes {
		if change.Closed || change.New == nil || change.New.Type != "branch" {
			continue
		}
		if change.New.Name == "" || change.New.Target.Hash == "" {
			return nil, malformed("push change is missing branch name or commit hash", nil)
		}
		repositoryURL := payload.Repository.Links.HTML.Href
		return &Result{Event: &WebhookEvent{
			Provider:      Bitbucket,
			Kind:          KindPush,
			RepositoryURL: repositoryURL,
			CloneURL:      cloneURL(repositoryURL),
			Branch:        change.New.Name,
			Ref:           branchRefPrefix + change.New.Name,
			CommitSHA:     change.New.Target.Hash,
			Pusher:        actorName(payload.Actor),
			Message:       change.New.Target.Message,
		}}, nil
	}
	return ignored("push contains no branch updates"), nil
}

func (p *BitbucketParser) parsePullRequest(body []byte) (*Result, error) {
	payload := new(bitbucketPullRequestPayload)
	if err := json.Unmarshal(body, payload); err != nil {
		return nil, malformed("invalid json", err)
	}
	pr := payload.PullRequest
	if pr == nil {
		return nil, malformed("pullrequest is required", nil)
	}
	if pr.Source.Commit.Hash == "" || pr.Source.Branch.Name == "" {
		return nil, malformed("pullrequest.source branch and commit are required", nil)
	}

	repositoryURL := ""
	if pr.Destination.Repository != nil {
		repositoryURL = pr.Destination.Repository.Links.HTML.Href
	}
	if repositoryURL == "" && payload.Repository != nil {
		repositoryURL = payload.Repository.Links.HTML.Href
	}
	if repositoryURL == "" {
		return nil, malformed("destination repository is required", nil)
	}
	sourceURL := repositoryURL
	if pr.Source.Repository != nil && pr.Source.Repository.Links.HTML.Href != "" {
		sourceURL = pr.Source.Repository.Links.HTML.Href
	}

	return &Result{Event: &WebhookEvent{
		Provider:      Bitbucket,
		Kind:          KindPullRequest,
		RepositoryURL: repositoryURL,
		CloneURL:      cloneURL(sourceURL),
		Branch:        pr.Source.Branch.Name,
		Ref:           branchRefPrefix + pr.Source.Branch.Name,
		CommitSHA:     pr.Source.Commit.Hash,
		Pusher:        actorName(pr.Author),
		Message:       pr.Title,
	}}, nil
}

func cloneURL(htmlURL string) string {
	return strings.TrimSuffix(htmlURL, "/") + ".git"
}

func actorName(a bitbucketActor) string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	return a.Nickname
}

func verify(secret string, body []byte, signature string) error {
	if err := security.VerifySignature(secret, body, signature); err != nil {
		return &AuthenticationError{Reason: "signature check failed", Err: err}
	}
	return nil
}
