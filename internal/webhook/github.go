package webhook

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const (
	githubEventHeader       = "X-GitHub-Event"
	githubDeliveryHeader    = "X-GitHub-Delivery"
	githubSignature256      = "X-Hub-Signature-256"
	githubSignatureSHA1     = "X-Hub-Signature"
	branchRefPrefix         = "refs/heads/"
	deletedBranchCommitHash = "0000000000000000000000000000000000000000"
)

type githubRepository struct {
	HTMLURL  string `json:"html_url"`
	CloneURL string `json:"clone_url"`
	FullName string `json:"full_name"`
}

type githubUser struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Login string `json:"login"`
}

type githubPushPayload struct {
	Ref        string           `json:"ref"`
	After      string           `json:"after"`
	Deleted    bool             `json:"deleted"`
	Repository githubRepository `json:"repository"`
	Pusher     githubUser       `json:"pusher"`
	HeadCommit *struct {
		ID      string     `json:"id"`
		Message string     `json:"message"`
		Author  githubUser `json:"author"`
	} `json:"head_commit"`
}

type githubPullRequestPayload struct {
	Action      string           `json:"action"`
	Number      int64            `json:"number"`
	Repository  githubRepository `json:"repository"`
	PullRequest *struct {
		Title string     `json:"title"`
		User  githubUser `json:"user"`
		Head  struct {
			SHA  string            `json:"sha"`
			Ref  string            `json:"ref"`
			Repo *githubRepository `json:"repo"`
		} `json:"head"`
		Base struct {
			Ref string `json:"ref"`
		} `json:"base"`
	} `json:"pull_request"`
}

var githubPullRequestActions = map[string]bool{
	"opened":      true,
	"synchronize": true,
	"reopened":    true,
}

type GitHubParser struct {
	secret string
}

func NewGitHubParser(secret string) *GitHubParser {
	return &GitHubParser{secret: secret}
}

func (p *GitHubParser) Provider() Provider {
	return GitHub
}

func (p *GitHubParser) Signed() bool {
	return p.secret != ""
}

func (p *GitHubParser) Verify(header http.Header, body []byte) error {
	if p.secret == "" {
		return nil
	}
	signature := header.Get(githubSignature256)
	if signature == "" {
		signature = header.Get(githubSignatureSHA1)
	}
	return verify(p.secret, body, signature)
}

func (p *GitHubParser) Parse(header http.Header, body []byte) (*Result, error) {
	eventType := header.Get(githubEventHeader)
	var (
		result *Result
		err    error
	)
	switch eventType {
	case "":
		return nil, malformed("missing "+githubEventHeader+" header", nil)
	case "push":
		result, err = p.parsePush(body)
	case "pull_request":
		result, err = p.parsePullRequest(body)
	default:
		return ignored(fmt.Sprintf("event_type = %s not handled", eventType)), nil
	}
	if err != nil {
		return nil, err
	}
	if result.Event != nil {
		result.Event.DeliveryID = header.Get(githubDeliveryHeader)
		result.Event.Signature = header.Get(githubSignature256)
		if result.Event.Signature == "" {
			result.Event.Signature = header.Get(githubSignatureSHA1)
		}
	}
	return result, nil
}

func (p *GitHubParser) parsePush(body []byte) (*Result, error) {
	payload := new(githubPushPayload)
	if err := json.Unmarshal(body, payload); err != nil {
		return nil, malformed("invalid json", err)
	}
	if payload.Ref == "" {
		return nil, malformed("ref is required", nil)
	}
	if payload.Repository.HTMLURL == "" {
		return nil, malformed("repository.html_url is required", nil)
	}
	if !strings.HasPrefix(payload.Ref, branchRefPrefix) {
		return ignored(fmt.Sprintf("ref %s is not a branch", payload.Ref)), nil
	}
	if payload.Deleted || payload.After == deletedBranchCommitHash {
		return ignored(fmt.Sprintf("branch %s was deleted", payload.Ref)), nil
	}

	e := &WebhookEvent{
		Provider:      GitHub,
		Kind:          KindPush,
		RepositoryURL: payload.Repository.HTMLURL,
		CloneURL:      payload.Repository.CloneURL,
		Branch:        strings.TrimPrefix(payload.Ref, branchRefPrefix),
		Ref:           payload.Ref,
		CommitSHA:     payload.After,
		Pusher:        payload.Pusher.Name,
	}
	if payload.HeadCommit != nil {
		if payload.HeadCommit.ID != "" {
			e.CommitSHA = payload.HeadCommit.ID
		}
		e.Message = payload.HeadCommit.Message
		if e.Pusher == "" {
			e.Pusher = payload.HeadCommit.Author.Name
		}
	}
	if e.CommitSHA == "" {
		return nil, malformed("head commit id is required", nil)
	}
	if e.CloneURL == "" {
		e.CloneURL = e.RepositoryURL + ".git"
	}
	return &Result{Event: e}, nil
}

func (p *GitHubParser) parsePullRequest(body []byte) (*Result, error) {
	payload := new(githubPullRequestPayload)
	if err := json.Unmarshal(body, payload); err != nil {
		return nil, malformed("invalid json", err)
	}
	if payload.PullRequest == nil {
		return nil, malformed("pull_request is required", nil)
	}
	if payload.Repository.HTMLURL == "" {
		return nil, malformed("repository.html_url is required", nil)
	}
	if !githubPullRequestActions[payload.Action] {
		return ignored(fmt.Sprintf("pull_request action %s not handled", payload.Action)), nil
	}
	pr := payload.PullRequest
	if pr.Head.SHA == "" || pr.Head.Ref == "" {
		return nil, malformed("pull_request.head sha and ref are required", nil)
	}

	e := &WebhookEvent{
		Provider:      GitHub,
		Kind:          KindPullRequest,
		RepositoryURL: payload.Repository.HTMLURL,
		CloneURL:      payload.Repository.CloneURL,
		Branch:        pr.Head.Ref,
		Ref:           fmt.Sprintf("refs/pull/%d/head", payload.Number),
		CommitSHA:     pr.Head.SHA,
		Pusher:        pr.User.Login,
		Message:       pr.Title,
	}
	if pr.Head.Repo != nil && pr.Head.Repo.CloneURL != "" {
		e.CloneURL = pr.Head.Repo.CloneURL
	}
	if e.CloneURL == "" {
		e.CloneURL = e.RepositoryURL + ".git"
	}
	return &Result{Event: e}, nil
}
