package webhook

import (
	"errors"
	"net/http"
	"testing"

	"github.com/haatos/hookci/internal/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bitbucketPush = `{
	"actor": {"display_name": "Carol"},
	"repository": {
		"full_name": "acme/gadgets",
		"links": {"html": {"href": "https://bitbucket.org/acme/gadgets"}}
	},
	"push": {
		"changes": [
			{"new": {"type": "tag", "name": "v2", "target": {"hash": "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}}},
			{"new": {"type": "branch", "name": "develop", "target": {"hash": "c4ca4238a0b923820dcc509a6f75849b0000abcd", "message": "wip"}}}
		]
	}
}`

func bitbucketHeader(event string) http.Header {
	h := http.Header{}
	h.Set("X-Event-Key", event)
	h.Set("X-Request-UUID", "d7f3a1c2-0000-4e4e-9999-1234567890ab")
	return h
}

func TestBitbucketParser_Push(t *testing.T) {
	// arrange
	p := NewBitbucketParser("")

	// act
	result, err := p.Parse(bitbucketHeader("repo:push"), []byte(bitbucketPush))

	// assert
	require.NoError(t, err)
	require.NotNil(t, result.Event)
	assert.Equal(t, Bitbucket, result.Event.Provider)
	assert.Equal(t, "https://bitbucket.org/acme/gadgets", result.Event.RepositoryURL)
	assert.Equal(t, "https://bitbucket.org/acme/gadgets.git", result.Event.CloneURL)
	assert.Equal(t, "develop", result.Event.Branch)
	assert.Equal(t, "c4ca4238a0b923820dcc509a6f75849b0000abcd", result.Event.CommitSHA)
	assert.Equal(t, "Carol", result.Event.Pusher)
	assert.Equal(t, "d7f3a1c2-0000-4e4e-9999-1234567890ab", result.Event.DeliveryID)
}

func TestBitbucketParser_PushWithoutBranches(t *testing.T) {
	p := NewBitbucketParser("")
	body := `{"repository":{"links":{"html":{"href":"https://bitbucket.org/acme/gadgets"}}},"push":{"changes":[{"closed":true,"new":null}]}}`

	result, err := p.Parse(bitbucketHeader("repo:push"), []byte(body))

	require.NoError(t, err)
	assert.True(t, result.Ignored)
}

func TestBitbucketParser_PullRequest(t *testing.T) {
	p := NewBitbucketParser("")
	body := `{
		"pullrequest": {
			"id": 7,
			"title": "refactor",
			"author": {"nickname": "dave"},
			"source": {
				"branch": {"name": "refactor"},
				"commit": {"hash": "1f0e3dad99908345f7439f8ffabdffc4"},
				"repository": {"links": {"html": {"href": "https://bitbucket.org/dave/gadgets"}}}
			},
			"destination": {
				"branch": {"name": "main"},
				"commit": {"hash": "aaaaaaaa"},
				"repository": {"links": {"html": {"href": "https://bitbucket.org/acme/gadgets"}}}
			}
		}
	}`

	result, err := p.Parse(bitbucketHeader("pullrequest:updated"), []byte(body))

	require.NoError(t, err)
	require.NotNil(t, result.Event)
	assert.Equal(t, KindPullRequest, result.Event.Kind)
	assert.Equal(t, "https://bitbucket.org/acme/gadgets", result.Event.RepositoryURL)
	assert.Equal(t, "https://bitbucket.org/dave/gadgets.git", result.Event.CloneURL)
	assert.Equal(t, "refactor", result.Event.Branch)
	assert.Equal(t, "1f0e3dad99908345f7439f8ffabdffc4", result.Event.CommitSHA)
	assert.Equal(t, "dave", result.Event.Pusher)
}

func TestBitbucketParser_Verify(t *testing.T) {
	p := NewBitbucketParser("hush")

	h := bitbucketHeader("repo:push")
	h.Set("X-Hub-Signature", security.Sign("hush", []byte(bitbucketPush)))
	assert.NoError(t, p.Verify(h, []byte(bitbucketPush)))

	h.Set("X-Hub-Signature", security.Sign("wrong", []byte(bitbucketPush)))
	err := p.Verify(h, []byte(bitbucketPush))
	var authErr *AuthenticationError
	assert.True(t, errors.As(err, &authErr))
}

func TestBitbucketParser_IgnoredEvent(t *testing.T) {
	p := NewBitbucketParser("")

	result, err := p.Parse(bitbucketHeader("issue:created"), []byte(`{}`))

	require.NoError(t, err)
	assert.True(t, result.Ignored)
	assert.Equal(t, "event_type = issue:created not handled", result.Reason)
}
