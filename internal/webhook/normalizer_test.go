package webhook

import (
	"errors"
	"net/http"
	"testing"

	"github.com/haatos/hookci/internal/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const githubPush = `{
	"ref": "refs/heads/main",
	"after": "9fceb02d0ae598e95dc970b74767f19372d61af8",
	"repository": {
		"html_url": "https://github.com/acme/widgets",
		"clone_url": "https://github.com/acme/widgets.git",
		"full_name": "acme/widgets"
	},
	"pusher": {"name": "alice"},
	"head_commit": {
		"id": "9fceb02d0ae598e95dc970b74767f19372d61af8",
		"message": "fix widget",
		"author": {"name": "Alice"}
	}
}`

func githubHeader(event string) http.Header {
	h := http.Header{}
	h.Set("X-GitHub-Event", event)
	h.Set("X-GitHub-Delivery", "72d3162e-cc78-11e3-81ab-4c9367dc0958")
	return h
}

func TestNormalizer_GitHubPush(t *testing.T) {
	// arrange
	n, err := NewNormalizer("", nil, NewGitHubParser(""), NewBitbucketParser(""))
	require.NoError(t, err)

	// act
	result, err := n.Normalize(Request{
		Provider: "github",
		RemoteIP: "140.82.112.1",
		Header:   githubHeader("push"),
		Body:     []byte(githubPush),
	})

	// assert
	require.NoError(t, err)
	require.NotNil(t, result.Event)
	assert.False(t, result.Ignored)
	assert.Equal(t, GitHub, result.Event.Provider)
	assert.Equal(t, KindPush, result.Event.Kind)
	assert.Equal(t, "https://github.com/acme/widgets", result.Event.RepositoryURL)
	assert.Equal(t, "https://github.com/acme/widgets.git", result.Event.CloneURL)
	assert.Equal(t, "main", result.Event.Branch)
	assert.Equal(t, "9fceb02d0ae598e95dc970b74767f19372d61af8", result.Event.CommitSHA)
	assert.Equal(t, "alice", result.Event.Pusher)
	assert.Equal(t, "72d3162e-cc78-11e3-81ab-4c9367dc0958", result.Event.DeliveryID)
	assert.False(t, result.Event.ReceivedOn.IsZero())
	assert.True(t, result.Unverified)
}

func TestNormalizer_UnknownProvider(t *testing.T) {
	n, err := NewNormalizer("", nil, NewGitHubParser(""))
	require.NoError(t, err)

	_, err = n.Normalize(Request{Provider: "gitlab", Body: []byte("{}")})

	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestNormalizer_Signature(t *testing.T) {
	secret := "s3cr3t"
	n, err := NewNormalizer("", nil, NewGitHubParser(secret))
	require.NoError(t, err)

	t.Run("valid signature", func(t *testing.T) {
		h := githubHeader("push")
		h.Set("X-Hub-Signature-256", security.Sign(secret, []byte(githubPush)))

		result, err := n.Normalize(Request{Provider: "github", Header: h, Body: []byte(githubPush)})

		require.NoError(t, err)
		assert.NotNil(t, result.Event)
		assert.NotEmpty(t, result.Event.Signature)
		assert.False(t, result.Unverified)
	})

	t.Run("missing signature", func(t *testing.T) {
		_, err := n.Normalize(Request{Provider: "github", Header: githubHeader("push"), Body: []byte(githubPush)})

		var authErr *AuthenticationError
		require.True(t, errors.As(err, &authErr))
		assert.False(t, authErr.Forbidden)
		assert.ErrorIs(t, err, security.ErrSignatureMissing)
	})

	t.Run("tampered body", func(t *testing.T) {
		h := githubHeader("push")
		h.Set("X-Hub-Signature-256", security.Sign(secret, []byte(githubPush)))

		_, err := n.Normalize(Request{Provider: "github", Header: h, Body: []byte(githubPush + " ")})

		assert.ErrorIs(t, err, security.ErrSignatureMismatch)
	})
}

func TestNormalizer_TriggerIDAndAddress(t *testing.T) {
	n, err := NewNormalizer("abc123", []string{"10.0.0.0/8"}, NewGitHubParser(""))
	require.NoError(t, err)

	cases := []struct {
		name      string
		triggerID string
		remoteIP  string
		wantErr   bool
	}{
		{"accepted", "abc123", "10.1.2.3", false},
		{"wrong trigger id", "nope", "10.1.2.3", true},
		{"address not allowed", "abc123", "192.168.1.1", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := n.Normalize(Request{
				Provider:  "github",
				TriggerID: tc.triggerID,
				RemoteIP:  tc.remoteIP,
				Header:    githubHeader("push"),
				Body:      []byte(githubPush),
			})
			if !tc.wantErr {
				assert.NoError(t, err)
				return
			}
			var authErr *AuthenticationError
			require.True(t, errors.As(err, &authErr))
			assert.True(t, authErr.Forbidden)
		})
	}
}

func TestNewNormalizer_InvalidCIDR(t *testing.T) {
	_, err := NewNormalizer("", []string{"not-a-network"})

	assert.Error(t, err)
}
