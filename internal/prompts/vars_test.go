package prompts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toxictalk/pkg/models"
)

func TestRender_HappyPath(t *testing.T) {
	p := models.Participant{Name: "alice", Subreddit: "golang", ToxicComments: "some words"}

	out, err := Render("Hi u/{username}, thanks for posting in r/{subreddit}!", ParticipantVars(p))
	require.NoError(t, err)
	assert.Equal(t, "Hi u/alice, thanks for posting in r/golang!", out)
}

func TestRender_DottedNamesAndExtras(t *testing.T) {
	p := models.Participant{Name: "alice", Subreddit: "golang", ToxicComments: "some words"}
	vars := With(ParticipantVars(p), map[string]string{"subreddit_rules": "Be kind"})

	out, err := Render("User {user.user_name} wrote {user.toxic_comments} in {user.subreddit}. Rules: {subreddit_rules}", vars)
	require.NoError(t, err)
	assert.Equal(t, "User alice wrote some words in golang. Rules: Be kind", out)
}

func TestRender_EscapedBraces(t *testing.T) {
	out, err := Render(`Reply with JSON like {{"answer": "{username}"}}`, map[string]string{"username": "bob"})
	require.NoError(t, err)
	assert.Equal(t, `Reply with JSON like {"answer": "bob"}`, out)
}

func TestRender_MissingVar(t *testing.T) {
	_, err := Render("Hello {nobody} and {ghost}", map[string]string{})
	require.ErrorIs(t, err, ErrMissingVar)
	assert.Contains(t, err.Error(), "ghost, nobody")
}

func TestRender_NoPlaceholders(t *testing.T) {
	out, err := Render("Plain text, no {braces here", nil)
	require.NoError(t, err)
	assert.Equal(t, "Plain text, no {braces here", out)
}
