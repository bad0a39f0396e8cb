package identity

import (
	"context"
	"testing"
	"time"

	"github.com/sharetube/teamsync/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatic(t *testing.T) {
	p, err := NewStatic("u1", "")
	require.NoError(t, err)

	id, err := p.Identity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.Identity{UserID: "u1", DisplayName: "u1"}, id)

	_, err = NewStatic("", "x")
	assert.ErrorIs(t, err, domain.ErrEmptyUserID)
}

func TestTokenRoundTrip(t *testing.T) {
	token, err := IssueToken(domain.Identity{UserID: "u1", DisplayName: "Una"}, "secret", time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	p, err := FromToken(token, "secret")
	require.NoError(t, err)
	id, err := p.Identity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "u1", id.UserID)
	assert.Equal(t, "Una", id.DisplayName)
}

func TestParseTokenRejects(t *testing.T) {
	token, err := IssueToken(domain.Identity{UserID: "u1"}, "secret", 0)
	require.NoError(t, err)

	_, err = ParseToken(token, "other")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = ParseToken("not-a-token", "secret")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = ParseToken(token, "")
	assert.ErrorIs(t, err, ErrEmptySecret)

	expired, err := IssueToken(domain.Identity{UserID: "u1"}, "secret", -time.Minute)
	require.NoError(t, err)
	_, err = ParseToken(expired, "secret")
	assert.NoError(t, err, "non-positive ttl means no expiry")

	_, err = IssueToken(domain.Identity{}, "secret", 0)
	assert.ErrorIs(t, err, domain.ErrEmptyUserID)
}
