package inmemory

import (
	"log/slog"
	"testing"

	"github.com/sharetube/teamsync/internal/repository/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePeer struct {
	name string
}

func TestRepo(t *testing.T) {
	r := NewRepo[*fakePeer](slog.Default())
	a, b, c := &fakePeer{"a"}, &fakePeer{"b"}, &fakePeer{"c"}

	require.NoError(t, r.Add("team-1", a, ""))
	require.NoError(t, r.Add("team-1", b, "bob"))
	require.NoError(t, r.Add("team-2", c, "carol"))
	assert.ErrorIs(t, r.Add("team-2", a, ""), peer.ErrAlreadyExists)

	assert.Equal(t, []string{"team-1", "team-2"}, r.Scopes())
	assert.Equal(t, 2, r.Count("team-1"))
	assert.Equal(t, []*fakePeer{b}, r.Peers("team-1", a))
	assert.ElementsMatch(t, []*fakePeer{a, b}, r.Peers("team-1"))

	require.NoError(t, r.SetSender(a, "alice"))
	sender, err := r.Sender(a)
	require.NoError(t, err)
	assert.Equal(t, "alice", sender)

	scopeID, err := r.Remove(c)
	require.NoError(t, err)
	assert.Equal(t, "team-2", scopeID)
	assert.Equal(t, []string{"team-1"}, r.Scopes())

	_, err = r.Remove(c)
	assert.ErrorIs(t, err, peer.ErrNotFound)
	_, err = r.Sender(c)
	assert.ErrorIs(t, err, peer.ErrNotFound)
	assert.ErrorIs(t, r.SetSender(c, "x"), peer.ErrNotFound)
}
