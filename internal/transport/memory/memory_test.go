package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/sharetube/teamsync/internal/domain"
	"github.com/sharetube/teamsync/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pending(s transport.Stream) int {
	return len(s.Inbound())
}

func TestNetwork(t *testing.T) {
	ctx := context.Background()
	n := NewNetwork()

	a, err := n.Connect(ctx, "team-1")
	require.NoError(t, err)
	b, err := n.Connect(ctx, "team-1")
	require.NoError(t, err)
	c, err := n.Connect(ctx, "team-2")
	require.NoError(t, err)
	assert.Equal(t, 2, n.Streams("team-1"))

	require.NoError(t, a.Send(ctx, &domain.Message{ID: "m1"}))
	assert.Equal(t, "m1", (<-b.Inbound()).ID)
	assert.Zero(t, pending(a))
	assert.Zero(t, pending(c))

	n.Inject("team-2", &domain.Message{ID: "m2"})
	assert.Equal(t, "m2", (<-c.Inbound()).ID)

	boom := errors.New("boom")
	n.Break("team-1", boom)
	assert.Equal(t, boom, <-a.Errors())
	assert.Equal(t, boom, <-b.Errors())

	require.NoError(t, a.Close())
	assert.Equal(t, 1, n.Streams("team-1"))
	assert.ErrorIs(t, a.Send(ctx, &domain.Message{}), transport.ErrClosed)

	_, err = n.Connect(ctx, "")
	assert.ErrorIs(t, err, transport.ErrEmptyScope)
}

func TestEchoAndFailures(t *testing.T) {
	ctx := context.Background()
	n := NewNetwork(WithEcho())

	dial := errors.New("dial")
	n.FailConnects(dial)
	_, err := n.Connect(ctx, "team-1")
	assert.Equal(t, dial, err)

	a, err := n.Connect(ctx, "team-1")
	require.NoError(t, err)
	require.NoError(t, a.Send(ctx, &domain.Message{ID: "m1"}))
	assert.Equal(t, "m1", (<-a.Inbound()).ID)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = n.Connect(cancelled, "team-1")
	assert.ErrorIs(t, err, context.Canceled)
}
