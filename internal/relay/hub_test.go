package relay

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/sharetube/teamsync/internal/domain"
	"github.com/sharetube/teamsync/internal/transport"
	redistransport "github.com/sharetube/teamsync/internal/transport/redis"
	"github.com/sharetube/teamsync/internal/transport/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

func newRelay(t *testing.T, hub *Hub) *websocket.Transport {
	t.Helper()

	r := chi.NewRouter()
	r.Get("/relay/scopes/{scope-id}", func(w http.ResponseWriter, r *http.Request) {
		hub.ServeScope(w, r, chi.URLParam(r, "scope-id"))
	})
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = hub.Close(ctx)
		srv.Close()
	})

	tr, err := websocket.New(websocket.Config{RelayURL: srv.URL})
	require.NoError(t, err)
	return tr
}

func connect(t *testing.T, tr transport.Transport, scopeID string) transport.Stream {
	t.Helper()
	s, err := tr.Connect(context.Background(), scopeID)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func message(t *testing.T, msgType domain.MessageType, scopeID, senderID string) *domain.Message {
	t.Helper()
	msg, err := domain.NewMessage(msgType, scopeID, senderID, nil)
	require.NoError(t, err)
	return msg
}

func receive(t *testing.T, s transport.Stream) *domain.Message {
	t.Helper()
	select {
	case msg := <-s.Inbound():
		return msg
	case <-time.After(waitFor):
		t.Fatal("no message received")
		return nil
	}
}

func assertSilent(t *testing.T, s transport.Stream) {
	t.Helper()
	select {
	case msg := <-s.Inbound():
		t.Fatalf("unexpected message %s", msg.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func waitPeers(t *testing.T, hub *Hub, scopeID string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return hub.Peers(scopeID) == n
	}, waitFor, 5*time.Millisecond)
}

func TestHubFanout(t *testing.T) {
	hub := NewHub(DefaultConfig(), slog.Default())
	tr := newRelay(t, hub)
	ctx := context.Background()

	alice := connect(t, tr, "team-1")
	bob := connect(t, tr, "team-1")
	carol := connect(t, tr, "team-2")
	waitPeers(t, hub, "team-1", 2)
	waitPeers(t, hub, "team-2", 1)
	assert.Equal(t, []string{"team-1", "team-2"}, hub.Scopes())

	sent := message(t, domain.MessageSyncRequest, "team-1", "alice")
	require.NoError(t, alice.Send(ctx, sent))

	got := receive(t, bob)
	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, domain.MessageSyncRequest, got.Type)
	assertSilent(t, alice)
	assertSilent(t, carol)

	// envelopes addressed to another scope are dropped
	require.NoError(t, alice.Send(ctx, message(t, domain.MessageSyncRequest, "team-2", "alice")))
	assertSilent(t, carol)
	assertSilent(t, bob)

	require.NoError(t, bob.Close())
	waitPeers(t, hub, "team-1", 1)
}

func TestHubHeartbeatAck(t *testing.T) {
	hub := NewHub(DefaultConfig(), slog.Default())
	tr := newRelay(t, hub)

	alice := connect(t, tr, "team-1")
	bob := connect(t, tr, "team-1")
	waitPeers(t, hub, "team-1", 2)

	require.NoError(t, alice.Send(context.Background(), message(t, domain.MessageHeartbeat, "team-1", "alice")))

	ack := receive(t, alice)
	assert.Equal(t, domain.MessageHeartbeatAck, ack.Type)
	assert.Equal(t, "team-1", ack.ScopeID)
	assertSilent(t, bob)
}

func TestHubClose(t *testing.T) {
	hub := NewHub(DefaultConfig(), slog.Default())
	tr := newRelay(t, hub)

	alice := connect(t, tr, "team-1")
	waitPeers(t, hub, "team-1", 1)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, hub.Close(ctx))

	select {
	case err := <-alice.Errors():
		assert.Error(t, err)
	case <-time.After(waitFor):
		t.Fatal("stream was not failed")
	}
	assert.Empty(t, hub.Scopes())

	_, err := tr.Connect(context.Background(), "team-1")
	assert.Error(t, err)
}

func TestBridge(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rc.Close() })
	ctx := context.Background()

	hub := NewHub(DefaultConfig(), slog.Default())
	bridge := NewBridge(rc, slog.Default())
	require.NoError(t, bridge.Start(ctx, hub))
	t.Cleanup(func() { bridge.Close() })
	hub.SetBridge(bridge)

	tr := newRelay(t, hub)
	alice := connect(t, tr, "team-1")
	waitPeers(t, hub, "team-1", 1)

	bob := connect(t, redistransport.New(rc, slog.Default()), "team-1")

	// websocket to redis
	fromAlice := message(t, domain.MessageSyncRequest, "team-1", "alice")
	require.NoError(t, alice.Send(ctx, fromAlice))
	assert.Equal(t, fromAlice.ID, receive(t, bob).ID)

	// redis to websocket
	fromBob := message(t, domain.MessageSyncRequest, "team-1", "bob")
	require.NoError(t, bob.Send(ctx, fromBob))
	assert.Equal(t, fromBob.ID, receive(t, alice).ID)

	// bob hears his own publish, alice never gets her own back
	assert.Equal(t, fromBob.ID, receive(t, bob).ID)
	assertSilent(t, alice)
}

func TestBridgeRecentIsBounded(t *testing.T) {
	b := NewBridge(nil, slog.Default())
	b.capacity = 2

	b.remember("a")
	b.remember("b")
	b.remember("c")

	assert.False(t, b.forget("a"))
	assert.True(t, b.forget("b"))
	assert.False(t, b.forget("b"))
	assert.True(t, b.forget("c"))
}
