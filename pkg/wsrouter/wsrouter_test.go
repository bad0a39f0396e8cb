package wsrouter

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type greetInput struct {
	Name string `json:"name"`
}

type reply struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

func newServer(t *testing.T, router *WSRouter) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = router.ServeConn(context.Background(), conn)
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func TestRouting(t *testing.T) {
	router := New()

	var (
		mu   sync.Mutex
		seen []string
	)
	router.Use(func(next HandlerFunc[any]) HandlerFunc[any] {
		return func(ctx context.Context, conn *websocket.Conn, payload any) error {
			mu.Lock()
			seen = append(seen, GetMessageTypeFromCtx(ctx))
			mu.Unlock()
			return next(ctx, conn, payload)
		}
	})

	Handle(router, "GREET", func(_ context.Context, conn *websocket.Conn, in greetInput) error {
		return conn.WriteJSON(map[string]any{"type": "GREETED", "payload": map[string]string{"name": in.Name}})
	})
	Handle(router, "FAIL", func(context.Context, *websocket.Conn, struct{}) error {
		return errors.New("boom")
	})

	conn := newServer(t, router)
	var out reply

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "GREET", "payload": map[string]string{"name": "alice"}}))
	require.NoError(t, conn.ReadJSON(&out))
	assert.Equal(t, "GREETED", out.Type)
	assert.Equal(t, "alice", out.Payload["name"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "FAIL"}))
	require.NoError(t, conn.ReadJSON(&out))
	assert.Equal(t, "ERROR", out.Type)
	assert.Equal(t, "boom", out.Payload["message"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "NOPE"}))
	require.NoError(t, conn.ReadJSON(&out))
	assert.Equal(t, "ERROR", out.Type)
	assert.Contains(t, out.Payload["message"], "unknown message type")

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "GREET", "payload": "not an object"}))
	require.NoError(t, conn.ReadJSON(&out))
	assert.Equal(t, "ERROR", out.Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, conn.ReadJSON(&out))
	assert.Equal(t, "ERROR", out.Type)

	// the connection survived every error
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "GREET", "payload": map[string]string{"name": "bob"}}))
	require.NoError(t, conn.ReadJSON(&out))
	assert.Equal(t, "bob", out.Payload["name"])

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"GREET", "FAIL", "GREET"}, seen)
}

func TestCustomErrorHandler(t *testing.T) {
	router := New()
	router.OnError(func(ctx context.Context, conn *websocket.Conn, err error) {
		_ = conn.WriteJSON(map[string]any{"type": "OOPS", "payload": map[string]string{"for": GetMessageTypeFromCtx(ctx)}})
	})

	conn := newServer(t, router)
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "MISSING"}))

	var out reply
	require.NoError(t, conn.ReadJSON(&out))
	assert.Equal(t, "OOPS", out.Type)
	assert.Equal(t, "MISSING", out.Payload["for"])
}
