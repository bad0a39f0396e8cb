package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sharetube/teamsync/internal/domain"
	"github.com/sharetube/teamsync/internal/identity"
	"github.com/sharetube/teamsync/internal/service/connection"
	"github.com/sharetube/teamsync/internal/service/scope"
	"github.com/sharetube/teamsync/internal/transport/memory"
	"github.com/sharetube/teamsync/pkg/validator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type fakeHub struct {
	scopes chan string
}

func (h *fakeHub) ServeScope(w http.ResponseWriter, _ *http.Request, scopeID string) {
	h.scopes <- scopeID
	w.WriteHeader(http.StatusTeapot)
}

func newScopes(t *testing.T, net *memory.Network, ceiling int) *scope.Manager {
	t.Helper()

	conn := connection.DefaultConfig()
	conn.TickInterval = time.Hour
	conn.HeartbeatInterval = time.Hour
	conn.HeartbeatTimeout = 2 * time.Hour
	conn.BackoffBase = time.Millisecond
	conn.BackoffMax = 5 * time.Millisecond
	conn.ReconnectCeiling = ceiling

	id, err := identity.NewStatic("alice", "Alice")
	require.NoError(t, err)

	m := scope.NewManager(id, net, scope.Config{
		Connection:       conn,
		StaleThreshold:   time.Minute,
		ActivityCapacity: 20,
	}, validator.NewValidator(), slog.Default())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func newServer(t *testing.T, scopes iScopeService, hub iRelayHub, cfg Config) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewController(scopes, hub, cfg, slog.Default()).GetMux())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url string, body any, header http.Header) (*http.Response, []byte) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func waitConnected(t *testing.T, scopes *scope.Manager, scopeID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := scopes.Status(scopeID)
		return err == nil && st.State == domain.StateConnected
	}, waitFor, 5*time.Millisecond)
}

func TestHealthz(t *testing.T) {
	srv := newServer(t, newScopes(t, memory.NewNetwork(), 3), nil, Config{Secret: "s3cret"})

	resp, body := do(t, http.MethodGet, srv.URL+"/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
}

func TestRESTFlow(t *testing.T) {
	scopes := newScopes(t, memory.NewNetwork(), 3)
	srv := newServer(t, scopes, nil, Config{})
	api := srv.URL + "/api/scopes"

	resp, body := do(t, http.MethodPost, api+"/team-1/open", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var summary ScopeSummary
	require.NoError(t, json.Unmarshal(body, &summary))
	assert.Equal(t, "team-1", summary.ScopeID)
	waitConnected(t, scopes, "team-1")

	resp, body = do(t, http.MethodGet, api, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []ScopeSummary
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
	assert.Equal(t, domain.StateConnected, list[0].Status.State)

	resp, body = do(t, http.MethodPost, api+"/team-1/events", PublishEventInput{Action: "match_found", Description: "found"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var ev domain.ActivityEvent
	require.NoError(t, json.Unmarshal(body, &ev))
	assert.Equal(t, domain.EventGameEvent, ev.Type)
	assert.Equal(t, "alice", ev.UserID)

	resp, body = do(t, http.MethodGet, api+"/team-1/activity?limit=1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var events []domain.ActivityEvent
	require.NoError(t, json.Unmarshal(body, &events))
	require.Len(t, events, 1)
	assert.Equal(t, ev.ID, events[0].ID)

	away := domain.StatusAway
	resp, _ = do(t, http.MethodPost, api+"/team-1/status", UpdateStatusInput{Status: &away}, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = do(t, http.MethodGet, api+"/team-1/members", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var members []domain.Member
	require.NoError(t, json.Unmarshal(body, &members))
	require.Len(t, members, 1)
	assert.Equal(t, domain.StatusAway, members[0].Status)

	resp, body = do(t, http.MethodGet, api+"/team-1/status", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status domain.ConnectionStatus
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, domain.StateConnected, status.State)

	resp, _ = do(t, http.MethodPost, api+"/team-1/retry", nil, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, api+"/team-1/close", nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, api+"/team-1/status", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRESTErrors(t *testing.T) {
	scopes := newScopes(t, memory.NewNetwork(), 3)
	srv := newServer(t, scopes, nil, Config{})
	api := srv.URL + "/api/scopes"

	require.NoError(t, scopes.Open(context.Background(), "team-1"))
	waitConnected(t, scopes, "team-1")

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown scope", http.MethodGet, "/nope/members", nil, http.StatusNotFound},
		{"close unknown", http.MethodPost, "/nope/close", nil, http.StatusNotFound},
		{"bad limit", http.MethodGet, "/team-1/activity?limit=abc", nil, http.StatusBadRequest},
		{"negative limit", http.MethodGet, "/team-1/activity?limit=-1", nil, http.StatusBadRequest},
		{"missing action", http.MethodPost, "/team-1/events", PublishEventInput{}, http.StatusBadRequest},
		{"bad status", http.MethodPost, "/team-1/status", map[string]string{"status": "sleeping"}, http.StatusBadRequest},
		{"bad json", http.MethodPost, "/team-1/status", "not an object", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, tt.method, api+tt.path, tt.body, nil)
			assert.Equal(t, tt.want, resp.StatusCode, string(body))

			var errResp errorResponse
			require.NoError(t, json.Unmarshal(body, &errResp))
			assert.NotEmpty(t, errResp.Error)
		})
	}

	resp, body := do(t, http.MethodPost, api+"/team-1/status", map[string]string{"status": "sleeping"}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var errResp errorResponse
	require.NoError(t, json.Unmarshal(body, &errResp))
	require.Len(t, errResp.Fields, 1)
	assert.Equal(t, "status", errResp.Fields[0].Field)
}

func TestPublishWhileDisconnected(t *testing.T) {
	net := memory.NewNetwork()
	dial := errors.New("dial refused")
	net.FailConnects(dial, dial)
	scopes := newScopes(t, net, 1)
	srv := newServer(t, scopes, nil, Config{})

	require.NoError(t, scopes.Open(context.Background(), "team-1"))
	require.Eventually(t, func() bool {
		st, _ := scopes.Status("team-1")
		return st.State == domain.StateFailed
	}, waitFor, time.Millisecond)

	resp, _ := do(t, http.MethodPost, srv.URL+"/api/scopes/team-1/events", PublishEventInput{Action: "ping"}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAuth(t *testing.T) {
	const secret = "s3cret"
	scopes := newScopes(t, memory.NewNetwork(), 3)
	hub := &fakeHub{scopes: make(chan string, 1)}
	srv := newServer(t, scopes, hub, Config{Secret: secret})

	token, err := identity.IssueToken(domain.Identity{UserID: "alice"}, secret, time.Minute)
	require.NoError(t, err)
	forged, err := identity.IssueToken(domain.Identity{UserID: "alice"}, "other", time.Minute)
	require.NoError(t, err)

	resp, _ := do(t, http.MethodGet, srv.URL+"/api/scopes", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/scopes", nil, http.Header{"Authorization": {"Bearer " + forged}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/scopes", nil, http.Header{"Authorization": {"Basic abc"}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/scopes", nil, http.Header{"Authorization": {"Bearer " + token}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/scopes?token="+token, nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, srv.URL+"/relay/scopes/team-9?token="+token, nil, nil)
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.Equal(t, "team-9", <-hub.scopes)
}

func TestRelayNotMounted(t *testing.T) {
	srv := newServer(t, newScopes(t, memory.NewNetwork(), 3), nil, Config{})

	resp, _ := do(t, http.MethodGet, srv.URL+"/relay/scopes/team-1", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func dialObserver(t *testing.T, srv *httptest.Server, scopeID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/scopes/" + scopeID
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	return conn
}

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// readUntil skips frames until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, frameType string) frame {
	t.Helper()
	for {
		var f frame
		require.NoError(t, conn.ReadJSON(&f))
		if f.Type == frameType {
			return f
		}
	}
}

func TestObserverWebsocket(t *testing.T) {
	scopes := newScopes(t, memory.NewNetwork(), 3)
	srv := newServer(t, scopes, nil, Config{})

	require.NoError(t, scopes.Open(context.Background(), "team-1"))
	waitConnected(t, scopes, "team-1")

	conn := dialObserver(t, srv, "team-1")

	var state StatePayload
	require.NoError(t, json.Unmarshal(readUntil(t, conn, "STATE").Payload, &state))
	assert.Equal(t, "team-1", state.ScopeID)
	assert.Equal(t, domain.StateConnected, state.Status.State)
	require.Len(t, state.Members, 1)
	assert.Equal(t, "alice", state.Members[0].UserID)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "ALIVE"}))

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":    "PUBLISH_EVENT",
		"payload": PublishEventInput{Action: "ready_check", Data: map[string]any{"round": 1}},
	}))
	var added ActivityAddedPayload
	require.NoError(t, json.Unmarshal(readUntil(t, conn, "ACTIVITY_ADDED").Payload, &added))
	assert.Equal(t, domain.EventGameEvent, added.Event.Type)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":    "UPDATE_STATUS",
		"payload": map[string]string{"status": "sleeping"},
	}))
	var errResp errorResponse
	require.NoError(t, json.Unmarshal(readUntil(t, conn, "ERROR").Payload, &errResp))
	assert.Contains(t, errResp.Error, "status")

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":    "UPDATE_STATUS",
		"payload": map[string]string{"status": "in_game", "current_activity": "in_game"},
	}))
	var changed PresenceChangedPayload
	require.NoError(t, json.Unmarshal(readUntil(t, conn, "PRESENCE_CHANGED").Payload, &changed))
	assert.Equal(t, "alice", changed.MemberID)
	require.NotNil(t, changed.New)
	assert.Equal(t, domain.StatusInGame, changed.New.Status)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "GET_STATE"}))
	require.NoError(t, json.Unmarshal(readUntil(t, conn, "STATE").Payload, &state))
	ids := make([]string, 0, len(state.Activity))
	for _, ev := range state.Activity {
		ids = append(ids, ev.ID)
	}
	assert.Contains(t, ids, added.Event.ID)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "DANCE"}))
	readUntil(t, conn, "ERROR")

	require.NoError(t, scopes.Close(context.Background(), "team-1"))
	var status ConnectionStatusPayload
	require.NoError(t, json.Unmarshal(readUntil(t, conn, "CONNECTION_STATUS").Payload, &status))
	assert.Equal(t, domain.StateDisconnected, status.Status.State)
}

func TestObserverUnknownScope(t *testing.T) {
	srv := newServer(t, newScopes(t, memory.NewNetwork(), 3), nil, Config{})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/scopes/nope"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
