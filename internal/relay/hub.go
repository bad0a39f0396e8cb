// Package relay is the server side of the websocket transport: it accepts
// client streams per scope and forwards every envelope to the other clients
// of that scope, optionally across processes through Redis.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sharetube/teamsync/internal/domain"
	"github.com/sharetube/teamsync/internal/repository/peer/inmemory"
)

const relaySenderID = "relay"

var ErrHubClosed = errors.New("relay hub is closed")

type iPeerRepo interface {
	Add(scopeID string, p *peer, senderID string) error
	Remove(p *peer) (string, error)
	SetSender(p *peer, senderID string) error
	Sender(p *peer) (string, error)
	Peers(scopeID string, except ...*peer) []*peer
	Count(scopeID string) int
	Scopes() []string
}

type iBridge interface {
	Publish(ctx context.Context, scopeID, msgID string, data []byte) error
}

type Config struct {
	SendBuffer   int
	WriteTimeout time.Duration
	ReadLimit    int64
}

func DefaultConfig() Config {
	return Config{
		SendBuffer:   64,
		WriteTimeout: 10 * time.Second,
		ReadLimit:    1 << 20,
	}
}

type Hub struct {
	cfg      Config
	peers    iPeerRepo
	bridge   iBridge
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewHub(cfg Config, logger *slog.Logger) *Hub {
	return &Hub{
		cfg:   cfg,
		peers: inmemory.NewRepo[*peer](logger),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger,
	}
}

// SetBridge makes the hub forward every relayed envelope to other
// processes. Call it before serving.
func (h *Hub) SetBridge(b iBridge) {
	h.bridge = b
}

// ServeScope upgrades the request and relays the client's stream until it
// disconnects.
func (h *Hub) ServeScope(w http.ResponseWriter, r *http.Request, scopeID string) {
	ctx := r.Context()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		http.Error(w, ErrHubClosed.Error(), http.StatusServiceUnavailable)
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WarnContext(ctx, "failed to upgrade to websocket", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(h.cfg.ReadLimit)

	p := newPeer(conn, scopeID, h.cfg.SendBuffer)
	if err := h.peers.Add(scopeID, p, ""); err != nil {
		h.logger.ErrorContext(ctx, "failed to register peer", "error", err)
		return
	}
	h.logger.InfoContext(ctx, "peer connected", "scope_id", scopeID, "peers", h.peers.Count(scopeID))

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- p.writePump(h.cfg.WriteTimeout)
		// unblock the read loop when the write side dies first
		conn.Close()
	}()

	h.readLoop(ctx, p)

	p.close()
	if _, err := h.peers.Remove(p); err != nil {
		h.logger.WarnContext(ctx, "failed to remove peer", "error", err)
	}
	if err := <-writeErr; err != nil {
		h.logger.DebugContext(ctx, "write pump stopped", "error", err)
	}
	h.logger.InfoContext(ctx, "peer disconnected", "scope_id", scopeID, "peers", h.peers.Count(scopeID))
}

func (h *Hub) readLoop(ctx context.Context, p *peer) {
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.InfoContext(ctx, "peer read failed", "scope_id", p.scopeID, "error", err)
			}
			return
		}

		var msg domain.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.WarnContext(ctx, "dropping malformed frame", "scope_id", p.scopeID, "error", err)
			continue
		}
		if msg.ScopeID != "" && msg.ScopeID != p.scopeID {
			h.logger.WarnContext(ctx, "dropping frame for another scope", "scope_id", p.scopeID, "message_scope_id", msg.ScopeID)
			continue
		}
		h.identify(p, msg.SenderID)

		if msg.Type == domain.MessageHeartbeat {
			h.ack(ctx, p)
			continue
		}

		h.fanout(p.scopeID, data, p)
		if h.bridge != nil && msg.ID != "" {
			if err := h.bridge.Publish(ctx, p.scopeID, msg.ID, data); err != nil {
				h.logger.WarnContext(ctx, "failed to bridge message", "scope_id", p.scopeID, "error", err)
			}
		}
	}
}

func (h *Hub) identify(p *peer, senderID string) {
	if senderID == "" {
		return
	}
	if current, err := h.peers.Sender(p); err == nil && current == "" {
		_ = h.peers.SetSender(p, senderID)
	}
}

func (h *Hub) ack(ctx context.Context, p *peer) {
	msg, err := domain.NewMessage(domain.MessageHeartbeatAck, p.scopeID, relaySenderID, nil)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to build heartbeat ack", "error", err)
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to marshal heartbeat ack", "error", err)
		return
	}
	p.enqueue(data)
}

// fanout sends data to every peer of scopeID except the origin.
func (h *Hub) fanout(scopeID string, data []byte, origin *peer) int {
	delivered := 0
	var except []*peer
	if origin != nil {
		except = append(except, origin)
	}
	for _, p := range h.peers.Peers(scopeID, except...) {
		if p.enqueue(data) {
			delivered++
			continue
		}
		h.logger.Warn("peer send buffer full, dropping frame", "scope_id", scopeID)
	}
	return delivered
}

// Deliver hands an envelope that arrived from another process to the local
// peers of its scope.
func (h *Hub) Deliver(scopeID string, data []byte) int {
	return h.fanout(scopeID, data, nil)
}

func (h *Hub) Scopes() []string {
	return h.peers.Scopes()
}

func (h *Hub) Peers(scopeID string) int {
	return h.peers.Count(scopeID)
}

// Close disconnects every peer and waits for their handlers to return.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	for _, scopeID := range h.peers.Scopes() {
		for _, p := range h.peers.Peers(scopeID) {
			p.close()
		}
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
