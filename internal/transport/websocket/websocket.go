// Package websocket dials the relay hub over a websocket per scope.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sharetube/teamsync/internal/domain"
	"github.com/sharetube/teamsync/internal/transport"
)

const defaultWriteTimeout = 10 * time.Second

type Config struct {
	// RelayURL is the hub base address, e.g. ws://relay:8080.
	RelayURL string
	Token    string
	Logger   *slog.Logger
}

type Transport struct {
	base   *url.URL
	token  string
	dialer *websocket.Dialer
	logger *slog.Logger
}

func New(cfg Config) (*Transport, error) {
	base, err := url.Parse(cfg.RelayURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse relay url: %w", err)
	}
	switch base.Scheme {
	case "ws", "wss":
	case "http":
		base.Scheme = "ws"
	case "https":
		base.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported relay url scheme %q", base.Scheme)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Transport{
		base:   base,
		token:  cfg.Token,
		dialer: websocket.DefaultDialer,
		logger: logger,
	}, nil
}

// ScopeURL returns the relay endpoint serving scopeID.
func (t *Transport) ScopeURL(scopeID string) string {
	return t.base.JoinPath("relay", "scopes", scopeID).String()
}

func (t *Transport) Connect(ctx context.Context, scopeID string) (transport.Stream, error) {
	if scopeID == "" {
		return nil, transport.ErrEmptyScope
	}

	header := http.Header{}
	if t.token != "" {
		header.Set("Authorization", "Bearer "+t.token)
	}

	conn, resp, err := t.dialer.DialContext(ctx, t.ScopeURL(scopeID), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial relay: %w", err)
	}

	s := &stream{
		Base:   transport.NewBase(0),
		conn:   conn,
		logger: t.logger.With("scope_id", scopeID),
		closed: make(chan struct{}),
	}
	go s.readLoop()

	return s, nil
}

type stream struct {
	*transport.Base
	conn   *websocket.Conn
	logger *slog.Logger
	writeM sync.Mutex
	closed chan struct{}
}

func (s *stream) readLoop() {
	defer close(s.closed)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.Closed() {
				s.Fail(fmt.Errorf("relay read failed: %w", err))
			}
			return
		}

		var msg domain.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("dropping malformed relay frame", "error", err)
			continue
		}

		if !s.Deliver(&msg) {
			s.logger.Warn("inbound buffer full, dropping message", "type", msg.Type)
		}
	}
}

func (s *stream) Send(ctx context.Context, msg *domain.Message) error {
	if s.Closed() {
		return transport.ErrClosed
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteTimeout)
	}

	s.writeM.Lock()
	defer s.writeM.Unlock()

	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := s.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to write relay frame: %w", err)
	}
	return nil
}

func (s *stream) Close() error {
	if !s.MarkClosed() {
		return nil
	}

	s.writeM.Lock()
	_ = s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	s.writeM.Unlock()

	err := s.conn.Close()
	<-s.closed
	return err
}
