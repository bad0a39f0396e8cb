// Package nats runs each scope over a core NATS subject.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sharetube/teamsync/internal/domain"
	"github.com/sharetube/teamsync/internal/transport"
)

const SubjectPrefix = "teamsync.scope."

type Config struct {
	URL     string
	Name    string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Transport opens a dedicated connection per stream with client-side
// reconnects disabled, so a broken link surfaces as a stream error and the
// connection manager owns the retry policy.
type Transport struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) (*Transport, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats url missing")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "teamsync"
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Transport{cfg: cfg, logger: logger}, nil
}

func Subject(scopeID string) string {
	return SubjectPrefix + scopeID
}

func (t *Transport) Connect(ctx context.Context, scopeID string) (transport.Stream, error) {
	if scopeID == "" {
		return nil, transport.ErrEmptyScope
	}

	timeout := t.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}

	s := &stream{
		Base:    transport.NewBase(0),
		subject: Subject(scopeID),
		logger:  t.logger.With("scope_id", scopeID),
	}

	nc, err := nats.Connect(t.cfg.URL,
		nats.Name(t.cfg.Name),
		nats.NoReconnect(),
		nats.Timeout(timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err == nil {
				err = nats.ErrConnectionClosed
			}
			s.Fail(fmt.Errorf("nats disconnected: %w", err))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			s.logger.Warn("nats async error", "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	s.nc = nc

	sub, err := nc.Subscribe(s.subject, s.receive)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", s.subject, err)
	}
	s.sub = sub

	// make sure the subscription is registered before the first publish
	if err := nc.FlushWithContext(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to flush subscription: %w", err)
	}

	return s, nil
}

type stream struct {
	*transport.Base
	subject string
	nc      *nats.Conn
	sub     *nats.Subscription
	logger  *slog.Logger
}

func (s *stream) receive(m *nats.Msg) {
	var msg domain.Message
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		s.logger.Warn("dropping malformed nats message", "error", err)
		return
	}
	if !s.Deliver(&msg) {
		s.logger.Warn("inbound buffer full, dropping message", "type", msg.Type)
	}
}

func (s *stream) Send(ctx context.Context, msg *domain.Message) error {
	if s.Closed() {
		return transport.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := s.nc.Publish(s.subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", s.subject, err)
	}
	return nil
}

func (s *stream) Close() error {
	if !s.MarkClosed() {
		return nil
	}
	_ = s.sub.Unsubscribe()
	s.nc.Close()
	return nil
}
