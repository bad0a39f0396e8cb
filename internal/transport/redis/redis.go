// Package redis runs each scope over a Redis pub/sub channel.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/sharetube/teamsync/internal/domain"
	"github.com/sharetube/teamsync/internal/transport"
)

const ChannelPrefix = "teamsync:scope:"

func Channel(scopeID string) string {
	return ChannelPrefix + scopeID
}

type Transport struct {
	rc     *redis.Client
	logger *slog.Logger
}

func New(rc *redis.Client, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{rc: rc, logger: logger}
}

func (t *Transport) Connect(ctx context.Context, scopeID string) (transport.Stream, error) {
	if scopeID == "" {
		return nil, transport.ErrEmptyScope
	}

	channel := Channel(scopeID)
	pubsub := t.rc.Subscribe(ctx, channel)
	// wait for the subscription confirmation so early publishes are not lost
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	s := &stream{
		Base:    transport.NewBase(0),
		rc:      t.rc,
		pubsub:  pubsub,
		channel: channel,
		cancel:  cancel,
		logger:  t.logger.With("scope_id", scopeID),
		stopped: make(chan struct{}),
	}
	go s.readLoop(readCtx)

	return s, nil
}

type stream struct {
	*transport.Base
	rc      *redis.Client
	pubsub  *redis.PubSub
	channel string
	cancel  context.CancelFunc
	logger  *slog.Logger
	stopped chan struct{}
}

func (s *stream) readLoop(ctx context.Context) {
	defer close(s.stopped)

	for {
		m, err := s.pubsub.ReceiveMessage(ctx)
		if err != nil {
			if !s.Closed() {
				s.Fail(fmt.Errorf("redis receive failed: %w", err))
			}
			return
		}

		var msg domain.Message
		if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
			s.logger.Warn("dropping malformed redis message", "error", err)
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

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := s.rc.Publish(ctx, s.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", s.channel, err)
	}
	return nil
}

func (s *stream) Close() error {
	if !s.MarkClosed() {
		return nil
	}
	s.cancel()
	err := s.pubsub.Close()
	<-s.stopped
	return err
}
