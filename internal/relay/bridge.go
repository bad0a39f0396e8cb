package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	redistransport "github.com/sharetube/teamsync/internal/transport/redis"
)

const defaultRecentCapacity = 4096

type iDeliverer interface {
	Deliver(scopeID string, data []byte) int
}

// Bridge joins relay hubs of several processes over the same Redis channels
// the redis transport uses, so websocket and redis clients of one scope see
// each other.
type Bridge struct {
	rc     *redis.Client
	logger *slog.Logger

	mu       sync.Mutex
	recent   map[string]struct{}
	order    []string
	capacity int

	pubsub  *redis.PubSub
	cancel  context.CancelFunc
	stopped chan struct{}
}

func NewBridge(rc *redis.Client, logger *slog.Logger) *Bridge {
	return &Bridge{
		rc:       rc,
		logger:   logger,
		recent:   make(map[string]struct{}),
		capacity: defaultRecentCapacity,
	}
}

// Start subscribes to every scope channel and hands foreign envelopes to d.
func (b *Bridge) Start(ctx context.Context, d iDeliverer) error {
	pattern := redistransport.ChannelPrefix + "*"
	pubsub := b.rc.PSubscribe(ctx, pattern)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", pattern, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b.pubsub = pubsub
	b.cancel = cancel
	b.stopped = make(chan struct{})
	go b.run(runCtx, d)

	b.logger.InfoContext(ctx, "relay bridge started", "pattern", pattern)
	return nil
}

func (b *Bridge) run(ctx context.Context, d iDeliverer) {
	defer close(b.stopped)

	for {
		m, err := b.pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, redis.ErrClosed) {
				b.logger.Error("relay bridge receive failed", "error", err)
			}
			return
		}

		scopeID := strings.TrimPrefix(m.Channel, redistransport.ChannelPrefix)

		var envelope struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal([]byte(m.Payload), &envelope); err != nil {
			b.logger.Warn("dropping malformed bridged message", "scope_id", scopeID, "error", err)
			continue
		}
		if b.forget(envelope.ID) {
			continue
		}

		d.Deliver(scopeID, []byte(m.Payload))
	}
}

// Publish forwards a locally relayed envelope. Its id is remembered so the
// copy Redis sends back is not relayed twice.
func (b *Bridge) Publish(ctx context.Context, scopeID, msgID string, data []byte) error {
	b.remember(msgID)
	if err := b.rc.Publish(ctx, redistransport.Channel(scopeID), data).Err(); err != nil {
		b.forget(msgID)
		return fmt.Errorf("failed to publish to redis: %w", err)
	}
	return nil
}

func (b *Bridge) remember(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.recent[id]; ok {
		return
	}
	if len(b.order) >= b.capacity {
		delete(b.recent, b.order[0])
		b.order = b.order[1:]
	}
	b.recent[id] = struct{}{}
	b.order = append(b.order, id)
}

// forget reports whether id was published by this bridge and drops it.
func (b *Bridge) forget(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.recent[id]; !ok {
		return false
	}
	delete(b.recent, id)
	for i, v := range b.order {
		if v == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return true
}

func (b *Bridge) Close() error {
	if b.pubsub == nil {
		return nil
	}
	b.cancel()
	err := b.pubsub.Close()
	<-b.stopped
	return err
}
