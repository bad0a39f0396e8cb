// Package connection runs the per-scope connection state machine: connect,
// heartbeat, detect loss, reconnect with backoff and give up after a ceiling
// until the caller asks for a retry.
//
// Everything that touches scope state happens on the goroutine running
// Manager.Run: inbound messages, maintenance ticks and local operations
// submitted through Exec are serialized there.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sharetube/teamsync/internal/domain"
	"github.com/sharetube/teamsync/internal/transport"
)

var (
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
	ErrStopped          = errors.New("connection manager stopped")
)

const farewellTimeout = time.Second

// Handler receives everything the manager does not consume itself. All
// methods are called from the Run goroutine.
type Handler interface {
	// HandleMessage processes one inbound message and returns replies to send.
	// An error marks the message as a protocol error.
	HandleMessage(ctx context.Context, msg *domain.Message) ([]*domain.Message, error)
	HandleStatus(status domain.ConnectionStatus)
	// Greeting is sent right after every successful connect.
	Greeting(now time.Time) []*domain.Message
	// Tick runs every tick interval in every state. Returned messages are
	// sent only while connected.
	Tick(now time.Time) []*domain.Message
	// Farewell is sent best-effort when the manager is stopped while connected.
	Farewell(now time.Time) []*domain.Message
}

// Op is a local operation run on the manager goroutine. Returned messages
// are sent when connected is true.
type Op func(ctx context.Context, connected bool) ([]*domain.Message, error)

type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ConnectTimeout    time.Duration
	TickInterval      time.Duration
	ReconnectCeiling  int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 5 * time.Second,
		HeartbeatTimeout:  15 * time.Second,
		ConnectTimeout:    10 * time.Second,
		TickInterval:      10 * time.Second,
		ReconnectCeiling:  10,
		BackoffBase:       time.Second,
		BackoffMax:        30 * time.Second,
	}
}

func (c Config) Validate() error {
	switch {
	case c.HeartbeatInterval <= 0:
		return errors.New("heartbeat interval must be positive")
	case c.HeartbeatTimeout <= c.HeartbeatInterval:
		return errors.New("heartbeat timeout must exceed heartbeat interval")
	case c.ConnectTimeout <= 0:
		return errors.New("connect timeout must be positive")
	case c.TickInterval <= 0:
		return errors.New("tick interval must be positive")
	case c.ReconnectCeiling <= 0:
		return errors.New("reconnect ceiling must be positive")
	case c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase:
		return errors.New("invalid backoff bounds")
	}
	return nil
}

type request struct {
	op    Op
	reply chan error
}

type Manager struct {
	scopeID   string
	senderID  string
	cfg       Config
	transport transport.Transport
	handler   Handler
	logger    *slog.Logger

	status   atomic.Pointer[domain.ConnectionStatus]
	requests chan request
	retry    chan struct{}
	done     chan struct{}

	// swapped in tests
	after func(d time.Duration) <-chan time.Time
	now   func() time.Time
}

func NewManager(scopeID, senderID string, cfg Config, t transport.Transport, h Handler, logger *slog.Logger) *Manager {
	m := &Manager{
		scopeID:   scopeID,
		senderID:  senderID,
		cfg:       cfg,
		transport: t,
		handler:   h,
		logger:    logger.With("scope_id", scopeID),
		requests:  make(chan request),
		retry:     make(chan struct{}, 1),
		done:      make(chan struct{}),
		after:     time.After,
		now:       func() time.Time { return time.Now().UTC() },
	}
	m.status.Store(&domain.ConnectionStatus{State: domain.StateDisconnected})
	return m
}

// Status returns the latest published status.
func (m *Manager) Status() domain.ConnectionStatus {
	return *m.status.Load()
}

// Done is closed when Run has returned.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Retry leaves the Failed state. In any other state it does nothing.
func (m *Manager) Retry() {
	if m.Status().State != domain.StateFailed {
		return
	}
	select {
	case m.retry <- struct{}{}:
	default:
	}
}

// Exec runs op on the manager goroutine and waits for it.
func (m *Manager) Exec(ctx context.Context, op Op) error {
	req := request{op: op, reply: make(chan error, 1)}

	select {
	case m.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrStopped
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrStopped
	}
}

// Run drives the state machine until ctx is cancelled. It must be called
// once.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.done)

	tick := time.NewTicker(m.cfg.TickInterval)
	defer tick.Stop()

	bo := m.newBackOff()
	m.transition(func(s *domain.ConnectionStatus) {
		s.State = domain.StateConnecting
	})

	for {
		stream, err := m.connect(ctx)
		if ctx.Err() != nil {
			if stream != nil {
				stream.Close()
			}
			m.stop()
			return
		}

		if err != nil {
			m.logger.WarnContext(ctx, "failed to connect", "error", err, "attempts", m.Status().ReconnectAttempts)
			if !m.onConnectFailure(ctx, tick, bo) {
				m.stop()
				return
			}
			continue
		}

		bo.Reset()
		m.transition(func(s *domain.ConnectionStatus) {
			s.State = domain.StateConnected
			s.ReconnectAttempts = 0
			s.LastSync = m.now()
		})
		m.logger.InfoContext(ctx, "connected")

		err = m.serve(ctx, stream, tick)
		if ctx.Err() != nil {
			m.farewell(stream)
			stream.Close()
			m.stop()
			return
		}
		stream.Close()

		m.logger.WarnContext(ctx, "connection lost", "error", err)
		m.transition(func(s *domain.ConnectionStatus) {
			s.State = domain.StateReconnecting
			s.ReconnectAttempts = 0
		})
		if !m.wait(ctx, tick, m.nextDelay(bo)) {
			m.stop()
			return
		}
	}
}

// onConnectFailure moves to Reconnecting, or to Failed once the ceiling is
// reached, and waits for the next attempt. It returns false when ctx ends.
func (m *Manager) onConnectFailure(ctx context.Context, tick *time.Ticker, bo *backoff.ExponentialBackOff) bool {
	current := m.Status()

	if current.State == domain.StateConnecting {
		m.transition(func(s *domain.ConnectionStatus) {
			s.State = domain.StateReconnecting
			s.ReconnectAttempts = 0
		})
		return m.wait(ctx, tick, m.nextDelay(bo))
	}

	attempts := current.ReconnectAttempts + 1
	if attempts < m.cfg.ReconnectCeiling {
		m.transition(func(s *domain.ConnectionStatus) {
			s.State = domain.StateReconnecting
			s.ReconnectAttempts = attempts
		})
		return m.wait(ctx, tick, m.nextDelay(bo))
	}

	// drop a retry signal left over from an earlier Failed period
	select {
	case <-m.retry:
	default:
	}
	m.transition(func(s *domain.ConnectionStatus) {
		s.State = domain.StateFailed
		s.ReconnectAttempts = attempts
	})
	m.logger.ErrorContext(ctx, "giving up reconnecting", "attempts", attempts)

	if !m.waitRetry(ctx, tick) {
		return false
	}

	bo.Reset()
	m.transition(func(s *domain.ConnectionStatus) {
		s.State = domain.StateConnecting
		s.ReconnectAttempts = 0
	})
	return true
}

func (m *Manager) connect(ctx context.Context) (transport.Stream, error) {
	cctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	stream, err := m.transport.Connect(cctx, m.scopeID)
	if err != nil {
		return nil, fmt.Errorf("failed to connect scope %s: %w", m.scopeID, err)
	}
	return stream, nil
}

// serve pumps the connected stream until it fails, goes silent or ctx ends.
func (m *Manager) serve(ctx context.Context, stream transport.Stream, tick *time.Ticker) error {
	heartbeat := time.NewTicker(m.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	liveness := time.NewTimer(m.cfg.HeartbeatTimeout)
	defer liveness.Stop()

	if err := m.send(ctx, stream, m.handler.Greeting(m.now())); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-stream.Errors():
			return err

		case msg := <-stream.Inbound():
			if !liveness.Stop() {
				select {
				case <-liveness.C:
				default:
				}
			}
			liveness.Reset(m.cfg.HeartbeatTimeout)

			if err := m.receive(ctx, stream, msg); err != nil {
				return err
			}

		case <-heartbeat.C:
			if err := m.sendHeartbeat(ctx, stream); err != nil {
				return err
			}

		case <-liveness.C:
			return ErrHeartbeatTimeout

		case <-tick.C:
			if err := m.send(ctx, stream, m.handler.Tick(m.now())); err != nil {
				return err
			}

		case req := <-m.requests:
			msgs, err := req.op(ctx, true)
			if err != nil {
				req.reply <- err
				continue
			}
			sendErr := m.send(ctx, stream, msgs)
			req.reply <- sendErr
			if sendErr != nil {
				return sendErr
			}
		}
	}
}

// receive handles one inbound message. Only send failures are returned;
// protocol errors are counted and the loop goes on.
func (m *Manager) receive(ctx context.Context, stream transport.Stream, msg *domain.Message) error {
	switch msg.Type {
	case domain.MessageHeartbeat, domain.MessageHeartbeatAck:
		m.markSynced()
		return nil
	}

	replies, err := m.handler.HandleMessage(ctx, msg)
	if err != nil {
		m.logger.WarnContext(ctx, "dropping inbound message", "type", msg.Type, "id", msg.ID, "error", err)
		m.transition(func(s *domain.ConnectionStatus) {
			s.SyncErrors++
		})
		return nil
	}
	m.markSynced()

	return m.send(ctx, stream, replies)
}

func (m *Manager) sendHeartbeat(ctx context.Context, stream transport.Stream) error {
	msg, err := domain.NewMessage(domain.MessageHeartbeat, m.scopeID, m.senderID, nil)
	if err != nil {
		return err
	}
	return m.send(ctx, stream, []*domain.Message{msg})
}

func (m *Manager) send(ctx context.Context, stream transport.Stream, msgs []*domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	sctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	for _, msg := range msgs {
		if err := stream.Send(sctx, msg); err != nil {
			return fmt.Errorf("failed to send %s: %w", msg.Type, err)
		}
	}
	return nil
}

func (m *Manager) farewell(stream transport.Stream) {
	msgs := m.handler.Farewell(m.now())
	if len(msgs) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), farewellTimeout)
	defer cancel()

	for _, msg := range msgs {
		if err := stream.Send(ctx, msg); err != nil {
			m.logger.Debug("failed to send farewell", "error", err)
			return
		}
	}
}

// wait sleeps for d while still serving ticks and local operations.
func (m *Manager) wait(ctx context.Context, tick *time.Ticker, d time.Duration) bool {
	timer := m.after(d)
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer:
			return true
		case <-tick.C:
			m.handler.Tick(m.now())
		case req := <-m.requests:
			m.execOffline(ctx, req)
		}
	}
}

func (m *Manager) waitRetry(ctx context.Context, tick *time.Ticker) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-m.retry:
			return true
		case <-tick.C:
			m.handler.Tick(m.now())
		case req := <-m.requests:
			m.execOffline(ctx, req)
		}
	}
}

func (m *Manager) execOffline(ctx context.Context, req request) {
	_, err := req.op(ctx, false)
	req.reply <- err
}

func (m *Manager) stop() {
	m.transition(func(s *domain.ConnectionStatus) {
		s.State = domain.StateDisconnected
	})
	m.logger.Info("disconnected")
}

func (m *Manager) markSynced() {
	now := m.now()
	current := m.Status()
	current.LastSync = now
	m.status.Store(&current)
}

// transition publishes the next status and reports it to the handler before
// returning, so no reader sees a state the handler has not been told about.
func (m *Manager) transition(fn func(s *domain.ConnectionStatus)) {
	next := m.Status()
	fn(&next)
	m.status.Store(&next)
	m.handler.HandleStatus(next)
}

func (m *Manager) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.BackoffBase
	b.Multiplier = 2
	b.MaxInterval = m.cfg.BackoffMax
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (m *Manager) nextDelay(bo *backoff.ExponentialBackOff) time.Duration {
	d := bo.NextBackOff()
	if d == backoff.Stop || d > m.cfg.BackoffMax {
		d = m.cfg.BackoffMax
	}
	return d
}
