// Package scope owns every open scope of the process: one connection manager
// and one dispatcher per scope id, with an explicit open/close lifecycle.
package scope

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sharetube/teamsync/internal/domain"
	"github.com/sharetube/teamsync/internal/service/connection"
	"github.com/sharetube/teamsync/internal/service/dispatcher"
	"github.com/sharetube/teamsync/internal/transport"
	"github.com/sharetube/teamsync/pkg/validator"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var (
	ErrScopeNotFound = errors.New("scope not found")
	ErrEmptyScopeID  = errors.New("empty scope id")
	ErrNotConnected  = errors.New("scope is not connected")
	ErrShutdown      = errors.New("scope manager is shut down")
)

type iIdentityProvider interface {
	Identity(ctx context.Context) (domain.Identity, error)
}

type Config struct {
	Connection       connection.Config
	StaleThreshold   time.Duration
	ActivityCapacity int
	Role             domain.Role
	Device           *domain.DeviceInfo
}

type unit struct {
	conn       *connection.Manager
	dispatcher *dispatcher.Dispatcher
	cancel     context.CancelFunc
}

type Manager struct {
	identity  iIdentityProvider
	transport transport.Transport
	cfg       Config
	validator *validator.Validator
	logger    *slog.Logger

	mu       sync.RWMutex
	scopes   map[string]*unit
	shutdown bool
}

func NewManager(identity iIdentityProvider, t transport.Transport, cfg Config, v *validator.Validator, logger *slog.Logger) *Manager {
	return &Manager{
		identity:  identity,
		transport: t,
		cfg:       cfg,
		validator: v,
		logger:    logger,
		scopes:    make(map[string]*unit),
	}
}

// Open starts the scope. Observers given here are subscribed before the
// first status is emitted. Opening an already open scope only adds them.
func (m *Manager) Open(ctx context.Context, scopeID string, observers ...dispatcher.Observer) error {
	if scopeID == "" {
		return ErrEmptyScopeID
	}

	id, err := m.identity.Identity(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve identity: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return ErrShutdown
	}
	if u, ok := m.scopes[scopeID]; ok {
		for _, obs := range observers {
			u.dispatcher.Subscribe(obs)
		}
		return nil
	}

	d := dispatcher.New(scopeID, id, dispatcher.Config{
		StaleThreshold:   m.cfg.StaleThreshold,
		ActivityCapacity: m.cfg.ActivityCapacity,
	}, m.validator, m.logger)
	if m.cfg.Role != "" {
		if err := d.SetSelfRole(m.cfg.Role); err != nil {
			return err
		}
	}
	d.SetSelfDevice(m.cfg.Device)
	for _, obs := range observers {
		d.Subscribe(obs)
	}

	conn := connection.NewManager(scopeID, id.UserID, m.cfg.Connection, m.transport, d, m.logger)

	// the scope outlives the request that opened it
	runCtx, cancel := context.WithCancel(context.Background())
	m.scopes[scopeID] = &unit{conn: conn, dispatcher: d, cancel: cancel}
	go conn.Run(runCtx)

	m.logger.InfoContext(ctx, "scope opened", "scope_id", scopeID, "user_id", id.UserID)
	return nil
}

// Close stops the scope, waits for its goroutine and releases its state.
func (m *Manager) Close(ctx context.Context, scopeID string) error {
	m.mu.Lock()
	u, ok := m.scopes[scopeID]
	if ok {
		delete(m.scopes, scopeID)
	}
	m.mu.Unlock()

	if !ok {
		return ErrScopeNotFound
	}

	return m.stop(ctx, scopeID, u)
}

func (m *Manager) stop(ctx context.Context, scopeID string, u *unit) error {
	u.cancel()

	select {
	case <-u.conn.Done():
	case <-ctx.Done():
		return fmt.Errorf("failed to close scope %s: %w", scopeID, ctx.Err())
	}

	u.dispatcher.Reset()
	m.logger.InfoContext(ctx, "scope closed", "scope_id", scopeID)
	return nil
}

// Retry asks a Failed scope to connect again. Other states ignore it.
func (m *Manager) Retry(scopeID string) error {
	u, err := m.get(scopeID)
	if err != nil {
		return err
	}
	u.conn.Retry()
	return nil
}

// Publish appends a locally originated game event and broadcasts it. The
// scope must be connected; otherwise nothing is recorded.
func (m *Manager) Publish(ctx context.Context, scopeID string, ev domain.ActivityEvent) (domain.ActivityEvent, error) {
	u, err := m.get(scopeID)
	if err != nil {
		return domain.ActivityEvent{}, err
	}

	var published domain.ActivityEvent
	err = u.conn.Exec(ctx, func(_ context.Context, connected bool) ([]*domain.Message, error) {
		if !connected {
			return nil, ErrNotConnected
		}
		stored, msgs, err := u.dispatcher.PublishEvent(ev)
		if err != nil {
			return nil, err
		}
		published = stored
		return msgs, nil
	})
	if err != nil {
		return domain.ActivityEvent{}, err
	}
	return published, nil
}

// PublishGameEvent is Publish for the common action/data shape.
func (m *Manager) PublishGameEvent(ctx context.Context, scopeID, action, description string, data map[string]any) (domain.ActivityEvent, error) {
	return m.Publish(ctx, scopeID, domain.ActivityEvent{
		Description: description,
		Metadata:    domain.GameEvent{Action: action, Data: data},
	})
}

// UpdateStatus changes the acting user's own presence. It is applied locally
// in every state and announced when connected.
func (m *Manager) UpdateStatus(ctx context.Context, scopeID string, status *domain.Status, act *domain.Activity) error {
	u, err := m.get(scopeID)
	if err != nil {
		return err
	}

	return u.conn.Exec(ctx, func(context.Context, bool) ([]*domain.Message, error) {
		return u.dispatcher.UpdateSelf(time.Now().UTC(), status, act)
	})
}

func (m *Manager) Subscribe(scopeID string, obs dispatcher.Observer) (*dispatcher.Subscription, error) {
	u, err := m.get(scopeID)
	if err != nil {
		return nil, err
	}
	return u.dispatcher.Subscribe(obs), nil
}

func (m *Manager) Members(scopeID string) ([]domain.Member, error) {
	u, err := m.get(scopeID)
	if err != nil {
		return nil, err
	}
	return u.dispatcher.Members(), nil
}

// Activity returns the newest n events of the scope, all when n <= 0.
func (m *Manager) Activity(scopeID string, n int) ([]domain.ActivityEvent, error) {
	u, err := m.get(scopeID)
	if err != nil {
		return nil, err
	}
	return u.dispatcher.Activity(n), nil
}

func (m *Manager) Status(scopeID string) (domain.ConnectionStatus, error) {
	u, err := m.get(scopeID)
	if err != nil {
		return domain.ConnectionStatus{}, err
	}
	return u.conn.Status(), nil
}

// Scopes lists the open scope ids in order.
func (m *Manager) Scopes() []string {
	m.mu.RLock()
	ids := maps.Keys(m.scopes)
	m.mu.RUnlock()

	slices.Sort(ids)
	return ids
}

// Shutdown closes every scope and refuses new ones.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shutdown = true
	scopes := m.scopes
	m.scopes = make(map[string]*unit)
	m.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for id, u := range scopes {
		wg.Add(1)
		go func(id string, u *unit) {
			defer wg.Done()
			if err := m.stop(ctx, id, u); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(id, u)
	}
	wg.Wait()

	return errors.Join(errs...)
}

func (m *Manager) get(scopeID string) (*unit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.scopes[scopeID]
	if !ok {
		return nil, ErrScopeNotFound
	}
	return u, nil
}
