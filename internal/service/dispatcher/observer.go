package dispatcher

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/sharetube/teamsync/internal/domain"
)

// Observer receives the changes of a scope in processing order. Callbacks run
// on the scope goroutine and must not block.
type Observer interface {
	OnPresenceChange(scopeID, memberID string, old, new *domain.Member)
	OnActivity(scopeID string, ev domain.ActivityEvent)
	OnConnectionStatus(scopeID string, status domain.ConnectionStatus)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	PresenceChange   func(scopeID, memberID string, old, new *domain.Member)
	Activity         func(scopeID string, ev domain.ActivityEvent)
	ConnectionStatus func(scopeID string, status domain.ConnectionStatus)
}

func (f ObserverFuncs) OnPresenceChange(scopeID, memberID string, old, new *domain.Member) {
	if f.PresenceChange != nil {
		f.PresenceChange(scopeID, memberID, old, new)
	}
}

func (f ObserverFuncs) OnActivity(scopeID string, ev domain.ActivityEvent) {
	if f.Activity != nil {
		f.Activity(scopeID, ev)
	}
}

func (f ObserverFuncs) OnConnectionStatus(scopeID string, status domain.ConnectionStatus) {
	if f.ConnectionStatus != nil {
		f.ConnectionStatus(scopeID, status)
	}
}

type subscription struct {
	observer Observer
}

// Subscription is the token returned by Subscribe.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Unsubscribe stops delivery. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}

// observers is a copy-on-write list: writers swap a new slice under mu,
// the scope goroutine iterates whatever slice it loads.
type observers struct {
	mu     sync.Mutex
	list   atomic.Pointer[[]*subscription]
	logger *slog.Logger
}

func newObservers(logger *slog.Logger) *observers {
	o := &observers{logger: logger}
	o.list.Store(&[]*subscription{})
	return o
}

func (o *observers) add(obs Observer) *Subscription {
	sub := &subscription{observer: obs}

	o.mu.Lock()
	current := *o.list.Load()
	next := make([]*subscription, len(current), len(current)+1)
	copy(next, current)
	next = append(next, sub)
	o.list.Store(&next)
	o.mu.Unlock()

	return &Subscription{cancel: func() { o.remove(sub) }}
}

func (o *observers) remove(sub *subscription) {
	o.mu.Lock()
	defer o.mu.Unlock()

	current := *o.list.Load()
	next := make([]*subscription, 0, len(current))
	for _, s := range current {
		if s != sub {
			next = append(next, s)
		}
	}
	o.list.Store(&next)
}

func (o *observers) len() int {
	return len(*o.list.Load())
}

func (o *observers) each(fn func(Observer)) {
	for _, sub := range *o.list.Load() {
		o.call(sub.observer, fn)
	}
}

// call keeps a misbehaving observer from taking the scope loop down.
func (o *observers) call(obs Observer, fn func(Observer)) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("observer panicked", "panic", r)
		}
	}()
	fn(obs)
}
