// Package dispatcher interprets the inbound messages of one scope, applies
// them to the presence registry and the activity log and fans the results
// out to observers.
//
// A Dispatcher is the connection.Handler of its scope, so every mutating
// method runs on the scope goroutine. Read accessors are safe from anywhere.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sharetube/teamsync/internal/domain"
	"github.com/sharetube/teamsync/internal/service/activity"
	"github.com/sharetube/teamsync/internal/service/presence"
	"github.com/sharetube/teamsync/pkg/validator"
)

var (
	ErrUnknownMessage = errors.New("unknown message type")
	ErrScopeMismatch  = errors.New("message addressed to another scope")
	ErrInvalidPayload = errors.New("invalid payload")
)

type Config struct {
	StaleThreshold   time.Duration
	ActivityCapacity int
}

type Dispatcher struct {
	scopeID        string
	self           domain.Member
	staleThreshold time.Duration

	registry  *presence.Registry
	log       *activity.Log
	observers *observers
	validator *validator.Validator
	logger    *slog.Logger
}

func New(scopeID string, self domain.Identity, cfg Config, v *validator.Validator, logger *slog.Logger) *Dispatcher {
	logger = logger.With("scope_id", scopeID)
	return &Dispatcher{
		scopeID: scopeID,
		self: domain.Member{
			UserID:          self.UserID,
			DisplayName:     self.DisplayName,
			Role:            domain.RoleMember,
			Status:          domain.StatusOnline,
			CurrentActivity: domain.ActivityBrowsing,
		},
		staleThreshold: cfg.StaleThreshold,
		registry:       presence.NewRegistry(scopeID),
		log:            activity.NewLog(cfg.ActivityCapacity),
		observers:      newObservers(logger),
		validator:      v,
		logger:         logger,
	}
}

func (d *Dispatcher) ScopeID() string {
	return d.scopeID
}

func (d *Dispatcher) Subscribe(obs Observer) *Subscription {
	return d.observers.add(obs)
}

func (d *Dispatcher) Observers() int {
	return d.observers.len()
}

func (d *Dispatcher) Members() []domain.Member {
	return d.registry.Snapshot()
}

func (d *Dispatcher) Member(userID string) (domain.Member, bool) {
	return d.registry.Get(userID)
}

// Activity returns the newest n events, all of them when n <= 0.
func (d *Dispatcher) Activity(n int) []domain.ActivityEvent {
	return d.log.Last(n)
}

// Reset releases the scope state once the scope goroutine has stopped.
func (d *Dispatcher) Reset() {
	d.registry.Reset()
	d.log.Reset()
}

func (d *Dispatcher) HandleMessage(ctx context.Context, msg *domain.Message) ([]*domain.Message, error) {
	if msg.ScopeID != "" && msg.ScopeID != d.scopeID {
		return nil, fmt.Errorf("%w: %s", ErrScopeMismatch, msg.ScopeID)
	}

	switch msg.Type {
	case domain.MessagePresenceUpdate:
		return nil, d.handlePresence(msg)
	case domain.MessageBroadcastEvent:
		return nil, d.handleBroadcast(msg)
	case domain.MessageSyncRequest:
		return d.handleSyncRequest(msg)
	case domain.MessageSyncSnapshot:
		return nil, d.handleSyncSnapshot(msg)
	case domain.MessageHeartbeat, domain.MessageHeartbeatAck:
		return nil, nil
	default:
		d.logger.WarnContext(ctx, "unknown message type", "type", msg.Type, "sender_id", msg.SenderID)
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
}

func (d *Dispatcher) HandleStatus(status domain.ConnectionStatus) {
	d.observers.each(func(o Observer) {
		o.OnConnectionStatus(d.scopeID, status)
	})
}

// Greeting announces this client and asks peers for their state.
func (d *Dispatcher) Greeting(now time.Time) []*domain.Message {
	msgs := d.announce(now)

	req, err := domain.NewMessage(domain.MessageSyncRequest, d.scopeID, d.self.UserID, nil)
	if err != nil {
		d.logger.Error("failed to build sync request", "error", err)
		return msgs
	}
	return append(msgs, req)
}

// Tick sweeps stale members and refreshes our own presence.
func (d *Dispatcher) Tick(now time.Time) []*domain.Message {
	changes, events := d.registry.SweepStale(now, d.staleThreshold)
	for _, change := range changes {
		d.notifyChange(change)
	}
	d.appendEvents(events)

	return d.announce(now)
}

// Farewell tells peers we are leaving. The local registry is about to be
// released, so nothing is applied here.
func (d *Dispatcher) Farewell(now time.Time) []*domain.Message {
	update := domain.UpdateFromMember(d.self)
	offline := domain.StatusOffline
	update.Status = &offline
	update.LastSeen = now

	msg, err := domain.NewMessage(domain.MessagePresenceUpdate, d.scopeID, d.self.UserID, update)
	if err != nil {
		d.logger.Error("failed to build farewell", "error", err)
		return nil
	}
	return []*domain.Message{msg}
}

// UpdateSelf changes our own status and activity, applies it locally and
// returns the message announcing it.
func (d *Dispatcher) UpdateSelf(now time.Time, status *domain.Status, act *domain.Activity) ([]*domain.Message, error) {
	if status != nil && !status.Valid() {
		return nil, domain.ErrInvalidStatus
	}
	if act != nil && !act.Valid() {
		return nil, domain.ErrInvalidActivity
	}

	if status != nil {
		d.self.Status = *status
	}
	if act != nil {
		d.self.CurrentActivity = *act
	}
	return d.announce(now), nil
}

// SetSelfRole is used for the team captain.
func (d *Dispatcher) SetSelfRole(role domain.Role) error {
	if !role.Valid() {
		return domain.ErrInvalidRole
	}
	d.self.Role = role
	return nil
}

func (d *Dispatcher) SetSelfDevice(info *domain.DeviceInfo) {
	d.self.DeviceInfo = info
}

// PublishEvent appends a locally originated game event and returns it with
// the broadcast carrying it.
func (d *Dispatcher) PublishEvent(ev domain.ActivityEvent) (domain.ActivityEvent, []*domain.Message, error) {
	ev = d.normalizeEvent(ev, d.self.UserID, time.Now().UTC(), uuid.NewString())
	if err := d.validateEvent(ev); err != nil {
		return domain.ActivityEvent{}, nil, err
	}

	d.appendEvents([]domain.ActivityEvent{ev})

	msg, err := domain.NewMessage(domain.MessageBroadcastEvent, d.scopeID, d.self.UserID, ev)
	if err != nil {
		return domain.ActivityEvent{}, nil, err
	}
	return ev, []*domain.Message{msg}, nil
}

func (d *Dispatcher) announce(now time.Time) []*domain.Message {
	if d.self.UserID == "" {
		return nil
	}

	d.self.LastSeen = now
	update := domain.UpdateFromMember(d.self)
	if err := d.apply(update); err != nil {
		d.logger.Error("failed to apply own presence", "error", err)
		return nil
	}

	msg, err := domain.NewMessage(domain.MessagePresenceUpdate, d.scopeID, d.self.UserID, update)
	if err != nil {
		d.logger.Error("failed to build presence update", "error", err)
		return nil
	}
	return []*domain.Message{msg}
}

func (d *Dispatcher) handlePresence(msg *domain.Message) error {
	var update domain.MemberUpdate
	if err := json.Unmarshal(msg.Payload, &update); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if err := d.validator.Struct(update); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return d.apply(update)
}

func (d *Dispatcher) handleBroadcast(msg *domain.Message) error {
	var ev domain.ActivityEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	ev = d.normalizeEvent(ev, msg.SenderID, msg.SentAt, msg.ID)
	if err := d.validateEvent(ev); err != nil {
		return err
	}

	d.appendEvents([]domain.ActivityEvent{ev})
	return nil
}

func (d *Dispatcher) handleSyncRequest(msg *domain.Message) ([]*domain.Message, error) {
	if msg.SenderID == d.self.UserID {
		return nil, nil
	}

	snapshot := domain.SyncSnapshot{
		Members:  d.registry.Snapshot(),
		Activity: d.log.Snapshot(),
	}
	reply, err := domain.NewMessage(domain.MessageSyncSnapshot, d.scopeID, d.self.UserID, snapshot)
	if err != nil {
		return nil, err
	}
	return []*domain.Message{reply}, nil
}

// handleSyncSnapshot merges a peer's state. Last-writer-wins and id dedup
// make a repeated snapshot harmless. Bad entries are skipped and reported
// together.
func (d *Dispatcher) handleSyncSnapshot(msg *domain.Message) error {
	if msg.SenderID == d.self.UserID {
		return nil
	}

	var snapshot domain.SyncSnapshot
	if err := json.Unmarshal(msg.Payload, &snapshot); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	var errs []error
	for _, m := range snapshot.Members {
		if err := d.apply(domain.UpdateFromMember(m)); err != nil {
			errs = append(errs, err)
		}
	}

	events := make([]domain.ActivityEvent, 0, len(snapshot.Activity))
	for _, ev := range snapshot.Activity {
		if ev.ScopeID == "" {
			ev.ScopeID = d.scopeID
		}
		if err := ev.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		events = append(events, ev)
	}
	d.appendEvents(events)

	return errors.Join(errs...)
}

func (d *Dispatcher) apply(update domain.MemberUpdate) error {
	change, events, err := d.registry.Apply(update)
	if err != nil {
		return err
	}
	if change != nil {
		d.notifyChange(*change)
	}
	d.appendEvents(events)
	return nil
}

func (d *Dispatcher) appendEvents(events []domain.ActivityEvent) {
	for _, ev := range events {
		added, err := d.log.Append(ev)
		if err != nil {
			d.logger.Warn("failed to append activity", "event_id", ev.ID, "error", err)
			continue
		}
		if !added {
			continue
		}
		d.observers.each(func(o Observer) {
			o.OnActivity(d.scopeID, ev)
		})
	}
}

func (d *Dispatcher) notifyChange(change presence.Change) {
	d.observers.each(func(o Observer) {
		// every observer gets its own copies
		var old *domain.Member
		if change.Old != nil {
			m := change.Old.Clone()
			old = &m
		}
		next := change.New.Clone()
		o.OnPresenceChange(d.scopeID, change.MemberID, old, &next)
	})
}

// normalizeEvent forces broadcast events into the game_event shape and fills
// what the envelope already carries.
func (d *Dispatcher) normalizeEvent(ev domain.ActivityEvent, senderID string, sentAt time.Time, msgID string) domain.ActivityEvent {
	ev.Type = domain.EventGameEvent
	// metadata decoded under another type is re-read as a game event
	switch md := ev.Metadata.(type) {
	case nil, domain.GameEvent:
	case domain.RawMetadata:
		ev.Metadata = domain.DecodeMetadata(domain.EventGameEvent, json.RawMessage(md))
	default:
		raw, err := json.Marshal(md)
		if err != nil {
			ev.Metadata = nil
			break
		}
		ev.Metadata = domain.DecodeMetadata(domain.EventGameEvent, raw)
	}
	ev.ScopeID = d.scopeID
	if ev.ID == "" {
		ev.ID = msgID
	}
	if ev.UserID == "" {
		ev.UserID = senderID
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = sentAt
	}
	return ev
}

func (d *Dispatcher) validateEvent(ev domain.ActivityEvent) error {
	if err := d.validator.Struct(ev); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return ev.Validate()
}
