package domain

import (
	"encoding/json"
	"errors"
	"time"
)

var ErrEmptyEventID = errors.New("empty event id")

type EventType string

const (
	EventMemberJoined  EventType = "member_joined"
	EventMemberLeft    EventType = "member_left"
	EventStatusChanged EventType = "status_changed"
	EventGameEvent     EventType = "game_event"
)

type ActivityEvent struct {
	ID          string    `json:"id" validate:"required,max=128"`
	Type        EventType `json:"type"`
	UserID      string    `json:"user_id"`
	ScopeID     string    `json:"scope_id"`
	Timestamp   time.Time `json:"timestamp" validate:"required"`
	Description string    `json:"description"`
	Metadata    Metadata  `json:"-"`
}

func (e ActivityEvent) Validate() error {
	if e.ID == "" {
		return ErrEmptyEventID
	}
	if e.Timestamp.IsZero() {
		return ErrInvalidTimestamp
	}
	return nil
}

type activityEventJSON struct {
	ID          string          `json:"id"`
	Type        EventType       `json:"type"`
	UserID      string          `json:"user_id"`
	ScopeID     string          `json:"scope_id"`
	Timestamp   time.Time       `json:"timestamp"`
	Description string          `json:"description"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

func (e ActivityEvent) MarshalJSON() ([]byte, error) {
	out := activityEventJSON{
		ID:          e.ID,
		Type:        e.Type,
		UserID:      e.UserID,
		ScopeID:     e.ScopeID,
		Timestamp:   e.Timestamp,
		Description: e.Description,
	}
	if e.Metadata != nil {
		raw, err := json.Marshal(e.Metadata)
		if err != nil {
			return nil, err
		}
		out.Metadata = raw
	}
	return json.Marshal(out)
}

func (e *ActivityEvent) UnmarshalJSON(data []byte) error {
	var in activityEventJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	*e = ActivityEvent{
		ID:          in.ID,
		Type:        in.Type,
		UserID:      in.UserID,
		ScopeID:     in.ScopeID,
		Timestamp:   in.Timestamp,
		Description: in.Description,
		Metadata:    DecodeMetadata(in.Type, in.Metadata),
	}
	return nil
}
