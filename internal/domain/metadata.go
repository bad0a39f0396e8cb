package domain

import (
	"bytes"
	"encoding/json"
)

// Metadata is the payload attached to an activity event. The concrete shape is
// chosen by the event type; anything unrecognised is kept as RawMetadata.
type Metadata interface {
	metadataKind() string
}

type StatusChange struct {
	From Status `json:"from"`
	To   Status `json:"to"`
}

func (StatusChange) metadataKind() string { return "status_change" }

type MemberChange struct {
	DisplayName string `json:"display_name,omitempty"`
	Role        Role   `json:"role,omitempty"`
}

func (MemberChange) metadataKind() string { return "member_change" }

type GameEvent struct {
	Action string         `json:"action"`
	Data   map[string]any `json:"data,omitempty"`
}

func (GameEvent) metadataKind() string { return "game_event" }

type RawMetadata json.RawMessage

func (RawMetadata) metadataKind() string { return "raw" }

func (r RawMetadata) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

// DecodeMetadata never fails: payloads that do not match the known shape for
// the event type are returned as RawMetadata.
func DecodeMetadata(eventType EventType, raw json.RawMessage) Metadata {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}

	var target Metadata
	switch eventType {
	case EventStatusChanged:
		var v StatusChange
		if decodeStrict(raw, &v) == nil {
			target = v
		}
	case EventMemberJoined, EventMemberLeft:
		var v MemberChange
		if decodeStrict(raw, &v) == nil {
			target = v
		}
	case EventGameEvent:
		var v GameEvent
		if decodeStrict(raw, &v) == nil && v.Action != "" {
			target = v
		}
	}

	if target == nil {
		return RawMetadata(append([]byte(nil), raw...))
	}
	return target
}

func decodeStrict(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
