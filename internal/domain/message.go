package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type MessageType string

const (
	MessagePresenceUpdate MessageType = "presence_update"
	MessageBroadcastEvent MessageType = "broadcast_event"
	MessageHeartbeat      MessageType = "heartbeat"
	MessageHeartbeatAck   MessageType = "heartbeat_ack"
	MessageSyncRequest    MessageType = "sync_request"
	MessageSyncSnapshot   MessageType = "sync_snapshot"
)

// Message is the envelope exchanged over a transport stream.
type Message struct {
	Type     MessageType     `json:"type"`
	ID       string          `json:"id"`
	ScopeID  string          `json:"scope_id"`
	SenderID string          `json:"sender_id"`
	SentAt   time.Time       `json:"sent_at"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// SyncSnapshot is the payload of a sync_snapshot message.
type SyncSnapshot struct {
	Members  []Member        `json:"members"`
	Activity []ActivityEvent `json:"activity"`
}

func NewMessage(msgType MessageType, scopeID, senderID string, payload any) (*Message, error) {
	msg := &Message{
		Type:     msgType,
		ID:       uuid.NewString(),
		ScopeID:  scopeID,
		SenderID: senderID,
		SentAt:   time.Now().UTC(),
	}

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
		}
		msg.Payload = raw
	}

	return msg, nil
}
