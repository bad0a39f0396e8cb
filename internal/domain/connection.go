package domain

import "time"

type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateFailed       ConnectionState = "failed"
)

type ConnectionStatus struct {
	State             ConnectionState `json:"state"`
	LastSync          time.Time       `json:"last_sync"`
	ReconnectAttempts int             `json:"reconnect_attempts"`
	SyncErrors        int             `json:"sync_errors"`
}
