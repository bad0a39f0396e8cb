package controller

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sharetube/teamsync/internal/domain"
)

const observerWriteTimeout = 10 * time.Second

type Output struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type PresenceChangedPayload struct {
	ScopeID  string         `json:"scope_id"`
	MemberID string         `json:"member_id"`
	Old      *domain.Member `json:"old"`
	New      *domain.Member `json:"new"`
}

type ActivityAddedPayload struct {
	ScopeID string               `json:"scope_id"`
	Event   domain.ActivityEvent `json:"event"`
}

type ConnectionStatusPayload struct {
	ScopeID string                  `json:"scope_id"`
	Status  domain.ConnectionStatus `json:"status"`
}

type StatePayload struct {
	ScopeID  string                  `json:"scope_id"`
	Members  []domain.Member         `json:"members"`
	Activity []domain.ActivityEvent  `json:"activity"`
	Status   domain.ConnectionStatus `json:"status"`
}

// observerConn forwards scope changes to one websocket client. Callbacks
// come from the scope goroutine and only enqueue; writePump owns the writes.
type observerConn struct {
	conn   *websocket.Conn
	send   chan *Output
	logger *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func newObserverConn(conn *websocket.Conn, queue int, logger *slog.Logger) *observerConn {
	return &observerConn{
		conn:   conn,
		send:   make(chan *Output, queue),
		logger: logger,
		done:   make(chan struct{}),
	}
}

func (o *observerConn) OnPresenceChange(scopeID, memberID string, old, new *domain.Member) {
	o.enqueue(&Output{
		Type:    "PRESENCE_CHANGED",
		Payload: PresenceChangedPayload{ScopeID: scopeID, MemberID: memberID, Old: old, New: new},
	})
}

func (o *observerConn) OnActivity(scopeID string, ev domain.ActivityEvent) {
	o.enqueue(&Output{
		Type:    "ACTIVITY_ADDED",
		Payload: ActivityAddedPayload{ScopeID: scopeID, Event: ev},
	})
}

func (o *observerConn) OnConnectionStatus(scopeID string, status domain.ConnectionStatus) {
	o.enqueue(&Output{
		Type:    "CONNECTION_STATUS",
		Payload: ConnectionStatusPayload{ScopeID: scopeID, Status: status},
	})
}

func (o *observerConn) enqueue(out *Output) {
	select {
	case <-o.done:
		return
	default:
	}

	select {
	case o.send <- out:
	default:
		o.logger.Warn("observer queue full, dropping frame", "type", out.Type)
	}
}

func (o *observerConn) writePump() {
	defer o.conn.Close()

	for {
		select {
		case <-o.done:
			return
		case out := <-o.send:
			if err := o.conn.SetWriteDeadline(time.Now().Add(observerWriteTimeout)); err != nil {
				return
			}
			if err := o.conn.WriteJSON(out); err != nil {
				o.logger.Info("failed to write observer frame", "error", err)
				return
			}
		}
	}
}

func (o *observerConn) close() {
	o.closeOnce.Do(func() {
		close(o.done)
	})
}
