package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// peer is one websocket client of a scope. Everything it is sent goes
// through the send channel so only writePump touches the write side.
type peer struct {
	conn    *websocket.Conn
	scopeID string
	send    chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newPeer(conn *websocket.Conn, scopeID string, buffer int) *peer {
	return &peer{
		conn:    conn,
		scopeID: scopeID,
		send:    make(chan []byte, buffer),
		done:    make(chan struct{}),
	}
}

// enqueue never blocks. A peer that cannot keep up loses the frame.
func (p *peer) enqueue(data []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}

	select {
	case p.send <- data:
		return true
	default:
		return false
	}
}

func (p *peer) writePump(writeTimeout time.Duration) error {
	for {
		select {
		case <-p.done:
			deadline := time.Now().Add(time.Second)
			_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return nil
		case data := <-p.send:
			if err := p.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return err
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return err
			}
		}
	}
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
}
