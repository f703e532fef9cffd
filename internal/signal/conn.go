package signal

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harmonix-chat/voice/internal/core"
)

var ErrBackpressure = errors.New("backpressure")

// wsConn is the signaling socket: buffered sends, never blocks a caller,
// slow consumers get dropped frames surfaced as ErrBackpressure.
type wsConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.Mutex
	closed bool
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn, send: make(chan core.Frame, 32)}
}

func (c *wsConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.closeWithCode(websocket.CloseNormalClosure)
}

// CloseWithCode sends a close frame carrying code before tearing the socket
// down. Safe to call more than once; the first code wins.
func (c *wsConn) CloseWithCode(code int) {
	c.closeWithCode(code)
}

func (c *wsConn) closeWithCode(code int) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	msg := websocket.FormatCloseMessage(code, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = c.conn.Close()
}
