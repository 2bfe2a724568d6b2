package relay

import (
	"errors"
	"sync"
	"time"
)

var ErrBackpressure = errors.New("backpressure")

// Frame is a raw wire payload.
type Frame []byte

// Conn is a transport endpoint held by a room. The adapter that created
// it owns the underlying resources and must Close() it.
type Conn interface {
	TrySend(Frame) error
	Close()
}

// WSConn is an indirection over *websocket.Conn to ease testing.
type WSConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(mt int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(string) error)
	WriteControl(mt int, data []byte, deadline time.Time) error
	Close() error
}

// wsConnection adapts a websocket to Conn with a buffered outbound
// queue. A full queue surfaces ErrBackpressure instead of blocking the
// broadcast path.
type wsConnection struct {
	conn WSConn
	send chan Frame
	once sync.Once
}

func newWSConnection(conn WSConn) *wsConnection {
	return &wsConnection{
		conn: conn,
		send: make(chan Frame, 64),
	}
}

func (c *wsConnection) TrySend(f Frame) error {
	select {
	case c.send <- f:
		return nil
	default:
		return ErrBackpressure
	}
}

// Close shuts the socket. The send channel stays open, a concurrent
// broadcast may still be holding a reference; the write pump exits on
// context cancel instead.
func (c *wsConnection) Close() {
	c.once.Do(func() {
		_ = c.conn.Close()
	})
}
