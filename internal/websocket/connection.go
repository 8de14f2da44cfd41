package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Close codes for the application-level handshake. They live in the
// private range so clients can distinguish policy closes from transport
// failures.
const (
	CloseAuthFailure   = 4001
	CloseForbidden     = 4003
	CloseProtocolError = 4400
)

// Connection wraps a gorilla WebSocket with a single writer goroutine.
// gorilla conns do not tolerate concurrent writes, so every outbound
// message funnels through writeCh.
type Connection struct {
	conn         *websocket.Conn
	writeCh      chan []byte
	writeTimeout time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once
}

func NewConnection(conn *websocket.Conn, bufferSize int, writeTimeout time.Duration) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:         conn,
		writeCh:      make(chan []byte, bufferSize),
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}

	go c.writeLoop()

	return c
}

// writeLoop never closes writeCh: a concurrent WriteJSON may have already
// committed to the send case, and a send on a closed channel panics. Cancel
// terminates both sides and the channel is garbage-collected with the
// Connection.
func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// WriteJSON queues one message for the writer goroutine.
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-time.After(c.writeTimeout):
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// CloseWithCode performs a proper close handshake: the close frame with
// the given code and reason goes out before the socket is torn down, so
// the client learns why it was dropped.
func (c *Connection) CloseWithCode(code int, reason string) error {
	frame := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(c.writeTimeout)
	_ = c.conn.WriteControl(websocket.CloseMessage, frame, deadline)
	return c.Close()
}

func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		// Give the writer a moment to flush queued messages, such as the
		// eviction notice, before tearing the socket down
		deadline := time.Now().Add(c.writeTimeout)
		for len(c.writeCh) > 0 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}

		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}
