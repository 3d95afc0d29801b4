package relay

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const closeGracePeriod = time.Second

// wsConn serializes writes on a gorilla connection and applies a deadline to
// each of them, so a write to a dead peer fails instead of hanging.
type wsConn struct {
	conn      *websocket.Conn
	writeWait time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func newWSConn(conn *websocket.Conn, writeWait time.Duration) *wsConn {
	if writeWait <= 0 {
		writeWait = 5 * time.Second
	}
	return &wsConn{
		conn:      conn,
		writeWait: writeWait,
		closed:    make(chan struct{}),
	}
}

// WriteJSON marshals v and sends it as one text frame.
func (c *wsConn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return c.write(websocket.TextMessage, data)
}

func (c *wsConn) write(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return ErrSessionClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := c.conn.WriteMessage(messageType, data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// ReadMessage blocks until a frame arrives or the connection is closed.
func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

// Close sends a close frame with the given code and closes the socket. Only
// the first call has effect.
func (c *wsConn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)

		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.SetWriteDeadline(time.Now().Add(closeGracePeriod))
		_ = c.conn.WriteMessage(websocket.CloseMessage, msg)
		c.writeMu.Unlock()

		_ = c.conn.Close()
	})
}

// Done is closed once Close has been called.
func (c *wsConn) Done() <-chan struct{} {
	return c.closed
}
