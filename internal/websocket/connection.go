package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"voicetranslator/pkg/interfaces"
)

const (
	defaultSendBuffer = 100
	defaultWriteWait  = 5 * time.Second
)

// Connection wraps one gorilla socket behind a single writer goroutine
// ARCHITECTURAL DISCOVERY: WebSocket writes must be serialized to prevent race conditions
type Connection struct {
	id        string
	conn      *websocket.Conn
	writeCh   chan []byte // never closed; shutdown is signalled through ctx
	writeWait time.Duration
	ctx       context.Context
	cancel    context.CancelFunc
	closing   chan struct{}
	closeOnce sync.Once
	drainOnce sync.Once
}

var _ interfaces.Sender = (*Connection)(nil)

// NewConnection starts the writer for conn. bufferSize and writeWait fall back
// to 100 frames and 5 seconds when zero.
func NewConnection(conn *websocket.Conn, id string, bufferSize int, writeWait time.Duration) *Connection {
	if bufferSize <= 0 {
		bufferSize = defaultSendBuffer
	}
	if writeWait <= 0 {
		writeWait = defaultWriteWait
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:        id,
		conn:      conn,
		writeCh:   make(chan []byte, bufferSize),
		writeWait: writeWait,
		ctx:       ctx,
		cancel:    cancel,
		closing:   make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *Connection) ID() string { return c.id }

// Done is closed once the connection has been torn down
func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.write(data); err != nil {
				_ = c.Close()
				return
			}
		case <-c.closing:
			c.flushAndClose()
			return
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) write(data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// flushAndClose writes whatever is still queued, then a close frame
func (c *Connection) flushAndClose() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.write(data); err != nil {
				_ = c.Close()
				return
			}
		default:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended")
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeWait))
			_ = c.Close()
			return
		}
	}
}

// WriteJSON queues v, waiting up to the write timeout for buffer space
func (c *Connection) WriteJSON(v any) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	timer := time.NewTimer(c.writeWait)
	defer timer.Stop()
	select {
	case c.writeCh <- data:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Send queues v without waiting. A full buffer drops the frame.
// FUNCTIONAL DISCOVERY: one student on a bad classroom network must not hold up
// the rest of the room
func (c *Connection) Send(v any) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	select {
	case c.writeCh <- data:
		return true
	default:
		return false
	}
}

// CloseGracefully flushes queued frames and sends a normal close frame
func (c *Connection) CloseGracefully() {
	c.drainOnce.Do(func() { close(c.closing) })
}

func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}
