package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/stancp327/Fetchwork-sub000/internal/protocol"
)

const (
	writeWait    = 10 * time.Second
	pingPeriod   = 30 * time.Second
	readTimeout  = 60 * time.Second
	maxFrameSize = 1 << 20
)

// Close codes sent to clients in addition to the standard ones.
const (
	CloseSlowConsumer = 4008
	CloseShutdown     = websocket.CloseGoingAway
)

var ErrConnClosed = errors.New("connection closed")

// Conn wraps one websocket. Writes go through a bounded buffer drained by a
// single goroutine; a client that lets the buffer fill is disconnected.
type Conn struct {
	ID     string
	UserID int64

	ws   *websocket.Conn
	send chan []byte
	once sync.Once
	done chan struct{}
}

func NewConn(userID int64, ws *websocket.Conn, buffer int) *Conn {
	if buffer <= 0 {
		buffer = 128
	}
	return &Conn{
		ID:     uuid.NewString(),
		UserID: userID,
		ws:     ws,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

// Start launches the write loop and arms the read deadline. It must be
// called exactly once.
func (c *Conn) Start() {
	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	})
	go c.writeLoop()
}

// Send enqueues a raw frame without blocking.
func (c *Conn) Send(frame []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		c.abort(CloseSlowConsumer, "send buffer full")
		return errors.New("connection send buffer exceeded")
	}
}

// Emit encodes and enqueues one event.
func (c *Conn) Emit(event, ref string, data any) error {
	frame, err := protocol.Encode(event, ref, data)
	if err != nil {
		return err
	}
	return c.Send(frame)
}

// Read blocks for the next text frame.
func (c *Conn) Read() ([]byte, error) {
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage {
			return data, nil
		}
	}
}

// Close sends a close frame and tears the socket down. Safe to call more
// than once.
func (c *Conn) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		deadline := time.Now().Add(writeWait)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.ws.Close()
	})
}

// abort marks the connection closed without blocking the caller. The close
// frame waits for the write lock, which a stalled write loop may hold until
// its deadline, so it is sent from its own goroutine.
func (c *Conn) abort(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		go func() {
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
			_ = c.ws.Close()
		}()
	})
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				c.abort(websocket.CloseInternalServerErr, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.abort(websocket.CloseInternalServerErr, "ping failed")
				return
			}
		}
	}
}

func (c *Conn) write(kind int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(kind, payload)
}
