package transport

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// closeGrace bounds control frame writes when no write timeout is set.
const closeGrace = time.Second

var (
	// ErrSendBufferFull is returned by Send when the peer is not draining its
	// outbound queue fast enough.
	ErrSendBufferFull = errors.New("send buffer full")
	// ErrConnClosed is returned by Send after Close.
	ErrConnClosed = errors.New("connection closed")
)

// Conn adapts a WebSocket connection to presence.Handle.
//
// Outbound frames go through a bounded queue drained by a single writer
// goroutine, so Send never blocks on a slow peer and writes never interleave.
type Conn struct {
	ws           *websocket.Conn
	addr         string
	writeTimeout time.Duration
	logger       *zap.Logger

	out       chan []byte
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewConn wraps ws and starts its writer goroutine.
//
// Precondition: ws and logger must be non-nil; buffer > 0.
// Postcondition: Returns a Conn that owns ws. Close releases it.
func NewConn(ws *websocket.Conn, buffer int, writeTimeout time.Duration, logger *zap.Logger) *Conn {
	c := &Conn{
		ws:           ws,
		addr:         ws.RemoteAddr().String(),
		writeTimeout: writeTimeout,
		logger:       logger,
		out:          make(chan []byte, buffer),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// Send queues data as one text frame.
//
// Postcondition: Returns nil if the frame was queued, ErrSendBufferFull if
// the queue is full, or ErrConnClosed after Close.
func (c *Conn) Send(data []byte) error {
	select {
	case <-c.quit:
		return ErrConnClosed
	default:
	}
	select {
	case c.out <- data:
		return nil
	case <-c.quit:
		return ErrConnClosed
	default:
		return ErrSendBufferFull
	}
}

// Close flushes already queued frames, sends a close frame and closes the
// socket. Safe to call more than once and from any goroutine.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.quit) })
	return nil
}

// Done is closed once the underlying socket has been released.
func (c *Conn) Done() <-chan struct{} { return c.done }

// pong answers a ping. A close already sent or a timed out write is not an
// error; the read loop sees the closed socket next.
func (c *Conn) pong(appData string) error {
	err := c.ws.WriteControl(websocket.PongMessage, []byte(appData), c.controlDeadline())
	var ne net.Error
	if errors.Is(err, websocket.ErrCloseSent) || (errors.As(err, &ne) && ne.Timeout()) {
		return nil
	}
	return err
}

func (c *Conn) controlDeadline() time.Time {
	if c.writeTimeout > 0 {
		return time.Now().Add(c.writeTimeout)
	}
	return time.Now().Add(closeGrace)
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string { return c.addr }

func (c *Conn) writeLoop() {
	defer close(c.done)
	defer c.ws.Close()

	for {
		select {
		case data := <-c.out:
			if err := c.write(data); err != nil {
				c.logger.Debug("websocket write failed",
					zap.String("remote_addr", c.addr),
					zap.Error(err),
				)
				c.Close()
				return
			}
		case <-c.quit:
			c.flush()
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, c.controlDeadline())
			return
		}
	}
}

// flush writes whatever is already queued without waiting for more.
func (c *Conn) flush() {
	for {
		select {
		case data := <-c.out:
			if err := c.write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

// write sends one frame. A zero writeTimeout means no deadline.
func (c *Conn) write(data []byte) error {
	var deadline time.Time
	if c.writeTimeout > 0 {
		deadline = time.Now().Add(c.writeTimeout)
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}
