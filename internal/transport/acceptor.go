// Package transport serves relay clients over WebSocket.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/relay/internal/config"
	"github.com/cory-johannsen/relay/internal/presence"
)

// shutdownGrace bounds how long Stop waits for the HTTP server to drain.
const shutdownGrace = 5 * time.Second

// EventHandler receives connection events from the Acceptor.
// *presence.Dispatcher implements it.
type EventHandler interface {
	OnConnect(h presence.Handle) (*presence.Connection, error)
	OnMessage(h presence.Handle, frame []byte) error
	OnPing(h presence.Handle)
	OnClose(h presence.Handle)
}

// Drainer is implemented by handlers that tear down their own connections.
// Stop calls Shutdown after the listener is closed and before remaining
// sockets are dropped, so live sessions end with the handler's shutdown
// reason. *presence.Dispatcher implements it.
type Drainer interface {
	Shutdown()
}

// Acceptor listens for HTTP requests, upgrades them to WebSocket and feeds
// each connection's events to an EventHandler.
type Acceptor struct {
	cfg      config.ServerConfig
	handler  EventHandler
	logger   *zap.Logger
	upgrader websocket.Upgrader

	listener net.Listener
	srv      *http.Server
	wg       sync.WaitGroup
	mu       sync.Mutex
	conns    map[*Conn]struct{}
	running  bool
	stopped  bool
	closed   bool

	// OnListen, if set, is called with the bound address once the listener
	// is ready and before the first connection is accepted.
	OnListen func(addr string)
}

// NewAcceptor creates a WebSocket acceptor.
//
// Precondition: cfg must be valid; handler and logger must be non-nil.
// Postcondition: Returns an Acceptor ready to be started with ListenAndServe.
func NewAcceptor(cfg config.ServerConfig, handler EventHandler, logger *zap.Logger) *Acceptor {
	return &Acceptor{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		conns: make(map[*Conn]struct{}),
	}
}

// ListenAndServe binds the listener and serves until Stop is called.
//
// Precondition: The acceptor must not already be running.
// Postcondition: Returns nil after Stop, or the error that ended serving.
func (a *Acceptor) ListenAndServe() error {
	start := time.Now()

	listener, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Addr(), err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(a.cfg.Path, a.serveWS)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: a.cfg.HandshakeTimeout,
	}

	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		listener.Close()
		return nil
	}
	a.listener = listener
	a.srv = srv
	a.running = true
	a.mu.Unlock()

	a.logger.Info("websocket acceptor listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("path", a.cfg.Path),
		zap.Duration("startup", time.Since(start)),
	)
	if a.OnListen != nil {
		a.OnListen(listener.Addr().String())
	}

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving websocket: %w", err)
	}
	return nil
}

// serveWS upgrades one request and runs its read loop.
func (a *Acceptor) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		a.logger.Debug("websocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}
	ws.SetReadLimit(a.cfg.ReadLimit)

	conn := NewConn(ws, a.cfg.SendBuffer, a.cfg.WriteTimeout, a.logger)
	if !a.track(conn) {
		conn.Close()
		return
	}
	// The writer has released the socket before the connection is untracked.
	defer func() {
		conn.Close()
		<-conn.Done()
		a.untrack(conn)
	}()

	if _, err := a.handler.OnConnect(conn); err != nil {
		return
	}
	defer a.handler.OnClose(conn)

	ws.SetPingHandler(func(appData string) error {
		a.handler.OnPing(conn)
		return conn.pong(appData)
	})

	a.readLoop(ws, conn)
}

func (a *Acceptor) readLoop(ws *websocket.Conn, conn *Conn) {
	for {
		mt, frame, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				a.logger.Debug("websocket read ended",
					zap.String("remote_addr", conn.RemoteAddr()),
					zap.Error(err),
				)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		// Malformed frames are logged by the handler; the connection stays open.
		_ = a.handler.OnMessage(conn, frame)
	}
}

func (a *Acceptor) track(c *Conn) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return false
	}
	a.conns[c] = struct{}{}
	a.wg.Add(1)
	return true
}

func (a *Acceptor) untrack(c *Conn) {
	a.mu.Lock()
	delete(a.conns, c)
	a.mu.Unlock()
	a.wg.Done()
}

// StopAccepting closes the listener. Connections already open keep running.
func (a *Acceptor) StopAccepting() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	a.running = false
	srv := a.srv
	a.mu.Unlock()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		if err := srv.Shutdown(ctx); err != nil {
			a.logger.Warn("http shutdown", zap.Error(err))
		}
		cancel()
	}
}

// Stop closes the listener, lets a Drainer handler end its sessions, closes
// any socket still open and waits for every connection goroutine to finish.
//
// Postcondition: All connections are closed and their goroutines have exited.
func (a *Acceptor) Stop() {
	a.StopAccepting()

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.mu.Unlock()

	if d, ok := a.handler.(Drainer); ok {
		d.Shutdown()
	}

	a.mu.Lock()
	conns := make([]*Conn, 0, len(a.conns))
	for c := range a.conns {
		conns = append(conns, c)
	}
	a.mu.Unlock()
	// Hijacked connections are not covered by http.Server.Shutdown.
	for _, c := range conns {
		c.Close()
	}
	a.wg.Wait()

	a.logger.Info("websocket acceptor stopped")
}

// Addr returns the actual listening address, or empty string if not yet listening.
func (a *Acceptor) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return ""
}

// IsRunning reports whether the acceptor is accepting connections.
func (a *Acceptor) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}
