package presence

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Options tunes Dispatcher behavior.
type Options struct {
	// EvictOnSendFailure schedules a connection for eviction when a broadcast
	// send to it fails.
	EvictOnSendFailure bool
}

// Dispatcher routes transport events through the Registry and Liveness
// manager and hands tagged messages to an Extension.
// All methods are safe for concurrent use.
type Dispatcher struct {
	reg    *Registry
	live   *Liveness
	ext    Extension
	opts   Options
	logger *zap.Logger
}

// NewDispatcher creates a Dispatcher and wires live's eviction path to it.
//
// Precondition: reg, live and logger must be non-nil; live must track reg.
// ext may be nil.
// Postcondition: Returns a Dispatcher; live.Evict closes timed-out connections.
func NewDispatcher(reg *Registry, live *Liveness, ext Extension, opts Options, logger *zap.Logger) *Dispatcher {
	if ext == nil {
		ext = NopExtension{}
	}
	d := &Dispatcher{
		reg:    reg,
		live:   live,
		ext:    ext,
		opts:   opts,
		logger: logger,
	}
	live.Evict = func(c *Connection) {
		d.close(c, ReasonTimeout)
	}
	return d
}

// Start runs the extension's start hook, if it has one.
func (d *Dispatcher) Start() error {
	s, ok := d.ext.(Starter)
	if !ok {
		return nil
	}
	if err := s.Start(d); err != nil {
		return fmt.Errorf("starting extensions: %w", err)
	}
	return nil
}

// OnConnect registers h, arms its idle timer, acknowledges it with its id and
// notifies the extension.
//
// Postcondition: Returns the live Connection, or an error if h could not be
// registered or acknowledged. A failed acknowledgment leaves nothing registered.
func (d *Dispatcher) OnConnect(h Handle) (*Connection, error) {
	c, err := d.reg.Add(h)
	if err != nil {
		if errors.Is(err, ErrDuplicateHandle) {
			d.logger.Error("rejecting duplicate handle",
				zap.String("remote_addr", h.RemoteAddr()),
				zap.Error(err),
			)
		} else {
			d.logger.Error("registering connection",
				zap.String("remote_addr", h.RemoteAddr()),
				zap.Error(err),
			)
		}
		return nil, err
	}
	d.live.Arm(c)

	if err := d.Send(c, Ack{ID: c.id}); err != nil {
		d.release(c)
		d.logger.Warn("acknowledging connection",
			zap.Int64("conn_id", c.id),
			zap.Error(err),
		)
		return nil, err
	}

	d.logger.Info("client connected",
		zap.Int64("conn_id", c.id),
		zap.String("session", c.key.String()),
		zap.String("remote_addr", h.RemoteAddr()),
		zap.Int("total", d.reg.Len()),
	)

	sess := c.Session()
	d.invoke("connected", c.id, func() { d.ext.Connected(d, sess) })
	return c, nil
}

// OnMessage handles one inbound frame from h.
//
// Postcondition: Returns an error wrapping ErrMalformedFrame if frame is not a
// JSON object; the frame is dropped and the connection is left untouched.
// Otherwise the connection's idle deadline is refreshed and the extension
// sees the message. Frames from unregistered handles are ignored.
func (d *Dispatcher) OnMessage(h Handle, frame []byte) error {
	msg, err := ParseMessage(frame)
	if err != nil {
		d.logger.Warn("dropping malformed frame",
			zap.String("remote_addr", h.RemoteAddr()),
			zap.Int("bytes", len(frame)),
			zap.Error(err),
		)
		return err
	}

	c, ok := d.reg.Lookup(h)
	if !ok {
		d.logger.Debug("frame from unregistered handle",
			zap.String("remote_addr", h.RemoteAddr()),
			zap.Error(ErrAlreadyRemoved),
		)
		return nil
	}

	d.live.Refresh(c)

	sess := c.Session()
	d.invoke("message", c.id, func() { d.ext.Message(d, sess, msg) })
	return nil
}

// OnPing refreshes the idle deadline of h for a transport-level ping.
// Pings from unregistered handles are ignored.
func (d *Dispatcher) OnPing(h Handle) {
	if c, ok := d.reg.Lookup(h); ok {
		d.live.Refresh(c)
	}
}

// OnClose tears down the connection for h. Safe to call for handles that
// were already removed.
func (d *Dispatcher) OnClose(h Handle) {
	c, ok := d.reg.Lookup(h)
	if !ok {
		d.logger.Debug("close for unregistered handle",
			zap.String("remote_addr", h.RemoteAddr()),
			zap.Error(ErrAlreadyRemoved),
		)
		return
	}
	d.close(c, ReasonClosed)
}

// Shutdown closes every live connection.
func (d *Dispatcher) Shutdown() {
	for _, c := range d.reg.Snapshot() {
		d.close(c, ReasonShutdown)
	}
}

// Broadcast encodes payload once and sends the same bytes to each target, or
// to every live connection when no targets are given. A failed send is logged
// and, if configured, the target is scheduled for eviction; remaining targets
// are still served.
//
// Postcondition: Returns the number of successful sends, or an error if
// payload cannot be encoded (nothing is sent).
func (d *Dispatcher) Broadcast(payload any, targets ...*Connection) (int, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encoding broadcast payload: %w", err)
	}
	if len(targets) == 0 {
		targets = d.reg.Snapshot()
	}

	delivered := 0
	for _, c := range targets {
		if err := c.handle.Send(data); err != nil {
			d.logger.Warn("broadcast send failed",
				zap.Int64("conn_id", c.id),
				zap.Error(fmt.Errorf("%w: %w", ErrSendFailure, err)),
			)
			if d.opts.EvictOnSendFailure {
				go d.close(c, ReasonSendFailure)
			}
			continue
		}
		delivered++
	}

	d.logger.Debug("broadcast",
		zap.Int("targets", len(targets)),
		zap.Int("delivered", delivered),
		zap.Int("bytes", len(data)),
	)
	return delivered, nil
}

// Send encodes payload and delivers it to c.
//
// Postcondition: Returns nil on success or an error wrapping ErrSendFailure.
func (d *Dispatcher) Send(c *Connection, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload for connection %d: %w", c.id, err)
	}
	if err := c.handle.Send(data); err != nil {
		return fmt.Errorf("%w to connection %d: %w", ErrSendFailure, c.id, err)
	}
	return nil
}

// Lookup returns a live connection by id.
func (d *Dispatcher) Lookup(id int64) (*Connection, bool) { return d.reg.Get(id) }

// Connections returns a snapshot of live connections.
func (d *Dispatcher) Connections() []*Connection { return d.reg.Snapshot() }

// Count returns the number of live connections.
func (d *Dispatcher) Count() int { return d.reg.Len() }

// close performs the single teardown of c and notifies the extension.
func (d *Dispatcher) close(c *Connection, reason CloseReason) bool {
	if !d.release(c) {
		d.logger.Debug("connection already removed",
			zap.Int64("conn_id", c.id),
			zap.String("reason", string(reason)),
		)
		return false
	}

	d.logger.Info("client disconnected",
		zap.Int64("conn_id", c.id),
		zap.String("session", c.key.String()),
		zap.String("reason", string(reason)),
		zap.Int("total", d.reg.Len()),
	)

	sess := c.Session()
	d.invoke("disconnected", c.id, func() { d.ext.Disconnected(d, sess, reason) })
	return true
}

// release removes c, cancels its timer, then closes its handle, in that order.
// Returns false if c had already been removed.
func (d *Dispatcher) release(c *Connection) bool {
	if !d.reg.Remove(c) {
		return false
	}
	d.live.Cancel(c)
	if err := c.handle.Close(); err != nil {
		d.logger.Debug("closing transport handle",
			zap.Int64("conn_id", c.id),
			zap.Error(err),
		)
	}
	return true
}

// invoke runs an extension callback, containing any panic to this event.
func (d *Dispatcher) invoke(hook string, connID int64, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("extension panicked",
				zap.String("hook", hook),
				zap.Int64("conn_id", connID),
				zap.Any("panic", r),
			)
		}
	}()
	fn()
}
