package presence

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Liveness evicts connections that stay silent for longer than the idle timeout.
//
// Each Connection carries at most one pending timer. Arm, Refresh, Cancel and
// the timer's fire check all run under the connection's own lock, and every
// arm bumps a generation counter, so a timer that fires after a refresh or
// cancel sees a stale generation and does nothing.
type Liveness struct {
	reg    *Registry
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time

	// Evict is called when a live connection's timer fires. Injected after
	// construction (NewDispatcher wires it); nil only removes the connection
	// from the Registry.
	Evict func(c *Connection)
}

// NewLiveness creates a Liveness manager for the connections in reg.
//
// Precondition: reg and logger must be non-nil; ttl > 0.
// Postcondition: Returns a Liveness with no armed timers.
func NewLiveness(reg *Registry, ttl time.Duration, logger *zap.Logger) *Liveness {
	return &Liveness{
		reg:    reg,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

// TTL returns the idle timeout.
func (l *Liveness) TTL() time.Duration { return l.ttl }

// Arm starts or restarts c's timer, cancelling any pending one.
//
// Postcondition: Returns true if a timer is now pending for c; false if c
// was already cancelled or expired.
func (l *Liveness) Arm(c *Connection) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done {
		return false
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.gen++
	gen := c.gen
	c.deadline = l.now().Add(l.ttl)
	c.timer = time.AfterFunc(l.ttl, func() { l.fire(c, gen) })
	return true
}

// Refresh records traffic on c and pushes its deadline out by the full ttl.
//
// Postcondition: Same as Arm.
func (l *Liveness) Refresh(c *Connection) bool {
	c.mu.Lock()
	if !c.done {
		c.lastSeen = l.now()
	}
	c.mu.Unlock()

	if !l.Arm(c) {
		return false
	}
	l.logger.Debug("liveness refreshed",
		zap.Int64("conn_id", c.id),
	)
	return true
}

// Cancel disarms c permanently. Safe to call more than once.
//
// Postcondition: No timer for c will evict it after Cancel returns.
func (l *Liveness) Cancel(c *Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.done = true
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// Pending reports whether c has an armed timer.
func (l *Liveness) Pending(c *Connection) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.done && c.timer != nil
}

// Deadline returns when c will be evicted if it stays silent.
//
// Postcondition: ok is false if no timer is pending.
func (l *Liveness) Deadline(c *Connection) (deadline time.Time, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done || c.timer == nil {
		return time.Time{}, false
	}
	return c.deadline, true
}

// fire runs on the timer goroutine. It never panics into the runtime timer.
func (l *Liveness) fire(c *Connection, gen uint64) {
	c.mu.Lock()
	if c.done || c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.done = true
	c.timer = nil
	c.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("eviction failed",
				zap.Int64("conn_id", c.id),
				zap.Error(fmt.Errorf("panic: %v", r)),
			)
		}
		// Reclamation wins over whatever the eviction path failed to do.
		l.reg.Remove(c)
	}()

	if !l.reg.Contains(c) {
		l.logger.Debug("expired connection not found",
			zap.Int64("conn_id", c.id),
			zap.Error(ErrAlreadyRemoved),
		)
		return
	}

	l.logger.Info("removing inactive connection",
		zap.Int64("conn_id", c.id),
		zap.Duration("idle_timeout", l.ttl),
	)
	if l.Evict != nil {
		l.Evict(c)
	}
}
