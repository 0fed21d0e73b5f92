package presence

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handle is the transport side of a connection. The Registry stores it
// but never interprets it.
//
// Implementations must be comparable (typically a pointer) because handles
// key the Registry's index. Send must not block on a slow peer and Close must
// be safe to call more than once.
type Handle interface {
	Send(data []byte) error
	Close() error
	RemoteAddr() string
}

// Connection is one live client session.
type Connection struct {
	id          int64
	key         uuid.UUID
	handle      Handle
	connectedAt time.Time

	// Liveness state, guarded by mu.
	mu       sync.Mutex
	timer    *time.Timer
	gen      uint64
	deadline time.Time
	lastSeen time.Time
	done     bool
}

// ID returns the session identifier sent to the client on connect.
func (c *Connection) ID() int64 { return c.id }

// Key returns the session key used to correlate logs and audit rows.
func (c *Connection) Key() uuid.UUID { return c.key }

// Handle returns the transport handle.
func (c *Connection) Handle() Handle { return c.handle }

// Session returns a detached copy of the connection's metadata.
// It stays readable after the connection has been removed.
func (c *Connection) Session() Session {
	c.mu.Lock()
	lastSeen := c.lastSeen
	c.mu.Unlock()
	return Session{
		ID:          c.id,
		Key:         c.key,
		RemoteAddr:  c.handle.RemoteAddr(),
		ConnectedAt: c.connectedAt,
		LastSeen:    lastSeen,
	}
}

// Session is an immutable snapshot of a connection handed to extensions.
type Session struct {
	ID          int64
	Key         uuid.UUID
	RemoteAddr  string
	ConnectedAt time.Time
	LastSeen    time.Time
}
