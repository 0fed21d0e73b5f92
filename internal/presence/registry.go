package presence

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultIDSpace is the exclusive upper bound of issued ids when none is configured.
const DefaultIDSpace int64 = 1_000_000

// Registry tracks all live connections.
// All methods are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	byHandle map[Handle]*Connection
	byID     map[int64]*Connection

	ids   Source
	space int64
	now   func() time.Time
}

// NewRegistry creates an empty Registry issuing ids in [1, idSpace).
//
// Precondition: src may be nil (crypto/rand is used); idSpace < 2 selects DefaultIDSpace.
// Postcondition: Returns an empty Registry.
func NewRegistry(idSpace int64, src Source) *Registry {
	if idSpace < 2 {
		idSpace = DefaultIDSpace
	}
	if src == nil {
		src = NewCryptoSource()
	}
	return &Registry{
		byHandle: make(map[Handle]*Connection),
		byID:     make(map[int64]*Connection),
		ids:      src,
		space:    idSpace,
		now:      time.Now,
	}
}

// Add registers h under a fresh id.
//
// Precondition: h must be non-nil and comparable.
// Postcondition: Returns the new Connection, or ErrDuplicateHandle if h is
// already registered, or ErrIDSpaceExhausted if no id is free.
func (r *Registry) Add(h Handle) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.byHandle[h]; exists {
		return nil, fmt.Errorf("%w: handle %s already registered as connection %d", ErrDuplicateHandle, h.RemoteAddr(), existing.id)
	}

	id, err := r.allocID()
	if err != nil {
		return nil, err
	}

	now := r.now()
	c := &Connection{
		id:          id,
		key:         uuid.New(),
		handle:      h,
		connectedAt: now,
		lastSeen:    now,
	}
	r.byHandle[h] = c
	r.byID[id] = c
	return c, nil
}

// allocID draws a random starting id and probes forward to the first free one.
// Caller must hold r.mu.
func (r *Registry) allocID() (int64, error) {
	n := r.space - 1
	if int64(len(r.byID)) >= n {
		return 0, fmt.Errorf("%w: %d live connections", ErrIDSpaceExhausted, len(r.byID))
	}
	start := r.ids.Int63n(n)
	for i := int64(0); i < n; i++ {
		id := 1 + (start+i)%n
		if _, taken := r.byID[id]; !taken {
			return id, nil
		}
	}
	return 0, ErrIDSpaceExhausted
}

// Lookup returns the connection registered for h.
//
// Postcondition: Returns (connection, true) if found, or (nil, false) otherwise.
func (r *Registry) Lookup(h Handle) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byHandle[h]
	return c, ok
}

// Get returns the connection with the given id.
func (r *Registry) Get(id int64) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

// Contains reports whether c itself (not merely its id) is live.
func (r *Registry) Contains(c *Connection) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[c.id] == c
}

// Remove deletes c if it is still registered.
//
// Postcondition: Returns true for exactly one caller per connection; removing
// an absent connection is a no-op returning false.
func (r *Registry) Remove(c *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.byID[c.id] != c {
		return false
	}
	delete(r.byID, c.id)
	delete(r.byHandle, c.handle)
	return true
}

// Snapshot returns the live connections at the time of the call.
// The slice is owned by the caller; later registry changes do not affect it.
func (r *Registry) Snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	return out
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
