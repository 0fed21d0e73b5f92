package presence

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

var handleSeq atomic.Int64

// fakeHandle records sent frames in memory.
type fakeHandle struct {
	addr string

	mu      sync.Mutex
	sent    [][]byte
	closed  int
	sendErr error
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{addr: fmt.Sprintf("10.0.0.%d:5500", handleSeq.Add(1))}
}

func (h *fakeHandle) Send(data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sendErr != nil {
		return h.sendErr
	}
	h.sent = append(h.sent, append([]byte(nil), data...))
	return nil
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed++
	return nil
}

func (h *fakeHandle) RemoteAddr() string { return h.addr }

func (h *fakeHandle) fail(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sendErr = err
}

func (h *fakeHandle) frames() []map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]map[string]any, 0, len(h.sent))
	for _, raw := range h.sent {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

func (h *fakeHandle) closeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

var errBroken = errors.New("broken pipe")

// fixedSource returns the same draw every time, forcing id collisions.
type fixedSource int64

func (f fixedSource) Int63n(n int64) int64 { return int64(f) % n }

// recordingExtension captures every callback.
type recordingExtension struct {
	mu           sync.Mutex
	connected    []Session
	disconnected []Session
	reasons      []CloseReason
	messages     []Message
	onMessage    func(b Broadcaster, s Session, msg Message)
}

func (r *recordingExtension) Connected(_ Broadcaster, s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = append(r.connected, s)
}

func (r *recordingExtension) Disconnected(_ Broadcaster, s Session, reason CloseReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected = append(r.disconnected, s)
	r.reasons = append(r.reasons, reason)
}

func (r *recordingExtension) Message(b Broadcaster, s Session, msg Message) {
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	fn := r.onMessage
	r.mu.Unlock()
	if fn != nil {
		fn(b, s, msg)
	}
}

func (r *recordingExtension) disconnectedIDs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, 0, len(r.disconnected))
	for _, s := range r.disconnected {
		ids = append(ids, s.ID)
	}
	return ids
}

func newTestDispatcher(t *testing.T, ttl time.Duration, ext Extension) (*Dispatcher, *Registry, *Liveness) {
	t.Helper()
	d, reg, live := buildDispatcher(zaptest.NewLogger(t), ttl, ext)
	t.Cleanup(d.Shutdown)
	return d, reg, live
}

func buildDispatcher(logger *zap.Logger, ttl time.Duration, ext Extension) (*Dispatcher, *Registry, *Liveness) {
	reg := NewRegistry(DefaultIDSpace, nil)
	live := NewLiveness(reg, ttl, logger)
	d := NewDispatcher(reg, live, ext, Options{EvictOnSendFailure: true}, logger)
	return d, reg, live
}

// forceExpire fires c's current timer generation as if the deadline passed.
func forceExpire(l *Liveness, c *Connection) {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()
	l.fire(c, gen)
}

func (r *recordingExtension) connectedList() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Session(nil), r.connected...)
}

func (r *recordingExtension) reasonList() []CloseReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]CloseReason(nil), r.reasons...)
}

func (r *recordingExtension) messageList() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}
