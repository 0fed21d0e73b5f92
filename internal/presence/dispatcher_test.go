package presence

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"pgregory.net/rapid"
)

func TestDispatcher_OnConnectAcksID(t *testing.T) {
	ext := &recordingExtension{}
	d, reg, live := newTestDispatcher(t, time.Hour, ext)

	h := newFakeHandle()
	c, err := d.OnConnect(h)
	require.NoError(t, err)

	frames := h.frames()
	require.Len(t, frames, 1)
	assert.Equal(t, float64(c.ID()), frames[0]["id"])
	assert.Equal(t, 1, reg.Len())
	assert.True(t, live.Pending(c))
	require.Len(t, ext.connectedList(), 1)
	assert.Equal(t, c.ID(), ext.connectedList()[0].ID)
	assert.Equal(t, h.RemoteAddr(), ext.connectedList()[0].RemoteAddr)
}

func TestDispatcher_OnConnectUniqueIDs(t *testing.T) {
	d, _, _ := newTestDispatcher(t, time.Hour, nil)
	a, err := d.OnConnect(newFakeHandle())
	require.NoError(t, err)
	b, err := d.OnConnect(newFakeHandle())
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestDispatcher_OnConnectDuplicateHandle(t *testing.T) {
	ext := &recordingExtension{}
	d, reg, _ := newTestDispatcher(t, time.Hour, ext)
	h := newFakeHandle()
	_, err := d.OnConnect(h)
	require.NoError(t, err)

	_, err = d.OnConnect(h)
	assert.ErrorIs(t, err, ErrDuplicateHandle)
	assert.Equal(t, 1, reg.Len())
	assert.Len(t, ext.connectedList(), 1)
}

func TestDispatcher_OnConnectAckFailureLeavesNothing(t *testing.T) {
	ext := &recordingExtension{}
	d, reg, _ := newTestDispatcher(t, time.Hour, ext)
	h := newFakeHandle()
	h.fail(errBroken)

	_, err := d.OnConnect(h)
	assert.ErrorIs(t, err, ErrSendFailure)
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, 1, h.closeCount())
	assert.Empty(t, ext.connectedList())
	assert.Empty(t, ext.disconnected)
}

func TestDispatcher_OnMessageMalformed(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	ext := &recordingExtension{}
	reg := NewRegistry(DefaultIDSpace, nil)
	live := NewLiveness(reg, time.Hour, zap.New(core))
	d := NewDispatcher(reg, live, ext, Options{}, zap.New(core))
	defer d.Shutdown()

	h := newFakeHandle()
	c, err := d.OnConnect(h)
	require.NoError(t, err)
	before, _ := live.Deadline(c)

	for _, frame := range []string{"", "not json", "[1,2]", "42", "null", `{"a":`} {
		err := d.OnMessage(h, []byte(frame))
		assert.ErrorIs(t, err, ErrMalformedFrame, "frame %q", frame)
	}

	after, _ := live.Deadline(c)
	assert.Equal(t, before, after, "malformed frames must not refresh liveness")
	assert.True(t, reg.Contains(c))
	assert.Empty(t, ext.messageList())
	assert.Equal(t, 6, logs.FilterMessage("dropping malformed frame").Len())
}

func TestDispatcher_OnMessageRefreshesAndDispatches(t *testing.T) {
	ext := &recordingExtension{}
	d, _, live := newTestDispatcher(t, time.Hour, ext)
	h := newFakeHandle()
	c, err := d.OnConnect(h)
	require.NoError(t, err)
	before, _ := live.Deadline(c)

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, d.OnMessage(h, []byte(`{"PGE_WS_KEY_1": true}`)))

	after, ok := live.Deadline(c)
	require.True(t, ok)
	assert.True(t, after.After(before))
	require.Len(t, ext.messageList(), 1)
	assert.True(t, ext.messageList()[0].Truthy("PGE_WS_KEY_1"))
}

func TestDispatcher_OnPingRefreshesWithoutDispatch(t *testing.T) {
	ext := &recordingExtension{}
	d, _, live := newTestDispatcher(t, time.Hour, ext)
	h := newFakeHandle()
	c, err := d.OnConnect(h)
	require.NoError(t, err)
	before, _ := live.Deadline(c)

	time.Sleep(2 * time.Millisecond)
	d.OnPing(h)

	after, ok := live.Deadline(c)
	require.True(t, ok)
	assert.True(t, after.After(before))
	assert.Empty(t, ext.messageList())

	d.OnPing(newFakeHandle())
}

func TestDispatcher_OnMessageUnknownHandleIgnored(t *testing.T) {
	ext := &recordingExtension{}
	d, _, _ := newTestDispatcher(t, time.Hour, ext)
	assert.NoError(t, d.OnMessage(newFakeHandle(), []byte(`{"x":1}`)))
	assert.Empty(t, ext.messageList())
}

func TestDispatcher_OnCloseIdempotent(t *testing.T) {
	ext := &recordingExtension{}
	d, reg, live := newTestDispatcher(t, time.Hour, ext)
	h := newFakeHandle()
	c, err := d.OnConnect(h)
	require.NoError(t, err)
	other, err := d.OnConnect(newFakeHandle())
	require.NoError(t, err)

	d.OnClose(h)
	d.OnClose(h)

	assert.Equal(t, 1, reg.Len())
	assert.True(t, reg.Contains(other))
	assert.False(t, live.Pending(c))
	assert.Equal(t, 1, h.closeCount())
	assert.Equal(t, []int64{c.ID()}, ext.disconnectedIDs())
	assert.Equal(t, []CloseReason{ReasonClosed}, ext.reasonList())
}

func TestDispatcher_CloseRacingTimeout(t *testing.T) {
	ext := &recordingExtension{}
	d, reg, live := newTestDispatcher(t, time.Hour, ext)
	h := newFakeHandle()
	c, err := d.OnConnect(h)
	require.NoError(t, err)

	forceExpire(live, c)
	d.OnClose(h)

	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, []int64{c.ID()}, ext.disconnectedIDs())
	assert.Equal(t, []CloseReason{ReasonTimeout}, ext.reasonList())
	assert.Equal(t, 1, h.closeCount(), "eviction closes the transport handle once")
}

func TestDispatcher_IdleEviction(t *testing.T) {
	ext := &recordingExtension{}
	d, reg, _ := newTestDispatcher(t, 30*time.Millisecond, ext)
	a := newFakeHandle()
	ca, err := d.OnConnect(a)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return reg.Len() == 0 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(ext.disconnectedIDs()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{ca.ID()}, ext.disconnectedIDs())
	assert.Equal(t, 1, a.closeCount())
}

func TestDispatcher_BroadcastIsolatesFailures(t *testing.T) {
	d, reg, _ := newTestDispatcher(t, time.Hour, nil)
	const n = 5
	handles := make([]*fakeHandle, n)
	for i := range handles {
		handles[i] = newFakeHandle()
		_, err := d.OnConnect(handles[i])
		require.NoError(t, err)
	}
	broken := handles[2]
	broken.fail(errBroken)

	delivered, err := d.Broadcast(map[string]int{"PGE_WS_KEY_1": 1})
	require.NoError(t, err)
	assert.Equal(t, n-1, delivered)

	for i, h := range handles {
		if h == broken {
			continue
		}
		frames := h.frames()
		require.Len(t, frames, 2, "handle %d gets ack + broadcast", i)
		assert.Equal(t, float64(1), frames[1]["PGE_WS_KEY_1"])
	}

	// The broken target is evicted asynchronously.
	require.Eventually(t, func() bool { return reg.Len() == n-1 }, time.Second, 5*time.Millisecond)
	_, ok := reg.Lookup(broken)
	assert.False(t, ok)
}

func TestDispatcher_BroadcastWithoutEviction(t *testing.T) {
	reg := NewRegistry(DefaultIDSpace, nil)
	live := NewLiveness(reg, time.Hour, zap.NewNop())
	d := NewDispatcher(reg, live, nil, Options{EvictOnSendFailure: false}, zap.NewNop())
	defer d.Shutdown()

	h := newFakeHandle()
	_, err := d.OnConnect(h)
	require.NoError(t, err)
	h.fail(errBroken)

	delivered, err := d.Broadcast(map[string]int{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, 0, delivered)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, reg.Len())
}

func TestDispatcher_BroadcastToTargets(t *testing.T) {
	d, _, _ := newTestDispatcher(t, time.Hour, nil)
	a, b := newFakeHandle(), newFakeHandle()
	ca, err := d.OnConnect(a)
	require.NoError(t, err)
	_, err = d.OnConnect(b)
	require.NoError(t, err)

	delivered, err := d.Broadcast(map[string]string{"hello": "a"}, ca)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	assert.Len(t, a.frames(), 2)
	assert.Len(t, b.frames(), 1)
}

func TestDispatcher_BroadcastEncodingError(t *testing.T) {
	d, _, _ := newTestDispatcher(t, time.Hour, nil)
	h := newFakeHandle()
	_, err := d.OnConnect(h)
	require.NoError(t, err)

	_, err = d.Broadcast(map[string]any{"bad": make(chan int)})
	assert.Error(t, err)
	assert.Len(t, h.frames(), 1, "nothing is sent when encoding fails")
}

func TestDispatcher_SendWrapsFailure(t *testing.T) {
	d, _, _ := newTestDispatcher(t, time.Hour, nil)
	h := newFakeHandle()
	c, err := d.OnConnect(h)
	require.NoError(t, err)
	h.fail(errBroken)

	err = d.Send(c, map[string]int{"x": 1})
	assert.ErrorIs(t, err, ErrSendFailure)
	assert.True(t, errors.Is(err, errBroken))
}

func TestDispatcher_ExtensionBroadcastsFromMessage(t *testing.T) {
	ext := &recordingExtension{}
	ext.onMessage = func(b Broadcaster, _ Session, msg Message) {
		if msg.Truthy("buzz") {
			_, _ = b.Broadcast(map[string]int{"buzz": 1})
		}
	}
	d, _, _ := newTestDispatcher(t, time.Hour, ext)
	a, b := newFakeHandle(), newFakeHandle()
	_, err := d.OnConnect(a)
	require.NoError(t, err)
	_, err = d.OnConnect(b)
	require.NoError(t, err)

	require.NoError(t, d.OnMessage(a, []byte(`{"buzz":1}`)))
	require.NoError(t, d.OnMessage(a, []byte(`{"buzz":0}`)))

	frames := b.frames()
	require.Len(t, frames, 2)
	assert.Equal(t, float64(1), frames[1]["buzz"])
}

type panickingExtension struct{ NopExtension }

func (panickingExtension) Message(Broadcaster, Session, Message) { panic("boom") }

func TestDispatcher_ExtensionPanicContained(t *testing.T) {
	d, reg, _ := newTestDispatcher(t, time.Hour, panickingExtension{})
	h := newFakeHandle()
	_, err := d.OnConnect(h)
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		assert.NoError(t, d.OnMessage(h, []byte(`{"x":1}`)))
	})
	assert.Equal(t, 1, reg.Len())
}

type startingExtension struct {
	NopExtension
	started bool
	err     error
}

func (s *startingExtension) Start(Broadcaster) error {
	s.started = true
	return s.err
}

func TestDispatcher_StartRunsStarters(t *testing.T) {
	first := &startingExtension{}
	second := &startingExtension{err: errors.New("bad script")}
	d, _, _ := newTestDispatcher(t, time.Hour, Extensions{first, NopExtension{}, second})

	err := d.Start()
	assert.Error(t, err)
	assert.True(t, first.started)
	assert.True(t, second.started)
}

func TestDispatcher_ShutdownClosesAll(t *testing.T) {
	ext := &recordingExtension{}
	reg := NewRegistry(DefaultIDSpace, nil)
	live := NewLiveness(reg, time.Hour, zap.NewNop())
	d := NewDispatcher(reg, live, ext, Options{}, zap.NewNop())

	handles := []*fakeHandle{newFakeHandle(), newFakeHandle(), newFakeHandle()}
	for _, h := range handles {
		_, err := d.OnConnect(h)
		require.NoError(t, err)
	}
	d.Shutdown()

	assert.Equal(t, 0, reg.Len())
	for _, h := range handles {
		assert.Equal(t, 1, h.closeCount())
	}
	assert.Len(t, ext.reasonList(), 3)
	for _, r := range ext.reasonList() {
		assert.Equal(t, ReasonShutdown, r)
	}
}

// Scenario: A and B connect with distinct ids, A's buzz reaches B, then A
// goes silent and is evicted while B keeps talking and sees the disconnect.
func TestDispatcher_PresenceScenario(t *testing.T) {
	ext := &recordingExtension{}
	ext.onMessage = func(b Broadcaster, _ Session, msg Message) {
		if msg.Truthy("PGE_WS_KEY_1") {
			_, _ = b.Broadcast(map[string]int{"PGE_WS_KEY_1": 1})
		}
	}
	const ttl = 80 * time.Millisecond
	d, reg, live := newTestDispatcher(t, ttl, ext)

	a, b := newFakeHandle(), newFakeHandle()
	ca, err := d.OnConnect(a)
	require.NoError(t, err)
	cb, err := d.OnConnect(b)
	require.NoError(t, err)
	assert.Equal(t, float64(ca.ID()), a.frames()[0]["id"])
	assert.Equal(t, float64(cb.ID()), b.frames()[0]["id"])
	assert.NotEqual(t, ca.ID(), cb.ID())

	beforeA, _ := live.Deadline(ca)
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, d.OnMessage(a, []byte(`{"PGE_WS_KEY_1": 1}`)))
	afterA, _ := live.Deadline(ca)
	assert.True(t, afterA.After(beforeA))
	require.Len(t, b.frames(), 2)
	assert.Equal(t, float64(1), b.frames()[1]["PGE_WS_KEY_1"])

	// Keep B alive while A goes silent.
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		tick := time.NewTicker(ttl / 4)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				_ = d.OnMessage(b, []byte(`{"ping":1}`))
			}
		}
	}()

	require.Eventually(t, func() bool { return len(ext.disconnectedIDs()) == 1 }, 2*time.Second, 5*time.Millisecond)
	close(stop)
	<-done

	assert.Equal(t, 1, reg.Len())
	assert.True(t, reg.Contains(cb))
	assert.Equal(t, []int64{ca.ID()}, ext.disconnectedIDs())
	assert.Equal(t, []CloseReason{ReasonTimeout}, ext.reasonList())
}

// Property: whatever the interleaving of connects, messages, closes and
// timeouts, the registry holds exactly the open connections, each with one
// pending timer, and every departure is reported exactly once.
func TestPropertyDispatcherMembership(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ext := &recordingExtension{}
		d, reg, live := buildDispatcher(zap.NewNop(), time.Hour, ext)
		defer d.Shutdown()

		var open []*Connection
		departed := 0
		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			op := rapid.SampledFrom([]string{"connect", "message", "close", "timeout", "garbage"}).Draw(t, "op")
			if op != "connect" && len(open) == 0 {
				op = "connect"
			}
			switch op {
			case "connect":
				c, err := d.OnConnect(newFakeHandle())
				if err != nil {
					t.Fatalf("connect: %v", err)
				}
				open = append(open, c)
			case "message":
				c := open[rapid.IntRange(0, len(open)-1).Draw(t, "idx")]
				if err := d.OnMessage(c.Handle(), []byte(`{"tick":1}`)); err != nil {
					t.Fatalf("message: %v", err)
				}
			case "garbage":
				c := open[rapid.IntRange(0, len(open)-1).Draw(t, "idx")]
				if err := d.OnMessage(c.Handle(), []byte(`nope`)); err == nil {
					t.Fatalf("garbage frame accepted")
				}
			case "close", "timeout":
				idx := rapid.IntRange(0, len(open)-1).Draw(t, "idx")
				c := open[idx]
				if op == "close" {
					d.OnClose(c.Handle())
				} else {
					forceExpire(live, c)
				}
				// A second teardown of the same connection is a no-op.
				d.OnClose(c.Handle())
				open = append(open[:idx], open[idx+1:]...)
				departed++
			}

			if reg.Len() != len(open) {
				t.Fatalf("registry has %d connections, expected %d", reg.Len(), len(open))
			}
			for _, c := range open {
				if !reg.Contains(c) || !live.Pending(c) {
					t.Fatalf("connection %d lost its registration or timer", c.ID())
				}
			}
			if got := len(ext.disconnectedIDs()); got != departed {
				t.Fatalf("%d disconnect callbacks, expected %d", got, departed)
			}
		}
	})
}
