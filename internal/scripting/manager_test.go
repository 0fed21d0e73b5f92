package scripting_test

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/relay/internal/presence"
	"github.com/cory-johannsen/relay/internal/scripting"
)

var handleSeq atomic.Int64

type memHandle struct {
	addr string
	mu   sync.Mutex
	sent []map[string]any
}

func newMemHandle() *memHandle {
	return &memHandle{addr: fmt.Sprintf("198.51.100.%d:7000", handleSeq.Add(1))}
}

func (h *memHandle) Send(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, m)
	return nil
}

func (h *memHandle) Close() error       { return nil }
func (h *memHandle) RemoteAddr() string { return h.addr }

func (h *memHandle) frames() []map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]map[string]any(nil), h.sent...)
}

func (h *memHandle) last() map[string]any {
	f := h.frames()
	if len(f) == 0 {
		return nil
	}
	return f[len(f)-1]
}

func writeTempLua(t testing.TB, filename, src string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, filename), []byte(src), 0644))
	return dir
}

func newTestManager(t testing.TB) (*scripting.Manager, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	mgr := scripting.NewManager(zap.New(core))
	t.Cleanup(mgr.Close)
	return mgr, logs
}

func newDispatcher(t *testing.T, ext presence.Extension) *presence.Dispatcher {
	t.Helper()
	logger := zap.NewNop()
	reg := presence.NewRegistry(presence.DefaultIDSpace, nil)
	live := presence.NewLiveness(reg, time.Hour, logger)
	d := presence.NewDispatcher(reg, live, ext, presence.Options{}, logger)
	t.Cleanup(d.Shutdown)
	return d
}

func TestManager_Load_CallsHook(t *testing.T) {
	mgr, _ := newTestManager(t)
	dir := writeTempLua(t, "hooks.lua", `
		function test_hook(a, b)
			return a + b
		end
	`)
	require.NoError(t, mgr.Load(dir, 0))
	d := newDispatcher(t, nil)
	ret, err := mgr.CallHook(d, "test_hook", lua.LNumber(3), lua.LNumber(4))
	require.NoError(t, err)
	assert.Equal(t, lua.LNumber(7), ret)
}

func TestManager_CallHook_MissingHook_NoOp(t *testing.T) {
	mgr, _ := newTestManager(t)
	require.NoError(t, mgr.Load(writeTempLua(t, "empty.lua", `-- no functions`), 0))
	ret, err := mgr.CallHook(newDispatcher(t, nil), "nonexistent_hook")
	require.NoError(t, err)
	assert.Equal(t, lua.LNil, ret)
}

func TestManager_CallHook_NotLoaded(t *testing.T) {
	mgr, _ := newTestManager(t)
	_, err := mgr.CallHook(newDispatcher(t, nil), "anything")
	assert.ErrorIs(t, err, scripting.ErrNotLoaded)
}

func TestManager_Load_Errors(t *testing.T) {
	mgr, _ := newTestManager(t)
	assert.Error(t, mgr.Load(filepath.Join(t.TempDir(), "missing"), 0))
	assert.Error(t, mgr.Load(writeTempLua(t, "bad.lua", `function (`), 0))
	assert.Error(t, mgr.Load(writeTempLua(t, "api.lua", `relay.count()`), 0),
		"relay API is not available outside hooks")
}

func TestManager_Load_FilesInOrder(t *testing.T) {
	mgr, _ := newTestManager(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.lua"), []byte(`order = order .. "b"`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.lua"), []byte(`order = "a"`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte(`not lua`), 0644))
	require.NoError(t, mgr.Load(dir, 0))

	ret, err := mgr.CallHook(newDispatcher(t, nil), "get_order")
	require.NoError(t, err)
	assert.Equal(t, lua.LNil, ret)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.lua"), []byte(`function get_order() return order end`), 0644))
	require.NoError(t, mgr.Load(dir, 0))
	ret, err = mgr.CallHook(newDispatcher(t, nil), "get_order")
	require.NoError(t, err)
	assert.Equal(t, lua.LString("ab"), ret)
}

func TestManager_RuntimeErrorLoggedNotPropagated(t *testing.T) {
	mgr, logs := newTestManager(t)
	require.NoError(t, mgr.Load(writeTempLua(t, "bad.lua", `
		function on_message(id, payload)
			error("intentional error")
		end
	`), 0))
	d := newDispatcher(t, mgr)
	h := newMemHandle()
	_, err := d.OnConnect(h)
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		require.NoError(t, d.OnMessage(h, []byte(`{"x": 1}`)))
	})
	assert.Equal(t, 1, logs.FilterMessage("scripting: Lua runtime error").Len())
}

func TestManager_BudgetIsPerCall(t *testing.T) {
	mgr, _ := newTestManager(t)
	require.NoError(t, mgr.Load(writeTempLua(t, "loop.lua", `
		function work()
			local s = 0
			for i = 1, 50 do s = s + i end
			return s
		end
		function spin()
			while true do end
		end
	`), 2000))
	d := newDispatcher(t, nil)

	for i := 0; i < 100; i++ {
		ret, err := mgr.CallHook(d, "work")
		require.NoError(t, err, "call %d", i)
		assert.Equal(t, lua.LNumber(1275), ret)
	}

	_, err := mgr.CallHook(d, "spin")
	assert.Error(t, err, "runaway hook is stopped")

	ret, err := mgr.CallHook(d, "work")
	require.NoError(t, err, "VM stays usable after a budget overrun")
	assert.Equal(t, lua.LNumber(1275), ret)
}

const relayScript = `
seen = {}

function on_start()
	relay.log("relay script started")
end

function on_connected(id, session)
	relay.send(id, { welcome = id, addr = session.remote_addr })
	relay.broadcast({ online = relay.count() })
end

function on_message(id, payload)
	if payload.buzz then
		relay.broadcast({ PGE_WS_KEY_1 = 1 })
	end
	if payload.whisper then
		local others = {}
		for _, other in ipairs(relay.ids()) do
			if other ~= id then table.insert(others, other) end
		end
		relay.broadcast({ whisper = payload.whisper, from = id }, others)
	end
end

function on_disconnected(id, reason)
	relay.broadcast({ left = id, reason = reason })
end
`

func TestManager_RelayHooks(t *testing.T) {
	mgr, logs := newTestManager(t)
	require.NoError(t, mgr.Load(writeTempLua(t, "relay.lua", relayScript), 0))
	d := newDispatcher(t, mgr)
	require.NoError(t, d.Start())
	assert.Equal(t, 1, logs.FilterMessage("relay script started").Len())

	a, b := newMemHandle(), newMemHandle()
	ca, err := d.OnConnect(a)
	require.NoError(t, err)

	welcome := a.frames()[1]
	assert.Equal(t, float64(ca.ID()), welcome["welcome"])
	assert.Equal(t, a.RemoteAddr(), welcome["addr"])
	assert.Equal(t, float64(1), a.last()["online"])

	cb, err := d.OnConnect(b)
	require.NoError(t, err)
	assert.Equal(t, float64(2), a.last()["online"])

	require.NoError(t, d.OnMessage(a, []byte(`{"buzz": true}`)))
	assert.Equal(t, float64(1), a.last()["PGE_WS_KEY_1"])
	assert.Equal(t, float64(1), b.last()["PGE_WS_KEY_1"])

	require.NoError(t, d.OnMessage(a, []byte(`{"whisper": "psst"}`)))
	assert.Equal(t, "psst", b.last()["whisper"])
	assert.Equal(t, float64(ca.ID()), b.last()["from"])
	assert.NotContains(t, a.last(), "whisper")

	d.OnClose(b)
	left := a.last()
	assert.Equal(t, float64(cb.ID()), left["left"])
	assert.Equal(t, string(presence.ReasonClosed), left["reason"])
}

func TestManager_StartError(t *testing.T) {
	mgr, _ := newTestManager(t)
	require.NoError(t, mgr.Load(writeTempLua(t, "start.lua", `
		function on_start() error("cannot start") end
	`), 0))
	d := newDispatcher(t, mgr)
	assert.Error(t, d.Start())
}

func TestManager_SendUnknownConnection(t *testing.T) {
	mgr, _ := newTestManager(t)
	require.NoError(t, mgr.Load(writeTempLua(t, "send.lua", `
		function try_send()
			local ok, err = relay.send(424242, { x = 1 })
			return tostring(ok) .. ":" .. tostring(err)
		end
	`), 0))
	ret, err := mgr.CallHook(newDispatcher(t, nil), "try_send")
	require.NoError(t, err)
	assert.Equal(t, lua.LString("false:unknown connection"), ret)
}

func TestManager_ClosedManagerIgnoresEvents(t *testing.T) {
	mgr, _ := newTestManager(t)
	require.NoError(t, mgr.Load(writeTempLua(t, "relay.lua", relayScript), 0))
	mgr.Close()
	d := newDispatcher(t, mgr)
	h := newMemHandle()
	_, err := d.OnConnect(h)
	require.NoError(t, err)
	assert.Len(t, h.frames(), 1, "only the ack")
	assert.NoError(t, d.Start())
}

// Property: string and integer payload values survive the trip into Lua and
// back out through relay.send.
func TestProperty_PayloadEcho(t *testing.T) {
	mgr, _ := newTestManager(t)
	require.NoError(t, mgr.Load(writeTempLua(t, "echo.lua", `
		function on_message(id, payload)
			relay.send(id, payload)
		end
	`), 0))

	rapid.Check(t, func(rt *rapid.T) {
		logger := zap.NewNop()
		reg := presence.NewRegistry(presence.DefaultIDSpace, nil)
		live := presence.NewLiveness(reg, time.Hour, logger)
		d := presence.NewDispatcher(reg, live, mgr, presence.Options{}, logger)
		defer d.Shutdown()

		h := newMemHandle()
		_, err := d.OnConnect(h)
		if err != nil {
			rt.Fatalf("connect: %v", err)
		}
		text := rapid.StringMatching(`[a-zA-Z0-9 ]{0,20}`).Draw(rt, "text")
		num := rapid.IntRange(-1_000_000, 1_000_000).Draw(rt, "num")
		frame, _ := json.Marshal(map[string]any{"text": text, "num": num})
		if err := d.OnMessage(h, frame); err != nil {
			rt.Fatalf("message: %v", err)
		}
		got := h.last()
		if got["text"] != text || got["num"] != float64(num) {
			rt.Fatalf("echo mismatch: sent text=%q num=%d, got %v", text, num, got)
		}
	})
}

func TestManager_MessageArrayKeepsNullPositions(t *testing.T) {
	mgr, _ := newTestManager(t)
	require.NoError(t, mgr.Load(writeTempLua(t, "arrays.lua", `
		function on_message(id, payload)
			local xs = payload.xs
			relay.send(id, { len = #xs, third = xs[3], second_nil = xs[2] == nil })
		end
	`), 0))
	d := newDispatcher(t, mgr)
	h := newMemHandle()
	_, err := d.OnConnect(h)
	require.NoError(t, err)

	require.NoError(t, d.OnMessage(h, []byte(`{"xs": [1, null, 3]}`)))
	got := h.last()
	assert.Equal(t, float64(3), got["len"])
	assert.Equal(t, float64(3), got["third"])
	assert.Equal(t, true, got["second_nil"])
}
