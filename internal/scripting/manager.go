package scripting

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/cory-johannsen/relay/internal/presence"
)

// Hook names looked up as Lua globals.
const (
	HookStart        = "on_start"
	HookConnected    = "on_connected"
	HookDisconnected = "on_disconnected"
	HookMessage      = "on_message"
)

// ErrNotLoaded is returned by CallHook before Load succeeds.
var ErrNotLoaded = errors.New("scripting: no scripts loaded")

// Manager owns one sandboxed LState and dispatches relay events to it as
// Lua hook calls. It implements presence.Extension and presence.Starter.
//
// An LState is single-threaded, so every hook call holds mu. Hooks run with a
// fresh instruction budget each.
type Manager struct {
	mu     sync.Mutex
	L      *lua.LState
	limit  int
	logger *zap.Logger

	// current is the Broadcaster for the hook in progress. Read only by
	// relay.* functions, which run while mu is held.
	current presence.Broadcaster
}

// NewManager creates a Manager with no scripts loaded.
//
// Precondition: logger must be non-nil.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{logger: logger}
}

// Load creates a sandboxed VM, registers the relay module, then executes
// every *.lua file in scriptDir in lexicographic order. A successful Load
// replaces any previously loaded VM.
//
// Precondition: scriptDir must be a readable directory; instLimit >= 0.
// Postcondition: Returns error on read or Lua load failure; the previous VM,
// if any, stays active in that case.
func (m *Manager) Load(scriptDir string, instLimit int) error {
	entries, err := os.ReadDir(scriptDir)
	if err != nil {
		return fmt.Errorf("scripting: reading script dir %q: %w", scriptDir, err)
	}
	var luaFiles []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".lua" {
			luaFiles = append(luaFiles, filepath.Join(scriptDir, e.Name()))
		}
	}
	sort.Strings(luaFiles)

	L := NewSandbox(instLimit, m.logger)
	m.RegisterModules(L)
	for _, path := range luaFiles {
		if err := L.DoFile(path); err != nil {
			L.Close()
			return fmt.Errorf("scripting: loading %q: %w", path, err)
		}
	}

	m.mu.Lock()
	old := m.L
	m.L = L
	m.limit = instLimit
	m.mu.Unlock()
	if old != nil {
		old.Close()
	}

	m.logger.Info("scripts loaded",
		zap.String("dir", scriptDir),
		zap.Int("files", len(luaFiles)),
	)
	return nil
}

// Close releases the VM. Later hook calls are no-ops.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.L != nil {
		m.L.Close()
		m.L = nil
	}
}

// CallHook calls the named Lua global function with b exposed to relay.*.
// Returns (LNil, nil) if the hook is not defined. Lua runtime errors,
// including an exhausted instruction budget, are returned.
//
// Precondition: b must be non-nil; args must be created by the VM's own
// LState or be scalar values.
// Postcondition: Returns the first return value of the hook, or LNil.
func (m *Manager) CallHook(b presence.Broadcaster, hook string, args ...lua.LValue) (lua.LValue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callLocked(b, hook, func(*lua.LState) []lua.LValue { return args })
}

// callLocked runs hook with arguments built against the live LState.
// Precondition: m.mu is held.
func (m *Manager) callLocked(b presence.Broadcaster, hook string, build func(L *lua.LState) []lua.LValue) (lua.LValue, error) {
	L := m.L
	if L == nil {
		return lua.LNil, ErrNotLoaded
	}
	fn := L.GetGlobal(hook)
	if fn == lua.LNil {
		return lua.LNil, nil
	}

	cancel := charge(L, m.limit)
	defer cancel()
	m.current = b
	defer func() { m.current = nil }()

	if err := L.CallByParam(lua.P{
		Fn:      fn,
		NRet:    1,
		Protect: true,
	}, build(L)...); err != nil {
		return lua.LNil, fmt.Errorf("scripting: hook %s: %w", hook, err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	return ret, nil
}

// dispatch calls hook and logs, rather than returns, any failure.
func (m *Manager) dispatch(b presence.Broadcaster, hook string, connID int64, build func(L *lua.LState) []lua.LValue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.L == nil {
		return
	}
	if _, err := m.callLocked(b, hook, build); err != nil {
		m.logger.Warn("scripting: Lua runtime error",
			zap.String("hook", hook),
			zap.Int64("conn_id", connID),
			zap.Error(err),
		)
	}
}

// Start calls on_start once. A failing on_start is returned so startup aborts.
func (m *Manager) Start(b presence.Broadcaster) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.L == nil {
		return nil
	}
	_, err := m.callLocked(b, HookStart, func(*lua.LState) []lua.LValue { return nil })
	return err
}

// Connected calls on_connected(id, session).
func (m *Manager) Connected(b presence.Broadcaster, s presence.Session) {
	m.dispatch(b, HookConnected, s.ID, func(L *lua.LState) []lua.LValue {
		return []lua.LValue{lua.LNumber(s.ID), sessionTable(L, s)}
	})
}

// Disconnected calls on_disconnected(id, reason).
func (m *Manager) Disconnected(b presence.Broadcaster, s presence.Session, reason presence.CloseReason) {
	m.dispatch(b, HookDisconnected, s.ID, func(*lua.LState) []lua.LValue {
		return []lua.LValue{lua.LNumber(s.ID), lua.LString(reason)}
	})
}

// Message calls on_message(id, payload) with the decoded frame as a table.
func (m *Manager) Message(b presence.Broadcaster, s presence.Session, msg presence.Message) {
	values, err := msg.Values()
	if err != nil {
		m.logger.Debug("scripting: undecodable message", zap.Int64("conn_id", s.ID), zap.Error(err))
		return
	}
	m.dispatch(b, HookMessage, s.ID, func(L *lua.LState) []lua.LValue {
		return []lua.LValue{lua.LNumber(s.ID), toLua(L, values)}
	})
}

func sessionTable(L *lua.LState, s presence.Session) *lua.LTable {
	t := L.CreateTable(0, 4)
	t.RawSetString("id", lua.LNumber(s.ID))
	t.RawSetString("key", lua.LString(s.Key.String()))
	t.RawSetString("remote_addr", lua.LString(s.RemoteAddr))
	t.RawSetString("connected_at", lua.LNumber(s.ConnectedAt.Unix()))
	return t
}
