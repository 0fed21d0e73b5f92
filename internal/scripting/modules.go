package scripting

import (
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/cory-johannsen/relay/internal/presence"
)

// RegisterModules registers the relay.* Lua table into L:
//
//	relay.broadcast(payload [, ids])  -> delivered count
//	relay.send(id, payload)           -> true, or false and an error string
//	relay.count()                     -> number of live connections
//	relay.ids()                       -> array of live connection ids
//	relay.log(msg [, level])          -> writes to the relay logger
//
// Precondition: L must be from NewSandbox.
// Postcondition: relay global is defined in L.
func (m *Manager) RegisterModules(L *lua.LState) {
	relay := L.NewTable()
	L.SetFuncs(relay, map[string]lua.LGFunction{
		"broadcast": m.luaBroadcast,
		"send":      m.luaSend,
		"count":     m.luaCount,
		"ids":       m.luaIDs,
		"log":       m.luaLog,
	})
	L.SetGlobal("relay", relay)
}

func (m *Manager) requireBroadcaster(L *lua.LState) bool {
	if m.current == nil {
		L.RaiseError("relay API is only available inside hooks")
		return false
	}
	return true
}

func (m *Manager) luaBroadcast(L *lua.LState) int {
	if !m.requireBroadcaster(L) {
		return 0
	}
	payload := fromLua(L.CheckTable(1))

	var n int
	var err error
	if ids, ok := L.Get(2).(*lua.LTable); ok {
		conns := make([]*presence.Connection, 0, ids.Len())
		ids.ForEach(func(_, v lua.LValue) {
			if num, ok := v.(lua.LNumber); ok {
				if c, found := m.current.Lookup(int64(num)); found {
					conns = append(conns, c)
				}
			}
		})
		if len(conns) == 0 {
			L.Push(lua.LNumber(0))
			return 1
		}
		n, err = m.current.Broadcast(payload, conns...)
	} else {
		n, err = m.current.Broadcast(payload)
	}
	if err != nil {
		L.RaiseError("relay.broadcast: %s", err.Error())
		return 0
	}
	L.Push(lua.LNumber(n))
	return 1
}

func (m *Manager) luaSend(L *lua.LState) int {
	if !m.requireBroadcaster(L) {
		return 0
	}
	id := L.CheckInt64(1)
	payload := fromLua(L.CheckTable(2))

	c, ok := m.current.Lookup(id)
	if !ok {
		L.Push(lua.LFalse)
		L.Push(lua.LString("unknown connection"))
		return 2
	}
	if err := m.current.Send(c, payload); err != nil {
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

func (m *Manager) luaCount(L *lua.LState) int {
	if !m.requireBroadcaster(L) {
		return 0
	}
	L.Push(lua.LNumber(m.current.Count()))
	return 1
}

func (m *Manager) luaIDs(L *lua.LState) int {
	if !m.requireBroadcaster(L) {
		return 0
	}
	conns := m.current.Connections()
	t := L.CreateTable(len(conns), 0)
	for _, c := range conns {
		t.Append(lua.LNumber(c.ID()))
	}
	L.Push(t)
	return 1
}

func (m *Manager) luaLog(L *lua.LState) int {
	msg := L.CheckString(1)
	level := L.OptString(2, "info")
	fields := []zap.Field{zap.String("source", "lua")}
	switch level {
	case "debug":
		m.logger.Debug(msg, fields...)
	case "warn":
		m.logger.Warn(msg, fields...)
	case "error":
		m.logger.Error(msg, fields...)
	default:
		m.logger.Info(msg, fields...)
	}
	return 0
}
