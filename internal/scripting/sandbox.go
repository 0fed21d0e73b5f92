// Package scripting runs relay extensions written in Lua inside a sandboxed
// GopherLua VM. Scripts see connection events as global hook functions and
// reach back into the relay through the relay.* module.
package scripting

import (
	"context"
	"strings"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// DefaultInstructionLimit is the opcode allowance of one hook call when no
// limit is configured.
const DefaultInstructionLimit = 100_000

// removedGlobals are base functions a relay script must not reach.
var removedGlobals = []string{"dofile", "loadfile", "load", "loadstring", "collectgarbage", "require", "module"}

// opBudget is a context that cancels itself once its allowance is spent.
// GopherLua polls Done once per opcode, so the allowance counts opcodes.
type opBudget struct {
	context.Context
	cancel context.CancelFunc
	left   atomic.Int64
}

func (b *opBudget) Done() <-chan struct{} {
	if b.left.Add(-1) < 0 {
		b.cancel()
	}
	return b.Context.Done()
}

// charge installs a new allowance of limit opcodes on L and returns the
// function that releases it. A limit <= 0 means DefaultInstructionLimit.
func charge(L *lua.LState, limit int) context.CancelFunc {
	if limit <= 0 {
		limit = DefaultInstructionLimit
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &opBudget{Context: ctx, cancel: cancel}
	b.left.Store(int64(limit))
	L.SetContext(b)
	return cancel
}

// NewSandbox returns an LState limited to the base, table, string and math
// libraries, with file and module loading removed and print routed to logger
// at debug level. Script loading runs under one allowance of instLimit.
//
// Precondition: instLimit >= 0; logger must be non-nil.
// Postcondition: The caller owns the returned LState and must Close it.
func NewSandbox(instLimit int, logger *zap.Logger) *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	for _, name := range removedGlobals {
		L.SetGlobal(name, lua.LNil)
	}
	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		parts := make([]string, L.GetTop())
		for i := range parts {
			parts[i] = L.ToStringMeta(L.Get(i + 1)).String()
		}
		logger.Debug("lua print", zap.String("msg", strings.Join(parts, "\t")))
		return 0
	}))

	charge(L, instLimit)
	return L
}
