package registry

import (
	"context"

	lua "github.com/yuin/gopher-lua"

	"github.com/craftengine/kernel/pkg/kerrors"
)

// RPCCaller lets the handler policy synchronously invoke a service method
// through the RPC switchboard for handler=[service,method] entries (spec
// §4.9.1). Implementations must not be called from the reactor goroutine
// (spec §5, "Suspension points"); the registry calls it from evaluate, on
// whichever goroutine called Get, Set or Remove.
type RPCCaller interface {
	Call(ctx context.Context, service, method string, op Op, key string, data Query) (bool, error)
}

// evaluate runs the handler policy for op against key/data, returning nil if
// allowed or a kerrors.Error(KindAccess) if denied.
func evaluate(ctx context.Context, h Handler, luaScript string, caller RPCCaller, op Op, key string, data Query) error {
	switch h.Kind {
	case HandlerNone:
		return evaluateLua(luaScript, op, key, data)
	case HandlerAllow:
		return nil
	case HandlerDeny:
		return kerrors.Access("handler denied %s on %q", op, key)
	case HandlerRPC:
		if caller == nil {
			return evaluateLua(luaScript, op, key, data)
		}
		allowed, err := caller.Call(ctx, h.Service, h.Method, op, key, data)
		if err != nil {
			// "on any exception, fall through to handler_lua" (spec §4.9.1)
			return evaluateLua(luaScript, op, key, data)
		}
		if !allowed {
			return kerrors.Access("rpc handler %s.%s denied %s on %q", h.Service, h.Method, op, key)
		}
		return nil
	default:
		return kerrors.Access("unknown handler kind for %q", key)
	}
}

// evaluateLua runs handler_lua as a sandboxed policy script receiving
// (op, key, data) and returning a boolean, matching the original's
// lupa.LuaRuntime().eval(h)(*data) use. An empty script is treated as
// handler=true (allow), matching the "equivalent to handler=true" fallback
// spec §9 describes for deployments with no engine wired in — here the
// engine is always wired in, so this only covers the "no script configured"
// case.
func evaluateLua(script string, op Op, key string, data Query) error {
	if script == "" {
		return nil
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := L.CallByParam(lua.P{Fn: L.NewFunction(lib.fn), NRet: 0, Protect: true}, lua.LString(lib.name)); err != nil {
			return kerrors.Access("lua policy init: %v", err)
		}
	}

	// The script is an expression yielding the policy function, which is
	// then called with (op, key, data).
	fn, err := L.LoadString("return " + script)
	if err != nil {
		return kerrors.Access("lua policy parse: %v", err)
	}
	L.Push(fn)
	if err := L.PCall(0, 1, nil); err != nil {
		return kerrors.Access("lua policy eval: %v", err)
	}
	policy := L.Get(-1)
	L.Pop(1)
	L.Push(policy)
	L.Push(lua.LString(op))
	L.Push(lua.LString(key))
	L.Push(queryToLua(L, data))

	if err := L.PCall(3, 1, nil); err != nil {
		return kerrors.Access("lua policy eval: %v", err)
	}
	ret := L.Get(-1)
	L.Pop(1)

	if lua.LVAsBool(ret) {
		return nil
	}
	return kerrors.Access("lua policy denied %s on %q", op, key)
}

func queryToLua(L *lua.LState, q Query) lua.LValue {
	tbl := L.NewTable()
	for k, v := range q {
		tbl.RawSetString(k, goToLua(L, v))
	}
	return tbl
}

func goToLua(L *lua.LState, v any) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(x)
	case string:
		return lua.LString(x)
	case int:
		return lua.LNumber(x)
	case int64:
		return lua.LNumber(x)
	case float64:
		return lua.LNumber(x)
	case []any:
		tbl := L.NewTable()
		for i, e := range x {
			tbl.RawSetInt(i+1, goToLua(L, e))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, e := range x {
			tbl.RawSetString(k, goToLua(L, e))
		}
		return tbl
	default:
		return lua.LNil
	}
}
