// Package script executes Lua jinx steps in a sandboxed interpreter.
// Scripts see the execution context as a `context` table plus a small
// host API; globals they create are merged back into the context.
package script

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"

	lua "github.com/yuin/gopher-lua"

	"github.com/mpataki/guardian/internal/jinx"
	"github.com/mpataki/guardian/internal/llm"
	"github.com/mpataki/guardian/internal/render"
)

// Engine runs Lua step code. A zero Engine denies command execution;
// enable it explicitly with WithExec.
type Engine struct {
	logger    *slog.Logger
	allowExec bool
}

var _ jinx.ScriptEngine = (*Engine)(nil)

type Option func(*Engine)

// WithExec allows scripts to call run_cmd. Off by default.
func WithExec(allow bool) Option {
	return func(e *Engine) { e.allowExec = allow }
}

func NewEngine(logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{logger: logger}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Run executes code and returns the globals the script created.
func (e *Engine) Run(ctx context.Context, code string, execCtx render.Context, agent jinx.Agent) (map[string]any, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs: true,
	})
	defer L.Close()
	L.SetContext(ctx)

	e.openSafeLibs(L)
	e.registerAPI(ctx, L, execCtx, agent)

	// Snapshot global names so new bindings can be collected afterwards.
	baseline := make(map[string]bool)
	L.G.Global.ForEach(func(k, _ lua.LValue) {
		baseline[k.String()] = true
	})

	if err := L.DoString(code); err != nil {
		return nil, fmt.Errorf("lua execution failed: %w", err)
	}

	updates := make(map[string]any)
	L.G.Global.ForEach(func(k, v lua.LValue) {
		name := k.String()
		if baseline[name] {
			return
		}
		if v.Type() == lua.LTFunction {
			return
		}
		updates[name] = luaToGo(v)
	})

	return updates, nil
}

func (e *Engine) openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)

	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil) // use log() instead

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
}

func (e *Engine) registerAPI(ctx context.Context, L *lua.LState, execCtx render.Context, agent jinx.Agent) {
	L.SetGlobal("context", mapToTable(L, execCtx))

	if agent != nil {
		L.SetGlobal("guardian", lua.LString(agent.AgentName()))
	}

	L.SetGlobal("llm", L.NewFunction(func(L *lua.LState) int {
		prompt := L.CheckString(1)
		if agent == nil {
			L.RaiseError("no guardian available for llm()")
			return 0
		}
		resp, err := agent.Complete(ctx, prompt, nil)
		if err != nil {
			L.RaiseError("llm call failed: %v", err)
			return 0
		}
		L.Push(lua.LString(resp.Text))
		return 1
	}))

	L.SetGlobal("run_cmd", L.NewFunction(func(L *lua.LState) int {
		command := L.CheckString(1)
		if !e.allowExec {
			L.RaiseError("command execution is disabled")
			return 0
		}
		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		out, err := cmd.CombinedOutput()
		exitCode := 0
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			} else {
				L.RaiseError("run_cmd failed: %v", err)
				return 0
			}
		}
		L.Push(lua.LString(string(out)))
		L.Push(lua.LNumber(exitCode))
		return 2
	}))

	L.SetGlobal("glob", L.NewFunction(func(L *lua.LState) int {
		pattern := L.CheckString(1)
		matches, err := filepath.Glob(pattern)
		if err != nil {
			L.RaiseError("bad glob pattern: %v", err)
			return 0
		}
		tbl := L.NewTable()
		for i, m := range matches {
			L.SetTable(tbl, lua.LNumber(i+1), lua.LString(m))
		}
		L.Push(tbl)
		return 1
	}))

	L.SetGlobal("json_encode", L.NewFunction(func(L *lua.LState) int {
		v := luaToGo(L.CheckAny(1))
		data, err := json.Marshal(v)
		if err != nil {
			L.RaiseError("json_encode failed: %v", err)
			return 0
		}
		L.Push(lua.LString(string(data)))
		return 1
	}))

	L.SetGlobal("json_decode", L.NewFunction(func(L *lua.LState) int {
		text := L.CheckString(1)
		var v any
		if err := json.Unmarshal([]byte(text), &v); err != nil {
			L.RaiseError("json_decode failed: %v", err)
			return 0
		}
		L.Push(goToLua(L, v))
		return 1
	}))

	L.SetGlobal("log", L.NewFunction(func(L *lua.LState) int {
		message := L.CheckString(1)
		e.logger.Info("script log", "message", message)
		return 0
	}))
}

func mapToTable(L *lua.LState, m map[string]any) *lua.LTable {
	tbl := L.NewTable()
	for k, v := range m {
		L.SetField(tbl, k, goToLua(L, v))
	}
	return tbl
}

func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		tbl := L.NewTable()
		for i, item := range val {
			L.SetTable(tbl, lua.LNumber(i+1), goToLua(L, item))
		}
		return tbl
	case []llm.Message:
		tbl := L.NewTable()
		for i, msg := range val {
			entry := L.NewTable()
			L.SetField(entry, "role", lua.LString(string(msg.Role)))
			L.SetField(entry, "content", lua.LString(msg.Content))
			L.SetTable(tbl, lua.LNumber(i+1), entry)
		}
		return tbl
	case map[string]any:
		return mapToTable(L, val)
	case render.Context:
		return mapToTable(L, val)
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		// Arrays come back as slices, everything else as maps.
		arrayLen := val.Len()
		if arrayLen > 0 {
			out := make([]any, 0, arrayLen)
			for i := 1; i <= arrayLen; i++ {
				out = append(out, luaToGo(val.RawGetInt(i)))
			}
			return out
		}
		out := make(map[string]any)
		val.ForEach(func(k, item lua.LValue) {
			out[k.String()] = luaToGo(item)
		})
		if len(out) == 0 {
			return []any{}
		}
		return out
	default:
		return val.String()
	}
}
