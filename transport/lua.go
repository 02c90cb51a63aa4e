package transport

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/luma/respite/protocol"
)

// ScriptEngine runs EVAL scripts on gopher-lua with the redis.call API and
// keeps the script cache behind EVALSHA.
type ScriptEngine struct {
	server *TCP

	mu      sync.RWMutex
	scripts map[string]string
}

func NewScriptEngine(server *TCP) *ScriptEngine {
	return &ScriptEngine{
		server:  server,
		scripts: make(map[string]string),
	}
}

func scriptHash(body string) string {
	sum := sha1.Sum([]byte(body))
	return hex.EncodeToString(sum[:])
}

// Load caches body and returns its digest.
func (e *ScriptEngine) Load(body string) string {
	hash := scriptHash(body)

	e.mu.Lock()
	e.scripts[hash] = body
	e.mu.Unlock()

	return hash
}

func (e *ScriptEngine) Exists(hashes ...string) []bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	found := make([]bool, len(hashes))
	for i, hash := range hashes {
		_, found[i] = e.scripts[strings.ToLower(hash)]
	}

	return found
}

// Flush empties the cache; EVALSHA fails with NOSCRIPT afterwards.
func (e *ScriptEngine) Flush() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.scripts = make(map[string]string)
}

func (e *ScriptEngine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return len(e.scripts)
}

func (e *ScriptEngine) EvalSHA(hash string, keys, args [][]byte) protocol.Value {
	e.mu.RLock()
	body, ok := e.scripts[strings.ToLower(hash)]
	e.mu.RUnlock()

	if !ok {
		return protocol.ErrorReply("NOSCRIPT", "No matching script. Please use EVAL.")
	}

	return e.Eval(body, keys, args)
}

// Eval compiles and runs body. A script that compiles is cached, even when
// it fails at run time.
func (e *ScriptEngine) Eval(body string, keys, args [][]byte) protocol.Value {
	L := lua.NewState()
	defer L.Close()

	fn, err := L.LoadString(body)
	if err != nil {
		return errorf("Error compiling script (new function): %s", firstLine(err.Error()))
	}

	hash := e.Load(body)

	L.SetGlobal("KEYS", stringTable(L, keys))
	L.SetGlobal("ARGV", stringTable(L, args))

	redis := L.NewTable()
	L.SetFuncs(redis, map[string]lua.LGFunction{
		"call":         e.call(true),
		"pcall":        e.call(false),
		"status_reply": statusReply,
		"error_reply":  errorReply,
	})
	L.SetGlobal("redis", redis)

	L.Push(fn)
	if err := L.PCall(0, 1, nil); err != nil {
		return scriptFailure(hash, err)
	}

	ret := L.Get(-1)
	L.Pop(1)

	return fromLua(ret)
}

func stringTable(L *lua.LState, values [][]byte) *lua.LTable {
	tbl := L.NewTable()
	for i, v := range values {
		tbl.RawSetInt(i+1, lua.LString(v))
	}

	return tbl
}

// call implements redis.call and, when raise is false, redis.pcall.
func (e *ScriptEngine) call(raise bool) lua.LGFunction {
	return func(L *lua.LState) int {
		reply := e.run(L)

		if reply.IsError() && raise {
			L.Error(toLua(L, reply), 1)
			return 0
		}

		L.Push(toLua(L, reply))
		return 1
	}
}

func (e *ScriptEngine) run(L *lua.LState) protocol.Value {
	argc := L.GetTop()
	if argc == 0 {
		return errorf("Please specify at least one argument for this redis lib call")
	}

	args := make([][]byte, argc)
	for i := 1; i <= argc; i++ {
		switch v := L.Get(i).(type) {
		case lua.LString:
			args[i-1] = []byte(v)
		case lua.LNumber:
			args[i-1] = []byte(v.String())
		default:
			return errorf("Lua redis lib command arguments must be strings or integers")
		}
	}

	name := strings.ToUpper(string(args[0]))

	cmd, ok := commands[name]
	switch {
	case !ok:
		return errorf("Unknown Redis command called from script")
	case name == "EVAL" || name == "EVALSHA" || name == "SCRIPT":
		return errorf("This Redis command is not allowed from script")
	case !arityOK(cmd.arity, len(args)):
		return wrongArity(name)
	}

	return cmd.run(e.server, args)
}

func statusReply(L *lua.LState) int {
	tbl := L.NewTable()
	tbl.RawSetString("ok", lua.LString(L.CheckString(1)))
	L.Push(tbl)
	return 1
}

func errorReply(L *lua.LState) int {
	tbl := L.NewTable()
	tbl.RawSetString("err", lua.LString(L.CheckString(1)))
	L.Push(tbl)
	return 1
}

// toLua converts a reply the way redis.call hands it to a script.
func toLua(L *lua.LState, v protocol.Value) lua.LValue {
	switch v.Kind {
	case protocol.KindInteger:
		return lua.LNumber(v.Int)

	case protocol.KindBulk, protocol.KindVerbatim, protocol.KindBigNumber:
		return lua.LString(v.Str)

	case protocol.KindNil:
		return lua.LFalse

	case protocol.KindBoolean:
		return lua.LBool(v.Bool)

	case protocol.KindDouble:
		return lua.LString(strconv.FormatFloat(v.Float, 'g', -1, 64))

	case protocol.KindStatus:
		tbl := L.NewTable()
		tbl.RawSetString("ok", lua.LString(v.Str))
		return tbl

	case protocol.KindError:
		tbl := L.NewTable()
		tbl.RawSetString("err", lua.LString(v.Err().Error()))
		return tbl

	default:
		tbl := L.NewTable()
		for i, e := range v.Elems {
			tbl.RawSetInt(i+1, toLua(L, e))
		}
		return tbl
	}
}

// fromLua converts a script's return value into a reply.
func fromLua(lv lua.LValue) protocol.Value {
	switch v := lv.(type) {
	case lua.LNumber:
		return protocol.Int(int64(v))

	case lua.LString:
		return protocol.BulkString(string(v))

	case lua.LBool:
		if v {
			return protocol.Int(1)
		}
		return protocol.Nil()

	case *lua.LTable:
		if msg, ok := v.RawGetString("err").(lua.LString); ok {
			serr := protocol.ParseServerError(string(msg))
			return protocol.ErrorReply(serr.Kind, serr.Message)
		}

		if status, ok := v.RawGetString("ok").(lua.LString); ok {
			return protocol.Status(string(status))
		}

		// Arrays end at the first nil, as in Redis.
		var elems []protocol.Value
		for i := 1; ; i++ {
			e := v.RawGetInt(i)
			if e == lua.LNil {
				break
			}
			elems = append(elems, fromLua(e))
		}
		return protocol.Array(elems...)
	}

	return protocol.Nil()
}

func scriptFailure(hash string, err error) protocol.Value {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) {
		// Errors raised by redis.call keep their own code.
		if tbl, ok := apiErr.Object.(*lua.LTable); ok {
			if v := fromLua(tbl); v.IsError() {
				return v
			}
		}

		if apiErr.Object != nil {
			return errorf("Error running script (call to f_%s): %s", hash, firstLine(apiErr.Object.String()))
		}
	}

	return errorf("Error running script (call to f_%s): %s", hash, firstLine(err.Error()))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}

	return s
}
