package lua

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// Executor runs server commands on behalf of a script. The dispatcher
// implements it; scripts never touch the keyspace directly.
type Executor interface {
	Do(name string, args []string) (interface{}, error)
}

// ScriptEngine executes Lua scripts and caches them by SHA1.
type ScriptEngine struct {
	mu       sync.Mutex
	cache    map[string]string
	executor Executor
}

// NewScriptEngine creates an engine bound to an executor.
func NewScriptEngine(executor Executor) *ScriptEngine {
	return &ScriptEngine{
		cache:    make(map[string]string),
		executor: executor,
	}
}

// Eval runs a script with KEYS and ARGV bound.
func (se *ScriptEngine) Eval(script string, keys, args []string) (interface{}, error) {
	L := lua.NewState()
	defer L.Close()

	se.registerRedisAPI(L)
	setGlobals(L, keys, args)

	if err := L.DoString(script); err != nil {
		return nil, fmt.Errorf("ERR Error running script: %v", err)
	}
	return luaToGo(L.Get(-1)), nil
}

// EvalSHA runs a cached script by hash.
func (se *ScriptEngine) EvalSHA(sha string, keys, args []string) (interface{}, error) {
	se.mu.Lock()
	script, ok := se.cache[sha]
	se.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("NOSCRIPT No matching script. Please use EVAL")
	}
	return se.Eval(script, keys, args)
}

// Load caches a script and returns its SHA1.
func (se *ScriptEngine) Load(script string) string {
	sum := sha1.Sum([]byte(script))
	sha := hex.EncodeToString(sum[:])

	se.mu.Lock()
	se.cache[sha] = script
	se.mu.Unlock()
	return sha
}

// Exists reports which hashes are cached.
func (se *ScriptEngine) Exists(shas []string) []bool {
	se.mu.Lock()
	defer se.mu.Unlock()

	results := make([]bool, len(shas))
	for i, sha := range shas {
		_, results[i] = se.cache[sha]
	}
	return results
}

// Flush drops the script cache.
func (se *ScriptEngine) Flush() {
	se.mu.Lock()
	se.cache = make(map[string]string)
	se.mu.Unlock()
}

// registerRedisAPI installs the redis table with call and pcall.
func (se *ScriptEngine) registerRedisAPI(L *lua.LState) {
	redisTable := L.NewTable()

	redisTable.RawSetString("call", L.NewFunction(func(L *lua.LState) int {
		name, args, err := callArgs(L)
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		result, err := se.executor.Do(name, args)
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		L.Push(goToLua(L, result))
		return 1
	}))

	redisTable.RawSetString("pcall", L.NewFunction(func(L *lua.LState) int {
		name, args, err := callArgs(L)
		if err == nil {
			var result interface{}
			result, err = se.executor.Do(name, args)
			if err == nil {
				L.Push(goToLua(L, result))
				return 1
			}
		}
		errTable := L.NewTable()
		errTable.RawSetString("err", lua.LString(err.Error()))
		L.Push(errTable)
		return 1
	}))

	redisTable.RawSetString("error_reply", L.NewFunction(func(L *lua.LState) int {
		errTable := L.NewTable()
		errTable.RawSetString("err", lua.LString(L.CheckString(1)))
		L.Push(errTable)
		return 1
	}))

	redisTable.RawSetString("status_reply", L.NewFunction(func(L *lua.LState) int {
		okTable := L.NewTable()
		okTable.RawSetString("ok", lua.LString(L.CheckString(1)))
		L.Push(okTable)
		return 1
	}))

	L.SetGlobal("redis", redisTable)
}

// callArgs extracts the command name and string arguments of a
// redis.call invocation.
func callArgs(L *lua.LState) (string, []string, error) {
	n := L.GetTop()
	if n < 1 {
		return "", nil, fmt.Errorf("redis.call requires at least one argument")
	}

	name := L.CheckString(1)
	args := make([]string, 0, n-1)
	for i := 2; i <= n; i++ {
		switch v := L.Get(i).(type) {
		case lua.LString:
			args = append(args, string(v))
		case lua.LNumber:
			args = append(args, strconv.FormatFloat(float64(v), 'f', -1, 64))
		default:
			return "", nil, fmt.Errorf("redis.call argument %d is not a string or number", i-1)
		}
	}
	return name, args, nil
}

// setGlobals binds the 1-indexed KEYS and ARGV arrays.
func setGlobals(L *lua.LState, keys, args []string) {
	keysTable := L.NewTable()
	for i, key := range keys {
		keysTable.RawSetInt(i+1, lua.LString(key))
	}
	L.SetGlobal("KEYS", keysTable)

	argvTable := L.NewTable()
	for i, arg := range args {
		argvTable.RawSetInt(i+1, lua.LString(arg))
	}
	L.SetGlobal("ARGV", argvTable)
}

// luaToGo converts a script result to the value shapes the reply
// encoder understands.
func luaToGo(lv lua.LValue) interface{} {
	switch v := lv.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		return int64(v)
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if ok := v.RawGetString("ok"); ok != lua.LNil {
			return map[string]interface{}{"ok": luaToGo(ok)}
		}
		if errVal := v.RawGetString("err"); errVal != lua.LNil {
			return map[string]interface{}{"err": luaToGo(errVal)}
		}

		length := v.Len()
		arr := make([]interface{}, length)
		for i := 1; i <= length; i++ {
			arr[i-1] = luaToGo(v.RawGetInt(i))
		}
		return arr
	default:
		return nil
	}
}

// goToLua converts an executor result into a Lua value.
func goToLua(L *lua.LState, v interface{}) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LFalse
	case bool:
		return lua.LBool(val)
	case int64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []string:
		table := L.NewTable()
		for i, item := range val {
			table.RawSetInt(i+1, lua.LString(item))
		}
		return table
	case []interface{}:
		table := L.NewTable()
		for i, item := range val {
			table.RawSetInt(i+1, goToLua(L, item))
		}
		return table
	case map[string]interface{}:
		table := L.NewTable()
		for k, item := range val {
			table.RawSetString(k, goToLua(L, item))
		}
		return table
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
