package handler

import (
	"fmt"
	"strconv"
	"strings"

	"minidis/internal/protocol"
)

func (h *CommandHandler) handleEval(req *Request) []byte {
	script, keys, args, errReply := splitScriptArgs(req, "eval")
	if errReply != nil {
		return errReply
	}

	result, err := h.scripts.Eval(script, keys, args)
	if err != nil {
		return protocol.EncodeError(err.Error())
	}
	return encodeScriptResult(result)
}

func (h *CommandHandler) handleEvalSHA(req *Request) []byte {
	sha, keys, args, errReply := splitScriptArgs(req, "evalsha")
	if errReply != nil {
		return errReply
	}

	result, err := h.scripts.EvalSHA(strings.ToLower(sha), keys, args)
	if err != nil {
		return protocol.EncodeError(err.Error())
	}
	return encodeScriptResult(result)
}

func (h *CommandHandler) handleScript(req *Request) []byte {
	if len(req.Args) == 0 {
		return protocol.EncodeError("ERR wrong number of arguments for 'script' command")
	}

	switch strings.ToUpper(req.Args[0]) {
	case "LOAD":
		if len(req.Args) != 2 {
			return protocol.EncodeError("ERR wrong number of arguments for 'script load' command")
		}
		sha := h.scripts.Load(req.Args[1])
		return protocol.EncodeBulkString([]byte(sha))
	case "EXISTS":
		exists := h.scripts.Exists(req.Args[1:])
		var reply []byte
		reply = append(reply, fmt.Sprintf("*%d\r\n", len(exists))...)
		for _, ok := range exists {
			if ok {
				reply = append(reply, protocol.EncodeInteger(1)...)
			} else {
				reply = append(reply, protocol.EncodeInteger(0)...)
			}
		}
		return reply
	case "FLUSH":
		h.scripts.Flush()
		return protocol.EncodeSimpleString("OK")
	default:
		return protocol.EncodeError(fmt.Sprintf("ERR unknown SCRIPT subcommand '%s'", req.Args[0]))
	}
}

// splitScriptArgs validates "<script> <numkeys> key… arg…".
func splitScriptArgs(req *Request, name string) (script string, keys, args []string, errReply []byte) {
	if len(req.Args) < 2 {
		return "", nil, nil, protocol.EncodeError(fmt.Sprintf("ERR wrong number of arguments for '%s' command", name))
	}

	numKeys, err := strconv.Atoi(req.Args[1])
	if err != nil || numKeys < 0 || numKeys > len(req.Args)-2 {
		return "", nil, nil, protocol.EncodeError("ERR Number of keys can't be negative")
	}

	rest := req.Args[2:]
	return req.Args[0], rest[:numKeys], rest[numKeys:], nil
}

// Do lets scripts run server commands through the same dispatch
// surface clients use. It implements lua.Executor.
func (h *CommandHandler) Do(name string, args []string) (interface{}, error) {
	switch strings.ToUpper(name) {
	case "PING":
		return map[string]interface{}{"ok": "PONG"}, nil
	case "ECHO":
		if len(args) != 1 {
			return nil, fmt.Errorf("ERR wrong number of arguments for 'echo' command")
		}
		return args[0], nil
	case "SET":
		if len(args) != 2 {
			return nil, fmt.Errorf("ERR wrong number of arguments for 'set' command")
		}
		h.store.Set(args[0], args[1], 0)
		return map[string]interface{}{"ok": "OK"}, nil
	case "GET":
		if len(args) != 1 {
			return nil, fmt.Errorf("ERR wrong number of arguments for 'get' command")
		}
		value, ok := h.store.Get(args[0])
		if !ok {
			return nil, nil
		}
		return value, nil
	case "DEL":
		removed := int64(0)
		for _, key := range args {
			if h.store.Delete(key) {
				removed++
			}
		}
		return removed, nil
	case "EXISTS":
		present := int64(0)
		for _, key := range args {
			if h.store.Exists(key) {
				present++
			}
		}
		return present, nil
	case "INCR":
		if len(args) != 1 {
			return nil, fmt.Errorf("ERR wrong number of arguments for 'incr' command")
		}
		n, err := h.store.IncrBy(args[0], 1)
		if err != nil {
			return nil, fmt.Errorf("ERR %v", err)
		}
		return n, nil
	case "KEYS":
		return h.store.Keys(), nil
	default:
		return nil, fmt.Errorf("ERR unknown command called from script: '%s'", name)
	}
}

// encodeScriptResult maps a converted Lua value onto the reply
// grammar: nil to null bulk, false to null bulk, true to :1, numbers
// to integers, strings to bulk strings, tables to arrays, and the
// ok/err status shapes to simple strings and errors.
func encodeScriptResult(result interface{}) []byte {
	switch v := result.(type) {
	case nil:
		return protocol.EncodeNullBulkString()
	case bool:
		if v {
			return protocol.EncodeInteger(1)
		}
		return protocol.EncodeNullBulkString()
	case int64:
		return protocol.EncodeInteger(v)
	case string:
		return protocol.EncodeBulkString([]byte(v))
	case []string:
		return protocol.EncodeStringArray(v)
	case []interface{}:
		var reply []byte
		reply = append(reply, fmt.Sprintf("*%d\r\n", len(v))...)
		for _, item := range v {
			reply = append(reply, encodeScriptResult(item)...)
		}
		return reply
	case map[string]interface{}:
		if ok, found := v["ok"].(string); found {
			return protocol.EncodeSimpleString(ok)
		}
		if errMsg, found := v["err"].(string); found {
			return protocol.EncodeError(errMsg)
		}
		return protocol.EncodeNullBulkString()
	default:
		return protocol.EncodeBulkString([]byte(fmt.Sprintf("%v", v)))
	}
}
