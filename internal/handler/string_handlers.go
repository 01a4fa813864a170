package handler

import (
	"strconv"
	"strings"

	"minidis/internal/protocol"
)

func (h *CommandHandler) handlePing(req *Request) []byte {
	if len(req.Args) == 1 {
		return protocol.EncodeBulkString([]byte(req.Args[0]))
	}
	return protocol.EncodeSimpleString("PONG")
}

func (h *CommandHandler) handleEcho(req *Request) []byte {
	if len(req.Args) != 1 {
		return protocol.EncodeError("ERR wrong number of arguments for 'echo' command")
	}
	return protocol.EncodeBulkString([]byte(req.Args[0]))
}

func (h *CommandHandler) handleSet(req *Request) []byte {
	if len(req.Args) != 2 && len(req.Args) != 4 {
		return protocol.EncodeError("ERR wrong number of arguments for 'set' command")
	}

	key, value := req.Args[0], req.Args[1]
	var expiresMS int64

	if len(req.Args) == 4 {
		if !strings.EqualFold(req.Args[2], "px") {
			return protocol.EncodeError("ERR syntax")
		}
		ms, err := strconv.ParseInt(req.Args[3], 10, 64)
		if err != nil || ms <= 0 {
			return protocol.EncodeError("ERR syntax")
		}
		expiresMS = ms
	}

	h.store.Set(key, value, expiresMS)
	return protocol.EncodeSimpleString("OK")
}

func (h *CommandHandler) handleGet(req *Request) []byte {
	if len(req.Args) != 1 {
		return protocol.EncodeError("ERR wrong number of arguments for 'get' command")
	}

	value, ok := h.store.Get(req.Args[0])
	if !ok {
		return protocol.EncodeNullBulkString()
	}
	return protocol.EncodeBulkString([]byte(value))
}

func (h *CommandHandler) handleDel(req *Request) []byte {
	if len(req.Args) == 0 {
		return protocol.EncodeError("ERR wrong number of arguments for 'del' command")
	}

	removed := 0
	for _, key := range req.Args {
		if h.store.Delete(key) {
			removed++
		}
	}
	return protocol.EncodeInteger(int64(removed))
}

func (h *CommandHandler) handleExists(req *Request) []byte {
	if len(req.Args) == 0 {
		return protocol.EncodeError("ERR wrong number of arguments for 'exists' command")
	}

	present := 0
	for _, key := range req.Args {
		if h.store.Exists(key) {
			present++
		}
	}
	return protocol.EncodeInteger(int64(present))
}

func (h *CommandHandler) handleIncr(req *Request) []byte {
	if len(req.Args) != 1 {
		return protocol.EncodeError("ERR wrong number of arguments for 'incr' command")
	}

	n, err := h.store.IncrBy(req.Args[0], 1)
	if err != nil {
		return protocol.EncodeError("ERR " + err.Error())
	}
	return protocol.EncodeInteger(n)
}

func (h *CommandHandler) handleTTL(req *Request) []byte {
	if len(req.Args) != 1 {
		return protocol.EncodeError("ERR wrong number of arguments for 'ttl' command")
	}
	return protocol.EncodeInteger(h.store.TTL(req.Args[0]))
}

// handleKeys accepts a pattern argument but serves only the full scan;
// expired entries are filtered the same way GET treats them.
func (h *CommandHandler) handleKeys(req *Request) []byte {
	if len(req.Args) != 1 {
		return protocol.EncodeError("ERR wrong number of arguments for 'keys' command")
	}
	return protocol.EncodeStringArray(h.store.Keys())
}
