package handler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"minidis/internal/config"
	"minidis/internal/lua"
	"minidis/internal/metrics"
	"minidis/internal/protocol"
	"minidis/internal/replication"
	"minidis/internal/storage"
)

// ErrProtocol reports a frame that is not a well-formed command:
// not an array, an empty array, or a non-bulk element. The connection
// that sent it is terminated.
var ErrProtocol = errors.New("protocol error")

// Request is one parsed client command: the upper-cased name, the
// string arguments, and the original frame for replication fanout.
type Request struct {
	Name string
	Args []string
	Raw  protocol.Frame
}

// NewRequest extracts a command from a frame.
func NewRequest(f protocol.Frame) (*Request, error) {
	if f.Kind != protocol.KindArray || len(f.Elems) == 0 {
		return nil, fmt.Errorf("%w: command must be a non-empty array", ErrProtocol)
	}

	parts := make([]string, len(f.Elems))
	for i, e := range f.Elems {
		if e.Kind != protocol.KindBulkString {
			return nil, fmt.Errorf("%w: command element %d is not a bulk string", ErrProtocol, i)
		}
		parts[i] = string(e.Data)
	}

	return &Request{
		Name: strings.ToUpper(parts[0]),
		Args: parts[1:],
		Raw:  f,
	}, nil
}

// CommandFunc produces the encoded reply for one command.
type CommandFunc func(req *Request) []byte

// CommandHandler dispatches commands against the keyspace and the
// replication state. PSYNC is not in the table: it takes over the
// whole connection and is intercepted by the connection engine.
type CommandHandler struct {
	store    *storage.Store
	repl     *replication.State
	cfg      *config.Config
	scripts  *lua.ScriptEngine
	commands map[string]CommandFunc
	log      *logrus.Entry
}

// NewCommandHandler wires a dispatcher over the shared state handles.
func NewCommandHandler(store *storage.Store, repl *replication.State, cfg *config.Config) *CommandHandler {
	h := &CommandHandler{
		store: store,
		repl:  repl,
		cfg:   cfg,
		log:   logrus.WithField("component", "handler"),
	}
	h.scripts = lua.NewScriptEngine(h)
	h.registerCommands()
	return h
}

func (h *CommandHandler) registerCommands() {
	h.commands = map[string]CommandFunc{
		"PING":     h.handlePing,
		"ECHO":     h.handleEcho,
		"SET":      h.handleSet,
		"GET":      h.handleGet,
		"DEL":      h.handleDel,
		"EXISTS":   h.handleExists,
		"INCR":     h.handleIncr,
		"TTL":      h.handleTTL,
		"KEYS":     h.handleKeys,
		"CONFIG":   h.handleConfig,
		"INFO":     h.handleInfo,
		"REPLCONF": h.handleReplConf,
		"EVAL":     h.handleEval,
		"EVALSHA":  h.handleEvalSHA,
		"SCRIPT":   h.handleScript,
	}
}

// Execute dispatches one command and returns its encoded reply.
// When respond is false — the command arrived on the replica's inbound
// link from its primary — the reply is withheld for everything except
// REPLCONF GETACK, which always answers.
func (h *CommandHandler) Execute(req *Request, respond bool) []byte {
	metrics.Commands.WithLabelValues(req.Name).Inc()

	fn, ok := h.commands[req.Name]
	var reply []byte
	if ok {
		reply = fn(req)
	} else {
		h.log.WithField("command", req.Name).Debug("unknown command")
		reply = protocol.EncodeError("ERR unknown command")
	}

	if !respond && !isGetAck(req) {
		return nil
	}
	return reply
}

// IsWriteCommand reports whether name mutates the keyspace and must
// fan out to replicas after it commits.
func IsWriteCommand(name string) bool {
	switch name {
	case "SET", "DEL", "INCR", "EVAL", "EVALSHA":
		return true
	}
	return false
}

func isGetAck(req *Request) bool {
	return req.Name == "REPLCONF" && len(req.Args) > 0 && strings.EqualFold(req.Args[0], "GETACK")
}
