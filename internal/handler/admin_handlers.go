package handler

import (
	"fmt"
	"strconv"
	"strings"

	"minidis/internal/protocol"
	"minidis/internal/replication"
)

func (h *CommandHandler) handleConfig(req *Request) []byte {
	if len(req.Args) != 2 || !strings.EqualFold(req.Args[0], "GET") {
		return protocol.EncodeNullBulkString()
	}

	name := req.Args[1]
	value, ok := h.cfg.Get(name)
	if !ok {
		return protocol.EncodeNullBulkString()
	}
	return protocol.EncodeStringArray([]string{name, value})
}

// handleInfo replies with the replication section: the role line and,
// on a primary, the replication ID and offset lines, CRLF-joined in
// one bulk string.
func (h *CommandHandler) handleInfo(req *Request) []byte {
	lines := []string{fmt.Sprintf("role:%s", h.repl.Role())}

	if h.repl.Role() == replication.RolePrimary {
		lines = append(lines,
			fmt.Sprintf("master_replid:%s", h.repl.ReplicationID()),
			fmt.Sprintf("master_repl_offset:%d", h.repl.PrimaryOffset()),
		)
	}

	return protocol.EncodeBulkString([]byte(strings.Join(lines, "\r\n")))
}

// handleReplConf answers GETACK with the replica's consumed-byte
// offset and acknowledges every other REPLCONF form.
func (h *CommandHandler) handleReplConf(req *Request) []byte {
	if isGetAck(req) {
		offset := strconv.FormatInt(h.repl.ReplicaOffset(), 10)
		return protocol.EncodeStringArray([]string{"REPLCONF", "ACK", offset})
	}
	return protocol.EncodeSimpleString("OK")
}
