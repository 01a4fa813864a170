package replication

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minidis/internal/protocol"
	"minidis/internal/rdb"
)

const testReplID = "8371b4fb1155b71f4a04d3e1bc3e18c4a990aeeb"

// scriptedPrimary accepts one connection and walks it through the
// handshake, then returns the connection for further scripting.
func scriptedPrimary(t *testing.T) (addr string, accepted <-chan net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	ch := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		replies := [][]byte{
			protocol.EncodeSimpleString("PONG"),
			protocol.EncodeSimpleString("OK"),
			protocol.EncodeSimpleString("OK"),
			protocol.EncodeSimpleString("FULLRESYNC " + testReplID + " 0"),
		}
		buf := make([]byte, 4096)
		var pending []byte
		for _, reply := range replies {
			for {
				frames, consumed, err := protocol.ParseAll(pending)
				if err != nil {
					conn.Close()
					return
				}
				if len(frames) > 0 {
					pending = pending[consumed:]
					break
				}
				n, err := conn.Read(buf)
				if err != nil {
					conn.Close()
					return
				}
				pending = append(pending, buf[:n]...)
			}
			conn.Write(reply)
		}
		conn.Write(protocol.Snapshot(rdb.EmptySnapshot()).Encode())
		ch <- conn
	}()

	return ln.Addr().String(), ch
}

func TestHandshake(t *testing.T) {
	addr, accepted := scriptedPrimary(t)

	result, err := Handshake(addr, 6380)
	require.NoError(t, err)
	defer result.Conn.Close()

	assert.Equal(t, testReplID, result.ReplID)
	assert.Equal(t, rdb.EmptySnapshot(), result.Snapshot)

	// The retained connection still carries the primary's stream.
	primary := <-accepted
	defer primary.Close()
	ping := protocol.CommandArray("PING").Encode()
	_, err = primary.Write(ping)
	require.NoError(t, err)

	result.Conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := append([]byte{}, result.Residual...)
	chunk := make([]byte, 256)
	for {
		f, _, err := protocol.Parse(buf)
		if err == nil {
			assert.Equal(t, protocol.CommandArray("PING"), f)
			break
		}
		require.ErrorIs(t, err, protocol.ErrIncomplete)
		n, err := result.Conn.Read(chunk)
		require.NoError(t, err)
		buf = append(buf, chunk[:n]...)
	}
}

func TestHandshakeRefusedConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = Handshake(addr, 6380)
	assert.Error(t, err)
}

func TestHandshakeRejectsBadReply(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 1024)
		conn.Read(buf)
		conn.Write(protocol.EncodeError("ERR nope"))
	}()

	_, err = Handshake(ln.Addr().String(), 6380)
	assert.Error(t, err)
}

func TestParseFullResync(t *testing.T) {
	id, err := parseFullResync(protocol.SimpleString("FULLRESYNC " + testReplID + " 0"))
	require.NoError(t, err)
	assert.Equal(t, testReplID, id)

	_, err = parseFullResync(protocol.SimpleString("CONTINUE"))
	assert.Error(t, err)

	_, err = parseFullResync(protocol.BulkString([]byte("FULLRESYNC x 0")))
	assert.Error(t, err)
}
