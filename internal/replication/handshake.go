package replication

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"minidis/internal/protocol"
)

const dialTimeout = 5 * time.Second

// HandshakeResult is what a completed handshake leaves behind: the
// open connection, now carrying the primary's command stream, the
// initial snapshot payload, any stream bytes that arrived coalesced
// with it, and the primary's replication ID.
type HandshakeResult struct {
	Conn     net.Conn
	Snapshot []byte
	Residual []byte
	ReplID   string
}

// Handshake dials the primary at addr and runs the replication
// handshake: PING, REPLCONF listening-port, REPLCONF capa psync2,
// PSYNC ? -1, then the snapshot transfer. The connection is retained
// and returned; from here on it is the inbound command stream.
func Handshake(addr string, listeningPort int) (*HandshakeResult, error) {
	log := logrus.WithFields(logrus.Fields{"component": "replication", "primary": addr})

	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to primary: %w", err)
	}

	hs := &handshake{conn: conn}
	result, err := hs.run(listeningPort)
	if err != nil {
		conn.Close()
		return nil, err
	}

	log.WithField("replid", result.ReplID).Info("handshake complete")
	return result, nil
}

// handshake drives the exchange over one buffered connection so that
// no coalesced byte is lost between steps.
type handshake struct {
	conn net.Conn
	buf  []byte
	off  int
}

func (h *handshake) run(listeningPort int) (*HandshakeResult, error) {
	if err := h.exchange(protocol.CommandArray("PING"), "PONG"); err != nil {
		return nil, fmt.Errorf("handshake PING: %w", err)
	}

	port := strconv.Itoa(listeningPort)
	if err := h.exchange(protocol.CommandArray("REPLCONF", "listening-port", port), "OK"); err != nil {
		return nil, fmt.Errorf("handshake REPLCONF listening-port: %w", err)
	}

	if err := h.exchange(protocol.CommandArray("REPLCONF", "capa", "psync2"), "OK"); err != nil {
		return nil, fmt.Errorf("handshake REPLCONF capa: %w", err)
	}

	if err := h.send(protocol.CommandArray("PSYNC", "?", "-1")); err != nil {
		return nil, fmt.Errorf("handshake PSYNC: %w", err)
	}
	resync, err := h.next()
	if err != nil {
		return nil, fmt.Errorf("handshake PSYNC: %w", err)
	}
	replID, err := parseFullResync(resync)
	if err != nil {
		return nil, err
	}

	snapshot, err := h.nextSnapshot()
	if err != nil {
		return nil, fmt.Errorf("handshake snapshot transfer: %w", err)
	}

	residual := make([]byte, len(h.buf)-h.off)
	copy(residual, h.buf[h.off:])

	return &HandshakeResult{
		Conn:     h.conn,
		Snapshot: snapshot.Data,
		Residual: residual,
		ReplID:   replID,
	}, nil
}

// exchange sends a command and requires a simple-string reply carrying
// want.
func (h *handshake) exchange(cmd protocol.Frame, want string) error {
	if err := h.send(cmd); err != nil {
		return err
	}
	reply, err := h.next()
	if err != nil {
		return err
	}
	if reply.Kind != protocol.KindSimpleString || reply.Text != want {
		return fmt.Errorf("expected +%s, got %s", want, reply)
	}
	return nil
}

func (h *handshake) send(f protocol.Frame) error {
	_, err := h.conn.Write(f.Encode())
	return err
}

func (h *handshake) next() (protocol.Frame, error) {
	for {
		if h.off < len(h.buf) {
			f, n, err := protocol.Parse(h.buf[h.off:])
			if err == nil {
				h.off += n
				return f, nil
			}
			if !errors.Is(err, protocol.ErrIncomplete) {
				return protocol.Frame{}, err
			}
		}
		if err := h.fill(); err != nil {
			return protocol.Frame{}, err
		}
	}
}

func (h *handshake) nextSnapshot() (protocol.Frame, error) {
	for {
		if h.off < len(h.buf) {
			f, n, err := protocol.ParseSnapshot(h.buf[h.off:])
			if err == nil {
				h.off += n
				return f, nil
			}
			if !errors.Is(err, protocol.ErrIncomplete) {
				return protocol.Frame{}, err
			}
		}
		if err := h.fill(); err != nil {
			return protocol.Frame{}, err
		}
	}
}

func (h *handshake) fill() error {
	if h.off > 0 {
		h.buf = append(h.buf[:0], h.buf[h.off:]...)
		h.off = 0
	}

	chunk := make([]byte, 4096)
	n, err := h.conn.Read(chunk)
	if n > 0 {
		h.buf = append(h.buf, chunk[:n]...)
		return nil
	}
	return err
}

// parseFullResync extracts the replication ID from a
// "FULLRESYNC <id> <offset>" simple string.
func parseFullResync(f protocol.Frame) (string, error) {
	if f.Kind != protocol.KindSimpleString {
		return "", fmt.Errorf("expected FULLRESYNC, got %s", f)
	}
	fields := strings.Fields(f.Text)
	if len(fields) != 3 || fields[0] != "FULLRESYNC" {
		return "", fmt.Errorf("expected FULLRESYNC reply, got %q", f.Text)
	}
	return fields[1], nil
}
