package server

import (
	"errors"
	"io"
	"net"

	"minidis/internal/protocol"
)

const readChunkSize = 4096

// conn owns one bidirectional byte stream and its read buffer. Frames
// are parsed out of the buffer as they complete; partial trailing
// bytes stay buffered for the next socket read, so no byte is parsed
// twice and no coalesced frame is dropped.
type conn struct {
	sock net.Conn
	buf  []byte
	off  int
}

// newConn wraps sock. residual seeds the buffer with bytes an earlier
// stage (the replication handshake) read past its own needs.
func newConn(sock net.Conn, residual []byte) *conn {
	return &conn{
		sock: sock,
		buf:  append([]byte{}, residual...),
	}
}

// next returns the next complete frame and the exact byte count it
// occupied on the wire. io.EOF with an empty buffer is a clean close;
// EOF mid-frame surfaces as io.ErrUnexpectedEOF.
func (c *conn) next() (protocol.Frame, int, error) {
	for {
		if c.off < len(c.buf) {
			f, n, err := protocol.Parse(c.buf[c.off:])
			if err == nil {
				c.off += n
				return f, n, nil
			}
			if !errors.Is(err, protocol.ErrIncomplete) {
				return protocol.Frame{}, 0, err
			}
		}
		if err := c.fill(); err != nil {
			if err == io.EOF && c.off < len(c.buf) {
				return protocol.Frame{}, 0, io.ErrUnexpectedEOF
			}
			return protocol.Frame{}, 0, err
		}
	}
}

// fill compacts consumed bytes away and appends one socket read.
func (c *conn) fill() error {
	if c.off > 0 {
		c.buf = append(c.buf[:0], c.buf[c.off:]...)
		c.off = 0
	}

	chunk := make([]byte, readChunkSize)
	n, err := c.sock.Read(chunk)
	if n > 0 {
		c.buf = append(c.buf, chunk[:n]...)
		return nil
	}
	if err == nil {
		err = io.EOF
	}
	return err
}

func (c *conn) write(b []byte) error {
	_, err := c.sock.Write(b)
	return err
}

func (c *conn) remoteAddr() string {
	return c.sock.RemoteAddr().String()
}
