package rdb

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// snapshotBuilder assembles synthetic snapshot payloads for tests.
type snapshotBuilder struct {
	buf bytes.Buffer
}

func newSnapshot() *snapshotBuilder {
	b := &snapshotBuilder{}
	b.buf.WriteString("REDIS0011")
	return b
}

func (b *snapshotBuilder) section(total, withExpiry int) *snapshotBuilder {
	b.buf.WriteByte(opResizeDB)
	b.length(total)
	b.length(withExpiry)
	return b
}

func (b *snapshotBuilder) length(n int) {
	switch {
	case n < 64:
		b.buf.WriteByte(byte(n))
	case n < 16384:
		b.buf.WriteByte(byte(0x40 | n>>8))
		b.buf.WriteByte(byte(n))
	default:
		b.buf.WriteByte(0x80)
		binary.Write(&b.buf, binary.BigEndian, uint32(n))
	}
}

func (b *snapshotBuilder) str(s string) {
	b.length(len(s))
	b.buf.WriteString(s)
}

func (b *snapshotBuilder) pair(key, value string) *snapshotBuilder {
	b.buf.WriteByte(typeString)
	b.str(key)
	b.str(value)
	return b
}

func (b *snapshotBuilder) expiringPairMS(key, value string, at time.Time) *snapshotBuilder {
	b.buf.WriteByte(opExpireTimeMS)
	binary.Write(&b.buf, binary.LittleEndian, uint64(at.UnixMilli()))
	return b.pair(key, value)
}

func (b *snapshotBuilder) expiringPairSec(key, value string, at time.Time) *snapshotBuilder {
	b.buf.WriteByte(opExpireTime)
	binary.Write(&b.buf, binary.LittleEndian, uint32(at.Unix()))
	return b.pair(key, value)
}

func (b *snapshotBuilder) bytes() []byte {
	out := append([]byte{}, b.buf.Bytes()...)
	out = append(out, opEOF)
	out = append(out, make([]byte, 8)...) // checksum, unread
	return out
}

func TestParsePlainEntries(t *testing.T) {
	data := newSnapshot().
		section(2, 0).
		pair("foo", "bar").
		pair("baz", "qux").
		bytes()

	entries, err := Parse(data)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, Entry{Key: "foo", Value: "bar"}, entries[0])
	assert.Equal(t, Entry{Key: "baz", Value: "qux"}, entries[1])
}

func TestParseExpiries(t *testing.T) {
	future := time.Now().Add(90 * time.Second)

	data := newSnapshot().
		section(3, 2).
		pair("plain", "v").
		expiringPairMS("ms", "v1", future).
		expiringPairSec("sec", "v2", future).
		bytes()

	entries, err := Parse(data)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, int64(0), entries[0].ExpiresMS)
	assert.Equal(t, "ms", entries[1].Key)
	assert.InDelta(t, 90_000, entries[1].ExpiresMS, 5_000)
	assert.Equal(t, "sec", entries[2].Key)
	assert.InDelta(t, 90_000, entries[2].ExpiresMS, 5_000)
}

func TestParseSkipsExpiredEntries(t *testing.T) {
	data := newSnapshot().
		section(2, 1).
		pair("keep", "v").
		expiringPairMS("gone", "v", time.Now().Add(-time.Hour)).
		bytes()

	entries, err := Parse(data)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "keep", entries[0].Key)
}

func TestParseTwoByteLength(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = byte('a' + i%26)
	}

	data := newSnapshot().
		section(1, 0).
		pair("long", string(long)).
		bytes()

	entries, err := Parse(data)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, string(long), entries[0].Value)
}

func TestParseMalformed(t *testing.T) {
	t.Run("bad expiry marker", func(t *testing.T) {
		b := newSnapshot().section(1, 1)
		b.buf.WriteByte(0xAB)
		_, err := Parse(b.bytes())
		assert.ErrorIs(t, err, ErrMalformedSnapshot)
	})

	t.Run("non-string value type", func(t *testing.T) {
		b := newSnapshot().section(1, 0)
		b.buf.WriteByte(3)
		b.str("k")
		b.str("v")
		_, err := Parse(b.bytes())
		assert.ErrorIs(t, err, ErrMalformedSnapshot)
	})

	t.Run("special length encoding", func(t *testing.T) {
		b := newSnapshot().section(1, 0)
		b.buf.WriteByte(typeString)
		b.buf.WriteByte(0xC0) // 11-prefixed integer encoding
		_, err := Parse(b.bytes())
		assert.ErrorIs(t, err, ErrUnsupportedEncoding)
	})

	t.Run("expiry count above total", func(t *testing.T) {
		_, err := Parse(newSnapshot().section(1, 2).bytes())
		assert.ErrorIs(t, err, ErrMalformedSnapshot)
	})

	t.Run("truncated stream", func(t *testing.T) {
		data := newSnapshot().section(1, 0).pair("k", "v").bytes()
		_, err := Parse(data[:len(data)-12])
		assert.Error(t, err)
	})
}

func TestEmptySnapshot(t *testing.T) {
	payload := EmptySnapshot()
	assert.Len(t, payload, 88)

	entries, err := Parse(payload)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReadFile(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		entries, err := ReadFile(filepath.Join(t.TempDir(), "nope.rdb"))
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("round trip through disk", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "dump.rdb")
		data := newSnapshot().section(1, 0).pair("disk", "value").bytes()
		require.NoError(t, os.WriteFile(path, data, 0o644))

		entries, err := ReadFile(path)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, Entry{Key: "disk", Value: "value"}, entries[0])
	})
}
