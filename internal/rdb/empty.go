package rdb

import "encoding/hex"

// emptySnapshotHex is the 88-byte snapshot of an empty keyspace: magic
// header, auxiliary metadata, EOF opcode and checksum. It is the
// payload a primary streams during a full resync, since the ongoing
// command stream carries everything written after the handshake.
const emptySnapshotHex = "524544495330303131fa0972656469732d76657205372e322e30fa0a" +
	"72656469732d62697473c040fa056374696d65c26d08bc65fa08757365642d6d656dc2" +
	"b0c41000fa08616f662d62617365c000fff06e3bfec0ff5aa2"

// EmptySnapshot returns a fresh copy of the empty-keyspace snapshot
// payload.
func EmptySnapshot() []byte {
	data, err := hex.DecodeString(emptySnapshotHex)
	if err != nil {
		panic("rdb: invalid empty snapshot literal: " + err.Error())
	}
	return data
}
