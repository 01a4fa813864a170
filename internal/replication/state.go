package replication

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
)

// Role is the server's replication role.
type Role string

const (
	RolePrimary Role = "master"
	RoleReplica Role = "slave"
)

// fallbackReplID is used when crypto/rand is unavailable. Any stable
// 40-character hex string works; replicas only echo it back.
const fallbackReplID = "8371b4fb1155b71f4a04d3e1bc3e18c4a990aeeb"

// State tracks the server's replication identity and offsets. The
// primary offset counts bytes of replicated stream emitted; the
// replica offset counts bytes of command frames consumed from the
// primary since the handshake.
type State struct {
	mu            sync.Mutex
	role          Role
	replID        string
	primaryOffset int64
	replicaOffset int64
}

// NewPrimary creates primary-role state with a fresh replication ID.
func NewPrimary() *State {
	return &State{
		role:   RolePrimary,
		replID: generateReplID(),
	}
}

// NewReplica creates replica-role state.
func NewReplica() *State {
	return &State{role: RoleReplica}
}

// Role returns the replication role. Fixed for the process lifetime.
func (s *State) Role() Role {
	return s.role
}

// ReplicationID returns the primary's 40-character hex identifier.
// Empty on a replica.
func (s *State) ReplicationID() string {
	return s.replID
}

// PrimaryOffset returns the bytes of replicated stream emitted so far.
func (s *State) PrimaryOffset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.primaryOffset
}

// AdvancePrimary adds n emitted bytes to the primary offset.
func (s *State) AdvancePrimary(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.primaryOffset += n
}

// ReplicaOffset returns the bytes of command frames consumed from the
// primary.
func (s *State) ReplicaOffset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replicaOffset
}

// AdvanceReplica adds n consumed bytes to the replica offset.
func (s *State) AdvanceReplica(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replicaOffset += n
}

// generateReplID produces a random 40-character hex replication ID.
func generateReplID() string {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		return fallbackReplID
	}
	return hex.EncodeToString(b)
}
