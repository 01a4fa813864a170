package storage

import (
	"errors"
	"strconv"
	"sync"
	"time"
)

// ErrNotInteger reports an arithmetic command against a value that
// does not parse as a signed 64-bit integer.
var ErrNotInteger = errors.New("value is not an integer or out of range")

// Entry is one keyspace value. ExpiresMS is a time to live measured
// from CreatedAt; zero means the entry never expires.
type Entry struct {
	Value     string
	CreatedAt time.Time
	ExpiresMS int64
}

// Store is the shared keyspace. Every operation takes the one
// exclusive lock for its full duration; expiry is evaluated lazily at
// read time and never removes anything.
type Store struct {
	mu   sync.Mutex
	data map[string]Entry
	now  func() time.Time
}

// NewStore creates an empty keyspace.
func NewStore() *Store {
	return &Store{
		data: make(map[string]Entry),
		now:  time.Now,
	}
}

// expired reports whether e is past its time to live at instant t.
func expired(e Entry, t time.Time) bool {
	return e.ExpiresMS > 0 && t.Sub(e.CreatedAt).Milliseconds() > e.ExpiresMS
}

// Set inserts or overwrites key. expiresMS of zero means no expiry.
func (s *Store) Set(key, value string, expiresMS int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = Entry{
		Value:     value,
		CreatedAt: s.now(),
		ExpiresMS: expiresMS,
	}
}

// Get returns the value for key, treating expired entries as absent.
func (s *Store) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.data[key]
	if !ok || expired(entry, s.now()) {
		return "", false
	}
	return entry.Value, true
}

// Delete removes key, reporting whether a live entry was removed.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.data[key]
	delete(s.data, key)
	return ok && !expired(entry, s.now())
}

// Exists reports whether key holds a live entry.
func (s *Store) Exists(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.data[key]
	return ok && !expired(entry, s.now())
}

// Keys returns the live keys in no particular order.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	keys := make([]string, 0, len(s.data))
	for key, entry := range s.data {
		if !expired(entry, now) {
			keys = append(keys, key)
		}
	}
	return keys
}

// IncrBy adds delta to the integer held at key, creating it from zero
// when absent. The result is stored without expiry, as a string.
func (s *Store) IncrBy(key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if entry, ok := s.data[key]; ok && !expired(entry, s.now()) {
		parsed, err := strconv.ParseInt(entry.Value, 10, 64)
		if err != nil {
			return 0, ErrNotInteger
		}
		current = parsed
	}

	current += delta
	s.data[key] = Entry{
		Value:     strconv.FormatInt(current, 10),
		CreatedAt: s.now(),
	}
	return current, nil
}

// TTL returns the remaining time to live in whole seconds: -2 when the
// key is absent or expired, -1 when it has no expiry.
func (s *Store) TTL(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.data[key]
	if !ok || expired(entry, s.now()) {
		return -2
	}
	if entry.ExpiresMS == 0 {
		return -1
	}

	remaining := entry.ExpiresMS - s.now().Sub(entry.CreatedAt).Milliseconds()
	return remaining / 1000
}

// BulkLoad atomically replaces the whole keyspace. Startup only.
func (s *Store) BulkLoad(entries map[string]Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := make(map[string]Entry, len(entries))
	for key, entry := range entries {
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = s.now()
		}
		data[key] = entry
	}
	s.data = data
}

// Len returns the number of live entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for _, entry := range s.data {
		if !expired(entry, now) {
			n++
		}
	}
	return n
}
