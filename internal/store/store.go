// Package store implements the versioned key/value log shared by the steps of one run.
//
// A Store is owned by a single run and written by one step at a time, so it
// carries no locking. Callers that ever execute steps concurrently must add
// their own synchronization.
package store

import "time"

// Record is one version of a key.
type Record struct {
	Version int       `json:"v"`
	Value   any       `json:"value"`
	At      time.Time `json:"at"`
}

// Reader is the read side of a Store.
type Reader interface {
	Read(key string) (any, bool)
	Exists(key string) bool
}

// Store is an append-only per-key version log.
type Store struct {
	entries map[string][]Record
	order   []string
	now     func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		entries: make(map[string][]Record),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Write appends a new version for key and returns its version number.
func (s *Store) Write(key string, value any) int {
	history, ok := s.entries[key]
	if !ok {
		s.order = append(s.order, key)
	}
	version := 1
	if n := len(history); n > 0 {
		version = history[n-1].Version + 1
	}
	s.entries[key] = append(history, Record{Version: version, Value: value, At: s.now()})
	return version
}

// Read returns the latest value of key.
func (s *Store) Read(key string) (any, bool) {
	history := s.entries[key]
	if len(history) == 0 {
		return nil, false
	}
	return history[len(history)-1].Value, true
}

// ReadEarliest returns the first value ever written to key.
func (s *Store) ReadEarliest(key string) (any, bool) {
	history := s.entries[key]
	if len(history) == 0 {
		return nil, false
	}
	return history[0].Value, true
}

// ReadVersion returns a specific version of key.
func (s *Store) ReadVersion(key string, version int) (any, bool) {
	for _, rec := range s.entries[key] {
		if rec.Version == version {
			return rec.Value, true
		}
	}
	return nil, false
}

// Exists reports whether key has at least one version.
func (s *Store) Exists(key string) bool {
	return len(s.entries[key]) > 0
}

// Keys returns keys in first-write order.
func (s *Store) Keys() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// History returns a copy of all versions of key, oldest first.
func (s *Store) History(key string) []Record {
	history := s.entries[key]
	out := make([]Record, len(history))
	copy(out, history)
	return out
}

// Latest returns the latest value of every key.
func (s *Store) Latest() map[string]any {
	out := make(map[string]any, len(s.entries))
	for key, history := range s.entries {
		out[key] = history[len(history)-1].Value
	}
	return out
}
