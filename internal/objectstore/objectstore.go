// Package objectstore implements the content-addressed object map shared by
// the RRDP engine, the partitioner and the HTTP surface.
package objectstore

import (
	"crypto/sha256"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"erik/internal/wire"
)

// Entry is an immutable published object: the URI it was published under
// and its raw bytes. Entries are never mutated after insertion.
type Entry struct {
	URI   string
	Bytes []byte
}

// Store is a content-addressed map of digest to Entry. The zero value is
// not usable; construct with New. Store is safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	entries   map[wire.Digest]Entry
	cache     *lru.Cache[wire.Digest, Entry]
	cacheSize int
}

// New constructs an empty Store. cacheSize, when positive, enables a
// bounded LRU in front of lookups; zero or negative disables it and every
// Get reads straight from the authoritative map.
func New(cacheSize int) *Store {
	s := &Store{entries: make(map[wire.Digest]Entry), cacheSize: cacheSize}
	if cacheSize > 0 {
		c, err := lru.New[wire.Digest, Entry](cacheSize)
		if err == nil {
			s.cache = c
		}
	}
	return s
}

// Digest computes the SHA-256 content digest of b.
func Digest(b []byte) wire.Digest {
	return wire.Digest(sha256.Sum256(b))
}

// InsertIfAbsent stores bytes under uri, keyed by their SHA-256 digest, and
// returns that digest. An existing entry for the same digest is left
// untouched; digests are unique by construction so there is no
// conflicting-bytes case to detect.
func (s *Store) InsertIfAbsent(uri string, b []byte) wire.Digest {
	d := Digest(b)
	s.mu.Lock()
	if _, ok := s.entries[d]; !ok {
		cp := make([]byte, len(b))
		copy(cp, b)
		s.entries[d] = Entry{URI: uri, Bytes: cp}
	}
	s.mu.Unlock()
	return d
}

// Get returns the entry for digest d, if present.
func (s *Store) Get(d wire.Digest) (Entry, bool) {
	if s.cache != nil {
		if e, ok := s.cache.Get(d); ok {
			return e, true
		}
	}
	s.mu.RLock()
	e, ok := s.entries[d]
	s.mu.RUnlock()
	if ok && s.cache != nil {
		s.cache.Add(d, e)
	}
	return e, ok
}

// Len reports the number of distinct objects held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Digests returns every digest currently stored, in unspecified order.
func (s *Store) Digests() []wire.Digest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]wire.Digest, 0, len(s.entries))
	for d := range s.entries {
		out = append(out, d)
	}
	return out
}

// Clone returns a new Store holding a shallow copy of s's entries. Entry
// values are immutable once inserted, so cloning the map is sufficient to
// let a caller stage further inserts against the clone without affecting s
// until it chooses to adopt it. The cache, if any, is recreated empty at
// the same configured size rather than copied.
func (s *Store) Clone() *Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	clone := New(s.cacheSize)
	for d, e := range s.entries {
		clone.entries[d] = e
	}
	return clone
}
