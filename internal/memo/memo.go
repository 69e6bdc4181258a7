// Package memo carries the per-request embedding memoization map on the
// request context. The source system keeps this in a contextvars-backed
// global (original_source/backend_py/embedding_cache.py); a systems language
// threads the same lifetime explicitly as a context value instead of relying
// on ambient process state (see spec.md §9).
package memo

import (
	"context"
	"sync"
)

type contextKey struct{}

// Store is a single-writer-per-request map from text to its embedding.
// It is created fresh per request and torn down when the request ends;
// it is never shared across requests.
type Store struct {
	mu     sync.Mutex
	vecs   map[string][]float32
	hits   int
	misses int
}

func newStore() *Store {
	return &Store{vecs: make(map[string][]float32)}
}

// WithStore attaches a fresh memo to ctx and returns the derived context.
func WithStore(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextKey{}, newStore())
}

// FromContext returns the memo attached to ctx, or nil if none is active.
// A nil Store is safe to use with Get/Put as a permanent-miss no-op memo.
func FromContext(ctx context.Context) *Store {
	s, _ := ctx.Value(contextKey{}).(*Store)
	return s
}

// Get returns the memoized embedding for text, if any.
func (s *Store) Get(text string) ([]float32, bool) {
	if s == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vecs[text]
	if ok {
		s.hits++
	} else {
		s.misses++
	}
	return v, ok
}

// Put stores an embedding for text, overwriting nothing if text is already
// present (the first embedding of a given text in a request wins).
func (s *Store) Put(text string, vec []float32) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vecs[text]; !ok {
		s.vecs[text] = vec
	}
}

// Stats reports hit/miss counters accumulated on this memo so far.
func (s *Store) Stats() (hits, misses int) {
	if s == nil {
		return 0, 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits, s.misses
}
