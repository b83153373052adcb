// Package cache implements the LRU-bounded, single-flight-loading
// shared caches behind the methylome and genome-index sets. Residency
// tracking and eviction order are delegated to hashicorp/golang-lru;
// load coalescing to x/sync/singleflight.
package cache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// Loader loads the named entity from backing storage. It must not
// mutate any shared cache state; the cache wraps it with single-flight
// coalescing and LRU bookkeeping.
type Loader[T any] func(name string) (T, error)

// Exists reports whether the named entity's backing file(s) are present,
// used to fail fast on a cache miss for an unknown name.
type Exists func(name string) bool

// Set is a generic name -> T cache with bounded residency and
// single-flight loading.
type Set[T any] struct {
	mu      sync.RWMutex
	lru     *lru.Cache[string, T]
	group   singleflight.Group
	load    Loader[T]
	exists  Exists
	onEvict func(name string)
	evicted []string // test-only record of eviction order
}

// NewSet constructs a cache bounded to maxResident entries.
func NewSet[T any](maxResident int, load Loader[T], exists Exists) (*Set[T], error) {
	s := &Set[T]{load: load, exists: exists}
	c, err := lru.NewWithEvict[string, T](maxResident, func(key string, _ T) {
		s.evicted = append(s.evicted, key)
		if s.onEvict != nil {
			s.onEvict(key)
		}
	})
	if err != nil {
		return nil, err
	}
	s.lru = c
	return s, nil
}

// OnEvict registers a callback invoked (under the cache lock) for every
// LRU eviction. Set before first use; not safe to change concurrently
// with Get.
func (s *Set[T]) OnEvict(fn func(name string)) { s.onEvict = fn }

// ErrNotFound is returned when the backing file(s) for name do not
// exist.
type ErrNotFound struct{ Name string }

func (e *ErrNotFound) Error() string { return "cache: not found: " + e.Name }

// Get returns the named entity, loading it on a miss:
//  1. resident -> move-to-front, return.
//  2. not resident -> verify backing file(s) exist, else ErrNotFound.
//  3. load outside the lock, single-flighted per name.
//  4. on success, insert (evicting LRU tail if full).
//  5. on failure, propagate the error without polluting the cache.
func (s *Set[T]) Get(name string) (T, error) {
	s.mu.RLock()
	if v, ok := s.lru.Get(name); ok {
		s.mu.RUnlock()
		return v, nil
	}
	s.mu.RUnlock()

	if s.exists != nil && !s.exists(name) {
		var zero T
		return zero, &ErrNotFound{Name: name}
	}

	v, err, _ := s.group.Do(name, func() (interface{}, error) {
		// Re-check residency: another goroutine may have filled the
		// cache for this key while we waited to enter the singleflight
		// group (e.g. it raced us to `Do` for the same key and won).
		s.mu.RLock()
		if cached, ok := s.lru.Get(name); ok {
			s.mu.RUnlock()
			return cached, nil
		}
		s.mu.RUnlock()

		loaded, err := s.load(name)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.lru.Add(name, loaded)
		s.mu.Unlock()
		return loaded, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// Len reports the number of resident entries.
func (s *Set[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lru.Len()
}

// Contains reports whether name is currently resident, without
// affecting LRU order (test/introspection use only).
func (s *Set[T]) Contains(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lru.Contains(name)
}

// Evicted returns the names evicted so far, in eviction order
// (test-only).
func (s *Set[T]) Evicted() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.evicted...)
}

// Purge drops every resident entry; used on server shutdown and in
// tests.
func (s *Set[T]) Purge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Purge()
}
