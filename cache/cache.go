// Package cache memoizes resolution and membership computations.
//
// Keys combine the operation name, the alias-segment chain, and the acting
// principal, so the propagation engine can invalidate either the exact
// entries of specific principals or every principal's entries for an alias
// with one pattern delete. Cache failures are always soft: a miss or an
// unavailable store degrades to live recomputation and never blocks
// correctness.
package cache

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/loftshare/loft"
)

// DefaultTTL bounds staleness of memoized results. The propagation engine
// invalidates affected entries eagerly; the TTL only caps the eventual
// consistency window when an invalidation is lost.
const DefaultTTL = 120 * time.Second

// Store is the backing key/value store. Implementations over external
// stores must report failures as misses (Get returns false) and ignore
// write errors: the cache is an optimization, never a source of truth.
type Store interface {
	Get(key string) (any, bool)
	Set(key string, value any, ttl time.Duration)
	Delete(key string)

	// Keys returns the stored keys matching a glob pattern, where '*'
	// matches any run of characters.
	Keys(pattern string) []string
}

type entry struct {
	value     any
	expiresAt time.Time // zero means no expiry
}

// MemoryStore is the default in-process Store: a mutex-guarded map with
// per-entry expiry. It grows unbounded within the TTL window.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]entry
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]entry)}
}

func (s *MemoryStore) Get(key string) (any, bool) {
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.items, key)
		s.mu.Unlock()
		return nil, false
	}
	return e.value, true
}

func (s *MemoryStore) Set(key string, value any, ttl time.Duration) {
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	s.mu.Lock()
	s.items[key] = e
	s.mu.Unlock()
}

func (s *MemoryStore) Delete(key string) {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

func (s *MemoryStore) Keys(pattern string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for k := range s.items {
		if globMatch(pattern, k) {
			out = append(out, k)
		}
	}
	return out
}

// Size returns the number of stored entries, expired or not.
func (s *MemoryStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// globMatch reports whether s matches pattern, where '*' matches any run
// of characters including the empty one.
func globMatch(pattern, s string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == s
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(s, part)
		if idx < 0 {
			return false
		}
		s = s[idx+len(part):]
	}
	return strings.HasSuffix(s, parts[len(parts)-1])
}

// Cache wraps a Store with key construction, a default TTL, and the
// invalidation entry points the propagation engine calls.
type Cache struct {
	store Store
	ttl   time.Duration
}

// Option configures a Cache.
type Option func(*Cache)

// WithStore replaces the default in-memory store.
func WithStore(s Store) Option {
	return func(c *Cache) {
		c.store = s
	}
}

// WithTTL sets the default time-to-live for entries. Zero means entries
// live until explicitly invalidated.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		c.ttl = ttl
	}
}

// New returns a cache with an in-memory store and the default TTL.
func New(opts ...Option) *Cache {
	c := &Cache{store: NewMemoryStore(), ttl: DefaultTTL}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key builds the cache key for an operation performed by a principal over
// an alias-segment chain. Layout: op|/segments/.../|kind:id. The alias
// chain sits in the middle so Invalidate can pattern-match it independently
// of both the operation and the principal; every segment is bounded by '/'
// on both sides so a pattern matches whole segments, never substrings.
func Key(op string, principal loft.Principal, segments ...string) string {
	return op + "|/" + strings.Join(segments, "/") + "/|" + principalRef(principal)
}

// ListKey builds the key for a principal's list-of-accessible-aliases
// style queries, which carry no alias chain of their own.
func ListKey(op string, principal loft.Principal) string {
	return op + "|list|" + principalRef(principal)
}

func principalRef(p loft.Principal) string {
	return fmt.Sprintf("%s:%d", p.Kind, p.ID)
}

// Get retrieves a typed entry. A stored value of the wrong type counts as
// a miss.
func Get[T any](c *Cache, key string) (T, bool) {
	var zero T
	v, ok := c.store.Get(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

// Set stores an entry under the cache's default TTL.
func (c *Cache) Set(key string, value any) {
	c.store.Set(key, value, c.ttl)
}

// SetTTL stores an entry with an explicit TTL. Zero means no expiry.
func (c *Cache) SetTTL(key string, value any, ttl time.Duration) {
	c.store.Set(key, value, ttl)
}

// Invalidate removes entries whose segment chain contains the given alias
// as a whole segment. With principals given, only their exact entries are
// removed, plus their accessible-alias list entries; without, the alias is
// wiped across all principals and operations with a single pattern delete.
func (c *Cache) Invalidate(alias string, principals ...loft.Principal) {
	if len(principals) == 0 {
		c.deletePattern("*|*/" + alias + "/*|*")
		return
	}
	for _, p := range principals {
		c.deletePattern("*|*/" + alias + "/*|" + principalRef(p))
		c.deletePattern("*|list|" + principalRef(p))
	}
}

func (c *Cache) deletePattern(pattern string) {
	for _, k := range c.store.Keys(pattern) {
		c.store.Delete(k)
	}
}

// Cached wraps fn with memoization: results are stored under keyFn's key
// for the given TTL. Only successful results are cached; errors always
// recompute. Compose explicitly at call sites.
func Cached[A, R any](c *Cache, ttl time.Duration, keyFn func(A) string, fn func(A) (R, error)) func(A) (R, error) {
	return func(arg A) (R, error) {
		key := keyFn(arg)
		if v, ok := Get[R](c, key); ok {
			return v, nil
		}
		v, err := fn(arg)
		if err != nil {
			return v, err
		}
		c.SetTTL(key, v, ttl)
		return v, nil
	}
}
