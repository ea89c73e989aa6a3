package util

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache is a thread-safe LRU cache
type Cache[K comparable, V any] struct {
	cache *lru.Cache[K, V]
}

// NewCache creates a new LRU cache with the specified size
func NewCache[K comparable, V any](size int) (*Cache[K, V], error) {
	cache, err := lru.New[K, V](size)
	if err != nil {
		return nil, err
	}
	return &Cache[K, V]{cache: cache}, nil
}

// Get retrieves a value from the cache
func (c *Cache[K, V]) Get(key K) (V, bool) {
	return c.cache.Get(key)
}

// Set adds a value to the cache
func (c *Cache[K, V]) Set(key K, value V) {
	c.cache.Add(key, value)
}

// Has checks if a key exists in the cache
func (c *Cache[K, V]) Has(key K) bool {
	return c.cache.Contains(key)
}

// Clear removes all entries from the cache
func (c *Cache[K, V]) Clear() {
	c.cache.Purge()
}

// Len returns the number of items in the cache
func (c *Cache[K, V]) Len() int {
	return c.cache.Len()
}

// SeenSet remembers recently processed payload hashes so repeated
// deliveries of the same bytes can be dropped before decoding.
type SeenSet struct {
	cache *Cache[string, struct{}]
}

// NewSeenSet creates a SeenSet holding up to size hashes
func NewSeenSet(size int) (*SeenSet, error) {
	cache, err := NewCache[string, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &SeenSet{cache: cache}, nil
}

// Seen reports whether data was marked before
func (s *SeenSet) Seen(data []byte) bool {
	return s.cache.Has(ComputeHash(data))
}

// Mark records data as processed. It returns false if it was already marked.
func (s *SeenSet) Mark(data []byte) bool {
	hash := ComputeHash(data)
	if s.cache.Has(hash) {
		return false
	}
	s.cache.Set(hash, struct{}{})
	return true
}

// Reset forgets every marked hash
func (s *SeenSet) Reset() {
	s.cache.Clear()
}
