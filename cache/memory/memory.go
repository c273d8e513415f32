// Package memory provides an in-process LRU cache implementation.
package memory

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultEntries is the entry limit used when none is given.
const DefaultEntries = 1024

// Cache implements cache.Cache with a fixed-size LRU.
type Cache struct {
	lru      *lru.Cache[string, []byte]
	maxEntry int
}

// Option configures a memory cache.
type Option func(*Cache)

// WithMaxEntrySize skips caching content larger than n bytes. Zero means no
// limit.
func WithMaxEntrySize(n int) Option {
	return func(c *Cache) {
		c.maxEntry = n
	}
}

// New creates a cache holding at most entries items.
func New(entries int, opts ...Option) (*Cache, error) {
	if entries <= 0 {
		entries = DefaultEntries
	}
	l, err := lru.New[string, []byte](entries)
	if err != nil {
		return nil, err
	}
	c := &Cache{lru: l}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Get retrieves content by hash.
func (c *Cache) Get(hash []byte) ([]byte, bool) {
	return c.lru.Get(string(hash))
}

// Put stores content under hash.
func (c *Cache) Put(hash, content []byte) error {
	if c.maxEntry > 0 && len(content) > c.maxEntry {
		return nil
	}
	c.lru.Add(string(hash), content)
	return nil
}

// Delete removes the content stored under hash.
func (c *Cache) Delete(hash []byte) error {
	c.lru.Remove(string(hash))
	return nil
}

// Len returns the number of cached items.
func (c *Cache) Len() int {
	return c.lru.Len()
}
