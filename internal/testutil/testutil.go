// Package testutil holds helpers shared by tests.
package testutil

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
)

// MockCache implements a basic concurrency-safe cache for tests.
type MockCache struct {
	mu   sync.RWMutex
	data map[string][]byte

	hits   atomic.Int64
	misses atomic.Int64
}

// NewMockCache constructs an empty in-memory cache.
func NewMockCache() *MockCache {
	return &MockCache{data: make(map[string][]byte)}
}

// Get retrieves data by hash.
func (c *MockCache) Get(hash []byte) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, ok := c.data[string(hash)]
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return data, ok
}

// Put stores data by hash.
func (c *MockCache) Put(hash, content []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[string(hash)] = content
	return nil
}

// Delete removes data by hash.
func (c *MockCache) Delete(hash []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, string(hash))
	return nil
}

// Len returns the number of cached items.
func (c *MockCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Hits returns the number of Get calls that found data.
func (c *MockCache) Hits() int64 { return c.hits.Load() }

// Misses returns the number of Get calls that found nothing.
func (c *MockCache) Misses() int64 { return c.misses.Load() }

// Poison replaces every cached value with other bytes.
func (c *MockCache) Poison() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.data {
		c.data[k] = []byte("poisoned")
	}
}

// Compressible returns n bytes of repetitive text seeded by i.
func Compressible(i, n int) []byte {
	line := fmt.Sprintf("asset %04d: the quick brown fox jumps over the lazy dog\n", i)
	return bytes.Repeat([]byte(line), n/len(line)+1)[:n]
}

// Incompressible returns n pseudo-random bytes seeded by i.
func Incompressible(i, n int) []byte {
	out := make([]byte, n)
	x := uint32(i)*2654435761 + 1
	for j := range out {
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		out[j] = byte(x)
	}
	return out
}
