// Package cache defines the decoded-content cache used by vaults.
//
// Keys are derived from the content hash recorded in a file link (the SHA-1
// of the stored, possibly compressed, bytes) and the link's compression.
// Values are the decoded content, so one key always maps to one value.
package cache

// Cache stores decoded file content by hash.
//
// Implementations handle their own size limits and eviction policies and
// must be safe for concurrent use.
type Cache interface {
	// Get retrieves content by hash.
	// Returns nil, false if the content is not cached.
	Get(hash []byte) ([]byte, bool)

	// Put stores content under hash.
	Put(hash []byte, content []byte) error

	// Delete removes the content stored under hash, if any.
	Delete(hash []byte) error
}
