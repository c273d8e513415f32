package disk

import (
	"bytes"
	"crypto/sha1" //nolint:gosec // cache keys
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCachePutGet(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := New(dir)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	content := []byte("hello")
	sum := sha1.Sum(content) //nolint:gosec // cache keys

	if err := c.Put(sum[:], content); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, ok := c.Get(sum[:])
	if !ok {
		t.Fatal("Get() ok = false, want true")
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("Get() content = %q, want %q", got, content)
	}

	hexHash := hex.EncodeToString(sum[:])
	path := filepath.Join(dir, hexHash[:defaultShardPrefixLen], hexHash)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected cache file at %s: %v", path, err)
	}

	if err := c.Delete(sum[:]); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok := c.Get(sum[:]); ok {
		t.Fatal("Get() after Delete ok = true, want false")
	}
	if err := c.Delete(sum[:]); err != nil {
		t.Fatalf("second Delete() error = %v", err)
	}
}

func TestCacheNoSharding(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := New(dir, WithShardPrefixLen(0))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	hash := []byte{0xab, 0xcd}
	if err := c.Put(hash, []byte("x")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "abcd")); err != nil {
		t.Fatalf("expected unsharded file: %v", err)
	}
	if err := c.Put(nil, []byte("x")); err == nil {
		t.Fatal("Put(nil) error = nil, want error")
	}
}

func TestCacheMaxBytesPrunesOldest(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := New(dir, WithMaxBytes(25))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	old := []byte{1}
	if err := c.Put(old, bytes.Repeat([]byte("a"), 10)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	past := time.Now().Add(-time.Hour)
	oldPath, _ := c.path(old)
	if err := os.Chtimes(oldPath, past, past); err != nil {
		t.Fatalf("Chtimes() error = %v", err)
	}
	if err := c.Put([]byte{2}, bytes.Repeat([]byte("b"), 10)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := c.Put([]byte{3}, bytes.Repeat([]byte("c"), 10)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if _, ok := c.Get(old); ok {
		t.Fatal("oldest entry survived pruning")
	}
	if _, ok := c.Get([]byte{3}); !ok {
		t.Fatal("newest entry was pruned")
	}
	if got := c.Size(); got > 25 {
		t.Fatalf("Size() = %d, want <= 25", got)
	}

	freed, err := c.Prune(0)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if freed != 20 || c.Size() != 0 {
		t.Fatalf("Prune() freed %d, size %d; want 20, 0", freed, c.Size())
	}
}
