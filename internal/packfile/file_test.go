package packfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marblebag/nexusvault/internal/filecache"
	"github.com/marblebag/nexusvault/internal/vaulttype"
)

func newTestFile(t *testing.T) (*File, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.pack")
	f, err := Create(path)
	require.NoError(t, err)
	return f, path
}

func reopen(t *testing.T, path string, opts ...Option) *File {
	t.Helper()
	f, err := Open(path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func payload(i int) []byte {
	return bytes.Repeat([]byte{byte(i)}, 10+i*7)
}

func TestCreateEmpty(t *testing.T) {
	t.Parallel()

	f, path := newTestFile(t)
	require.NoError(t, f.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(HeaderSize), info.Size())

	g := reopen(t, path)
	assert.Equal(t, uint32(0), g.PackCount())
	assert.Equal(t, NoRoot, g.RootIndex())
	_, ok := g.RootElement()
	assert.False(t, ok)
	require.NoError(t, g.EnableWriteMode())
	require.NoError(t, g.EnableWriteMode(), "idempotent")
	require.NoError(t, g.Verify())
}

func TestPayloadsAreAligned(t *testing.T) {
	t.Parallel()

	f, _ := newTestFile(t)
	defer f.Close()
	for i := range 5 {
		idx, err := f.WriteNewPackData(payload(i))
		require.NoError(t, err)
		p, err := f.Pack(idx)
		require.NoError(t, err)
		assert.Zero(t, p.Offset%16, "pack %d at %d", idx, p.Offset)
	}
}

func TestPacksSurviveReopen(t *testing.T) {
	t.Parallel()

	f, path := newTestFile(t)
	for i := range 40 {
		idx, err := f.WriteNewPackData(payload(i))
		require.NoError(t, err)
		require.Equal(t, uint32(i), idx)
	}
	require.NoError(t, f.WriteRootElement(RootElement{Signature: 1, Version: 2, Count: 3, HeaderIdx: 4}))
	require.NoError(t, f.Close())

	g := reopen(t, path)
	assert.Equal(t, uint32(41), g.PackCount())
	for i := range 40 {
		got, err := g.ReadPack(uint32(i))
		require.NoError(t, err)
		assert.Equal(t, payload(i), got, "pack %d", i)
	}
	root, ok := g.RootElement()
	require.True(t, ok)
	assert.Equal(t, RootElement{Signature: 1, Version: 2, Count: 3, HeaderIdx: 4}, root)
	assert.Equal(t, int64(40), g.RootIndex())
	require.NoError(t, g.Verify())

	_, err := g.Pack(41)
	require.ErrorIs(t, err, ErrPackIndex)
}

func TestTableGrowthRelocatesOnce(t *testing.T) {
	t.Parallel()

	f, _ := newTestFile(t)
	defer f.Close()

	_, err := f.WriteNewPackData(payload(0))
	require.NoError(t, err)
	require.Equal(t, 1, f.tableMoves)
	require.Equal(t, uint32(minTableCapacity), f.Capacity())

	for i := 1; i < minTableCapacity; i++ {
		_, err := f.WriteNewPackData(payload(i))
		require.NoError(t, err)
	}
	require.Equal(t, 1, f.tableMoves)
	before := f.Packs()

	_, err = f.WriteNewPackData(payload(minTableCapacity))
	require.NoError(t, err)
	assert.Equal(t, 2, f.tableMoves, "exactly one relocation")
	assert.GreaterOrEqual(t, f.Capacity(), uint32(minTableCapacity+1))
	assert.Equal(t, before, f.Packs()[:minTableCapacity])

	require.NoError(t, f.Flush())
	for i := range minTableCapacity + 1 {
		got, err := f.ReadPack(uint32(i))
		require.NoError(t, err)
		assert.Equal(t, payload(i), got)
	}
	require.NoError(t, f.Verify())
}

func TestDeletePackSwapsLast(t *testing.T) {
	t.Parallel()

	f, path := newTestFile(t)
	for i := range 4 {
		_, err := f.WriteNewPackData(payload(i))
		require.NoError(t, err)
	}

	mv, moved, err := f.DeletePackData(1)
	require.NoError(t, err)
	require.True(t, moved)
	assert.Equal(t, Move{From: 3, To: 1}, mv)
	assert.Equal(t, uint32(3), f.PackCount())

	_, moved, err = f.DeletePackData(2)
	require.NoError(t, err)
	assert.False(t, moved, "deleting the last pack moves nothing")
	require.NoError(t, f.Close())

	g := reopen(t, path)
	require.Equal(t, uint32(2), g.PackCount())
	got, err := g.ReadPack(1)
	require.NoError(t, err)
	assert.Equal(t, payload(3), got)
	require.NoError(t, g.Verify())
}

func TestDeletePackPatchesRootIndex(t *testing.T) {
	t.Parallel()

	f, _ := newTestFile(t)
	defer f.Close()
	_, err := f.WriteNewPackData(payload(0))
	require.NoError(t, err)
	require.NoError(t, f.WriteRootElement(RootElement{Signature: 7}))
	require.Equal(t, int64(1), f.RootIndex())

	_, _, err = f.DeletePackData(1)
	require.ErrorIs(t, err, ErrRootPack)

	mv, moved, err := f.DeletePackData(0)
	require.NoError(t, err)
	require.True(t, moved)
	assert.Equal(t, Move{From: 1, To: 0}, mv)
	assert.Equal(t, int64(0), f.RootIndex())
	require.NoError(t, f.Verify())
}

func TestOverwritePackData(t *testing.T) {
	t.Parallel()

	f, path := newTestFile(t)
	idx, err := f.WriteNewPackData(make([]byte, 100))
	require.NoError(t, err)
	orig, err := f.Pack(idx)
	require.NoError(t, err)

	require.NoError(t, f.OverwritePackData(idx, []byte("short")))
	p, err := f.Pack(idx)
	require.NoError(t, err)
	assert.Equal(t, Pack{Offset: orig.Offset, Size: 5}, p, "fits in place")

	big := bytes.Repeat([]byte("x"), 500)
	require.NoError(t, f.OverwritePackData(idx, big))
	p, err = f.Pack(idx)
	require.NoError(t, err)
	assert.NotEqual(t, orig.Offset, p.Offset)
	b, ok := f.mem.TryFindAt(orig.Offset)
	require.True(t, ok)
	assert.True(t, b.Free, "old block released")
	require.NoError(t, f.Close())

	g := reopen(t, path)
	got, err := g.ReadPack(idx)
	require.NoError(t, err)
	assert.Equal(t, big, got)
}

func TestGrowPackKeepsPayload(t *testing.T) {
	t.Parallel()

	f, _ := newTestFile(t)
	defer f.Close()
	idx, err := f.WriteNewPackData([]byte("keep me"))
	require.NoError(t, err)
	require.NoError(t, f.GrowPack(idx, 4096))

	p, err := f.Pack(idx)
	require.NoError(t, err)
	b, err := f.BlockAt(p.Offset)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, b.Size, uint32(4096))
	assert.Equal(t, uint64(7), p.Size)

	got, err := f.ReadPack(idx)
	require.NoError(t, err)
	assert.Equal(t, "keep me", string(got))
}

func TestGuardChainReconstruction(t *testing.T) {
	t.Parallel()

	f, path := newTestFile(t)
	for i := range 30 {
		_, err := f.WriteNewPackData(payload(i))
		require.NoError(t, err)
	}
	for _, idx := range []uint32{3, 10, 4, 20} {
		_, _, err := f.DeletePackData(idx)
		require.NoError(t, err)
	}
	require.NoError(t, f.OverwritePackData(0, bytes.Repeat([]byte("y"), 1000)))
	require.NoError(t, f.Flush())
	want := slices.Collect(f.mem.Blocks())
	require.NoError(t, f.Close())

	g := reopen(t, path)
	require.NoError(t, g.EnableWriteMode())
	assert.Equal(t, want, slices.Collect(g.mem.Blocks()))
	assert.Equal(t, f.Capacity(), g.Capacity())
}

func TestFlushWritesThroughBuffer(t *testing.T) {
	t.Parallel()

	pool := filecache.NewPool(filecache.WithBufferSize(16))
	t.Cleanup(func() { require.NoError(t, pool.Close()) })
	path := filepath.Join(t.TempDir(), "buffered.pack")
	f, err := Create(path, WithPool(pool))
	require.NoError(t, err)
	for i := range 40 {
		_, err := f.WriteNewPackData(payload(i))
		require.NoError(t, err)
	}
	_, _, err = f.DeletePackData(7)
	require.NoError(t, err)
	require.NoError(t, f.WriteRootElement(RootElement{Signature: 1, Version: 2}))
	require.NoError(t, f.Flush())
	want := slices.Collect(f.mem.Blocks())

	// A second reader sees the flushed state while f is still open.
	g := reopen(t, path, WithReadOnly())
	assert.Equal(t, f.PackCount(), g.PackCount())
	chain, err := g.blocks()
	require.NoError(t, err)
	assert.Equal(t, want, chain)
	root, ok := g.RootElement()
	require.True(t, ok)
	assert.Equal(t, RootElement{Signature: 1, Version: 2}, root)
	require.NoError(t, g.Verify())
	require.NoError(t, f.Close())
}

func TestMutationRequiresWriteMode(t *testing.T) {
	t.Parallel()

	f, path := newTestFile(t)
	_, err := f.WriteNewPackData([]byte("a"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	g := reopen(t, path)
	_, err = g.WriteNewPackData([]byte("b"))
	require.ErrorIs(t, err, vaulttype.ErrNotWriteMode)
	_, err = g.Allocate(16)
	require.ErrorIs(t, err, vaulttype.ErrNotWriteMode)
	require.NoError(t, g.Flush(), "flush outside write mode is a no-op")

	ro := reopen(t, path, WithReadOnly())
	require.ErrorIs(t, ro.EnableWriteMode(), vaulttype.ErrReadOnly)
	got, err := ro.ReadPack(0)
	require.NoError(t, err)
	assert.Equal(t, "a", string(got))
}

func TestOpenRejectsBadHeader(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	short := filepath.Join(dir, "short")
	require.NoError(t, os.WriteFile(short, []byte("PACK"), 0o600))
	_, err := Open(short)
	require.ErrorIs(t, err, vaulttype.ErrFormat)

	bad := filepath.Join(dir, "bad")
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf, 0xDEADBEEF)
	require.NoError(t, os.WriteFile(bad, buf, 0o600))
	_, err = Open(bad)
	require.ErrorIs(t, err, vaulttype.ErrFormat)

	_, err = Open(filepath.Join(dir, "missing"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestCorruptGuardPoisonsFile(t *testing.T) {
	t.Parallel()

	f, path := newTestFile(t)
	idx, err := f.WriteNewPackData(make([]byte, 32))
	require.NoError(t, err)
	p, err := f.Pack(idx)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// Flip the sign of the trailing guard.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	binary.LittleEndian.PutUint64(raw[p.Offset+32:], uint64(0xFFFFFFFFFFFFFFE0))
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	g := reopen(t, path)
	err = g.EnableWriteMode()
	require.ErrorIs(t, err, vaulttype.ErrCorrupt)
	_, err = g.WriteNewPackData([]byte("x"))
	require.ErrorIs(t, err, vaulttype.ErrCorrupt)
	require.ErrorIs(t, g.Verify(), vaulttype.ErrCorrupt)
}

func TestSharedPool(t *testing.T) {
	t.Parallel()

	pool := filecache.NewPool()
	t.Cleanup(func() { require.NoError(t, pool.Close()) })
	dir := t.TempDir()

	var files []*File
	for i := range 3 {
		f, err := Create(filepath.Join(dir, fmt.Sprintf("f%d.pack", i)), WithPool(pool))
		require.NoError(t, err)
		_, err = f.WriteNewPackData(payload(i))
		require.NoError(t, err)
		files = append(files, f)
	}
	assert.Equal(t, 3, pool.Len())
	for _, f := range files {
		require.NoError(t, f.Close())
	}
	assert.Equal(t, 0, pool.Len(), "closed files are evicted")
}

func TestStats(t *testing.T) {
	t.Parallel()

	f, path := newTestFile(t)
	for i := range 3 {
		_, err := f.WriteNewPackData(make([]byte, 64))
		require.NoError(t, err, "pack %d", i)
	}
	_, _, err := f.DeletePackData(0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	g := reopen(t, path)
	s, err := g.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint32(2), s.Packs)
	assert.Equal(t, uint32(minTableCapacity), s.Capacity)
	assert.Equal(t, 4, s.Blocks)
	assert.Equal(t, 1, s.FreeBlocks)
	assert.Equal(t, uint64(64), s.FreeBytes)
}
