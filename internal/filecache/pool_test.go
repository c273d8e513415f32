package filecache

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.bin")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestAcquireReusesOpenFile(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	p := NewPool(WithClock(clock), WithCacheTime(time.Minute))
	t.Cleanup(func() { require.NoError(t, p.Close()) })
	path := writeTemp(t, "hello world")

	h1, err := p.Acquire(path, ModeRead)
	require.NoError(t, err)
	h2, err := p.Acquire(path, ModeRead)
	require.NoError(t, err)
	assert.Same(t, h1.e, h2.e)
	assert.Equal(t, 1, p.Len())

	buf := make([]byte, 5)
	_, err = h2.ReadAt(buf, 6)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf))

	require.NoError(t, h1.Release())
	require.NoError(t, h2.Release())
	require.NoError(t, h2.Release(), "double release is a no-op")
	assert.Equal(t, 1, p.Len(), "file stays cached after release")
}

func TestSweepClosesExpiredFiles(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	p := NewPool(WithClock(clock), WithCacheTime(time.Minute))
	t.Cleanup(func() { require.NoError(t, p.Close()) })
	path := writeTemp(t, "x")

	h, err := p.Acquire(path, ModeRead)
	require.NoError(t, err)
	require.NoError(t, h.Release())

	clock.Advance(30 * time.Second)
	p.sweep()
	assert.Equal(t, 1, p.Len(), "not yet expired")

	// Reacquiring cancels the expiry.
	h, err = p.Acquire(path, ModeRead)
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)
	p.sweep()
	assert.Equal(t, 1, p.Len(), "referenced files never expire")

	require.NoError(t, h.Release())
	clock.Advance(time.Minute + time.Second)
	p.sweep()
	assert.Equal(t, 0, p.Len())

	// The next acquire reopens the file.
	h, err = p.Acquire(path, ModeRead)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Len())
	require.NoError(t, h.Release())
}

func TestBackgroundSweeper(t *testing.T) {
	t.Parallel()

	p := NewPool(WithCacheTime(20*time.Millisecond), WithSweepInterval(5*time.Millisecond))
	t.Cleanup(func() { require.NoError(t, p.Close()) })
	path := writeTemp(t, "x")

	h, err := p.Acquire(path, ModeRead)
	require.NoError(t, err)
	require.NoError(t, h.Release())

	require.Eventually(t, func() bool { return p.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestZeroCacheTimeClosesOnRelease(t *testing.T) {
	t.Parallel()

	p := NewPool(WithCacheTime(0))
	t.Cleanup(func() { require.NoError(t, p.Close()) })
	path := writeTemp(t, "x")

	h, err := p.Acquire(path, ModeRead)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Len())
	require.NoError(t, h.Release())
	assert.Equal(t, 0, p.Len())
}

func TestBufferedWriterFlushesBeforeRead(t *testing.T) {
	t.Parallel()

	p := NewPool(WithClock(clockwork.NewFakeClock()))
	t.Cleanup(func() { require.NoError(t, p.Close()) })
	path := filepath.Join(t.TempDir(), "new.bin")

	h, err := p.Acquire(path, ModeReadWrite)
	require.NoError(t, err)
	w, err := h.Writer(4)
	require.NoError(t, err)
	_, err = w.WriteString("abcd")
	require.NoError(t, err)

	size, err := h.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(8), size)

	r, err := h.Reader(4)
	require.NoError(t, err)
	got := make([]byte, 4)
	_, err = io.ReadFull(r, got)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(got))

	_, err = w.WriteString("zz")
	require.NoError(t, err)
	require.NoError(t, h.Release())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "\x00\x00\x00\x00abcdzz", string(data))
}

func TestReaderIsExclusivePerHandle(t *testing.T) {
	t.Parallel()

	p := NewPool(WithClock(clockwork.NewFakeClock()), WithBufferSize(16))
	t.Cleanup(func() { require.NoError(t, p.Close()) })
	content := bytes.Repeat([]byte("0123456789abcdef"), 64)
	path := writeTemp(t, string(content))

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 200 {
				h, err := p.Acquire(path, ModeRead)
				if err != nil {
					errs <- err
					return
				}
				off := int64(g * 16)
				r, err := h.Reader(off)
				if err != nil {
					errs <- err
					return
				}
				got, err := io.ReadAll(r)
				if err != nil {
					errs <- err
					return
				}
				if !bytes.Equal(got, content[off:]) {
					errs <- io.ErrUnexpectedEOF
					return
				}
				if err := h.Release(); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, p.Len())
}

func TestModeUpgrade(t *testing.T) {
	t.Parallel()

	p := NewPool(WithClock(clockwork.NewFakeClock()))
	t.Cleanup(func() { require.NoError(t, p.Close()) })
	path := writeTemp(t, "data")

	ro, err := p.Acquire(path, ModeRead)
	require.NoError(t, err)
	_, err = p.Acquire(path, ModeReadWrite)
	require.ErrorIs(t, err, ErrModeConflict)
	require.NoError(t, ro.Release())

	rw, err := p.Acquire(path, ModeReadWrite)
	require.NoError(t, err)
	assert.True(t, rw.Writable())
	_, err = rw.WriteAt([]byte("D"), 0)
	require.NoError(t, err)
	require.NoError(t, rw.Release())
}

func TestEvictAndClose(t *testing.T) {
	t.Parallel()

	p := NewPool(WithClock(clockwork.NewFakeClock()))
	path := writeTemp(t, "data")

	h, err := p.Acquire(path, ModeRead)
	require.NoError(t, err)
	require.NoError(t, p.Evict(path))
	assert.Equal(t, 1, p.Len(), "evict waits for outstanding handles")
	require.NoError(t, h.Release())
	assert.Equal(t, 0, p.Len())

	h, err = p.Acquire(path, ModeRead)
	require.NoError(t, err)
	require.NoError(t, p.Close())
	assert.Equal(t, 0, p.Len())

	_, err = h.ReadAt(make([]byte, 1), 0)
	require.Error(t, err)
	require.NoError(t, h.Release())

	_, err = p.Acquire(path, ModeRead)
	require.ErrorIs(t, err, os.ErrClosed)
	require.NoError(t, p.Close())
}
