// Package filecache keeps recently used file handles open.
//
// A Pool owns at most one *os.File per path together with one buffered reader
// and one buffered writer. A handle that asks for the reader or the writer
// holds both exclusively until it is released, so buffered writes never
// outlive the handle that made them. Handles are reference counted: when the last
// handle is released the file stays open for the configured cache time and is
// closed by a single background sweeper unless it is acquired again first.
package filecache

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	// DefaultCacheTime is how long an unreferenced file stays open.
	DefaultCacheTime = 30 * time.Second

	// DefaultBufferSize is the size of each reader and writer buffer.
	DefaultBufferSize = 64 << 10

	minSweepInterval = 10 * time.Millisecond
)

// ErrModeConflict is returned when a path is held read-only and a writable
// handle is requested.
var ErrModeConflict = errors.New("filecache: file is held read-only")

// Mode selects how a file is opened.
type Mode int

const (
	// ModeRead opens an existing file read-only.
	ModeRead Mode = iota
	// ModeReadWrite opens a file for reading and writing, creating it if needed.
	ModeReadWrite
)

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeReadWrite:
		return "read-write"
	default:
		return "unknown"
	}
}

func (m Mode) flags() int {
	if m == ModeReadWrite {
		return os.O_RDWR | os.O_CREATE
	}
	return os.O_RDONLY
}

// Pool caches open files by path.
//
// Pool is safe for concurrent use. Handle.Reader and Handle.Writer block while
// another handle to the same path holds the buffers.
type Pool struct {
	mu        sync.Mutex
	entries   map[string]*entry
	closed    bool
	cacheTime time.Duration
	interval  time.Duration
	bufSize   int
	clock     clockwork.Clock
	logger    *slog.Logger

	done chan struct{}
	wg   sync.WaitGroup
}

// Option configures a Pool.
type Option func(*Pool)

// WithCacheTime sets how long an unreferenced file stays open.
// Zero closes files as soon as their last handle is released.
func WithCacheTime(d time.Duration) Option {
	return func(p *Pool) {
		if d < 0 {
			d = 0
		}
		p.cacheTime = d
	}
}

// WithSweepInterval sets how often the sweeper looks for expired files.
// Defaults to half the cache time.
func WithSweepInterval(d time.Duration) Option {
	return func(p *Pool) {
		p.interval = d
	}
}

// WithBufferSize sets the size of the per-file read and write buffers.
func WithBufferSize(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.bufSize = n
		}
	}
}

// WithClock sets the clock driving expiry. Tests use a fake clock.
func WithClock(c clockwork.Clock) Option {
	return func(p *Pool) {
		p.clock = c
	}
}

// WithLogger sets the logger for open and close events.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		p.logger = logger
	}
}

// NewPool creates a pool and starts its sweeper.
func NewPool(opts ...Option) *Pool {
	p := &Pool{
		entries:   make(map[string]*entry),
		cacheTime: DefaultCacheTime,
		bufSize:   DefaultBufferSize,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.clock == nil {
		p.clock = clockwork.NewRealClock()
	}
	if p.interval <= 0 {
		p.interval = max(p.cacheTime/2, minSweepInterval)
	}
	if p.cacheTime > 0 {
		ticker := p.clock.NewTicker(p.interval)
		p.wg.Add(1)
		go p.run(ticker)
	}
	return p
}

// log returns the logger, falling back to a discard logger if nil.
func (p *Pool) log() *slog.Logger {
	if p.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return p.logger
}

func (p *Pool) run(ticker clockwork.Ticker) {
	defer p.wg.Done()
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.Chan():
			p.sweep()
		}
	}
}

// sweep closes every unreferenced file whose cache time has elapsed.
func (p *Pool) sweep() {
	now := p.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for path, e := range p.entries {
		if !e.expiring || e.refs > 0 {
			continue
		}
		if !now.After(e.lastUsed.Add(p.cacheTime)) {
			continue
		}
		if err := e.close(); err != nil {
			p.log().Warn("close expired file", "path", path, "error", err)
		}
		delete(p.entries, path)
		p.log().Debug("closed expired file", "path", path)
	}
}

// Acquire returns a handle to path, opening the file if it is not cached.
// A pending expiry is cancelled. The handle must be released.
func (p *Pool) Acquire(path string, mode Mode) (*Handle, error) {
	key := filepath.Clean(path)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, os.ErrClosed
	}

	e, ok := p.entries[key]
	if ok && mode > e.mode {
		if e.refs > 0 {
			return nil, fmt.Errorf("%w: %s", ErrModeConflict, key)
		}
		if err := e.close(); err != nil {
			return nil, err
		}
		delete(p.entries, key)
		ok = false
	}
	if !ok {
		f, err := os.OpenFile(key, mode.flags(), 0o644) //nolint:gosec // caller-selected path
		if err != nil {
			return nil, err
		}
		e = &entry{file: f, mode: mode, bufSize: p.bufSize}
		p.entries[key] = e
		p.log().Debug("opened file", "path", key, "mode", mode)
	}
	e.refs++
	e.expiring = false
	return &Handle{pool: p, path: key, e: e}, nil
}

// Evict closes path if it has no outstanding handles. A referenced file is
// closed when its last handle is released.
func (p *Pool) Evict(path string) error {
	key := filepath.Clean(path)
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[key]
	if !ok {
		return nil
	}
	if e.refs > 0 {
		e.evict = true
		return nil
	}
	delete(p.entries, key)
	return e.close()
}

// Len returns the number of open files.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Close stops the sweeper and closes every file, flushing pending writes.
// Outstanding handles become unusable.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	var errs []error
	for path, e := range p.entries {
		if err := e.close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", path, err))
		}
		delete(p.entries, path)
	}
	p.mu.Unlock()
	p.wg.Wait()
	return errors.Join(errs...)
}

func (p *Pool) release(h *Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := h.e
	e.refs--
	if e.refs > 0 {
		return nil
	}
	if cur, ok := p.entries[h.path]; !ok || cur != e {
		// Already closed by Pool.Close.
		return nil
	}
	if p.cacheTime == 0 || e.evict {
		delete(p.entries, h.path)
		return e.close()
	}
	if err := e.flush(); err != nil {
		return err
	}
	e.expiring = true
	e.lastUsed = p.clock.Now()
	return nil
}

type entry struct {
	file     *os.File
	mode     Mode
	refs     int
	expiring bool
	evict    bool
	lastUsed time.Time
	bufSize  int

	// lease is held by the handle using reader and writer.
	lease sync.Mutex

	mu     sync.Mutex
	reader *bufio.Reader
	writer *bufio.Writer
	closed bool
}

func (e *entry) flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flushLocked()
}

func (e *entry) flushLocked() error {
	if e.writer == nil || e.writer.Buffered() == 0 {
		return nil
	}
	return e.writer.Flush()
}

func (e *entry) close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	flushErr := e.flushLocked()
	return errors.Join(flushErr, e.file.Close())
}

// Handle is a reference to a cached file.
type Handle struct {
	pool     *Pool
	path     string
	e        *entry
	released bool
	leased   bool
}

// Path returns the cleaned path of the file.
func (h *Handle) Path() string { return h.path }

// Writable reports whether the file was opened for writing.
func (h *Handle) Writable() bool { return h.e.mode == ModeReadWrite }

func (h *Handle) check() error {
	if h.released {
		return os.ErrClosed
	}
	return nil
}

// lock takes the buffer lease. It is held until Release.
func (h *Handle) lock() {
	if h.leased {
		return
	}
	h.e.lease.Lock()
	h.leased = true
}

// ReadAt reads len(b) bytes at off after flushing buffered writes.
func (h *Handle) ReadAt(b []byte, off int64) (int, error) {
	if err := h.Flush(); err != nil {
		return 0, err
	}
	return h.e.file.ReadAt(b, off)
}

// WriteAt writes b at off after flushing buffered writes.
func (h *Handle) WriteAt(b []byte, off int64) (int, error) {
	if err := h.Flush(); err != nil {
		return 0, err
	}
	return h.e.file.WriteAt(b, off)
}

// Reader returns the path's buffered reader positioned at off. The handle
// holds the buffers until it is released.
func (h *Handle) Reader(off int64) (*bufio.Reader, error) {
	if err := h.check(); err != nil {
		return nil, err
	}
	h.lock()
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	if err := h.e.flushLocked(); err != nil {
		return nil, err
	}
	src := io.NewSectionReader(h.e.file, off, math.MaxInt64-off)
	if h.e.reader == nil {
		h.e.reader = bufio.NewReaderSize(src, h.e.bufSize)
	} else {
		h.e.reader.Reset(src)
	}
	return h.e.reader, nil
}

// Writer returns the path's buffered writer positioned at off. Any data still
// buffered for a previous position is flushed first. The handle holds the
// buffers until it is released, which flushes them.
func (h *Handle) Writer(off int64) (*bufio.Writer, error) {
	if err := h.check(); err != nil {
		return nil, err
	}
	h.lock()
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	if err := h.e.flushLocked(); err != nil {
		return nil, err
	}
	dst := io.NewOffsetWriter(h.e.file, off)
	if h.e.writer == nil {
		h.e.writer = bufio.NewWriterSize(dst, h.e.bufSize)
	} else {
		h.e.writer.Reset(dst)
	}
	return h.e.writer, nil
}

// Flush writes any data buffered through this handle to the file.
func (h *Handle) Flush() error {
	if err := h.check(); err != nil {
		return err
	}
	if !h.leased {
		return nil
	}
	return h.e.flush()
}

// Size returns the current file size.
func (h *Handle) Size() (int64, error) {
	if err := h.Flush(); err != nil {
		return 0, err
	}
	info, err := h.e.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Truncate changes the file size.
func (h *Handle) Truncate(size int64) error {
	if err := h.Flush(); err != nil {
		return err
	}
	return h.e.file.Truncate(size)
}

// Sync flushes buffered data and commits the file to stable storage.
func (h *Handle) Sync() error {
	if err := h.Flush(); err != nil {
		return err
	}
	return h.e.file.Sync()
}

// Release drops the reference. Buffered writes are flushed. Releasing twice
// is a no-op.
func (h *Handle) Release() error {
	if h.released {
		return nil
	}
	h.released = true
	var err error
	if h.leased {
		err = h.e.flush()
		h.leased = false
		h.e.lease.Unlock()
	}
	return errors.Join(err, h.pool.release(h))
}
