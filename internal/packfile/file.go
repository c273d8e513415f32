package packfile

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/marblebag/nexusvault/internal/filecache"
	"github.com/marblebag/nexusvault/internal/memory"
	"github.com/marblebag/nexusvault/internal/sizing"
	"github.com/marblebag/nexusvault/internal/vaulttype"
)

// File is an open packed file.
//
// Reads may run concurrently with each other. Mutations require exclusive
// access and write mode (see EnableWriteMode). File is not safe for
// concurrent mutation.
type File struct {
	path     string
	pool     *filecache.Pool
	ownPool  bool
	logger   *slog.Logger
	readOnly bool
	memOpts  []memory.Option

	header   Header
	packs    []Pack
	root     RootElement
	hasRoot  bool
	capacity uint32

	mem         *memory.Model
	headerDirty bool
	tableDirty  bool
	rootDirty   bool
	tableMoves  int

	err    error
	closed bool
}

// Option configures a File.
type Option func(*File)

// WithPool shares a file handle pool. Without it the file owns a private pool
// that is closed with the file.
func WithPool(p *filecache.Pool) Option {
	return func(f *File) {
		f.pool = p
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *File) {
		f.logger = logger
	}
}

// WithReadOnly opens the file without write access. EnableWriteMode fails
// with ErrReadOnly.
func WithReadOnly() Option {
	return func(f *File) {
		f.readOnly = true
	}
}

// WithMemoryOptions configures the block allocator used in write mode.
func WithMemoryOptions(opts ...memory.Option) Option {
	return func(f *File) {
		f.memOpts = append(f.memOpts, opts...)
	}
}

func newFile(path string, opts []Option) *File {
	f := &File{path: path, header: newHeader()}
	for _, opt := range opts {
		opt(f)
	}
	if f.pool == nil {
		f.pool = filecache.NewPool(filecache.WithLogger(f.logger))
		f.ownPool = true
	}
	return f
}

// log returns the logger, falling back to a discard logger if nil.
func (f *File) log() *slog.Logger {
	if f.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return f.logger
}

// Create creates or truncates path and returns an empty file in write mode.
func Create(path string, opts ...Option) (*File, error) {
	f := newFile(path, opts)
	if f.readOnly {
		f.closePool()
		return nil, vaulttype.ErrReadOnly
	}
	if err := f.create(); err != nil {
		f.closePool()
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	f.log().Debug("created packed file", "path", path)
	return f, nil
}

func (f *File) create() error {
	h, err := f.pool.Acquire(f.path, filecache.ModeReadWrite)
	if err != nil {
		return err
	}
	defer h.Release()
	if err := h.Truncate(0); err != nil {
		return err
	}
	buf, err := f.header.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := h.WriteAt(buf, 0); err != nil {
		return err
	}
	f.mem = memory.New(BlockBase, f.memOpts...)
	return nil
}

// Open opens an existing packed file. The header, pack table and root
// element are read eagerly.
func Open(path string, opts ...Option) (*File, error) {
	f := newFile(path, opts)
	if err := f.load(); err != nil {
		f.closePool()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	f.log().Debug("opened packed file", "path", path, "packs", len(f.packs))
	return f, nil
}

func (f *File) mode() filecache.Mode {
	if f.readOnly {
		return filecache.ModeRead
	}
	return filecache.ModeReadWrite
}

func (f *File) acquire() (*filecache.Handle, error) {
	if f.closed {
		return nil, vaulttype.ErrClosed
	}
	return f.pool.Acquire(f.path, f.mode())
}

func (f *File) load() error {
	h, err := f.pool.Acquire(f.path, filecache.ModeRead)
	if err != nil {
		return err
	}
	defer h.Release()

	buf := make([]byte, HeaderSize)
	if _, err := h.ReadAt(buf, 0); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: truncated header", vaulttype.ErrFormat)
		}
		return err
	}
	if err := f.header.UnmarshalBinary(buf); err != nil {
		return err
	}

	if f.header.PackCount > 0 {
		n, ok := sizing.MulUint64(uint64(f.header.PackCount), PackSize)
		if !ok {
			return vaulttype.ErrSizeOverflow
		}
		size, err := sizing.ToInt(n, vaulttype.ErrSizeOverflow)
		if err != nil {
			return err
		}
		off, err := sizing.ToInt64(f.header.PackOffset, vaulttype.ErrSizeOverflow)
		if err != nil {
			return err
		}
		table := make([]byte, size)
		if _, err := h.ReadAt(table, off); err != nil {
			return fmt.Errorf("%w: read pack table: %w", vaulttype.ErrCorrupt, err)
		}
		f.packs = decodeTable(table)
	}

	if f.header.PackRootIdx != NoRoot {
		buf, err := f.readPack(h, uint32(f.header.PackRootIdx)) //nolint:gosec // bounds checked by UnmarshalBinary
		if err != nil {
			return err
		}
		if err := f.root.UnmarshalBinary(buf); err != nil {
			return err
		}
		f.hasRoot = true
	}
	return nil
}

// Path returns the file path.
func (f *File) Path() string { return f.path }

// Header returns a copy of the in-memory header.
func (f *File) Header() Header {
	h := f.header
	h.PackCount = uint32(len(f.packs)) //nolint:gosec // count is bounded by the table capacity
	return h
}

// PackCount returns the number of live packs.
func (f *File) PackCount() uint32 {
	return uint32(len(f.packs)) //nolint:gosec // count is bounded by the table capacity
}

// Capacity returns the pack table capacity. It is only known in write mode.
func (f *File) Capacity() uint32 { return f.capacity }

// Pack returns the record at idx.
func (f *File) Pack(idx uint32) (Pack, error) {
	if uint64(idx) >= uint64(len(f.packs)) {
		return Pack{}, fmt.Errorf("%w: %d of %d", ErrPackIndex, idx, len(f.packs))
	}
	return f.packs[idx], nil
}

// Packs returns a copy of the pack table.
func (f *File) Packs() []Pack {
	return append([]Pack(nil), f.packs...)
}

// RootElement returns the root element, if the file has one.
func (f *File) RootElement() (RootElement, bool) {
	return f.root, f.hasRoot
}

// RootIndex returns the pack index of the root element or NoRoot.
func (f *File) RootIndex() int64 {
	return f.header.PackRootIdx
}

// ReadPack returns the payload of pack idx.
func (f *File) ReadPack(idx uint32) ([]byte, error) {
	h, err := f.acquire()
	if err != nil {
		return nil, err
	}
	defer h.Release()
	return f.readPack(h, idx)
}

func (f *File) readPack(h *filecache.Handle, idx uint32) ([]byte, error) {
	p, err := f.Pack(idx)
	if err != nil {
		return nil, err
	}
	size, err := sizing.ToInt(p.Size, vaulttype.ErrSizeOverflow)
	if err != nil {
		return nil, err
	}
	off, err := sizing.ToInt64(p.Offset, vaulttype.ErrSizeOverflow)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if size == 0 {
		return buf, nil
	}
	if _, err := h.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("%w: read pack %d at %d: %w", vaulttype.ErrCorrupt, idx, p.Offset, err)
	}
	return buf, nil
}

// ReadAt reads len(b) bytes at the absolute file offset off.
func (f *File) ReadAt(b []byte, off int64) (int, error) {
	h, err := f.acquire()
	if err != nil {
		return 0, err
	}
	defer h.Release()
	return h.ReadAt(b, off)
}

// WriteAt writes b at the absolute file offset off. The caller is responsible
// for staying inside a block it owns.
func (f *File) WriteAt(b []byte, off int64) (int, error) {
	if err := f.writable(); err != nil {
		return 0, err
	}
	h, err := f.acquire()
	if err != nil {
		return 0, err
	}
	defer h.Release()
	return h.WriteAt(b, off)
}

// Close flushes pending changes, syncs and releases the file.
func (f *File) Close() error {
	if f.closed {
		return nil
	}
	var errs []error
	if f.mem != nil && f.err == nil {
		errs = append(errs, f.flush(true))
	}
	f.closed = true
	errs = append(errs, f.pool.Evict(f.path))
	errs = append(errs, f.closePool())
	return errors.Join(errs...)
}

func (f *File) closePool() error {
	if !f.ownPool {
		return nil
	}
	return f.pool.Close()
}

// writable reports why the file cannot be mutated, if it cannot.
func (f *File) writable() error {
	switch {
	case f.closed:
		return vaulttype.ErrClosed
	case f.err != nil:
		return f.err
	case f.readOnly:
		return vaulttype.ErrReadOnly
	case f.mem == nil:
		return vaulttype.ErrNotWriteMode
	}
	return nil
}

// fail records consistency errors so later mutations are refused.
func (f *File) fail(err error) error {
	if err != nil && f.err == nil && errors.Is(err, vaulttype.ErrCorrupt) {
		f.err = err
		f.log().Warn("packed file corrupt", "path", f.path, "error", err)
	}
	return err
}
