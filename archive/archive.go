// Package archive stores content-addressed blobs in a packed file.
//
// Every blob lives in its own pack. An entry array, itself a pack, maps the
// SHA-1 of each blob's stored bytes to its pack index; the root element
// records the entry count and the pack of the entry array. Entries are held
// in memory and written back on Flush.
package archive

import (
	"fmt"
	"iter"
	"log/slog"

	"github.com/marblebag/nexusvault/internal/filecache"
	"github.com/marblebag/nexusvault/internal/memory"
	"github.com/marblebag/nexusvault/internal/packfile"
	"github.com/marblebag/nexusvault/internal/sizing"
	"github.com/marblebag/nexusvault/internal/vaulttype"
)

const (
	// Signature is "AARC" read as a little-endian uint32.
	Signature uint32 = 0x43524141

	// Version is the supported archive version.
	Version uint32 = 1

	// DefaultCapacity is the number of entries the entry array starts with.
	DefaultCapacity = 16
)

// File is an open archive file.
//
// Reads (Get, Has, Entry, Entries) may run concurrently with each other.
// Mutations require exclusive access.
type File struct {
	pf        *packfile.File
	logger    *slog.Logger
	capHint   int
	headerIdx uint32

	entries []Entry
	byHash  map[Hash]int
	byPack  map[uint32]int
	dirty   bool
}

// Option configures an archive.
type Option func(*config)

type config struct {
	pool     *filecache.Pool
	logger   *slog.Logger
	readOnly bool
	memOpts  []memory.Option
	capHint  int
}

// WithPool shares a file handle pool.
func WithPool(p *filecache.Pool) Option {
	return func(c *config) {
		c.pool = p
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithReadOnly opens the archive without write access.
func WithReadOnly() Option {
	return func(c *config) {
		c.readOnly = true
	}
}

// WithCapacityHint pre-sizes the entry array for n entries.
func WithCapacityHint(n int) Option {
	return func(c *config) {
		c.capHint = n
	}
}

// WithSplitThreshold sets the smallest free remainder split off a larger
// block when the archive allocates. Zero disables splitting.
func WithSplitThreshold(n uint32) Option {
	return func(c *config) {
		c.memOpts = append(c.memOpts, memory.WithSplitThreshold(n))
	}
}

// WithCoalescing controls whether freed blocks merge with free neighbours.
// Enabled by default.
func WithCoalescing(enabled bool) Option {
	return func(c *config) {
		c.memOpts = append(c.memOpts, memory.WithCoalescing(enabled))
	}
}

func (c *config) packOptions() []packfile.Option {
	opts := []packfile.Option{packfile.WithLogger(c.logger)}
	if c.pool != nil {
		opts = append(opts, packfile.WithPool(c.pool))
	}
	if c.readOnly {
		opts = append(opts, packfile.WithReadOnly())
	}
	if len(c.memOpts) > 0 {
		opts = append(opts, packfile.WithMemoryOptions(c.memOpts...))
	}
	return opts
}

func newConfig(opts []Option) *config {
	c := &config{capHint: DefaultCapacity}
	for _, opt := range opts {
		opt(c)
	}
	if c.capHint < 1 {
		c.capHint = 1
	}
	return c
}

// log returns the logger, falling back to a discard logger if nil.
func (a *File) log() *slog.Logger {
	if a.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return a.logger
}

// Create creates an empty archive at path.
func Create(path string, opts ...Option) (*File, error) {
	c := newConfig(opts)
	if c.readOnly {
		return nil, ErrReadOnly
	}
	pf, err := packfile.Create(path, c.packOptions()...)
	if err != nil {
		return nil, err
	}
	a := &File{
		pf:      pf,
		logger:  c.logger,
		capHint: c.capHint,
		byHash:  make(map[Hash]int),
		byPack:  make(map[uint32]int),
	}
	size, ok := sizing.MulUint64(uint64(c.capHint), EntrySize) //nolint:gosec // negative hints overflow
	if !ok {
		pf.Close()
		return nil, fmt.Errorf("capacity hint %d: %w", c.capHint, ErrSizeOverflow)
	}
	// The entry array starts empty but keeps a block sized for the hint.
	b, err := pf.Allocate(size)
	if err != nil {
		pf.Close()
		return nil, err
	}
	idx, err := pf.WriteNewPack(packfile.Pack{Offset: b.Position})
	if err != nil {
		pf.Close()
		return nil, err
	}
	a.headerIdx = idx
	if err := pf.WriteRootElement(a.rootElement()); err != nil {
		pf.Close()
		return nil, err
	}
	if err := pf.Flush(); err != nil {
		pf.Close()
		return nil, err
	}
	a.log().Info("created archive", "path", path)
	return a, nil
}

// Open opens an existing archive and loads its entry array.
func Open(path string, opts ...Option) (*File, error) {
	c := newConfig(opts)
	pf, err := packfile.Open(path, c.packOptions()...)
	if err != nil {
		return nil, err
	}
	a := &File{pf: pf, logger: c.logger, capHint: c.capHint}
	if err := a.load(); err != nil {
		pf.Close()
		return nil, fmt.Errorf("open archive %s: %w", path, err)
	}
	a.log().Debug("opened archive", "path", path, "entries", len(a.entries))
	return a, nil
}

func (a *File) load() error {
	root, ok := a.pf.RootElement()
	if !ok {
		return fmt.Errorf("%w: no root element", ErrFormat)
	}
	if err := root.Check(Signature, Version); err != nil {
		return err
	}
	a.headerIdx = root.HeaderIdx
	if int64(a.headerIdx) == a.pf.RootIndex() {
		return fmt.Errorf("%w: entry array shares the root pack", ErrCorrupt)
	}
	buf, err := a.pf.ReadPack(root.HeaderIdx)
	if err != nil {
		return err
	}
	if uint64(len(buf)) < uint64(root.Count)*EntrySize {
		return fmt.Errorf("%w: entry array of %d bytes holds %d entries", ErrCorrupt, len(buf), root.Count)
	}

	n := int(root.Count)
	a.entries = make([]Entry, n)
	a.byHash = make(map[Hash]int, n)
	a.byPack = make(map[uint32]int, n)
	packs := a.pf.PackCount()
	for i := range n {
		e := readEntry(buf[i*EntrySize:])
		if e.PackIdx >= packs || e.PackIdx == a.headerIdx || int64(e.PackIdx) == a.pf.RootIndex() {
			return fmt.Errorf("%w: entry %d points at pack %d", ErrCorrupt, i, e.PackIdx)
		}
		if j, dup := a.byHash[e.Hash]; dup {
			return fmt.Errorf("%w: entries %d and %d share hash %s", ErrCorrupt, j, i, e.Hash)
		}
		if j, dup := a.byPack[e.PackIdx]; dup {
			return fmt.Errorf("%w: entries %d and %d share pack %d", ErrCorrupt, j, i, e.PackIdx)
		}
		a.entries[i] = e
		a.byHash[e.Hash] = i
		a.byPack[e.PackIdx] = i
	}
	return nil
}

func (a *File) rootElement() packfile.RootElement {
	return packfile.RootElement{
		Signature: Signature,
		Version:   Version,
		Count:     uint32(len(a.entries)), //nolint:gosec // bounded by the pack count
		HeaderIdx: a.headerIdx,
	}
}

// Path returns the archive path.
func (a *File) Path() string { return a.pf.Path() }

// Len returns the number of entries.
func (a *File) Len() int { return len(a.entries) }

// Has reports whether an entry exists for hash.
func (a *File) Has(hash Hash) bool {
	_, ok := a.byHash[hash]
	return ok
}

// Entry returns the entry for hash.
func (a *File) Entry(hash Hash) (Entry, bool) {
	i, ok := a.byHash[hash]
	if !ok {
		return Entry{}, false
	}
	return a.entries[i], true
}

// Entries iterates over all entries in on-disk order.
func (a *File) Entries() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		for _, e := range a.entries {
			if !yield(e) {
				return
			}
		}
	}
}

// Get returns the stored bytes for hash.
func (a *File) Get(hash Hash) ([]byte, error) {
	i, ok := a.byHash[hash]
	if !ok {
		return nil, fmt.Errorf("%w: hash %s", ErrNotFound, hash)
	}
	return a.pf.ReadPack(a.entries[i].PackIdx)
}

func (a *File) writable() error {
	return a.pf.EnableWriteMode()
}

// Put stores data under hash with an uncompressed size of len(data).
func (a *File) Put(hash Hash, data []byte) error {
	return a.PutEntry(hash, data, uint64(len(data)))
}

// PutEntry stores data under hash. An existing entry is overwritten in place
// when data fits its block; otherwise a new block is allocated before the old
// one is freed.
func (a *File) PutEntry(hash Hash, data []byte, uncompressedSize uint64) error {
	if err := a.writable(); err != nil {
		return err
	}
	if i, ok := a.byHash[hash]; ok {
		if err := a.pf.OverwritePackData(a.entries[i].PackIdx, data); err != nil {
			return err
		}
		a.entries[i].UncompressedSize = uncompressedSize
		a.dirty = true
		a.log().Debug("overwrote archive entry", "hash", hash, "size", len(data))
		return nil
	}

	idx, err := a.pf.WriteNewPackData(data)
	if err != nil {
		return err
	}
	a.entries = append(a.entries, Entry{PackIdx: idx, Hash: hash, UncompressedSize: uncompressedSize})
	a.byHash[hash] = len(a.entries) - 1
	a.byPack[idx] = len(a.entries) - 1
	a.dirty = true
	a.log().Debug("added archive entry", "hash", hash, "pack", idx, "size", len(data))
	return nil
}

// Replace stores data under newHash in the pack that held oldHash.
func (a *File) Replace(oldHash, newHash Hash, data []byte, uncompressedSize uint64) error {
	if err := a.writable(); err != nil {
		return err
	}
	i, ok := a.byHash[oldHash]
	if !ok {
		return fmt.Errorf("%w: hash %s", ErrNotFound, oldHash)
	}
	if j, ok := a.byHash[newHash]; ok && j != i {
		return fmt.Errorf("%w: %s", ErrDuplicateHash, newHash)
	}
	if err := a.pf.OverwritePackData(a.entries[i].PackIdx, data); err != nil {
		return err
	}
	delete(a.byHash, oldHash)
	a.entries[i].Hash = newHash
	a.entries[i].UncompressedSize = uncompressedSize
	a.byHash[newHash] = i
	a.dirty = true
	return nil
}

// Delete removes the entry for hash and frees its block. The last pack moves
// into the freed pack slot and the last entry into the freed entry slot; the
// record that referenced the moved pack is patched.
func (a *File) Delete(hash Hash) error {
	if err := a.writable(); err != nil {
		return err
	}
	i, ok := a.byHash[hash]
	if !ok {
		return fmt.Errorf("%w: hash %s", ErrNotFound, hash)
	}
	victim := a.entries[i]
	mv, moved, err := a.pf.DeletePackData(victim.PackIdx)
	if err != nil {
		return err
	}
	delete(a.byPack, victim.PackIdx)
	if moved {
		switch {
		case mv.From == a.headerIdx:
			a.headerIdx = mv.To
		default:
			if j, ok := a.byPack[mv.From]; ok {
				a.entries[j].PackIdx = mv.To
				delete(a.byPack, mv.From)
				a.byPack[mv.To] = j
			}
		}
		a.log().Debug("moved archive pack", "from", mv.From, "to", mv.To)
	}

	last := len(a.entries) - 1
	if i != last {
		a.entries[i] = a.entries[last]
		a.byHash[a.entries[i].Hash] = i
		a.byPack[a.entries[i].PackIdx] = i
	}
	a.entries = a.entries[:last]
	delete(a.byHash, hash)
	a.dirty = true
	a.log().Debug("deleted archive entry", "hash", hash)
	return nil
}

// Grow makes room in the entry array for n more entries without further
// relocation.
func (a *File) Grow(n int) error {
	if err := a.writable(); err != nil {
		return err
	}
	want, ok := sizing.MulUint64(uint64(len(a.entries)+n), EntrySize) //nolint:gosec // n is a caller hint
	if !ok {
		return ErrSizeOverflow
	}
	return a.pf.GrowPack(a.headerIdx, want)
}

// Flush writes the entry array, root element and pending block changes.
func (a *File) Flush() error {
	if a.dirty {
		if err := a.writeEntries(); err != nil {
			return err
		}
		if err := a.pf.WriteRootElement(a.rootElement()); err != nil {
			return err
		}
		a.dirty = false
	}
	return a.pf.Flush()
}

func (a *File) writeEntries() error {
	data := encodeEntries(a.entries)
	p, err := a.pf.Pack(a.headerIdx)
	if err != nil {
		return err
	}
	b, err := a.pf.BlockAt(p.Offset)
	if err != nil {
		return err
	}
	if uint64(len(data)) > uint64(b.Size) {
		grown := max(uint64(b.Size)*2, uint64(len(data)), uint64(a.capHint)*EntrySize)
		if err := a.pf.GrowPack(a.headerIdx, grown); err != nil {
			return err
		}
	}
	return a.pf.OverwritePackData(a.headerIdx, data)
}

// Verify checks the packed file layout and that every entry's stored bytes
// hash to its key.
func (a *File) Verify() error {
	if err := a.Flush(); err != nil {
		return err
	}
	if err := a.pf.Verify(); err != nil {
		return err
	}
	for _, e := range a.entries {
		data, err := a.pf.ReadPack(e.PackIdx)
		if err != nil {
			return err
		}
		if vaulttype.Sum(data) != e.Hash {
			return fmt.Errorf("%w: entry %s in pack %d", ErrHashMismatch, e.Hash, e.PackIdx)
		}
	}
	return nil
}

// Stats returns the block layout statistics of the underlying packed file.
func (a *File) Stats() (packfile.Stats, error) {
	return a.pf.Stats()
}

// Close flushes pending changes and closes the file.
func (a *File) Close() error {
	if a.pf.WriteMode() {
		if err := a.Flush(); err != nil {
			a.pf.Close()
			return err
		}
	}
	return a.pf.Close()
}
