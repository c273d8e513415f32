package packfile

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/marblebag/nexusvault/internal/filecache"
	"github.com/marblebag/nexusvault/internal/memory"
	"github.com/marblebag/nexusvault/internal/sizing"
	"github.com/marblebag/nexusvault/internal/vaulttype"
)

// Move reports that DeletePack moved the last pack into the freed slot.
type Move struct {
	From uint32
	To   uint32
}

// WriteMode reports whether the block ledger is loaded.
func (f *File) WriteMode() bool { return f.mem != nil }

// EnableWriteMode replays the guard chain into a block ledger so the file can
// be mutated. It is idempotent.
func (f *File) EnableWriteMode() error {
	switch {
	case f.closed:
		return vaulttype.ErrClosed
	case f.err != nil:
		return f.err
	case f.readOnly:
		return vaulttype.ErrReadOnly
	case f.mem != nil:
		return nil
	}

	h, err := f.acquire()
	if err != nil {
		return err
	}
	defer h.Release()

	blocks, err := readChain(h)
	if err != nil {
		return f.fail(err)
	}
	mem, err := memory.Restore(BlockBase, blocks, f.memOpts...)
	if err != nil {
		return f.fail(err)
	}

	var capacity uint32
	if f.header.PackOffset != 0 {
		b, err := mem.FindAt(f.header.PackOffset)
		if err != nil {
			return f.fail(fmt.Errorf("pack table: %w", err))
		}
		if b.Free {
			return f.fail(fmt.Errorf("%w: pack table block at %d is free", vaulttype.ErrCorrupt, b.Position))
		}
		capacity = b.Size / PackSize
	}
	if uint64(capacity) < uint64(len(f.packs)) {
		return f.fail(fmt.Errorf("%w: pack table holds %d of %d packs", vaulttype.ErrCorrupt, capacity, len(f.packs)))
	}

	f.mem = mem
	f.capacity = capacity
	f.log().Debug("write mode enabled", "path", f.path, "blocks", mem.Len(), "capacity", capacity)
	return nil
}

// readChain walks the guard chain from BlockBase until a zero guard or the
// end of the file.
func readChain(h *filecache.Handle) ([]memory.Block, error) {
	r, err := h.Reader(BlockBase)
	if err != nil {
		return nil, err
	}
	var blocks []memory.Block
	pos := uint64(BlockBase)
	var guard [memory.GuardSize]byte
	for {
		if _, err := io.ReadFull(r, guard[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return blocks, nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("%w: truncated guard at %d", vaulttype.ErrCorrupt, pos)
			}
			return nil, err
		}
		lead := int64(binary.LittleEndian.Uint64(guard[:])) //nolint:gosec // signed guard
		if lead == 0 {
			return blocks, nil
		}
		b, err := guardBlock(pos, lead)
		if err != nil {
			return nil, err
		}
		if err := skip(r, uint64(b.Size)); err != nil {
			return nil, fmt.Errorf("%w: block at %d: %w", vaulttype.ErrCorrupt, b.Position, err)
		}
		if _, err := io.ReadFull(r, guard[:]); err != nil {
			return nil, fmt.Errorf("%w: trailing guard of block at %d: %w", vaulttype.ErrCorrupt, b.Position, err)
		}
		if trail := int64(binary.LittleEndian.Uint64(guard[:])); trail != lead { //nolint:gosec // signed guard
			return nil, fmt.Errorf("%w: block at %d has guards %d and %d", vaulttype.ErrCorrupt, b.Position, lead, trail)
		}
		blocks = append(blocks, b)
		pos = b.End()
	}
}

func guardBlock(pos uint64, guard int64) (memory.Block, error) {
	free := guard < 0
	size := guard
	if free {
		size = -guard
	}
	if size < 0 || size > memory.MaxBlockSize || !sizing.Aligned(uint64(size)) {
		return memory.Block{}, fmt.Errorf("%w: guard %d at %d", vaulttype.ErrCorrupt, guard, pos)
	}
	return memory.Block{Position: pos + memory.GuardSize, Size: uint32(size), Free: free}, nil
}

func skip(r *bufio.Reader, n uint64) error {
	for n > 0 {
		step := min(n, 1<<30)
		if _, err := r.Discard(int(step)); err != nil { //nolint:gosec // bounded by 1<<30
			return err
		}
		n -= step
	}
	return nil
}

// Allocate reserves a block of at least size bytes.
func (f *File) Allocate(size uint64) (memory.Block, error) {
	if err := f.writable(); err != nil {
		return memory.Block{}, err
	}
	b, err := f.mem.Allocate(size)
	return b, f.fail(err)
}

// Free releases the block whose payload starts at offset.
func (f *File) Free(offset uint64) error {
	if err := f.writable(); err != nil {
		return err
	}
	_, err := f.mem.Free(offset)
	return f.fail(err)
}

// BlockAt returns the block whose payload starts at offset.
func (f *File) BlockAt(offset uint64) (memory.Block, error) {
	if err := f.writable(); err != nil {
		return memory.Block{}, err
	}
	b, err := f.mem.FindAt(offset)
	return b, f.fail(err)
}

// Relocate moves the first used bytes of the block at offset into a new block
// of at least newSize bytes. The new block is allocated before the old one is
// freed, so the two never overlap.
func (f *File) Relocate(offset, used, newSize uint64) (memory.Block, error) {
	if err := f.writable(); err != nil {
		return memory.Block{}, err
	}
	old, err := f.mem.FindAt(offset)
	if err != nil {
		return memory.Block{}, f.fail(err)
	}
	if used > uint64(old.Size) || used > newSize {
		return memory.Block{}, fmt.Errorf("relocate %d of block at %d into %d bytes: %w", used, offset, newSize, vaulttype.ErrSizeOverflow)
	}
	nb, err := f.mem.Allocate(newSize)
	if err != nil {
		return memory.Block{}, f.fail(err)
	}
	if err := f.copyRange(offset, nb.Position, used); err != nil {
		return memory.Block{}, err
	}
	if _, err := f.mem.Free(offset); err != nil {
		return memory.Block{}, f.fail(err)
	}
	f.log().Debug("relocated block", "from", offset, "to", nb.Position, "size", nb.Size)
	return nb, nil
}

func (f *File) copyRange(src, dst, n uint64) error {
	if n == 0 {
		return nil
	}
	h, err := f.acquire()
	if err != nil {
		return err
	}
	defer h.Release()
	srcOff, err := sizing.ToInt64(src, vaulttype.ErrSizeOverflow)
	if err != nil {
		return err
	}
	dstOff, err := sizing.ToInt64(dst, vaulttype.ErrSizeOverflow)
	if err != nil {
		return err
	}
	size, err := sizing.ToInt64(n, vaulttype.ErrSizeOverflow)
	if err != nil {
		return err
	}
	_, err = io.Copy(io.NewOffsetWriter(h, dstOff), io.NewSectionReader(h, srcOff, size))
	return err
}

// WriteNewPack appends a pack record, growing the pack table first if it is
// full, and returns its index.
func (f *File) WriteNewPack(p Pack) (uint32, error) {
	if err := f.writable(); err != nil {
		return 0, err
	}
	if uint64(len(f.packs)) >= uint64(f.capacity) {
		if err := f.growTable(); err != nil {
			return 0, err
		}
	}
	f.packs = append(f.packs, p)
	f.tableDirty = true
	f.headerDirty = true
	return uint32(len(f.packs) - 1), nil //nolint:gosec // bounded by capacity
}

func (f *File) growTable() error {
	next, err := nextCapacity(f.capacity)
	if err != nil {
		return err
	}
	nb, err := f.mem.Allocate(uint64(next) * PackSize)
	if err != nil {
		return f.fail(err)
	}
	// The table lives in memory and is written at flush, so there is nothing
	// to copy.
	if f.header.PackOffset != 0 {
		if _, err := f.mem.Free(f.header.PackOffset); err != nil {
			return f.fail(err)
		}
	}
	f.log().Debug("grew pack table", "path", f.path, "from", f.capacity, "to", next, "offset", nb.Position)
	f.header.PackOffset = nb.Position
	f.capacity = nb.Size / PackSize
	f.tableDirty = true
	f.headerDirty = true
	f.tableMoves++
	return nil
}

// OverwritePack replaces the record at idx.
func (f *File) OverwritePack(idx uint32, p Pack) error {
	if err := f.writable(); err != nil {
		return err
	}
	if _, err := f.Pack(idx); err != nil {
		return err
	}
	f.packs[idx] = p
	f.tableDirty = true
	return nil
}

// DeletePack removes the record at idx by moving the last record into its
// slot. When a record moves, the returned Move names its old and new index
// and the caller must patch any reference to it. The root element pack is
// patched here.
func (f *File) DeletePack(idx uint32) (Move, bool, error) {
	if err := f.writable(); err != nil {
		return Move{}, false, err
	}
	if _, err := f.Pack(idx); err != nil {
		return Move{}, false, err
	}
	if int64(idx) == f.header.PackRootIdx {
		return Move{}, false, ErrRootPack
	}
	last := uint32(len(f.packs) - 1) //nolint:gosec // non-empty, bounded by capacity
	var mv Move
	moved := idx != last
	if moved {
		f.packs[idx] = f.packs[last]
		mv = Move{From: last, To: idx}
		if f.header.PackRootIdx == int64(last) {
			f.header.PackRootIdx = int64(idx)
		}
	}
	f.packs = f.packs[:last]
	f.tableDirty = true
	f.headerDirty = true
	return mv, moved, nil
}

// WriteNewPackData stores data in a new block and appends a pack for it.
func (f *File) WriteNewPackData(data []byte) (uint32, error) {
	if err := f.writable(); err != nil {
		return 0, err
	}
	b, err := f.mem.Allocate(uint64(len(data)))
	if err != nil {
		return 0, f.fail(err)
	}
	if err := f.writeBlock(b, data); err != nil {
		return 0, err
	}
	return f.WriteNewPack(Pack{Offset: b.Position, Size: uint64(len(data))})
}

// OverwritePackData replaces the payload of pack idx. The block is reused
// when data fits; otherwise a new block is allocated before the old one is
// freed.
func (f *File) OverwritePackData(idx uint32, data []byte) error {
	if err := f.writable(); err != nil {
		return err
	}
	p, err := f.Pack(idx)
	if err != nil {
		return err
	}
	b, err := f.mem.FindAt(p.Offset)
	if err != nil {
		return f.fail(err)
	}
	if uint64(len(data)) > uint64(b.Size) {
		nb, err := f.mem.Allocate(uint64(len(data)))
		if err != nil {
			return f.fail(err)
		}
		if err := f.writeBlock(nb, data); err != nil {
			return err
		}
		if _, err := f.mem.Free(b.Position); err != nil {
			return f.fail(err)
		}
		b = nb
	} else if err := f.writeBlock(b, data); err != nil {
		return err
	}
	f.packs[idx] = Pack{Offset: b.Position, Size: uint64(len(data))}
	f.tableDirty = true
	return nil
}

// GrowPack moves pack idx into a block of at least size bytes, keeping its
// payload. The pack size is unchanged.
func (f *File) GrowPack(idx uint32, size uint64) error {
	if err := f.writable(); err != nil {
		return err
	}
	p, err := f.Pack(idx)
	if err != nil {
		return err
	}
	b, err := f.mem.FindAt(p.Offset)
	if err != nil {
		return f.fail(err)
	}
	if size <= uint64(b.Size) {
		return nil
	}
	nb, err := f.Relocate(p.Offset, p.Size, size)
	if err != nil {
		return err
	}
	f.packs[idx].Offset = nb.Position
	f.tableDirty = true
	return nil
}

// DeletePackData frees the payload of pack idx and deletes the pack.
func (f *File) DeletePackData(idx uint32) (Move, bool, error) {
	if err := f.writable(); err != nil {
		return Move{}, false, err
	}
	p, err := f.Pack(idx)
	if err != nil {
		return Move{}, false, err
	}
	if int64(idx) == f.header.PackRootIdx {
		return Move{}, false, ErrRootPack
	}
	if _, err := f.mem.Free(p.Offset); err != nil {
		return Move{}, false, f.fail(err)
	}
	return f.DeletePack(idx)
}

func (f *File) writeBlock(b memory.Block, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if uint64(len(data)) > uint64(b.Size) {
		return fmt.Errorf("%w: %d bytes into block of %d", vaulttype.ErrSizeOverflow, len(data), b.Size)
	}
	off, err := sizing.ToInt64(b.Position, vaulttype.ErrSizeOverflow)
	if err != nil {
		return err
	}
	h, err := f.acquire()
	if err != nil {
		return err
	}
	defer h.Release()
	_, err = h.WriteAt(data, off)
	return err
}

// WriteRootElement sets the root element. The first call allocates its pack;
// the payload is written on Flush.
func (f *File) WriteRootElement(r RootElement) error {
	if err := f.writable(); err != nil {
		return err
	}
	if f.header.PackRootIdx == NoRoot {
		b, err := f.mem.Allocate(RootElementSize)
		if err != nil {
			return f.fail(err)
		}
		idx, err := f.WriteNewPack(Pack{Offset: b.Position, Size: RootElementSize})
		if err != nil {
			return err
		}
		f.header.PackRootIdx = int64(idx)
		f.headerDirty = true
	}
	f.root = r
	f.hasRoot = true
	f.rootDirty = true
	return nil
}

// Flush writes pending changes: block guards, then the pack count, file size,
// pack table offset and root index, then the root element payload.
func (f *File) Flush() error {
	if err := f.writable(); err != nil {
		if errors.Is(err, vaulttype.ErrNotWriteMode) || errors.Is(err, vaulttype.ErrReadOnly) {
			return nil
		}
		return err
	}
	return f.flush(false)
}

func (f *File) flush(sync bool) error {
	h, err := f.acquire()
	if err != nil {
		return err
	}
	defer h.Release()
	w := &seqWriter{h: h}

	var word [8]byte
	for _, b := range f.mem.DrainPendingUpdates() {
		binary.LittleEndian.PutUint64(word[:], uint64(b.Guard())) //nolint:gosec // signed guard
		if _, err := w.WriteAt(word[:], int64(b.Position-memory.GuardSize)); err != nil { //nolint:gosec // positions are bounded by MaxInt64
			return fmt.Errorf("write leading guard at %d: %w", b.Position, err)
		}
		if _, err := w.WriteAt(word[:], int64(b.Position+uint64(b.Size))); err != nil { //nolint:gosec // positions are bounded by MaxInt64
			return fmt.Errorf("write trailing guard at %d: %w", b.Position, err)
		}
	}

	if f.tableDirty && len(f.packs) > 0 {
		if _, err := w.WriteAt(encodeTable(f.packs), int64(f.header.PackOffset)); err != nil { //nolint:gosec // offset from allocator
			return fmt.Errorf("write pack table: %w", err)
		}
	}

	if f.headerDirty || f.tableDirty {
		f.header.PackCount = uint32(len(f.packs)) //nolint:gosec // bounded by capacity
		f.header.FileSize = max(f.mem.End(), HeaderSize)
		if f.mem.Len() == 0 {
			f.header.FileSize = HeaderSize
		}
		buf, err := f.header.MarshalBinary()
		if err != nil {
			return err
		}
		for _, field := range [][2]int{
			{offFileSize, 8},
			{offPackOffset, 8},
			{offPackCount, 4},
			{offPackRootIdx, 8},
		} {
			if _, err := w.WriteAt(buf[field[0]:field[0]+field[1]], int64(field[0])); err != nil {
				return fmt.Errorf("write header: %w", err)
			}
		}
	}

	if f.rootDirty {
		p, err := f.Pack(uint32(f.header.PackRootIdx)) //nolint:gosec // root index is valid when rootDirty
		if err != nil {
			return f.fail(err)
		}
		buf, err := f.root.MarshalBinary()
		if err != nil {
			return err
		}
		if _, err := w.WriteAt(buf, int64(p.Offset)); err != nil { //nolint:gosec // offset from allocator
			return fmt.Errorf("write root element: %w", err)
		}
	}
	f.headerDirty, f.tableDirty, f.rootDirty = false, false, false

	if sync {
		return h.Sync()
	}
	return h.Flush()
}

// seqWriter sends writes through the handle's buffered writer. A write that
// does not continue where the previous one ended flushes and repositions it,
// so runs of adjacent guards reach the file as one write.
type seqWriter struct {
	h   *filecache.Handle
	w   *bufio.Writer
	off int64
}

func (s *seqWriter) WriteAt(b []byte, off int64) (int, error) {
	if s.w == nil || off != s.off {
		w, err := s.h.Writer(off)
		if err != nil {
			return 0, err
		}
		s.w, s.off = w, off
	}
	n, err := s.w.Write(b)
	s.off += int64(n)
	return n, err
}
