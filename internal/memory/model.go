// Package memory tracks the block layout of a packed file.
//
// A packed file stores its payloads in a stream of blocks. Every block is
// framed by an 8-byte guard before and after the payload; the guard holds the
// payload size, positive when the block is in use and negative when free.
// Model is the in-memory ledger of that stream: it decides where new payloads
// go and which guards must be rewritten, but performs no I/O itself.
package memory

import (
	"fmt"
	"iter"
	"math"
	"slices"

	"github.com/tidwall/btree"

	"github.com/marblebag/nexusvault/internal/sizing"
	"github.com/marblebag/nexusvault/internal/vaulttype"
)

const (
	// Alignment is the granularity of block payload sizes and positions.
	Alignment = sizing.Alignment

	// GuardSize is the size of one guard word.
	GuardSize = 8

	// frameSize is the space both guards of a block occupy.
	frameSize = 2 * GuardSize

	// MaxBlockSize is the largest payload a single block can hold.
	MaxBlockSize = math.MaxUint32 &^ (Alignment - 1)

	// DefaultSplitThreshold is the smallest remainder worth splitting off a
	// best-fit block.
	DefaultSplitThreshold = 64
)

// Block describes one guard-framed payload.
type Block struct {
	// Position is the file offset of the payload, right after the leading guard.
	Position uint64
	// Size is the payload size, a positive multiple of Alignment.
	Size uint32
	// Free reports whether the block is available for allocation.
	Free bool
}

// End returns the offset just past the trailing guard, which is where the
// next block's leading guard starts.
func (b Block) End() uint64 {
	return b.Position + uint64(b.Size) + GuardSize
}

// Guard returns the signed guard word written around the payload.
func (b Block) Guard() int64 {
	if b.Free {
		return -int64(b.Size)
	}
	return int64(b.Size)
}

// Model is the ledger of all blocks in a packed file.
//
// Model is not safe for concurrent use.
type Model struct {
	base      uint64
	end       uint64
	blocks    *btree.BTreeG[Block]
	unused    *btree.BTreeG[Block]
	pending   map[uint64]struct{}
	threshold uint64
	coalesce  bool
}

// Option configures a Model.
type Option func(*Model)

// WithSplitThreshold sets the smallest free remainder that is split off a
// larger block during allocation. Zero disables splitting.
func WithSplitThreshold(n uint32) Option {
	return func(m *Model) {
		m.threshold = uint64(n)
	}
}

// WithCoalescing controls whether Free merges adjacent free blocks.
// Enabled by default.
func WithCoalescing(enabled bool) Option {
	return func(m *Model) {
		m.coalesce = enabled
	}
}

func byPosition(a, b Block) bool {
	return a.Position < b.Position
}

func bySize(a, b Block) bool {
	if a.Size != b.Size {
		return a.Size < b.Size
	}
	return a.Position < b.Position
}

// New returns an empty model whose first leading guard sits at base.
func New(base uint64, opts ...Option) *Model {
	m := &Model{
		base:      base,
		end:       base,
		blocks:    btree.NewBTreeGOptions(byPosition, btree.Options{NoLocks: true}),
		unused:    btree.NewBTreeGOptions(bySize, btree.Options{NoLocks: true}),
		pending:   make(map[uint64]struct{}),
		threshold: DefaultSplitThreshold,
		coalesce:  true,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Restore rebuilds a model from blocks read back from disk.
//
// The blocks must tile the region starting at base without gaps or overlaps.
// A restored model has no pending updates.
func Restore(base uint64, blocks []Block, opts ...Option) (*Model, error) {
	m := New(base, opts...)
	sorted := slices.Clone(blocks)
	slices.SortFunc(sorted, func(a, b Block) int {
		switch {
		case a.Position < b.Position:
			return -1
		case a.Position > b.Position:
			return 1
		}
		return 0
	})
	next := base + GuardSize
	for _, b := range sorted {
		if b.Position != next {
			return nil, fmt.Errorf("%w: block at %d, expected %d", vaulttype.ErrCorrupt, b.Position, next)
		}
		if b.Size == 0 || !sizing.Aligned(uint64(b.Size)) {
			return nil, fmt.Errorf("%w: block at %d has size %d", vaulttype.ErrCorrupt, b.Position, b.Size)
		}
		m.insert(b)
		next = b.End() + GuardSize
	}
	if len(sorted) > 0 {
		m.end = sorted[len(sorted)-1].End()
	}
	return m, nil
}

// Base returns the offset of the first leading guard.
func (m *Model) Base() uint64 { return m.base }

// End returns the offset just past the last block. It equals Base when the
// model is empty.
func (m *Model) End() uint64 { return m.end }

// Len returns the number of blocks, used and free.
func (m *Model) Len() int { return m.blocks.Len() }

// Allocate reserves a block able to hold size bytes.
//
// The request is rounded up to Alignment (a zero request takes one unit). The
// smallest free block that fits is reused, an exact fit first; if none fits a
// new block is appended past the current end.
func (m *Model) Allocate(size uint64) (Block, error) {
	if size == 0 {
		size = Alignment
	}
	aligned, ok := sizing.AlignUp(size)
	if !ok || aligned > MaxBlockSize {
		return Block{}, fmt.Errorf("%w: block of %d bytes", vaulttype.ErrSizeOverflow, size)
	}

	var found Block
	var hit bool
	m.unused.Ascend(Block{Size: uint32(aligned)}, func(b Block) bool {
		found, hit = b, true
		return false
	})
	if hit {
		return m.reuse(found, aligned), nil
	}
	return m.appendBlock(aligned)
}

func (m *Model) reuse(b Block, size uint64) Block {
	m.unused.Delete(b)
	rest := uint64(b.Size) - size
	if m.threshold > 0 && rest >= m.threshold+frameSize {
		split := Block{
			Position: b.Position + size + frameSize,
			Size:     uint32(rest - frameSize),
			Free:     true,
		}
		b.Size = uint32(size)
		m.insert(split)
		m.touch(split.Position)
	}
	b.Free = false
	m.blocks.Set(b)
	m.touch(b.Position)
	return b
}

func (m *Model) appendBlock(size uint64) (Block, error) {
	pos, ok := sizing.AddUint64(m.end, GuardSize)
	if !ok {
		return Block{}, fmt.Errorf("%w: file end %d", vaulttype.ErrSizeOverflow, m.end)
	}
	b := Block{Position: pos, Size: uint32(size)}
	end, ok := sizing.AddUint64(pos, size+GuardSize)
	if !ok || end > math.MaxInt64 {
		return Block{}, fmt.Errorf("%w: file end %d", vaulttype.ErrSizeOverflow, m.end)
	}
	m.insert(b)
	m.end = end
	m.touch(pos)
	return b, nil
}

// Free releases the used block at position and returns the resulting free
// block, which may be larger than the original after coalescing.
func (m *Model) Free(position uint64) (Block, error) {
	b, err := m.FindAt(position)
	if err != nil {
		return Block{}, err
	}
	if b.Free {
		return Block{}, fmt.Errorf("%w: double free of block at %d", vaulttype.ErrCorrupt, position)
	}
	b.Free = true
	m.blocks.Set(b)

	if m.coalesce {
		if next, ok := m.blocks.Get(Block{Position: b.End() + GuardSize}); ok && next.Free {
			if merged := uint64(b.Size) + frameSize + uint64(next.Size); merged <= MaxBlockSize {
				m.remove(next)
				b.Size = uint32(merged)
				m.blocks.Set(b)
			}
		}
		if prev, ok := m.before(b.Position); ok && prev.Free && prev.End()+GuardSize == b.Position {
			if merged := uint64(prev.Size) + frameSize + uint64(b.Size); merged <= MaxBlockSize {
				m.remove(b)
				m.unused.Delete(prev)
				prev.Size = uint32(merged)
				m.blocks.Set(prev)
				b = prev
			}
		}
	}
	m.unused.Set(b)
	m.touch(b.Position)
	return b, nil
}

// FindAt returns the block whose payload starts at position. A missing block
// is reported as corruption.
func (m *Model) FindAt(position uint64) (Block, error) {
	b, ok := m.blocks.Get(Block{Position: position})
	if !ok {
		return Block{}, fmt.Errorf("%w: no block at %d", vaulttype.ErrCorrupt, position)
	}
	return b, nil
}

// TryFindAt returns the block whose payload starts at position, if any.
func (m *Model) TryFindAt(position uint64) (Block, bool) {
	return m.blocks.Get(Block{Position: position})
}

// DrainPendingUpdates returns the blocks whose guards changed since the last
// drain, ordered by position, and clears the pending set.
func (m *Model) DrainPendingUpdates() []Block {
	out := make([]Block, 0, len(m.pending))
	for pos := range m.pending {
		if b, ok := m.blocks.Get(Block{Position: pos}); ok {
			out = append(out, b)
		}
	}
	clear(m.pending)
	slices.SortFunc(out, func(a, b Block) int {
		switch {
		case a.Position < b.Position:
			return -1
		case a.Position > b.Position:
			return 1
		}
		return 0
	})
	return out
}

// Pending reports whether any guard updates are waiting to be written.
func (m *Model) Pending() bool {
	return len(m.pending) > 0
}

// Blocks iterates over every block in position order.
func (m *Model) Blocks() iter.Seq[Block] {
	return func(yield func(Block) bool) {
		m.blocks.Scan(yield)
	}
}

// Unused iterates over free blocks from smallest to largest.
func (m *Model) Unused() iter.Seq[Block] {
	return func(yield func(Block) bool) {
		m.unused.Scan(yield)
	}
}

// FreeBytes returns the total payload size of all free blocks.
func (m *Model) FreeBytes() uint64 {
	var n uint64
	m.unused.Scan(func(b Block) bool {
		n += uint64(b.Size)
		return true
	})
	return n
}

func (m *Model) before(position uint64) (Block, bool) {
	var prev Block
	var ok bool
	if position == 0 {
		return prev, false
	}
	m.blocks.Descend(Block{Position: position - 1}, func(b Block) bool {
		prev, ok = b, true
		return false
	})
	return prev, ok
}

func (m *Model) insert(b Block) {
	m.blocks.Set(b)
	if b.Free {
		m.unused.Set(b)
	}
}

func (m *Model) remove(b Block) {
	m.blocks.Delete(b)
	if b.Free {
		m.unused.Delete(b)
	}
	delete(m.pending, b.Position)
}

func (m *Model) touch(position uint64) {
	m.pending[position] = struct{}{}
}
