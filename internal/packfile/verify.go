package packfile

import (
	"errors"
	"fmt"
	"slices"

	"github.com/marblebag/nexusvault/internal/memory"
	"github.com/marblebag/nexusvault/internal/vaulttype"
)

// Stats summarises the block layout of a packed file.
type Stats struct {
	Packs      uint32
	Capacity   uint32
	Blocks     int
	FreeBlocks int
	FreeBytes  uint64
	FileSize   uint64
}

// Stats returns layout statistics. Outside write mode the guard chain is
// read from disk.
func (f *File) Stats() (Stats, error) {
	blocks, err := f.blocks()
	if err != nil {
		return Stats{}, err
	}
	s := Stats{
		Packs:    f.PackCount(),
		Capacity: f.capacity,
		Blocks:   len(blocks),
		FileSize: f.header.FileSize,
	}
	for _, b := range blocks {
		if b.Free {
			s.FreeBlocks++
			s.FreeBytes += uint64(b.Size)
		} else if b.Position == f.header.PackOffset && s.Capacity == 0 {
			s.Capacity = b.Size / PackSize
		}
	}
	return s, nil
}

func (f *File) blocks() ([]memory.Block, error) {
	if f.mem != nil {
		return slices.Collect(f.mem.Blocks()), nil
	}
	h, err := f.acquire()
	if err != nil {
		return nil, err
	}
	defer h.Release()
	return readChain(h)
}

// Verify reads the guard chain back from disk and checks it against the
// header and pack table. Pending changes are flushed first. Every problem
// found is reported, each wrapping ErrCorrupt.
func (f *File) Verify() error {
	if err := f.Flush(); err != nil {
		return err
	}
	h, err := f.acquire()
	if err != nil {
		return err
	}
	chain, err := readChain(h)
	if err != nil {
		h.Release()
		return err
	}
	size, err := h.Size()
	h.Release()
	if err != nil {
		return err
	}

	var errs []error
	report := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{vaulttype.ErrCorrupt}, args...)...))
	}

	byPos := make(map[uint64]memory.Block, len(chain))
	end := uint64(HeaderSize)
	for _, b := range chain {
		byPos[b.Position] = b
		end = b.End()
	}
	if f.mem != nil {
		if want := slices.Collect(f.mem.Blocks()); !slices.Equal(want, chain) {
			report("guard chain has %d blocks, ledger has %d", len(chain), len(want))
		}
	}
	if f.header.FileSize != end {
		report("header file size %d, chain ends at %d", f.header.FileSize, end)
	}
	if uint64(size) < end { //nolint:gosec // file sizes are non-negative
		report("file is %d bytes, chain ends at %d", size, end)
	}

	if len(f.packs) > 0 {
		tb, ok := byPos[f.header.PackOffset]
		switch {
		case !ok:
			report("pack table offset %d is not a block", f.header.PackOffset)
		case tb.Free:
			report("pack table block at %d is free", tb.Position)
		case uint64(tb.Size) < uint64(len(f.packs))*PackSize:
			report("pack table block of %d bytes holds %d packs", tb.Size, len(f.packs))
		}
	}

	owners := make(map[uint64]int, len(f.packs))
	for i, p := range f.packs {
		b, ok := byPos[p.Offset]
		if !ok {
			report("pack %d at %d is not a block", i, p.Offset)
			continue
		}
		if b.Free {
			report("pack %d at %d points into a free block", i, p.Offset)
		}
		if p.Size > uint64(b.Size) {
			report("pack %d holds %d bytes in a block of %d", i, p.Size, b.Size)
		}
		if j, dup := owners[p.Offset]; dup {
			report("packs %d and %d share the block at %d", j, i, p.Offset)
		}
		owners[p.Offset] = i
	}
	return errors.Join(errs...)
}
