package packfile

import (
	"encoding/binary"
	"fmt"

	"github.com/marblebag/nexusvault/internal/vaulttype"
)

const (
	// PackSize is the size of one pack table record.
	PackSize = 16

	// RootElementSize is the size of the root element payload.
	RootElementSize = 16

	// minTableCapacity is the smallest pack table allocated on growth.
	minTableCapacity = 16
)

// Pack locates one payload.
type Pack struct {
	Offset uint64
	Size   uint64
}

func (p Pack) put(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:], p.Offset)
	binary.LittleEndian.PutUint64(buf[8:], p.Size)
}

func readPack(buf []byte) Pack {
	return Pack{
		Offset: binary.LittleEndian.Uint64(buf[0:]),
		Size:   binary.LittleEndian.Uint64(buf[8:]),
	}
}

func encodeTable(packs []Pack) []byte {
	buf := make([]byte, len(packs)*PackSize)
	for i, p := range packs {
		p.put(buf[i*PackSize:])
	}
	return buf
}

func decodeTable(buf []byte) []Pack {
	packs := make([]Pack, len(buf)/PackSize)
	for i := range packs {
		packs[i] = readPack(buf[i*PackSize:])
	}
	return packs
}

// nextCapacity returns the table capacity after growing from current.
func nextCapacity(current uint32) (uint32, error) {
	next := max(uint64(current)*2, minTableCapacity)
	if next > uint64(^uint32(0)) {
		return 0, fmt.Errorf("%w: pack table of %d entries", vaulttype.ErrSizeOverflow, next)
	}
	return uint32(next), nil
}

// RootElement is the single record that identifies what a packed file holds.
//
// Count and HeaderIdx are interpreted by the owner: an archive stores its
// entry count and the pack of its entry array, an index stores its build
// number and the pack of its root directory.
type RootElement struct {
	Signature uint32
	Version   uint32
	Count     uint32
	HeaderIdx uint32
}

// MarshalBinary encodes the root element.
func (r RootElement) MarshalBinary() ([]byte, error) {
	buf := make([]byte, RootElementSize)
	binary.LittleEndian.PutUint32(buf[0:], r.Signature)
	binary.LittleEndian.PutUint32(buf[4:], r.Version)
	binary.LittleEndian.PutUint32(buf[8:], r.Count)
	binary.LittleEndian.PutUint32(buf[12:], r.HeaderIdx)
	return buf, nil
}

// UnmarshalBinary decodes a root element.
func (r *RootElement) UnmarshalBinary(buf []byte) error {
	if len(buf) < RootElementSize {
		return fmt.Errorf("%w: root element is %d bytes", vaulttype.ErrCorrupt, len(buf))
	}
	r.Signature = binary.LittleEndian.Uint32(buf[0:])
	r.Version = binary.LittleEndian.Uint32(buf[4:])
	r.Count = binary.LittleEndian.Uint32(buf[8:])
	r.HeaderIdx = binary.LittleEndian.Uint32(buf[12:])
	return nil
}

// Check verifies the signature and version of the root element.
func (r RootElement) Check(signature, version uint32) error {
	if r.Signature != signature {
		return fmt.Errorf("%w: root signature %#08x, want %#08x", vaulttype.ErrFormat, r.Signature, signature)
	}
	if r.Version != version {
		return fmt.Errorf("%w: root version %d, want %d", vaulttype.ErrFormat, r.Version, version)
	}
	return nil
}
