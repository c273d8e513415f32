// Package packfile implements the packed file container shared by index and
// archive files.
//
// A packed file is a fixed header, a stream of guard-framed blocks and a pack
// table. The pack table maps a stable pack index to the (offset, size) of a
// payload, so payloads can move without rewriting the records that point at
// them. One pack holds the root element, whose signature tells index and
// archive files apart.
package packfile

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/marblebag/nexusvault/internal/memory"
	"github.com/marblebag/nexusvault/internal/vaulttype"
)

const (
	// Signature is "PACK" read as a little-endian uint32.
	Signature uint32 = 0x4B434150

	// Version is the only supported container version.
	Version uint32 = 1

	// HeaderSize is the size of the fixed header.
	HeaderSize = 0x240

	// BlockBase is the offset of the first leading guard. It places every
	// payload on a 16-byte boundary.
	BlockBase = HeaderSize + memory.GuardSize

	// NoRoot marks a file without a root element.
	NoRoot int64 = -1

	offSignature   = 0x000
	offVersion     = 0x004
	offFileSize    = 0x208
	offPackOffset  = 0x218
	offPackCount   = 0x220
	offPackRootIdx = 0x224
)

// Errors specific to the packed file layer.
var (
	// ErrPackIndex is returned for a pack index at or past the pack count.
	ErrPackIndex = errors.New("packfile: pack index out of range")

	// ErrRootPack is returned when deleting the pack that holds the root element.
	ErrRootPack = errors.New("packfile: cannot delete the root pack")
)

// Header is the decoded fixed header.
type Header struct {
	Signature   uint32
	Version     uint32
	FileSize    uint64
	PackOffset  uint64
	PackCount   uint32
	PackRootIdx int64
}

func newHeader() Header {
	return Header{
		Signature:   Signature,
		Version:     Version,
		FileSize:    HeaderSize,
		PackRootIdx: NoRoot,
	}
}

// MarshalBinary encodes the header into its fixed on-disk form.
func (h Header) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[offSignature:], h.Signature)
	binary.LittleEndian.PutUint32(buf[offVersion:], h.Version)
	binary.LittleEndian.PutUint64(buf[offFileSize:], h.FileSize)
	binary.LittleEndian.PutUint64(buf[offPackOffset:], h.PackOffset)
	binary.LittleEndian.PutUint32(buf[offPackCount:], h.PackCount)
	binary.LittleEndian.PutUint64(buf[offPackRootIdx:], uint64(h.PackRootIdx)) //nolint:gosec // two's complement round-trip
	return buf, nil
}

// UnmarshalBinary decodes and validates a header.
func (h *Header) UnmarshalBinary(buf []byte) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("%w: header is %d bytes, want %d", vaulttype.ErrFormat, len(buf), HeaderSize)
	}
	h.Signature = binary.LittleEndian.Uint32(buf[offSignature:])
	h.Version = binary.LittleEndian.Uint32(buf[offVersion:])
	if h.Signature != Signature {
		return fmt.Errorf("%w: signature %#08x, want %#08x", vaulttype.ErrFormat, h.Signature, Signature)
	}
	if h.Version != Version {
		return fmt.Errorf("%w: version %d, want %d", vaulttype.ErrFormat, h.Version, Version)
	}
	h.FileSize = binary.LittleEndian.Uint64(buf[offFileSize:])
	h.PackOffset = binary.LittleEndian.Uint64(buf[offPackOffset:])
	h.PackCount = binary.LittleEndian.Uint32(buf[offPackCount:])
	h.PackRootIdx = int64(binary.LittleEndian.Uint64(buf[offPackRootIdx:])) //nolint:gosec // two's complement round-trip
	if h.PackRootIdx != NoRoot && (h.PackRootIdx < 0 || h.PackRootIdx >= int64(h.PackCount)) {
		return fmt.Errorf("%w: root pack %d of %d", vaulttype.ErrCorrupt, h.PackRootIdx, h.PackCount)
	}
	return nil
}
