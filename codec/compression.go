// Package codec selects and runs the compression used for stored payloads.
//
// A file link carries a flags word whose low nibble names the codec: 3 for
// zlib-framed deflate, 5 for LZMA, anything else for raw bytes. The codecs
// are thin adapters over klauspost/compress and ulikunitz/xz.
package codec

import (
	"fmt"
	"strings"

	"github.com/marblebag/nexusvault/internal/vaulttype"
)

// ErrDecompression is returned when a payload cannot be decoded or decodes to
// the wrong size.
var ErrDecompression = vaulttype.ErrDecompression

// Compression identifies the codec of a stored payload.
type Compression uint8

const (
	// None stores bytes verbatim.
	None Compression = iota
	// Deflate stores a zlib stream.
	Deflate
	// LZMA stores the 5-byte LZMA properties followed by the raw stream.
	LZMA
)

// Flag values stored in file links.
const (
	FlagRaw     int32 = 1
	FlagDeflate int32 = 3
	FlagLZMA    int32 = 5

	flagMask int32 = 0xF
)

// FromFlags returns the codec named by the low nibble of a link's flags.
func FromFlags(flags int32) Compression {
	switch flags & flagMask {
	case FlagDeflate:
		return Deflate
	case FlagLZMA:
		return LZMA
	default:
		return None
	}
}

// Flags returns the canonical flags word for c.
func (c Compression) Flags() int32 {
	switch c {
	case Deflate:
		return FlagDeflate
	case LZMA:
		return FlagLZMA
	default:
		return FlagRaw
	}
}

// String returns the name of the codec.
func (c Compression) String() string {
	switch c {
	case None:
		return "none"
	case Deflate:
		return "deflate"
	case LZMA:
		return "lzma"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses a codec name as printed by String. "zlib" and "raw"
// are accepted as aliases.
func ParseCompression(name string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "none", "raw", "":
		return None, nil
	case "deflate", "zlib":
		return Deflate, nil
	case "lzma":
		return LZMA, nil
	default:
		return None, fmt.Errorf("unknown compression %q", name)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (c Compression) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Compression) UnmarshalText(text []byte) error {
	v, err := ParseCompression(string(text))
	if err != nil {
		return err
	}
	*c = v
	return nil
}
