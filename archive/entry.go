package archive

import (
	"encoding/binary"

	"github.com/marblebag/nexusvault/internal/vaulttype"
)

// EntrySize is the size of one on-disk entry record.
const EntrySize = 32

// Hash is the SHA-1 of the stored bytes of an entry.
type Hash = vaulttype.Hash

// Entry maps a content hash to the pack holding its bytes.
type Entry struct {
	// PackIdx is the pack holding the stored bytes.
	PackIdx uint32
	// Hash is the SHA-1 of the stored bytes.
	Hash Hash
	// UncompressedSize is the decoded size of the content.
	UncompressedSize uint64
}

func (e Entry) put(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:], e.PackIdx)
	copy(buf[4:24], e.Hash[:])
	binary.LittleEndian.PutUint64(buf[24:], e.UncompressedSize)
}

func readEntry(buf []byte) Entry {
	var e Entry
	e.PackIdx = binary.LittleEndian.Uint32(buf[0:])
	copy(e.Hash[:], buf[4:24])
	e.UncompressedSize = binary.LittleEndian.Uint64(buf[24:])
	return e
}

func encodeEntries(entries []Entry) []byte {
	buf := make([]byte, len(entries)*EntrySize)
	for i, e := range entries {
		e.put(buf[i*EntrySize:])
	}
	return buf
}
