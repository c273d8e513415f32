package index

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/marblebag/nexusvault/internal/sizing"
)

const (
	dirHeaderSize  = 8
	subdirDescSize = 8
	fileDescSize   = 56
)

// SubdirRecord is one subdirectory descriptor of a directory payload.
type SubdirRecord struct {
	Name    string
	PackIdx uint32
}

// FileRecord is one file-link descriptor of a directory payload.
type FileRecord struct {
	Name             string
	Flags            int32
	WriteTime        int64
	UncompressedSize uint64
	CompressedSize   uint64
	Hash             Hash
	Reserved         uint32
}

// DirectoryData is a decoded directory payload.
type DirectoryData struct {
	Subdirs []SubdirRecord
	Files   []FileRecord
}

// DecodeDirectoryData parses a directory payload.
//
// Names are read from the trailing name blob up to a NUL byte; a final name
// missing its terminator runs to the end of the payload.
func DecodeDirectoryData(buf []byte) (DirectoryData, error) {
	var d DirectoryData
	if len(buf) < dirHeaderSize {
		return d, fmt.Errorf("%w: directory payload of %d bytes", ErrCorrupt, len(buf))
	}
	nSub := uint64(binary.LittleEndian.Uint32(buf[0:]))
	nFiles := uint64(binary.LittleEndian.Uint32(buf[4:]))
	blobStart := dirHeaderSize + nSub*subdirDescSize + nFiles*fileDescSize
	if blobStart > uint64(len(buf)) {
		return d, fmt.Errorf("%w: directory of %d subdirectories and %d files in %d bytes", ErrCorrupt, nSub, nFiles, len(buf))
	}
	names := buf[blobStart:]

	nameAt := func(off uint32) (string, error) {
		if uint64(off) >= uint64(len(names)) {
			return "", fmt.Errorf("%w: name offset %d past blob of %d bytes", ErrCorrupt, off, len(names))
		}
		s := names[off:]
		if end := bytes.IndexByte(s, 0); end >= 0 {
			s = s[:end]
		}
		if len(s) == 0 {
			return "", fmt.Errorf("%w: empty name at offset %d", ErrCorrupt, off)
		}
		return string(s), nil
	}

	p := buf[dirHeaderSize:]
	d.Subdirs = make([]SubdirRecord, nSub)
	for i := range d.Subdirs {
		name, err := nameAt(binary.LittleEndian.Uint32(p[0:]))
		if err != nil {
			return d, err
		}
		d.Subdirs[i] = SubdirRecord{Name: name, PackIdx: binary.LittleEndian.Uint32(p[4:])}
		p = p[subdirDescSize:]
	}
	d.Files = make([]FileRecord, nFiles)
	for i := range d.Files {
		name, err := nameAt(binary.LittleEndian.Uint32(p[0:]))
		if err != nil {
			return d, err
		}
		r := FileRecord{
			Name:             name,
			Flags:            int32(binary.LittleEndian.Uint32(p[4:])),  //nolint:gosec // signed field
			WriteTime:        int64(binary.LittleEndian.Uint64(p[8:])),  //nolint:gosec // signed field
			UncompressedSize: binary.LittleEndian.Uint64(p[16:]),
			CompressedSize:   binary.LittleEndian.Uint64(p[24:]),
			Reserved:         binary.LittleEndian.Uint32(p[52:]),
		}
		copy(r.Hash[:], p[32:52])
		d.Files[i] = r
		p = p[fileDescSize:]
	}
	return d, nil
}

// EncodeDirectoryData builds a directory payload. Names are stored once each
// in descriptor order, NUL terminated.
func EncodeDirectoryData(d DirectoryData) ([]byte, error) {
	numSubdirs, err := sizing.ToUint32(uint64(len(d.Subdirs)), ErrSizeOverflow)
	if err != nil {
		return nil, fmt.Errorf("%d subdirectories: %w", len(d.Subdirs), err)
	}
	numFiles, err := sizing.ToUint32(uint64(len(d.Files)), ErrSizeOverflow)
	if err != nil {
		return nil, fmt.Errorf("%d files: %w", len(d.Files), err)
	}
	descSize := dirHeaderSize + len(d.Subdirs)*subdirDescSize + len(d.Files)*fileDescSize
	var names bytes.Buffer
	out := make([]byte, descSize)
	binary.LittleEndian.PutUint32(out[0:], numSubdirs)
	binary.LittleEndian.PutUint32(out[4:], numFiles)

	addName := func(name string) (uint32, error) {
		off, err := sizing.ToUint32(uint64(names.Len()), ErrSizeOverflow)
		if err != nil {
			return 0, fmt.Errorf("name blob: %w", err)
		}
		names.WriteString(name)
		names.WriteByte(0)
		return off, nil
	}

	p := out[dirHeaderSize:]
	for _, s := range d.Subdirs {
		off, err := addName(s.Name)
		if err != nil {
			return nil, err
		}
		binary.LittleEndian.PutUint32(p[0:], off)
		binary.LittleEndian.PutUint32(p[4:], s.PackIdx)
		p = p[subdirDescSize:]
	}
	for _, f := range d.Files {
		off, err := addName(f.Name)
		if err != nil {
			return nil, err
		}
		binary.LittleEndian.PutUint32(p[0:], off)
		binary.LittleEndian.PutUint32(p[4:], uint32(f.Flags))     //nolint:gosec // signed field
		binary.LittleEndian.PutUint64(p[8:], uint64(f.WriteTime)) //nolint:gosec // signed field
		binary.LittleEndian.PutUint64(p[16:], f.UncompressedSize)
		binary.LittleEndian.PutUint64(p[24:], f.CompressedSize)
		copy(p[32:52], f.Hash[:])
		binary.LittleEndian.PutUint32(p[52:], f.Reserved)
		p = p[fileDescSize:]
	}
	return append(out, names.Bytes()...), nil
}
