package nexusvault

import (
	"io/fs"
	"time"

	"github.com/marblebag/nexusvault/codec"
	"github.com/marblebag/nexusvault/index"
	"github.com/marblebag/nexusvault/internal/sizing"
)

const (
	fileMode = 0o444
	dirMode  = fs.ModeDir | 0o555
)

// FileInfo describes a file link. It implements fs.FileInfo.
type FileInfo struct {
	name string
	size int64
	rec  index.FileRecord
}

func newFileInfo(l *index.FileLink) (*FileInfo, error) {
	size, err := sizing.ToInt64(l.UncompressedSize, ErrSizeOverflow)
	if err != nil {
		return nil, err
	}
	return &FileInfo{name: l.Name(), size: size, rec: l.FileRecord}, nil
}

func (fi *FileInfo) Name() string       { return fi.name }
func (fi *FileInfo) Size() int64        { return fi.size }
func (fi *FileInfo) Mode() fs.FileMode  { return fileMode }
func (fi *FileInfo) ModTime() time.Time { return index.TimeFromFileTime(fi.rec.WriteTime) }
func (fi *FileInfo) IsDir() bool        { return false }
func (fi *FileInfo) Sys() any           { return fi.rec }

// Hash returns the hash of the stored bytes.
func (fi *FileInfo) Hash() index.Hash { return fi.rec.Hash }

// StoredSize returns the size of the stored, possibly compressed, bytes.
func (fi *FileInfo) StoredSize() uint64 { return fi.rec.CompressedSize }

// Compression returns the codec selected by the link flags.
func (fi *FileInfo) Compression() codec.Compression { return codec.FromFlags(fi.rec.Flags) }

// DirInfo describes a directory. It implements fs.FileInfo.
type DirInfo struct {
	name string
}

func (di *DirInfo) Name() string       { return di.name }
func (di *DirInfo) Size() int64        { return 0 }
func (di *DirInfo) Mode() fs.FileMode  { return dirMode }
func (di *DirInfo) ModTime() time.Time { return time.Time{} }
func (di *DirInfo) IsDir() bool        { return true }
func (di *DirInfo) Sys() any           { return nil }

// nodeInfo returns the fs.FileInfo for n, naming the root ".".
func nodeInfo(n index.Node) (fs.FileInfo, error) {
	switch v := n.(type) {
	case *index.FileLink:
		return newFileInfo(v)
	case *index.Directory:
		name := v.Name()
		if v.Parent() == nil {
			name = "."
		}
		return &DirInfo{name: name}, nil
	default:
		return nil, fs.ErrInvalid
	}
}

// dirEntry implements fs.DirEntry by wrapping fs.FileInfo.
type dirEntry struct {
	info fs.FileInfo
}

func (de dirEntry) Name() string               { return de.info.Name() }
func (de dirEntry) IsDir() bool                { return de.info.IsDir() }
func (de dirEntry) Type() fs.FileMode          { return de.info.Mode().Type() }
func (de dirEntry) Info() (fs.FileInfo, error) { return de.info, nil }
func (de dirEntry) String() string             { return fs.FormatDirEntry(de) }
