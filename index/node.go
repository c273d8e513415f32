package index

import (
	"fmt"
	"strings"
	"time"

	"github.com/marblebag/nexusvault/codec"
	"github.com/marblebag/nexusvault/internal/vaulttype"
)

// Hash is the content hash a file link points at.
type Hash = vaulttype.Hash

// Node is a directory or a file link.
type Node interface {
	// Name returns the final path element as stored.
	Name() string
	// Path returns the slash-separated path from the root.
	Path() string
	// IsDir reports whether the node is a directory.
	IsDir() bool
	// Parent returns the containing directory, or nil for the root.
	Parent() *Directory
}

// fileTimeEpoch is 1970-01-01 in 100ns ticks since 1601-01-01.
const fileTimeEpoch = 116444736000000000

// FileTime converts t to a Windows FILETIME tick count.
func FileTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()/100 + fileTimeEpoch
}

// TimeFromFileTime converts a Windows FILETIME tick count to a time.
func TimeFromFileTime(ft int64) time.Time {
	if ft == 0 {
		return time.Time{}
	}
	return time.Unix(0, (ft-fileTimeEpoch)*100).UTC()
}

// FileLink is a named reference from a directory to archive content.
type FileLink struct {
	FileRecord
	parent *Directory
}

// Name returns the stored file name.
func (l *FileLink) Name() string { return l.FileRecord.Name }

// Path returns the slash-separated path of the link.
func (l *FileLink) Path() string { return joinPath(l.parent, l.FileRecord.Name) }

// IsDir returns false.
func (l *FileLink) IsDir() bool { return false }

// Parent returns the containing directory.
func (l *FileLink) Parent() *Directory { return l.parent }

// ModTime returns the write time.
func (l *FileLink) ModTime() time.Time { return TimeFromFileTime(l.WriteTime) }

// Compression returns the codec selected by the link flags.
func (l *FileLink) Compression() codec.Compression { return codec.FromFlags(l.Flags) }

func (l *FileLink) String() string {
	return fmt.Sprintf("%s (%s, %d bytes, %s)", l.Path(), l.Compression(), l.UncompressedSize, l.Hash)
}

// Directory is a directory node. Its children are read from the index file
// the first time they are needed.
type Directory struct {
	owner   *File
	parent  *Directory
	name    string
	packIdx uint32
	hasPack bool

	loaded bool
	dirty  bool
	dirs   []*Directory
	files  []*FileLink
}

// Name returns the stored directory name; the root's name is empty.
func (d *Directory) Name() string { return d.name }

// Path returns the slash-separated path of the directory; the root is ".".
func (d *Directory) Path() string {
	if d.parent == nil {
		return "."
	}
	return joinPath(d.parent, d.name)
}

// IsDir returns true.
func (d *Directory) IsDir() bool { return true }

// Parent returns the containing directory, or nil for the root.
func (d *Directory) Parent() *Directory { return d.parent }

// PackIndex returns the pack holding the directory payload. It is only
// meaningful for directories that have been flushed.
func (d *Directory) PackIndex() (uint32, bool) { return d.packIdx, d.hasPack }

// Dirs returns the subdirectories.
func (d *Directory) Dirs() ([]*Directory, error) {
	if err := d.load(); err != nil {
		return nil, err
	}
	return d.dirs, nil
}

// Files returns the file links.
func (d *Directory) Files() ([]*FileLink, error) {
	if err := d.load(); err != nil {
		return nil, err
	}
	return d.files, nil
}

// Children returns subdirectories followed by file links.
func (d *Directory) Children() ([]Node, error) {
	if err := d.load(); err != nil {
		return nil, err
	}
	out := make([]Node, 0, len(d.dirs)+len(d.files))
	for _, c := range d.dirs {
		out = append(out, c)
	}
	for _, f := range d.files {
		out = append(out, f)
	}
	return out, nil
}

// Lookup returns the child named name, compared case-insensitively.
func (d *Directory) Lookup(name string) (Node, bool, error) {
	if err := d.load(); err != nil {
		return nil, false, err
	}
	if i := d.dirIndex(name); i >= 0 {
		return d.dirs[i], true, nil
	}
	if i := d.fileIndex(name); i >= 0 {
		return d.files[i], true, nil
	}
	return nil, false, nil
}

func (d *Directory) dirIndex(name string) int {
	for i, c := range d.dirs {
		if strings.EqualFold(c.name, name) {
			return i
		}
	}
	return -1
}

func (d *Directory) fileIndex(name string) int {
	for i, f := range d.files {
		if strings.EqualFold(f.FileRecord.Name, name) {
			return i
		}
	}
	return -1
}

// load reads the directory payload once.
func (d *Directory) load() error {
	d.owner.mu.Lock()
	defer d.owner.mu.Unlock()
	return d.loadLocked()
}

func (d *Directory) loadLocked() error {
	if d.loaded {
		return nil
	}
	data, err := d.owner.GetDirectoryData(d.packIdx)
	if err != nil {
		return fmt.Errorf("load directory %s: %w", d.Path(), err)
	}
	d.dirs = make([]*Directory, len(data.Subdirs))
	for i, s := range data.Subdirs {
		child := &Directory{owner: d.owner, parent: d, name: s.Name, packIdx: s.PackIdx, hasPack: true}
		d.dirs[i] = child
		d.owner.byPack[s.PackIdx] = child
	}
	d.files = make([]*FileLink, len(data.Files))
	for i, r := range data.Files {
		d.files[i] = &FileLink{FileRecord: r, parent: d}
	}
	d.loaded = true
	return nil
}

func (d *Directory) encode() ([]byte, error) {
	data := DirectoryData{
		Subdirs: make([]SubdirRecord, len(d.dirs)),
		Files:   make([]FileRecord, len(d.files)),
	}
	for i, c := range d.dirs {
		if !c.hasPack {
			return nil, fmt.Errorf("directory %s has no pack", c.Path())
		}
		data.Subdirs[i] = SubdirRecord{Name: c.name, PackIdx: c.packIdx}
	}
	for i, f := range d.files {
		data.Files[i] = f.FileRecord
	}
	return EncodeDirectoryData(data)
}

func joinPath(parent *Directory, name string) string {
	if parent == nil || parent.parent == nil {
		return name
	}
	return parent.Path() + "/" + name
}
