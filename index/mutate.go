package index

import (
	"fmt"
	"io/fs"
	"slices"
	"strings"
)

func (x *File) writable() error {
	return x.pf.EnableWriteMode()
}

func validName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsRune(name, 0)
}

// SetBuildNumber sets the build number stored in the root element.
func (x *File) SetBuildNumber(n uint32) error {
	if err := x.writable(); err != nil {
		return err
	}
	x.build = n
	x.rootDirty = true
	return nil
}

// Mkdir creates the directory at path along with any missing parents and
// returns it. An existing directory is returned unchanged.
func (x *File) Mkdir(path string) (*Directory, error) {
	if err := x.writable(); err != nil {
		return nil, err
	}
	return x.mkdirAll(path, SplitPath(path))
}

func (x *File) mkdirAll(path string, parts []string) (*Directory, error) {
	cur := x.root
	for _, part := range parts {
		if !validName(part) {
			return nil, &fs.PathError{Op: "mkdir", Path: path, Err: fs.ErrInvalid}
		}
		if err := cur.load(); err != nil {
			return nil, err
		}
		if i := cur.dirIndex(part); i >= 0 {
			cur = cur.dirs[i]
			continue
		}
		if cur.fileIndex(part) >= 0 {
			return nil, &fs.PathError{Op: "mkdir", Path: path, Err: ErrNotADirectory}
		}
		child := &Directory{owner: x, parent: cur, name: part, loaded: true, dirty: true}
		cur.dirs = append(cur.dirs, child)
		cur.dirty = true
		x.log().Debug("created directory", "path", child.Path())
		cur = child
	}
	return cur, nil
}

// WriteLink stores rec at path, creating parent directories as needed. An
// existing link with the same name is replaced and keeps its stored name.
func (x *File) WriteLink(path string, rec FileRecord) (*FileLink, error) {
	if err := x.writable(); err != nil {
		return nil, err
	}
	parts := SplitPath(path)
	if len(parts) == 0 || !validName(parts[len(parts)-1]) {
		return nil, &fs.PathError{Op: "writelink", Path: path, Err: fs.ErrInvalid}
	}
	dir, err := x.mkdirAll(path, parts[:len(parts)-1])
	if err != nil {
		return nil, err
	}
	if err := dir.load(); err != nil {
		return nil, err
	}
	name := parts[len(parts)-1]
	if dir.dirIndex(name) >= 0 {
		return nil, &fs.PathError{Op: "writelink", Path: path, Err: ErrIsADirectory}
	}
	if i := dir.fileIndex(name); i >= 0 {
		rec.Name = dir.files[i].FileRecord.Name
		dir.files[i].FileRecord = rec
		dir.dirty = true
		return dir.files[i], nil
	}
	rec.Name = name
	link := &FileLink{FileRecord: rec, parent: dir}
	dir.files = append(dir.files, link)
	dir.dirty = true
	return link, nil
}

// Remove deletes the file link or directory at path. Removing a directory
// removes its whole subtree and frees the directory payloads.
func (x *File) Remove(path string) error {
	if err := x.writable(); err != nil {
		return err
	}
	n, err := x.Resolve(path)
	if err != nil {
		return err
	}
	parent := n.Parent()
	if parent == nil {
		return &fs.PathError{Op: "remove", Path: path, Err: fs.ErrInvalid}
	}

	switch v := n.(type) {
	case *FileLink:
		i := slices.Index(parent.files, v)
		parent.files = slices.Delete(parent.files, i, i+1)
		parent.dirty = true
		return nil
	case *Directory:
		// Every directory must be known before packs start moving.
		if err := x.loadAll(x.root); err != nil {
			return err
		}
		var doomed []*Directory
		collectDirs(v, &doomed)
		i := slices.Index(parent.dirs, v)
		parent.dirs = slices.Delete(parent.dirs, i, i+1)
		parent.dirty = true
		for _, d := range doomed {
			if err := x.freeDir(d); err != nil {
				return err
			}
		}
		x.log().Debug("removed directory", "path", path, "directories", len(doomed))
		return nil
	default:
		return fmt.Errorf("remove %s: unexpected node %T", path, n)
	}
}

func collectDirs(d *Directory, out *[]*Directory) {
	*out = append(*out, d)
	for _, c := range d.dirs {
		collectDirs(c, out)
	}
}

func (x *File) loadAll(d *Directory) error {
	if err := d.load(); err != nil {
		return err
	}
	for _, c := range d.dirs {
		if err := x.loadAll(c); err != nil {
			return err
		}
	}
	return nil
}

// freeDir deletes the pack of a detached directory and patches whichever
// directory owned the pack that moved into its slot.
func (x *File) freeDir(d *Directory) error {
	if !d.hasPack {
		return nil
	}
	idx := d.packIdx
	mv, moved, err := x.pf.DeletePackData(idx)
	if err != nil {
		return err
	}
	delete(x.byPack, idx)
	d.hasPack = false
	if !moved {
		return nil
	}
	owner, ok := x.byPack[mv.From]
	if !ok {
		// The root element pack is patched by the packed file.
		return nil
	}
	delete(x.byPack, mv.From)
	owner.packIdx = mv.To
	x.byPack[mv.To] = owner
	x.markChanged(owner)
	return nil
}
