// Package index stores a directory tree in a packed file.
//
// Each directory is one pack whose payload lists its subdirectories (by pack
// index) and its file links. The root element records the build number and
// the pack of the root directory. Directories are loaded on first access and
// lookups ignore case.
package index

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"sync"

	"github.com/marblebag/nexusvault/internal/filecache"
	"github.com/marblebag/nexusvault/internal/memory"
	"github.com/marblebag/nexusvault/internal/packfile"
)

const (
	// Signature is "AIDX" read as a little-endian uint32.
	Signature uint32 = 0x58444941

	// Version is the supported index version.
	Version uint32 = 1
)

// File is an open index file.
//
// Lookups may run concurrently with each other; directory loads are
// serialised internally. Mutations require exclusive access.
type File struct {
	pf     *packfile.File
	logger *slog.Logger

	mu     sync.Mutex
	root   *Directory
	byPack map[uint32]*Directory
	build  uint32

	rootDirty bool
}

// Option configures an index.
type Option func(*config)

type config struct {
	pool     *filecache.Pool
	logger   *slog.Logger
	readOnly bool
	memOpts  []memory.Option
	build    uint32
}

// WithPool shares a file handle pool.
func WithPool(p *filecache.Pool) Option {
	return func(c *config) {
		c.pool = p
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithReadOnly opens the index without write access.
func WithReadOnly() Option {
	return func(c *config) {
		c.readOnly = true
	}
}

// WithBuildNumber sets the build number of a new index.
func WithBuildNumber(n uint32) Option {
	return func(c *config) {
		c.build = n
	}
}

// WithSplitThreshold sets the smallest free remainder split off a larger
// block when the index allocates. Zero disables splitting.
func WithSplitThreshold(n uint32) Option {
	return func(c *config) {
		c.memOpts = append(c.memOpts, memory.WithSplitThreshold(n))
	}
}

// WithCoalescing controls whether freed blocks merge with free neighbours.
// Enabled by default.
func WithCoalescing(enabled bool) Option {
	return func(c *config) {
		c.memOpts = append(c.memOpts, memory.WithCoalescing(enabled))
	}
}

func (c *config) packOptions() []packfile.Option {
	opts := []packfile.Option{packfile.WithLogger(c.logger)}
	if c.pool != nil {
		opts = append(opts, packfile.WithPool(c.pool))
	}
	if c.readOnly {
		opts = append(opts, packfile.WithReadOnly())
	}
	if len(c.memOpts) > 0 {
		opts = append(opts, packfile.WithMemoryOptions(c.memOpts...))
	}
	return opts
}

// log returns the logger, falling back to a discard logger if nil.
func (x *File) log() *slog.Logger {
	if x.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return x.logger
}

// Create creates an index holding only an empty root directory.
func Create(path string, opts ...Option) (*File, error) {
	c := &config{}
	for _, opt := range opts {
		opt(c)
	}
	if c.readOnly {
		return nil, ErrReadOnly
	}
	pf, err := packfile.Create(path, c.packOptions()...)
	if err != nil {
		return nil, err
	}
	x := &File{pf: pf, logger: c.logger, byPack: make(map[uint32]*Directory), build: c.build}
	x.root = &Directory{owner: x, loaded: true, dirty: true}
	x.rootDirty = true
	if err := x.Flush(); err != nil {
		pf.Close()
		return nil, err
	}
	x.log().Info("created index", "path", path)
	return x, nil
}

// Open opens an existing index. Only the root element is read; directories
// load on demand.
func Open(path string, opts ...Option) (*File, error) {
	c := &config{}
	for _, opt := range opts {
		opt(c)
	}
	pf, err := packfile.Open(path, c.packOptions()...)
	if err != nil {
		return nil, err
	}
	root, ok := pf.RootElement()
	if !ok {
		pf.Close()
		return nil, fmt.Errorf("open index %s: %w: no root element", path, ErrFormat)
	}
	if err := root.Check(Signature, Version); err != nil {
		pf.Close()
		return nil, fmt.Errorf("open index %s: %w", path, err)
	}
	if root.HeaderIdx >= pf.PackCount() || int64(root.HeaderIdx) == pf.RootIndex() {
		pf.Close()
		return nil, fmt.Errorf("open index %s: %w: root directory pack %d", path, ErrCorrupt, root.HeaderIdx)
	}
	x := &File{pf: pf, logger: c.logger, byPack: make(map[uint32]*Directory), build: root.Count}
	x.root = &Directory{owner: x, packIdx: root.HeaderIdx, hasPack: true}
	x.byPack[root.HeaderIdx] = x.root
	x.log().Debug("opened index", "path", path, "build", x.build)
	return x, nil
}

// Path returns the index file path.
func (x *File) Path() string { return x.pf.Path() }

// Root returns the root directory.
func (x *File) Root() *Directory { return x.root }

// BuildNumber returns the build number stored in the root element.
func (x *File) BuildNumber() uint32 { return x.build }

// GetDirectoryData reads and decodes the directory payload in pack idx.
func (x *File) GetDirectoryData(idx uint32) (DirectoryData, error) {
	buf, err := x.pf.ReadPack(idx)
	if err != nil {
		return DirectoryData{}, err
	}
	d, err := DecodeDirectoryData(buf)
	if err != nil {
		return d, fmt.Errorf("directory pack %d: %w", idx, err)
	}
	return d, nil
}

// SplitPath splits p on forward and back slashes, dropping empty and "."
// elements.
func SplitPath(p string) []string {
	parts := strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' })
	out := parts[:0]
	for _, part := range parts {
		if part != "." {
			out = append(out, part)
		}
	}
	return out
}

// Resolve returns the node at path. Matching ignores case and accepts either
// slash. A missing element yields ErrNotFound; descending through a file
// yields ErrNotADirectory.
func (x *File) Resolve(path string) (Node, error) {
	var cur Node = x.root
	for _, part := range SplitPath(path) {
		dir, ok := cur.(*Directory)
		if !ok {
			return nil, &fs.PathError{Op: "resolve", Path: path, Err: ErrNotADirectory}
		}
		next, found, err := dir.Lookup(part)
		if err != nil {
			return nil, &fs.PathError{Op: "resolve", Path: path, Err: err}
		}
		if !found {
			return nil, &fs.PathError{Op: "resolve", Path: path, Err: ErrNotFound}
		}
		cur = next
	}
	return cur, nil
}

// TryResolve is Resolve without the error detail.
func (x *File) TryResolve(path string) (Node, bool) {
	n, err := x.Resolve(path)
	return n, err == nil
}

// ResolveDir resolves path and requires a directory.
func (x *File) ResolveDir(path string) (*Directory, error) {
	n, err := x.Resolve(path)
	if err != nil {
		return nil, err
	}
	d, ok := n.(*Directory)
	if !ok {
		return nil, &fs.PathError{Op: "resolve", Path: path, Err: ErrNotADirectory}
	}
	return d, nil
}

// ResolveFile resolves path and requires a file link.
func (x *File) ResolveFile(path string) (*FileLink, error) {
	n, err := x.Resolve(path)
	if err != nil {
		return nil, err
	}
	l, ok := n.(*FileLink)
	if !ok {
		return nil, &fs.PathError{Op: "resolve", Path: path, Err: ErrIsADirectory}
	}
	return l, nil
}

// FindResolvablePath returns the deepest node reachable along path and the
// elements of path that could not be resolved.
func (x *File) FindResolvablePath(path string) (Node, []string, error) {
	parts := SplitPath(path)
	var cur Node = x.root
	for i, part := range parts {
		dir, ok := cur.(*Directory)
		if !ok {
			return cur, parts[i:], nil
		}
		next, found, err := dir.Lookup(part)
		if err != nil {
			return nil, nil, err
		}
		if !found {
			return cur, parts[i:], nil
		}
		cur = next
	}
	return cur, nil, nil
}

// WalkFunc is called for each node visited by Walk. Returning fs.SkipDir
// from a directory skips its contents and from a file skips the remaining
// entries of its directory; fs.SkipAll stops the walk.
type WalkFunc func(n Node) error

// Walk visits the tree rooted at path depth first, directories before their
// contents.
func (x *File) Walk(path string, fn WalkFunc) error {
	start, err := x.Resolve(path)
	if err != nil {
		return err
	}
	err = walk(start, fn)
	if errors.Is(err, fs.SkipAll) || errors.Is(err, fs.SkipDir) {
		return nil
	}
	return err
}

func walk(n Node, fn WalkFunc) error {
	if err := fn(n); err != nil {
		return err
	}
	d, ok := n.(*Directory)
	if !ok {
		return nil
	}
	children, err := d.Children()
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := walk(c, fn); err != nil {
			if !errors.Is(err, fs.SkipDir) {
				return err
			}
			// As with fs.WalkDir, SkipDir from a file skips the rest of
			// its directory.
			if !c.IsDir() {
				return nil
			}
		}
	}
	return nil
}

// Flush writes modified directories, the root element and pending block
// changes.
func (x *File) Flush() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.root.dirty || x.rootDirty {
		if err := x.pf.EnableWriteMode(); err != nil {
			return err
		}
	}
	if err := x.flushDir(x.root); err != nil {
		return err
	}
	if x.rootDirty {
		if err := x.pf.WriteRootElement(packfile.RootElement{
			Signature: Signature,
			Version:   Version,
			Count:     x.build,
			HeaderIdx: x.root.packIdx,
		}); err != nil {
			return err
		}
		x.rootDirty = false
	}
	return x.pf.Flush()
}

// flushDir writes d's dirty descendants before d, so parents always encode
// the final pack index of each child.
func (x *File) flushDir(d *Directory) error {
	if !d.loaded {
		return nil
	}
	for _, c := range d.dirs {
		if err := x.flushDir(c); err != nil {
			return err
		}
	}
	if !d.dirty {
		return nil
	}
	buf, err := d.encode()
	if err != nil {
		return err
	}
	if d.hasPack {
		if err := x.pf.OverwritePackData(d.packIdx, buf); err != nil {
			return err
		}
	} else {
		idx, err := x.pf.WriteNewPackData(buf)
		if err != nil {
			return err
		}
		d.packIdx, d.hasPack = idx, true
		x.byPack[idx] = d
		x.markChanged(d)
	}
	d.dirty = false
	return nil
}

// markChanged records that d's pack index changed.
func (x *File) markChanged(d *Directory) {
	if d.parent == nil {
		x.rootDirty = true
		return
	}
	d.parent.dirty = true
}

// Verify checks the packed file layout and that every directory decodes.
func (x *File) Verify() error {
	if err := x.Flush(); err != nil {
		return err
	}
	if err := x.pf.Verify(); err != nil {
		return err
	}
	return x.Walk(".", func(Node) error { return nil })
}

// Stats returns the block layout statistics of the underlying packed file.
func (x *File) Stats() (packfile.Stats, error) {
	return x.pf.Stats()
}

// Close flushes pending changes and closes the file.
func (x *File) Close() error {
	if x.pf.WriteMode() {
		if err := x.Flush(); err != nil {
			x.pf.Close()
			return err
		}
	}
	return x.pf.Close()
}
