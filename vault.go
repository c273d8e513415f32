package nexusvault

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/woozymasta/pathrules"
	"golang.org/x/sync/singleflight"

	"github.com/marblebag/nexusvault/archive"
	"github.com/marblebag/nexusvault/cache"
	"github.com/marblebag/nexusvault/codec"
	"github.com/marblebag/nexusvault/index"
	"github.com/marblebag/nexusvault/internal/filecache"
	"github.com/marblebag/nexusvault/internal/vaulttype"
)

// Interface compliance.
var (
	_ fs.FS         = (*Vault)(nil)
	_ fs.StatFS     = (*Vault)(nil)
	_ fs.ReadFileFS = (*Vault)(nil)
	_ fs.ReadDirFS  = (*Vault)(nil)
)

// Vault is an open index/archive pair.
//
// Reads may run concurrently. Mutations are serialised with each other and
// with reads.
type Vault struct {
	mu sync.RWMutex

	idx  *index.File
	arc  *archive.File
	pool *filecache.Pool

	logger      *slog.Logger
	readOnly    bool
	verify      bool
	cache       cache.Cache        // nil = no caching
	readGroup   singleflight.Group // zero value is valid
	codec       codec.Compression
	compress    *pathrules.Matcher // nil = every file is a candidate
	minCompress int
	closed      bool
}

// log returns the logger, falling back to a discard logger if nil.
func (v *Vault) log() *slog.Logger {
	if v.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return v.logger
}

// Open opens the vault named by path, which may be either companion file or
// their shared base name.
func Open(path string, opts ...Option) (*Vault, error) {
	c := newConfig(opts)
	v, err := newVault(c)
	if err != nil {
		return nil, err
	}
	indexPath, archivePath := CompanionPaths(path)

	idxOpts := append([]index.Option{index.WithPool(v.pool), index.WithLogger(c.logger)}, c.indexAlloc...)
	arcOpts := append([]archive.Option{archive.WithPool(v.pool), archive.WithLogger(c.logger)}, c.archiveAlloc...)
	if c.readOnly {
		idxOpts = append(idxOpts, index.WithReadOnly())
		arcOpts = append(arcOpts, archive.WithReadOnly())
	}

	if v.idx, err = index.Open(indexPath, idxOpts...); err != nil {
		v.pool.Close()
		return nil, err
	}
	if v.arc, err = archive.Open(archivePath, arcOpts...); err != nil {
		v.idx.Close()
		v.pool.Close()
		return nil, err
	}
	v.log().Info("opened vault", "index", indexPath, "archive", archivePath, "blobs", v.arc.Len())
	return v, nil
}

// Create creates an empty vault named by path, truncating existing files.
func Create(path string, opts ...Option) (*Vault, error) {
	c := newConfig(opts)
	if c.readOnly {
		return nil, ErrReadOnly
	}
	v, err := newVault(c)
	if err != nil {
		return nil, err
	}
	indexPath, archivePath := CompanionPaths(path)

	idxOpts := append([]index.Option{
		index.WithPool(v.pool), index.WithLogger(c.logger), index.WithBuildNumber(c.buildNumber),
	}, c.indexAlloc...)
	if v.idx, err = index.Create(indexPath, idxOpts...); err != nil {
		v.pool.Close()
		return nil, err
	}
	arcOpts := append([]archive.Option{archive.WithPool(v.pool), archive.WithLogger(c.logger)}, c.archiveAlloc...)
	if c.capacityHint > 0 {
		arcOpts = append(arcOpts, archive.WithCapacityHint(c.capacityHint))
	}
	if v.arc, err = archive.Create(archivePath, arcOpts...); err != nil {
		v.idx.Close()
		v.pool.Close()
		return nil, err
	}
	v.log().Info("created vault", "index", indexPath, "archive", archivePath)
	return v, nil
}

func newVault(c *config) (*Vault, error) {
	v := &Vault{
		logger:      c.logger,
		readOnly:    c.readOnly,
		verify:      c.verify,
		cache:       c.cache,
		codec:       c.codec,
		minCompress: c.minCompressSize,
	}
	if len(c.rules) > 0 {
		m, err := pathrules.NewMatcher(c.rules, pathrules.MatcherOptions{
			CaseInsensitive: true,
			DefaultAction:   pathrules.ActionExclude,
		})
		if err != nil {
			return nil, fmt.Errorf("compile compress rules: %w", err)
		}
		v.compress = m
	}

	poolOpts := []filecache.Option{filecache.WithLogger(c.logger)}
	if c.cacheTimeSet {
		poolOpts = append(poolOpts, filecache.WithCacheTime(c.cacheTime))
	}
	if c.clock != nil {
		poolOpts = append(poolOpts, filecache.WithClock(c.clock))
	}
	v.pool = filecache.NewPool(poolOpts...)
	return v, nil
}

// Index returns the underlying index file.
func (v *Vault) Index() *index.File { return v.idx }

// Archive returns the underlying archive file.
func (v *Vault) Archive() *archive.File { return v.arc }

// ReadOnly reports whether the vault was opened read-only.
func (v *Vault) ReadOnly() bool { return v.readOnly }

// Flush writes pending changes to both files. Content is flushed before the
// links that reference it.
func (v *Vault) Flush() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrClosed
	}
	return v.flushLocked()
}

func (v *Vault) flushLocked() error {
	if v.readOnly {
		return nil
	}
	if err := v.arc.Flush(); err != nil {
		return fmt.Errorf("flush archive: %w", err)
	}
	if err := v.idx.Flush(); err != nil {
		return fmt.Errorf("flush index: %w", err)
	}
	return nil
}

// Close flushes pending changes and closes both files.
func (v *Vault) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	v.closed = true
	return errors.Join(
		v.arc.Close(),
		v.idx.Close(),
		v.pool.Close(),
	)
}

// resolve looks name up in the index. Name must already be a valid path.
func (v *Vault) resolve(op, name string) (index.Node, error) {
	if v.closed {
		return nil, &fs.PathError{Op: op, Path: name, Err: ErrClosed}
	}
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: op, Path: name, Err: fs.ErrInvalid}
	}
	// fs.FS names are slash separated; a backslash is part of an element
	// name, and stored names never contain one.
	if strings.ContainsRune(name, '\\') {
		return nil, &fs.PathError{Op: op, Path: name, Err: ErrNotFound}
	}
	n, err := v.idx.Resolve(name)
	if err != nil {
		var pe *fs.PathError
		if errors.As(err, &pe) {
			err = pe.Err
		}
		return nil, &fs.PathError{Op: op, Path: name, Err: err}
	}
	return n, nil
}

// Open implements fs.FS.
//
// Files are read, decoded and verified when opened; the returned file also
// implements io.ReaderAt and io.Seeker. Directories implement
// fs.ReadDirFile.
func (v *Vault) Open(name string) (fs.File, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	n, err := v.resolve("open", name)
	if err != nil {
		return nil, err
	}
	switch node := n.(type) {
	case *index.FileLink:
		info, err := newFileInfo(node)
		if err != nil {
			return nil, &fs.PathError{Op: "open", Path: name, Err: err}
		}
		content, err := v.content(node)
		if err != nil {
			return nil, &fs.PathError{Op: "open", Path: name, Err: err}
		}
		return &openFile{Reader: bytes.NewReader(content), info: info}, nil
	case *index.Directory:
		entries, err := v.readDir(node)
		if err != nil {
			return nil, &fs.PathError{Op: "open", Path: name, Err: err}
		}
		info, _ := nodeInfo(node) //nolint:errcheck // directories always have info
		return &openDir{name: name, info: info, entries: entries}, nil
	default:
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
}

// Stat implements fs.StatFS.
//
// Stat returns file info without reading content. File info exposes the
// stored hash and compression through *FileInfo.
func (v *Vault) Stat(name string) (fs.FileInfo, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	n, err := v.resolve("stat", name)
	if err != nil {
		return nil, err
	}
	info, err := nodeInfo(n)
	if err != nil {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: err}
	}
	return info, nil
}

// ReadFile implements fs.ReadFileFS.
//
// ReadFile returns the decoded content of the named file. The returned slice
// belongs to the caller.
func (v *Vault) ReadFile(name string) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	n, err := v.resolve("readfile", name)
	if err != nil {
		return nil, err
	}
	link, ok := n.(*index.FileLink)
	if !ok {
		return nil, &fs.PathError{Op: "readfile", Path: name, Err: ErrIsADirectory}
	}
	content, err := v.content(link)
	if err != nil {
		return nil, &fs.PathError{Op: "readfile", Path: name, Err: err}
	}
	return slices.Clone(content), nil
}

// ReadDir implements fs.ReadDirFS.
//
// ReadDir returns the entries of the named directory sorted by name.
func (v *Vault) ReadDir(name string) ([]fs.DirEntry, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	n, err := v.resolve("readdir", name)
	if err != nil {
		return nil, err
	}
	dir, ok := n.(*index.Directory)
	if !ok {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: ErrNotADirectory}
	}
	entries, err := v.readDir(dir)
	if err != nil {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: err}
	}
	return entries, nil
}

func (v *Vault) readDir(dir *index.Directory) ([]fs.DirEntry, error) {
	children, err := dir.Children()
	if err != nil {
		return nil, err
	}
	entries := make([]fs.DirEntry, 0, len(children))
	for _, c := range children {
		info, err := nodeInfo(c)
		if err != nil {
			return nil, err
		}
		entries = append(entries, dirEntry{info: info})
	}
	slices.SortFunc(entries, func(a, b fs.DirEntry) int {
		return strings.Compare(a.Name(), b.Name())
	})
	return entries, nil
}

// content returns the decoded content of link. The result may be shared with
// the cache and must not be modified.
func (v *Vault) content(link *index.FileLink) ([]byte, error) {
	c := link.Compression()
	key := cacheKey(link.Hash, c)

	if v.cache != nil {
		if data, ok := v.cache.Get(key); ok {
			v.log().Debug("content cache hit", "hash", link.Hash)
			return data, nil
		}
	}

	result, err, _ := v.readGroup.Do(string(key), func() (any, error) {
		// Double-check cache
		if v.cache != nil {
			if data, ok := v.cache.Get(key); ok {
				return data, nil
			}
		}
		data, err := v.decode(link.Hash, c, link.UncompressedSize)
		if err != nil {
			return nil, err
		}
		if v.cache != nil {
			if err := v.cache.Put(key, data); err != nil {
				v.log().Debug("content cache put failed", "hash", link.Hash, "error", err)
			}
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil //nolint:errcheck // type assertion always succeeds when err is nil
}

// decode reads the stored bytes for hash from the archive, verifies them and
// decodes them with c.
func (v *Vault) decode(hash vaulttype.Hash, c codec.Compression, uncompressedSize uint64) ([]byte, error) {
	stored, err := v.arc.Get(hash)
	if err != nil {
		return nil, err
	}
	if v.verify && vaulttype.Sum(stored) != hash {
		v.log().Warn("content hash mismatch", "hash", hash)
		return nil, fmt.Errorf("%w: %s", ErrHashMismatch, hash)
	}
	return codec.Decode(c, stored, uncompressedSize)
}

func cacheKey(hash vaulttype.Hash, c codec.Compression) []byte {
	key := make([]byte, 0, vaulttype.HashSize+1)
	key = append(key, hash[:]...)
	return append(key, byte(c))
}

// openFile is an fs.File over decoded content.
type openFile struct {
	*bytes.Reader
	info fs.FileInfo
}

func (f *openFile) Stat() (fs.FileInfo, error) { return f.info, nil }
func (f *openFile) Close() error                { return nil }

// openDir implements fs.ReadDirFile over a directory snapshot taken at Open.
type openDir struct {
	name    string
	info    fs.FileInfo
	entries []fs.DirEntry
	offset  int
}

func (d *openDir) Read(_ []byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: d.name, Err: fs.ErrInvalid}
}

func (d *openDir) Stat() (fs.FileInfo, error) { return d.info, nil }
func (d *openDir) Close() error                { return nil }

func (d *openDir) ReadDir(n int) ([]fs.DirEntry, error) {
	rest := d.entries[d.offset:]
	if n <= 0 {
		d.offset = len(d.entries)
		return slices.Clone(rest), nil
	}
	if len(rest) == 0 {
		return nil, io.EOF
	}
	n = min(n, len(rest))
	d.offset += n
	return slices.Clone(rest[:n]), nil
}
