package nexusvault

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/marblebag/nexusvault/codec"
	"github.com/marblebag/nexusvault/index"
	"github.com/marblebag/nexusvault/internal/packfile"
	"github.com/marblebag/nexusvault/internal/vaulttype"
)

// FileStats is the block layout summary of one packed file.
type FileStats = packfile.Stats

// Stats summarises a vault.
type Stats struct {
	Files       int
	Dirs        int
	Blobs       int
	BuildNumber uint32
	Index       FileStats
	Archive     FileStats
}

func (v *Vault) writable(op, name string) error {
	if v.closed {
		return &fs.PathError{Op: op, Path: name, Err: ErrClosed}
	}
	if v.readOnly {
		return &fs.PathError{Op: op, Path: name, Err: ErrReadOnly}
	}
	return nil
}

// shouldCompress reports whether a file of size bytes at name is a
// compression candidate.
func (v *Vault) shouldCompress(name string, size int) bool {
	if v.codec == codec.None || size < v.minCompress || size == 0 {
		return false
	}
	return v.compress == nil || v.compress.Included(name, false)
}

// WriteFile stores data at name, creating parent directories and replacing
// an existing file.
//
// Candidate files are compressed with the configured codec and the result is
// kept only when smaller. The link hash is the SHA-1 of the stored bytes;
// identical stored bytes are kept once.
func (v *Vault) WriteFile(name string, data []byte, modTime time.Time) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.writable("writefile", name); err != nil {
		return err
	}
	name = NormalizePath(name)
	if !fs.ValidPath(name) || name == "." {
		return &fs.PathError{Op: "writefile", Path: name, Err: fs.ErrInvalid}
	}

	c := codec.None
	stored := data
	if v.shouldCompress(name, len(data)) {
		enc, err := codec.Encode(v.codec, data)
		if err != nil {
			return &fs.PathError{Op: "writefile", Path: name, Err: err}
		}
		if len(enc) < len(data) {
			c, stored = v.codec, enc
		}
	}

	hash := vaulttype.Sum(stored)
	if !v.arc.Has(hash) {
		if err := v.arc.PutEntry(hash, stored, uint64(len(data))); err != nil {
			return &fs.PathError{Op: "writefile", Path: name, Err: err}
		}
	}
	_, err := v.idx.WriteLink(name, index.FileRecord{
		Flags:            c.Flags(),
		WriteTime:        index.FileTime(modTime),
		UncompressedSize: uint64(len(data)),
		CompressedSize:   uint64(len(stored)),
		Hash:             hash,
	})
	if err != nil {
		return err
	}
	v.log().Debug("wrote file", "path", name, "size", len(data), "stored", len(stored), "compression", c)
	return nil
}

// Mkdir creates the directory name along with any missing parents.
func (v *Vault) Mkdir(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.writable("mkdir", name); err != nil {
		return err
	}
	name = NormalizePath(name)
	if !fs.ValidPath(name) {
		return &fs.PathError{Op: "mkdir", Path: name, Err: fs.ErrInvalid}
	}
	_, err := v.idx.Mkdir(name)
	return err
}

// Remove deletes the file or directory tree at name. Content stays in the
// archive until Collect runs.
func (v *Vault) Remove(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.writable("remove", name); err != nil {
		return err
	}
	name = NormalizePath(name)
	if !fs.ValidPath(name) || name == "." {
		return &fs.PathError{Op: "remove", Path: name, Err: fs.ErrInvalid}
	}
	return v.idx.Remove(name)
}

// SetBuildNumber records n in the index root element.
func (v *Vault) SetBuildNumber(n uint32) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.writable("setbuild", "."); err != nil {
		return err
	}
	return v.idx.SetBuildNumber(n)
}

// referenced returns the hash of every file link in the index.
func (v *Vault) referenced() (map[vaulttype.Hash]struct{}, error) {
	refs := make(map[vaulttype.Hash]struct{})
	err := v.idx.Walk(".", func(n index.Node) error {
		if l, ok := n.(*index.FileLink); ok {
			refs[l.Hash] = struct{}{}
		}
		return nil
	})
	return refs, err
}

// Collect deletes archive entries no file link references and returns how
// many were removed.
func (v *Vault) Collect() (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.writable("collect", "."); err != nil {
		return 0, err
	}
	refs, err := v.referenced()
	if err != nil {
		return 0, err
	}
	var orphans []vaulttype.Hash
	for e := range v.arc.Entries() {
		if _, ok := refs[e.Hash]; !ok {
			orphans = append(orphans, e.Hash)
		}
	}
	for _, h := range orphans {
		if err := v.arc.Delete(h); err != nil {
			return 0, fmt.Errorf("collect %s: %w", h, err)
		}
		if v.cache != nil {
			for _, c := range []codec.Compression{codec.None, codec.Deflate, codec.LZMA} {
				_ = v.cache.Delete(cacheKey(h, c)) //nolint:errcheck // best-effort cache cleanup
			}
		}
	}
	if len(orphans) > 0 {
		v.log().Info("collected unreferenced blobs", "count", len(orphans))
	}
	return len(orphans), nil
}

// Verify checks both files' block layouts, that every blob hashes to its key
// and that every file link decodes to its recorded size. All problems found
// are returned joined.
func (v *Vault) Verify() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return ErrClosed
	}
	var errs []error
	if err := v.idx.Verify(); err != nil {
		errs = append(errs, fmt.Errorf("index: %w", err))
	}
	if err := v.arc.Verify(); err != nil {
		errs = append(errs, fmt.Errorf("archive: %w", err))
	}
	err := v.idx.Walk(".", func(n index.Node) error {
		l, ok := n.(*index.FileLink)
		if !ok {
			return nil
		}
		e, ok := v.arc.Entry(l.Hash)
		if !ok {
			errs = append(errs, fmt.Errorf("%s: %w: hash %s", l.Path(), ErrNotFound, l.Hash))
			return nil
		}
		if e.UncompressedSize != l.UncompressedSize {
			errs = append(errs, fmt.Errorf("%s: %w: size %d, archive records %d",
				l.Path(), ErrCorrupt, l.UncompressedSize, e.UncompressedSize))
		}
		if _, err := v.decode(l.Hash, l.Compression(), l.UncompressedSize); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", l.Path(), err))
		}
		return nil
	})
	if err != nil {
		errs = append(errs, err)
	}
	for _, err := range errs {
		v.log().Warn("verify failed", "error", err)
	}
	return errors.Join(errs...)
}

// Stats walks the index and summarises both files.
func (v *Vault) Stats() (Stats, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.closed {
		return Stats{}, ErrClosed
	}
	st := Stats{Blobs: v.arc.Len(), BuildNumber: v.idx.BuildNumber()}
	err := v.idx.Walk(".", func(n index.Node) error {
		if n.IsDir() {
			st.Dirs++
		} else {
			st.Files++
		}
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	if st.Index, err = v.idx.Stats(); err != nil {
		return Stats{}, err
	}
	if st.Archive, err = v.arc.Stats(); err != nil {
		return Stats{}, err
	}
	return st, nil
}
