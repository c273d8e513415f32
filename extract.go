package nexusvault

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/marblebag/nexusvault/index"
)

// Extract writes every file under prefix to destDir, keeping paths relative
// to the vault root. Files are written to a temporary name and renamed into
// place. Link paths that would escape destDir are rejected.
//
// Extract returns the number of files written.
func (v *Vault) Extract(ctx context.Context, destDir, prefix string, opts ...ExtractOption) (int, error) {
	cfg := extractConfig{workers: defaultExtractWorkers}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.workers <= 0 {
		cfg.workers = defaultExtractWorkers
	}
	if destDir == "" {
		return 0, errors.New("extract: destDir is empty")
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	prefix = NormalizePath(prefix)
	if _, err := v.resolve("extract", prefix); err != nil {
		return 0, err
	}

	var links []*index.FileLink
	err := v.idx.Walk(prefix, func(n index.Node) error {
		if l, ok := n.(*index.FileLink); ok {
			links = append(links, l)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, l := range links {
		if p := l.Path(); !fs.ValidPath(p) || !filepath.IsLocal(filepath.FromSlash(p)) {
			return 0, &fs.PathError{Op: "extract", Path: p, Err: fs.ErrInvalid}
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.workers)
	written := make([]bool, len(links))
	for i, l := range links {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			ok, err := v.extractFile(destDir, l, &cfg)
			if err != nil {
				return &fs.PathError{Op: "extract", Path: l.Path(), Err: err}
			}
			written[i] = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	n := 0
	for _, ok := range written {
		if ok {
			n++
		}
	}
	v.log().Info("extracted files", "prefix", prefix, "dest", destDir, "files", n)
	return n, nil
}

// extractFile writes one link below destDir and reports whether it did.
func (v *Vault) extractFile(destDir string, l *index.FileLink, cfg *extractConfig) (bool, error) {
	dest := filepath.Join(destDir, filepath.FromSlash(l.Path()))
	if !cfg.overwrite {
		if _, err := os.Lstat(dest); err == nil {
			return false, nil
		}
	}
	content, err := v.content(l)
	if err != nil {
		return false, err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return false, err
	}
	if err := writeFileAtomic(dest, content, cfg.overwrite); err != nil {
		return false, err
	}
	if cfg.preserveTimes {
		if mt := l.ModTime(); !mt.IsZero() {
			if err := os.Chtimes(dest, mt, mt); err != nil {
				return false, fmt.Errorf("setting times: %w", err)
			}
		}
	}
	return true, nil
}

// writeFileAtomic writes content to path through a temp file in the same
// directory.
func writeFileAtomic(path string, content []byte, overwrite bool) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".nexusvault-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("writing content: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return fmt.Errorf("setting mode: %w", err)
	}

	// Rename fails on Windows when the destination exists.
	if overwrite {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			return &fs.PathError{Op: "extract", Path: path, Err: ErrIsADirectory}
		}
		_ = os.Remove(path)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming to destination: %w", err)
	}
	success = true
	return nil
}
