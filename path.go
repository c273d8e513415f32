package nexusvault

import (
	"path/filepath"
	"strings"
)

const (
	// IndexExt is the extension of the directory tree file.
	IndexExt = ".index"

	// ArchiveExt is the extension of the content file.
	ArchiveExt = ".archive"
)

// NormalizePath converts a user-provided path to fs.ValidPath format.
//
// Backslashes become slashes, leading and trailing separators are dropped
// and repeated separators collapse. The empty path and "/" become ".".
// Case is preserved; lookups ignore it.
//
// "." and ".." elements are kept and rejected later by fs.ValidPath.
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	parts := strings.Split(p, "/")
	result := parts[:0]
	for _, part := range parts {
		if part != "" {
			result = append(result, part)
		}
	}
	if len(result) == 0 {
		return "."
	}
	return strings.Join(result, "/")
}

// CompanionPaths returns the index and archive paths of the vault named by
// path. Path may name either file or the shared base name.
func CompanionPaths(path string) (indexPath, archivePath string) {
	base := path
	ext := filepath.Ext(path)
	if strings.EqualFold(ext, IndexExt) || strings.EqualFold(ext, ArchiveExt) {
		base = strings.TrimSuffix(path, ext)
	}
	return base + IndexExt, base + ArchiveExt
}
