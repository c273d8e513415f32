package nexusvault

import "github.com/marblebag/nexusvault/internal/vaulttype"

// Sentinel errors re-exported from internal/vaulttype.
var (
	// ErrFormat is returned when a file signature or version is not supported.
	ErrFormat = vaulttype.ErrFormat

	// ErrCorrupt is returned when a file's block layout is inconsistent.
	ErrCorrupt = vaulttype.ErrCorrupt

	// ErrSizeOverflow is returned when a size exceeds supported limits.
	ErrSizeOverflow = vaulttype.ErrSizeOverflow

	// ErrNotFound is returned when a path or hash does not exist.
	// It wraps fs.ErrNotExist.
	ErrNotFound = vaulttype.ErrNotFound

	// ErrNotADirectory is returned when a path element is a file.
	ErrNotADirectory = vaulttype.ErrNotADirectory

	// ErrIsADirectory is returned when a file operation names a directory.
	ErrIsADirectory = vaulttype.ErrIsADirectory

	// ErrHashMismatch is returned when content does not match its hash.
	ErrHashMismatch = vaulttype.ErrHashMismatch

	// ErrDecompression is returned when decompression fails.
	ErrDecompression = vaulttype.ErrDecompression

	// ErrReadOnly is returned when mutating a vault opened read-only.
	ErrReadOnly = vaulttype.ErrReadOnly

	// ErrClosed is returned when using a closed vault.
	ErrClosed = vaulttype.ErrClosed
)
