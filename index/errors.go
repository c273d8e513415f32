package index

import "github.com/marblebag/nexusvault/internal/vaulttype"

// Sentinel errors re-exported from internal/vaulttype.
var (
	// ErrNotFound is returned when a path component does not exist.
	ErrNotFound = vaulttype.ErrNotFound

	// ErrNotADirectory is returned when a path descends through a file.
	ErrNotADirectory = vaulttype.ErrNotADirectory

	// ErrIsADirectory is returned when a file operation names a directory.
	ErrIsADirectory = vaulttype.ErrIsADirectory

	// ErrFormat is returned when the file is not an index.
	ErrFormat = vaulttype.ErrFormat

	// ErrCorrupt is returned when a directory payload is inconsistent.
	ErrCorrupt = vaulttype.ErrCorrupt

	// ErrReadOnly is returned when mutating an index opened read-only.
	ErrReadOnly = vaulttype.ErrReadOnly

	// ErrSizeOverflow is returned when a count or size does not fit its
	// on-disk field.
	ErrSizeOverflow = vaulttype.ErrSizeOverflow
)
