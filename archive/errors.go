package archive

import "github.com/marblebag/nexusvault/internal/vaulttype"

// Sentinel errors re-exported from internal/vaulttype.
var (
	// ErrNotFound is returned when no entry has the requested hash.
	ErrNotFound = vaulttype.ErrNotFound

	// ErrDuplicateHash is returned when a hash already names another entry.
	ErrDuplicateHash = vaulttype.ErrDuplicateHash

	// ErrFormat is returned when the file is not an archive.
	ErrFormat = vaulttype.ErrFormat

	// ErrCorrupt is returned when the archive structures are inconsistent.
	ErrCorrupt = vaulttype.ErrCorrupt

	// ErrReadOnly is returned when mutating an archive opened read-only.
	ErrReadOnly = vaulttype.ErrReadOnly

	// ErrSizeOverflow is returned when a count or size does not fit its
	// on-disk field.
	ErrSizeOverflow = vaulttype.ErrSizeOverflow

	// ErrHashMismatch is returned by Verify when stored bytes do not match their hash.
	ErrHashMismatch = vaulttype.ErrHashMismatch
)
