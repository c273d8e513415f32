package vaulttype

import (
	"errors"
	"fmt"
	"io/fs"
)

// Sentinel errors shared by the packed file, archive, index and vault layers.
var (
	// ErrFormat is returned when a signature or version does not match.
	ErrFormat = errors.New("nexusvault: unsupported file format")

	// ErrCorrupt is returned when on-disk structures are inconsistent.
	ErrCorrupt = errors.New("nexusvault: file corrupt")

	// ErrSizeOverflow is returned when counts or offsets exceed supported limits.
	ErrSizeOverflow = errors.New("nexusvault: size overflow")

	// ErrNotFound is returned when a path or hash has no entry.
	ErrNotFound = fmt.Errorf("nexusvault: %w", fs.ErrNotExist)

	// ErrNotADirectory is returned when a path component resolves to a file.
	ErrNotADirectory = errors.New("nexusvault: not a directory")

	// ErrIsADirectory is returned when a file operation targets a directory.
	ErrIsADirectory = errors.New("nexusvault: is a directory")

	// ErrDuplicateHash is returned when a hash already names another entry.
	ErrDuplicateHash = errors.New("nexusvault: duplicate hash")

	// ErrHashMismatch is returned when stored content does not match its hash.
	ErrHashMismatch = errors.New("nexusvault: hash verification failed")

	// ErrDecompression is returned when decompression fails.
	ErrDecompression = errors.New("nexusvault: decompression failed")

	// ErrReadOnly is returned when mutating a file opened read-only.
	ErrReadOnly = errors.New("nexusvault: opened read-only")

	// ErrNotWriteMode is returned when mutating a file before write mode is enabled.
	ErrNotWriteMode = errors.New("nexusvault: write mode not enabled")

	// ErrClosed is returned when using a closed file.
	ErrClosed = fs.ErrClosed
)
