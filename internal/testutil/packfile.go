package testutil

import (
	"testing"

	"github.com/marblebag/nexusvault/internal/packfile"
)

// RootHeaderIdx returns the HeaderIdx of the root element of the packed file
// at path: the entry array of an archive or the root directory of an index.
func RootHeaderIdx(tb testing.TB, path string) uint32 {
	tb.Helper()
	pf, err := packfile.Open(path, packfile.WithReadOnly())
	if err != nil {
		tb.Fatalf("open %s: %v", path, err)
	}
	defer pf.Close()
	root, ok := pf.RootElement()
	if !ok {
		tb.Fatalf("%s has no root element", path)
	}
	return root.HeaderIdx
}

// RewritePack replaces the payload of pack idx in the packed file at path
// with fn applied to its current payload.
func RewritePack(tb testing.TB, path string, idx uint32, fn func([]byte) []byte) {
	tb.Helper()
	pf, err := packfile.Open(path)
	if err != nil {
		tb.Fatalf("open %s: %v", path, err)
	}
	data, err := pf.ReadPack(idx)
	if err != nil {
		pf.Close()
		tb.Fatalf("read pack %d: %v", idx, err)
	}
	if err := pf.EnableWriteMode(); err != nil {
		pf.Close()
		tb.Fatalf("enable write mode: %v", err)
	}
	if err := pf.OverwritePackData(idx, fn(data)); err != nil {
		pf.Close()
		tb.Fatalf("overwrite pack %d: %v", idx, err)
	}
	if err := pf.Close(); err != nil {
		tb.Fatalf("close %s: %v", path, err)
	}
}
