package nexusvault_test

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marblebag/nexusvault"
	"github.com/marblebag/nexusvault/index"
	"github.com/marblebag/nexusvault/internal/testutil"
)

func TestExtractAll(t *testing.T) {
	t.Parallel()

	path, files := sampleVault(t)
	v := openVault(t, path, nexusvault.WithReadOnly())
	dest := t.TempDir()

	n, err := v.Extract(context.Background(), dest, ".", nexusvault.ExtractWithPreserveTimes(true))
	require.NoError(t, err)
	assert.Equal(t, len(files), n)

	for name, want := range files {
		got, err := os.ReadFile(filepath.Join(dest, filepath.FromSlash(name)))
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
	info, err := os.Stat(filepath.Join(dest, "DB", "Items.xml"))
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(modTime))
}

func TestExtractPrefix(t *testing.T) {
	t.Parallel()

	path, files := sampleVault(t)
	v := openVault(t, path, nexusvault.WithReadOnly())
	dest := t.TempDir()

	n, err := v.Extract(context.Background(), dest, "/ui/forms/", nexusvault.ExtractWithWorkers(1))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, err := os.ReadFile(filepath.Join(dest, "UI", "Forms", "Sub", "deep.xml"))
	require.NoError(t, err)
	assert.Equal(t, files["UI/Forms/Sub/deep.xml"], got)
	_, err = os.Stat(filepath.Join(dest, "UI", "Textures"))
	assert.ErrorIs(t, err, fs.ErrNotExist)

	_, err = v.Extract(context.Background(), dest, "nope")
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestExtractSkipsExisting(t *testing.T) {
	t.Parallel()

	path, files := sampleVault(t)
	v := openVault(t, path, nexusvault.WithReadOnly())
	dest := t.TempDir()

	target := filepath.Join(dest, "readme.txt")
	require.NoError(t, os.WriteFile(target, []byte("local"), 0o644))

	n, err := v.Extract(context.Background(), dest, "readme.txt")
	require.NoError(t, err)
	assert.Zero(t, n)
	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "local", string(got))

	n, err = v.Extract(context.Background(), dest, "readme.txt", nexusvault.ExtractWithOverwrite(true))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err = os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, files["readme.txt"], got)
}

func TestExtractRejectsTraversal(t *testing.T) {
	t.Parallel()

	v, path := createVault(t)
	require.NoError(t, v.WriteFile("inside.txt", []byte("payload"), modTime))
	require.NoError(t, v.Close())

	// Rename the link in place to a name that climbs out of the root.
	indexPath, _ := nexusvault.CompanionPaths(path)
	rootIdx := testutil.RootHeaderIdx(t, indexPath)
	testutil.RewritePack(t, indexPath, rootIdx, func(b []byte) []byte {
		d, err := index.DecodeDirectoryData(b)
		require.NoError(t, err)
		require.Len(t, d.Files, 1)
		d.Files[0].Name = "../evil.txt"
		out, err := index.EncodeDirectoryData(d)
		require.NoError(t, err)
		return out
	})

	v = openVault(t, path, nexusvault.WithReadOnly())
	parent := t.TempDir()
	dest := filepath.Join(parent, "out")
	_, err := v.Extract(context.Background(), dest, ".")
	require.ErrorIs(t, err, fs.ErrInvalid)

	_, err = os.Stat(filepath.Join(parent, "evil.txt"))
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestExtractCanceled(t *testing.T) {
	t.Parallel()

	path, _ := sampleVault(t)
	v := openVault(t, path, nexusvault.WithReadOnly())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := v.Extract(ctx, t.TempDir(), ".")
	require.ErrorIs(t, err, context.Canceled)
}
