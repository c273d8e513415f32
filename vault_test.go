package nexusvault_test

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/woozymasta/pathrules"

	"github.com/marblebag/nexusvault"
	"github.com/marblebag/nexusvault/codec"
	"github.com/marblebag/nexusvault/internal/testutil"
)

var modTime = time.Date(2014, 6, 3, 12, 30, 0, 0, time.UTC)

func createVault(t *testing.T, opts ...nexusvault.Option) (*nexusvault.Vault, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "client")
	v, err := nexusvault.Create(path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	return v, path
}

func openVault(t *testing.T, path string, opts ...nexusvault.Option) *nexusvault.Vault {
	t.Helper()
	v, err := nexusvault.Open(path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	return v
}

// sampleVault writes a small tree, closes the vault and returns its path.
func sampleVault(t *testing.T, opts ...nexusvault.Option) (string, map[string][]byte) {
	t.Helper()
	files := map[string][]byte{
		"readme.txt":              []byte("hello vault"),
		"Art/Creature/model.m3":   testutil.Incompressible(1, 4096),
		"Art/Creature/notes.txt":  testutil.Compressible(2, 8192),
		"DB/Items.xml":            testutil.Compressible(3, 20000),
		"DB/Localization/en.bin":  testutil.Incompressible(4, 300),
		"UI/Textures/button.tex":  testutil.Incompressible(5, 100),
		"UI/Textures/Empty.tex":   {},
		"UI/Forms/main.xml":       testutil.Compressible(6, 2000),
		"UI/Forms/Sub/deep.xml":   testutil.Compressible(7, 50),
		"UI/Forms/Sub/Deeper/x.y": []byte("x"),
	}
	v, path := createVault(t, opts...)
	for name, data := range files {
		require.NoError(t, v.WriteFile(name, data, modTime), name)
	}
	require.NoError(t, v.Close())
	return path, files
}

func TestWriteReadRoundTrip(t *testing.T) {
	t.Parallel()

	path, files := sampleVault(t)
	v := openVault(t, path+nexusvault.IndexExt, nexusvault.WithReadOnly())

	for name, want := range files {
		got, err := v.ReadFile(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)

		info, err := v.Stat(name)
		require.NoError(t, err, name)
		assert.Equal(t, int64(len(want)), info.Size())
		assert.True(t, info.ModTime().Equal(modTime))
		assert.False(t, info.IsDir())
	}

	info, err := v.Stat("DB/Items.xml")
	require.NoError(t, err)
	fi := info.(*nexusvault.FileInfo)
	assert.Equal(t, codec.Deflate, fi.Compression())
	assert.Less(t, fi.StoredSize(), uint64(20000))

	info, err = v.Stat("Art/Creature/model.m3")
	require.NoError(t, err)
	fi = info.(*nexusvault.FileInfo)
	assert.Equal(t, codec.None, fi.Compression(), "incompressible content is stored raw")
	assert.Equal(t, uint64(4096), fi.StoredSize())

	info, err = v.Stat("readme.txt")
	require.NoError(t, err)
	assert.Equal(t, codec.None, info.(*nexusvault.FileInfo).Compression(), "below minimum size")
}

func TestCaseInsensitiveLookup(t *testing.T) {
	t.Parallel()

	path, files := sampleVault(t)
	v := openVault(t, path, nexusvault.WithReadOnly())

	got, err := v.ReadFile("art/CREATURE/Notes.TXT")
	require.NoError(t, err)
	assert.Equal(t, files["Art/Creature/notes.txt"], got)

	info, err := v.Stat("ui/textures/empty.tex")
	require.NoError(t, err)
	assert.Equal(t, "Empty.tex", info.Name(), "stored name is reported")

	entries, err := v.ReadDir("db")
	require.NoError(t, err)
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	assert.Equal(t, []string{"Items.xml", "Localization"}, names)
}

func TestLookupErrors(t *testing.T) {
	t.Parallel()

	path, _ := sampleVault(t)
	v := openVault(t, path, nexusvault.WithReadOnly())

	_, err := v.ReadFile("DB/missing.xml")
	require.ErrorIs(t, err, fs.ErrNotExist)
	var pe *fs.PathError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "readfile", pe.Op)

	_, err = v.Stat("readme.txt/child")
	require.ErrorIs(t, err, nexusvault.ErrNotADirectory)

	_, err = v.ReadFile("DB")
	require.ErrorIs(t, err, nexusvault.ErrIsADirectory)

	_, err = v.ReadDir("readme.txt")
	require.ErrorIs(t, err, nexusvault.ErrNotADirectory)

	_, err = v.Open("../escape")
	require.ErrorIs(t, err, fs.ErrInvalid)
}

func TestBackslashIsNotASeparator(t *testing.T) {
	t.Parallel()

	path, files := sampleVault(t)
	v := openVault(t, path, nexusvault.WithReadOnly())

	_, err := v.Open(`Art\Creature`)
	require.ErrorIs(t, err, fs.ErrNotExist)
	_, err = v.ReadFile(`DB\Items.xml`)
	require.ErrorIs(t, err, fs.ErrNotExist)
	_, err = v.Stat(`UI\Forms`)
	require.ErrorIs(t, err, fs.ErrNotExist)
	_, err = v.ReadDir(`UI\Forms`)
	require.ErrorIs(t, err, fs.ErrNotExist)

	// User input is normalized before it reaches the fs.FS methods.
	got, err := v.ReadFile(nexusvault.NormalizePath(`DB\Items.xml`))
	require.NoError(t, err)
	assert.Equal(t, files["DB/Items.xml"], got)
}

func TestFSConformance(t *testing.T) {
	t.Parallel()

	path, files := sampleVault(t)
	v := openVault(t, path, nexusvault.WithReadOnly())

	expected := make([]string, 0, len(files))
	for name := range files {
		expected = append(expected, name)
	}
	require.NoError(t, fstest.TestFS(v, expected...))
}

func TestOpenFile(t *testing.T) {
	t.Parallel()

	path, files := sampleVault(t)
	v := openVault(t, path, nexusvault.WithReadOnly())

	f, err := v.Open("DB/Items.xml")
	require.NoError(t, err)
	defer f.Close()

	ra, ok := f.(io.ReaderAt)
	require.True(t, ok)
	buf := make([]byte, 10)
	_, err = ra.ReadAt(buf, 100)
	require.NoError(t, err)
	assert.Equal(t, files["DB/Items.xml"][100:110], buf)

	d, err := v.Open("UI")
	require.NoError(t, err)
	defer d.Close()
	rd, ok := d.(fs.ReadDirFile)
	require.True(t, ok)
	first, err := rd.ReadDir(1)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, "Forms", first[0].Name())
	rest, err := rd.ReadDir(-1)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "Textures", rest[0].Name())
	_, err = rd.ReadDir(1)
	assert.ErrorIs(t, err, io.EOF)
}

func TestIdenticalContentStoredOnce(t *testing.T) {
	t.Parallel()

	v, _ := createVault(t)
	data := testutil.Compressible(9, 5000)
	require.NoError(t, v.WriteFile("a/one.txt", data, modTime))
	require.NoError(t, v.WriteFile("b/two.txt", data, modTime))
	require.NoError(t, v.WriteFile("b/two.txt", data, modTime))

	assert.Equal(t, 1, v.Archive().Len())
}

func TestOverwriteAndCollect(t *testing.T) {
	t.Parallel()

	v, path := createVault(t)
	require.NoError(t, v.WriteFile("keep.txt", []byte("keep"), modTime))
	require.NoError(t, v.WriteFile("replace.txt", []byte("old"), modTime))
	require.NoError(t, v.WriteFile("dir/gone.txt", []byte("gone"), modTime))
	require.NoError(t, v.WriteFile("replace.txt", []byte("new"), modTime))
	require.NoError(t, v.Remove("dir"))
	assert.Equal(t, 4, v.Archive().Len(), "blobs stay until collected")

	n, err := v.Collect()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, v.Archive().Len())

	n, err = v.Collect()
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, v.Close())

	v = openVault(t, path, nexusvault.WithReadOnly())
	got, err := v.ReadFile("replace.txt")
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))
	got, err = v.ReadFile("keep.txt")
	require.NoError(t, err)
	assert.Equal(t, "keep", string(got))
	_, err = v.Stat("dir")
	require.ErrorIs(t, err, fs.ErrNotExist)
	require.NoError(t, v.Verify())
}

func TestMkdirAndRemove(t *testing.T) {
	t.Parallel()

	v, _ := createVault(t)
	require.NoError(t, v.Mkdir("empty/inner"))
	require.NoError(t, v.WriteFile("empty/file.txt", []byte("f"), modTime))

	entries, err := v.ReadDir("empty")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "file.txt", entries[0].Name())
	assert.Equal(t, "inner", entries[1].Name())
	assert.True(t, entries[1].IsDir())

	require.NoError(t, v.Remove(`empty\file.txt`))
	_, err = v.Stat("empty/file.txt")
	require.ErrorIs(t, err, fs.ErrNotExist)

	require.ErrorIs(t, v.Remove("/"), fs.ErrInvalid)
	require.ErrorIs(t, v.WriteFile("", nil, modTime), fs.ErrInvalid)
}

func TestReadOnlyVault(t *testing.T) {
	t.Parallel()

	path, _ := sampleVault(t)
	v := openVault(t, path, nexusvault.WithReadOnly())
	assert.True(t, v.ReadOnly())

	require.ErrorIs(t, v.WriteFile("x", []byte("x"), modTime), nexusvault.ErrReadOnly)
	require.ErrorIs(t, v.Remove("readme.txt"), nexusvault.ErrReadOnly)
	require.ErrorIs(t, v.Mkdir("d"), nexusvault.ErrReadOnly)
	_, err := v.Collect()
	require.ErrorIs(t, err, nexusvault.ErrReadOnly)

	_, err = nexusvault.Create(filepath.Join(t.TempDir(), "ro"), nexusvault.WithReadOnly())
	require.ErrorIs(t, err, nexusvault.ErrReadOnly)
}

func TestHashMismatch(t *testing.T) {
	t.Parallel()

	v, path := createVault(t, nexusvault.WithCodec(codec.None))
	data := testutil.Incompressible(1, 256)
	require.NoError(t, v.WriteFile("blob.bin", data, modTime))
	info, err := v.Stat("blob.bin")
	require.NoError(t, err)
	hash := info.(*nexusvault.FileInfo).Hash()
	entry, ok := v.Archive().Entry(hash)
	require.True(t, ok)
	require.NoError(t, v.Close())

	_, archivePath := nexusvault.CompanionPaths(path)
	testutil.RewritePack(t, archivePath, entry.PackIdx, func(b []byte) []byte {
		b[0] ^= 0xFF
		return b
	})

	v = openVault(t, path, nexusvault.WithReadOnly())
	_, err = v.ReadFile("blob.bin")
	require.ErrorIs(t, err, nexusvault.ErrHashMismatch)
	require.ErrorIs(t, v.Verify(), nexusvault.ErrHashMismatch)

	unchecked := openVault(t, path, nexusvault.WithReadOnly(), nexusvault.WithVerify(false))
	got, err := unchecked.ReadFile("blob.bin")
	require.NoError(t, err)
	assert.Equal(t, data[1:], got[1:])
	assert.NotEqual(t, data[0], got[0])
}

func TestContentCache(t *testing.T) {
	t.Parallel()

	path, files := sampleVault(t)
	mc := testutil.NewMockCache()
	v := openVault(t, path, nexusvault.WithReadOnly(), nexusvault.WithCache(mc))

	for range 3 {
		got, err := v.ReadFile("DB/Items.xml")
		require.NoError(t, err)
		assert.Equal(t, files["DB/Items.xml"], got)
	}
	assert.Equal(t, 1, mc.Len())
	assert.Equal(t, int64(2), mc.Hits())

	// Cached content is served as is.
	mc.Poison()
	got, err := v.ReadFile("db/items.xml")
	require.NoError(t, err)
	assert.Equal(t, "poisoned", string(got))
}

func TestConcurrentReads(t *testing.T) {
	t.Parallel()

	path, files := sampleVault(t)
	v := openVault(t, path, nexusvault.WithReadOnly())

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name := names[i%len(names)]
			got, err := v.ReadFile(name)
			if err != nil {
				errs <- err
				return
			}
			if string(got) != string(files[name]) {
				errs <- fmt.Errorf("%s: content mismatch", name)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestConcurrentStats(t *testing.T) {
	t.Parallel()

	path, files := sampleVault(t)
	v := openVault(t, path, nexusvault.WithReadOnly())

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 200 {
				st, err := v.Stats()
				if err != nil {
					errs <- err
					return
				}
				if st.Files != len(files) {
					errs <- fmt.Errorf("stats saw %d files, want %d", st.Files, len(files))
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestCompressRules(t *testing.T) {
	t.Parallel()

	v, _ := createVault(t,
		nexusvault.WithCodec(codec.LZMA),
		nexusvault.WithMinCompressSize(100),
		nexusvault.WithCompressRules(pathrules.Rule{Action: pathrules.ActionInclude, Pattern: "*.xml"}),
	)
	xml := testutil.Compressible(1, 4000)
	require.NoError(t, v.WriteFile("Data/Table.XML", xml, modTime))
	require.NoError(t, v.WriteFile("Data/table.txt", testutil.Compressible(2, 4000), modTime))
	require.NoError(t, v.WriteFile("Data/tiny.xml", testutil.Compressible(3, 99), modTime))

	compressionOf := func(name string) codec.Compression {
		info, err := v.Stat(name)
		require.NoError(t, err)
		return info.(*nexusvault.FileInfo).Compression()
	}
	assert.Equal(t, codec.LZMA, compressionOf("Data/Table.XML"))
	assert.Equal(t, codec.None, compressionOf("Data/table.txt"))
	assert.Equal(t, codec.None, compressionOf("Data/tiny.xml"))

	got, err := v.ReadFile("data/table.xml")
	require.NoError(t, err)
	assert.Equal(t, xml, got)
}

func TestStatsAndBuildNumber(t *testing.T) {
	t.Parallel()

	path, files := sampleVault(t, nexusvault.WithBuildNumber(7))
	v := openVault(t, path)

	st, err := v.Stats()
	require.NoError(t, err)
	assert.Equal(t, len(files), st.Files)
	assert.Equal(t, uint32(7), st.BuildNumber)
	assert.Equal(t, len(files), st.Blobs)
	assert.NotZero(t, st.Index.Packs)
	assert.NotZero(t, st.Archive.FileSize)

	require.NoError(t, v.SetBuildNumber(8))
	require.NoError(t, v.Close())
	v = openVault(t, path, nexusvault.WithReadOnly())
	st, err = v.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint32(8), st.BuildNumber)
}

func TestAllocatorOptions(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name       string
		opts       []nexusvault.Option
		freeBlocks int
	}{
		{name: "defaults", freeBlocks: 1},
		{name: "no coalescing", opts: []nexusvault.Option{
			nexusvault.WithSplitThreshold(0), nexusvault.WithCoalescing(false),
		}, freeBlocks: 2},
	} {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			v, path := createVault(t, tt.opts...)
			for i, name := range []string{"a.bin", "b.bin", "c.bin", "d.bin"} {
				require.NoError(t, v.WriteFile(name, testutil.Incompressible(i, 1024), modTime))
			}
			require.NoError(t, v.Remove("b.bin"))
			require.NoError(t, v.Remove("c.bin"))
			n, err := v.Collect()
			require.NoError(t, err)
			require.Equal(t, 2, n)
			require.NoError(t, v.Close())

			v = openVault(t, path, tt.opts...)
			st, err := v.Stats()
			require.NoError(t, err)
			assert.Equal(t, tt.freeBlocks, st.Archive.FreeBlocks)
			require.NoError(t, v.Verify())
		})
	}
}

func TestClosedVault(t *testing.T) {
	t.Parallel()

	v, _ := createVault(t)
	require.NoError(t, v.Close())
	require.NoError(t, v.Close())

	_, err := v.ReadFile("x")
	require.ErrorIs(t, err, nexusvault.ErrClosed)
	require.ErrorIs(t, v.WriteFile("x", nil, modTime), nexusvault.ErrClosed)
	require.True(t, errors.Is(v.Flush(), nexusvault.ErrClosed))
}

func TestOpenMissingVault(t *testing.T) {
	t.Parallel()

	_, err := nexusvault.Open(filepath.Join(t.TempDir(), "nope"))
	require.ErrorIs(t, err, fs.ErrNotExist)
}
