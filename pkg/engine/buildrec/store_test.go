package buildrec

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRecord(t *testing.T, root, dir, target, text string) {
	t.Helper()
	abs := filepath.Join(root, dir)
	require.NoError(t, os.MkdirAll(abs, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(abs, "."+target+".cmd"), []byte(text), 0644))
}

func TestLoadDirParsesRecords(t *testing.T) {
	root := t.TempDir()
	writeRecord(t, root, "drivers/net", "e1000.o", "cmd_drivers/net/e1000.o := gcc -c -o drivers/net/e1000.o drivers/net/e1000.c\n")
	writeRecord(t, root, "drivers/net", "built-in.a", "cmd_drivers/net/built-in.a := ar cDPrST drivers/net/built-in.a drivers/net/e1000.o\n")

	s := NewStore(root, nil)
	recs, err := s.LoadDir("drivers/net")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	// Lexical target order.
	assert.Equal(t, "drivers/net/built-in.a", recs[0].ObjectPath)
	assert.Equal(t, "drivers/net/e1000.o", recs[1].ObjectPath)
}

func TestLoadDirMissingDirIsEmpty(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	recs, err := s.LoadDir("no/such/dir")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestFindReferencingExcludesSelfAndDeps(t *testing.T) {
	root := t.TempDir()
	// The object's own record mentions its name but is not a parent.
	writeRecord(t, root, "fs/ext4", "inode.o", "cmd_fs/ext4/inode.o := gcc -c -o fs/ext4/inode.o fs/ext4/inode.c\n")
	writeRecord(t, root, "fs/ext4", "ext4.o",
		"cmd_fs/ext4/ext4.o := ld -r -o fs/ext4/ext4.o fs/ext4/inode.o fs/ext4/super.o\n")
	// Dependency metadata mentioning inode.o must not count as a link edge.
	writeRecord(t, root, "fs/ext4", "super.o",
		"cmd_fs/ext4/super.o := gcc -c -o fs/ext4/super.o fs/ext4/super.c\n"+
			"deps_fs/ext4/super.o := fs/ext4/inode.o \\\n  include/linux/fs.h\n")

	s := NewStore(root, nil)
	parents, err := s.FindReferencing("fs/ext4", "inode.o")
	require.NoError(t, err)
	require.Len(t, parents, 1)
	assert.Equal(t, "fs/ext4/ext4.o", parents[0].ObjectPath)
}

func TestReferencesObjectTokenBoundaries(t *testing.T) {
	assert.True(t, referencesObject("ld -r -o out.o dir/lib.o\n", "lib.o"))
	assert.False(t, referencesObject("ld -r -o out.o dir/zlib.o\n", "lib.o"))
	assert.False(t, referencesObject("gcc -o lib.obj x.c\n", "lib.o"))
}

func TestFindReferencingTree(t *testing.T) {
	root := t.TempDir()
	writeRecord(t, root, "drivers/gpu", "gpu.o", "cmd_drivers/gpu/gpu.o := gcc -c -o drivers/gpu/gpu.o drivers/gpu/gpu.c\n")
	writeRecord(t, root, "drivers", "drm.ko", "cmd_drivers/drm.ko := ld -o drivers/drm.ko drivers/gpu/gpu.o\n")

	s := NewStore(root, nil)
	recs, err := s.FindReferencingTree("gpu.o")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "drivers/drm.ko", recs[0].ObjectPath)

	dirs, err := s.AllDirs()
	require.NoError(t, err)
	assert.Equal(t, []string{"drivers", "drivers/gpu"}, dirs)
}

func TestIndexCacheRoundTrip(t *testing.T) {
	root := t.TempDir()
	writeRecord(t, root, "kernel", "fork.o", "cmd_kernel/fork.o := gcc -c -o kernel/fork.o kernel/fork.c\n")

	cachePath := filepath.Join(t.TempDir(), "recindex.db")
	cache, err := OpenIndexCache(cachePath, "digest-a")
	require.NoError(t, err)

	s := NewStore(root, nil).WithCache(cache)
	recs, err := s.LoadDir("kernel")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.NoError(t, cache.Close())

	// A second store over an empty tree but the same digest serves from
	// the cache.
	cache2, err := OpenIndexCache(cachePath, "digest-a")
	require.NoError(t, err)
	defer cache2.Close()
	s2 := NewStore(t.TempDir(), nil).WithCache(cache2)
	recs2, err := s2.LoadDir("kernel")
	require.NoError(t, err)
	require.Len(t, recs2, 1)
	assert.Equal(t, recs[0].ObjectPath, recs2[0].ObjectPath)
}

func TestIndexCacheDigestMismatchResets(t *testing.T) {
	cachePath := filepath.Join(t.TempDir(), "recindex.db")
	cache, err := OpenIndexCache(cachePath, "digest-a")
	require.NoError(t, err)
	require.NoError(t, cache.PutDir("kernel", []Record{{ObjectPath: "kernel/fork.o", Dir: "kernel"}}))
	require.NoError(t, cache.Close())

	cache2, err := OpenIndexCache(cachePath, "digest-b")
	require.NoError(t, err)
	defer cache2.Close()
	_, ok := cache2.Dir("kernel")
	assert.False(t, ok, "stale digest must drop the cached index")
}
