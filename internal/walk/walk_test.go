package walk

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkTree(t *testing.T) string {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a", "b"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "top.txt"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "mid.txt"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "b", "deep.txt"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "skip.log"), []byte("x"), 0644))
	return root
}

func collect(it *Iterator) []string {
	var paths []string
	for e := it.Next(); e != nil; e = it.Next() {
		paths = append(paths, e.Path)
	}
	return paths
}

func TestWalkVisitsAll(t *testing.T) {
	root := mkTree(t)
	it := New(root, Options{})
	paths := collect(it)
	require.NoError(t, it.Err())
	assert.Contains(t, paths, filepath.Join(root, "top.txt"))
	assert.Contains(t, paths, filepath.Join(root, "a", "b", "deep.txt"))
	assert.Contains(t, paths, filepath.Join(root, "a", "skip.log"))
}

func TestWalkExclude(t *testing.T) {
	root := mkTree(t)
	it := New(root, Options{Exclude: regexp.MustCompile(`\.log$`)})
	paths := collect(it)
	for _, p := range paths {
		assert.NotContains(t, p, "skip.log")
	}
}

func TestWalkSkipSubtree(t *testing.T) {
	root := mkTree(t)
	it := New(root, Options{})
	var paths []string
	for e := it.Next(); e != nil; e = it.Next() {
		paths = append(paths, e.Path)
		if e.Path == filepath.Join(root, "a") {
			e.Skip()
		}
	}
	assert.NotContains(t, paths, filepath.Join(root, "a", "mid.txt"))
	assert.NotContains(t, paths, filepath.Join(root, "a", "b", "deep.txt"))
}

func TestWalkDirsOnly(t *testing.T) {
	root := mkTree(t)
	it := New(root, Options{DirsOnly: true})
	for e := it.Next(); e != nil; e = it.Next() {
		assert.True(t, e.Info.IsDir())
	}
}

func TestWalkMaxDepth(t *testing.T) {
	root := mkTree(t)
	it := New(root, Options{MaxDepth: 1})
	paths := collect(it)
	assert.Contains(t, paths, filepath.Join(root, "top.txt"))
	assert.NotContains(t, paths, filepath.Join(root, "a", "mid.txt"))
}
