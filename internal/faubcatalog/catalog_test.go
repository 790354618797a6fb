package faubcatalog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rgennis/managebackups/internal/faubentry"
)

func TestInsertOrdersByDashStrippedBasename(t *testing.T) {
	c := New("prof", "uuid-1")
	c.Insert(faubentry.New("/b/2023/01/prof-20230110", "prof", "uuid-1"))
	c.Insert(faubentry.New("/b/2023/01/05/prof-20230105@12:00:00", "prof", "uuid-1"))
	c.Insert(faubentry.New("/b/2023/01/prof-20230103", "prof", "uuid-1"))

	all := c.All()
	require.Len(t, all, 3)
	assert.Equal(t, "/b/2023/01/prof-20230103", all[0].Directory)
	assert.Equal(t, "/b/2023/01/05/prof-20230105@12:00:00", all[1].Directory)
	assert.Equal(t, "/b/2023/01/prof-20230110", all[2].Directory)
}

func TestInsertIgnoresDuplicateDirectory(t *testing.T) {
	c := New("prof", "uuid-1")
	c.Insert(faubentry.New("/b/prof-20230101", "prof", "uuid-1"))
	c.Insert(faubentry.New("/b/prof-20230101", "prof", "uuid-1"))
	assert.Equal(t, 1, c.Len())
}

func TestRestoreSeedsPlaceholderWithoutSidecar(t *testing.T) {
	root := t.TempDir()
	cacheDir := t.TempDir()
	dir := filepath.Join(root, "prof-20230105")
	require.NoError(t, os.MkdirAll(dir, 0755))

	c, inProcess, err := Restore(root, "prof", "uuid-1", cacheDir, time.Now(), false)
	require.NoError(t, err)
	assert.Empty(t, inProcess)
	require.Equal(t, 1, c.Len())

	e := c.Get(dir)
	require.NotNil(t, e)
	assert.True(t, e.IsPlaceholder())
	assert.True(t, e.NeedsRecalc)
	assert.Equal(t, 2023, e.StartYear)
	assert.Equal(t, 1, e.StartMonth)
	assert.Equal(t, 5, e.StartDay)
}

func TestRestoreLoadsStatsSidecarWhenPresent(t *testing.T) {
	root := t.TempDir()
	cacheDir := t.TempDir()
	dir := filepath.Join(root, "prof-20230105")
	require.NoError(t, os.MkdirAll(dir, 0755))

	seed := faubentry.New(dir, "prof", "uuid-1")
	seed.Stats.BytesUsed = 1024
	seed.Stats.BytesSaved = 512
	seed.FinishTime = time.Date(2023, 1, 5, 10, 0, 0, 0, time.UTC)
	require.NoError(t, seed.SaveStats(cacheDir))

	c, _, err := Restore(root, "prof", "uuid-1", cacheDir, time.Now(), false)
	require.NoError(t, err)

	e := c.Get(dir)
	require.NotNil(t, e)
	assert.False(t, e.IsPlaceholder())
	assert.False(t, e.NeedsRecalc)
	assert.Equal(t, int64(1024), e.Stats.BytesUsed)
}

func TestRestoreReportsInProcessDirectory(t *testing.T) {
	root := t.TempDir()
	cacheDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "prof-20230105.tmp.999"), 0755))

	c, inProcess, err := Restore(root, "prof", "uuid-1", cacheDir, time.Now(), false)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "prof-20230105.tmp.999"), inProcess)
	assert.Equal(t, 0, c.Len())
}

// TestRestoreDescendsIntoDirectoryLayout covers the §6.3 nested
// directory layout: Restore must find a snapshot directory several
// levels below backupRoot, and must not descend into the snapshot's
// own contents once it matches.
func TestRestoreDescendsIntoDirectoryLayout(t *testing.T) {
	root := t.TempDir()
	cacheDir := t.TempDir()
	dir := filepath.Join(root, "2023", "01", "05", "prof-20230105@10:15:23")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "decoy-prof-file"), []byte("x"), 0644))

	c, inProcess, err := Restore(root, "prof", "uuid-1", cacheDir, time.Now(), false)
	require.NoError(t, err)
	assert.Empty(t, inProcess)
	require.Equal(t, 1, c.Len())
	assert.NotNil(t, c.Get(dir))
}

// TestRecacheFlagsEntryAfterMiss covers the Open Question #1
// resolution: the entry after a cache miss stays flagged across a
// later Recache pass that introduces no new misses of its own.
func TestRecacheFlagsEntryAfterMiss(t *testing.T) {
	root := t.TempDir()
	c := New("prof", "uuid-1")
	var dirs []string
	for _, d := range []string{"20230101", "20230102", "20230103"} {
		dir := filepath.Join(root, "prof-"+d)
		require.NoError(t, os.MkdirAll(dir, 0755))
		dirs = append(dirs, dir)
	}

	e1 := faubentry.New(dirs[0], "prof", "uuid-1")
	e1.Stats.BytesUsed, e1.Stats.BytesSaved = 10, 0
	e2 := faubentry.New(dirs[1], "prof", "uuid-1") // cache miss: zero stats
	e3 := faubentry.New(dirs[2], "prof", "uuid-1")
	e3.Stats.BytesUsed, e3.Stats.BytesSaved = 20, 0

	c.Insert(e1)
	c.Insert(e2)
	c.Insert(e3)

	c.Recache("", time.Time{}, false)
	assert.False(t, e1.NeedsRecalc)
	assert.True(t, e2.NeedsRecalc)
	assert.True(t, e3.NeedsRecalc, "entry after a cache miss must be flagged too")

	// simulate e2 getting recomputed but e3 not yet processed: the
	// latch on e3 must survive a Recache pass that finds no new misses.
	e2.Stats.BytesUsed = 5
	e2.NeedsRecalc = false
	c.MarkRecalculated(dirs[1])

	c.Recache("", time.Time{}, false)
	assert.False(t, e2.NeedsRecalc)
	assert.True(t, e3.NeedsRecalc, "latch must persist until MarkRecalculated clears it")
}

func TestRecacheForceAllFlagsEverything(t *testing.T) {
	c := New("prof", "uuid-1")
	e1 := faubentry.New("/b/prof-20230101", "prof", "uuid-1")
	e1.Stats.BytesUsed = 10
	c.Insert(e1)

	c.Recache("", time.Time{}, true)
	assert.True(t, e1.NeedsRecalc)
}

func TestRecacheTargetFlagsOnlyThatEntry(t *testing.T) {
	c := New("prof", "uuid-1")
	e1 := faubentry.New("/b/prof-20230101", "prof", "uuid-1")
	e1.Stats.BytesUsed = 10
	e2 := faubentry.New("/b/prof-20230102", "prof", "uuid-1")
	e2.Stats.BytesUsed = 20
	c.Insert(e1)
	c.Insert(e2)

	c.Recache(e2.Directory, time.Time{}, false)
	assert.False(t, e1.NeedsRecalc)
	assert.True(t, e2.NeedsRecalc)
}

func TestDiskUsageSavesBytesForSeenInodes(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0644))

	fi, err := os.Stat(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	ino, _ := inodeOf(fi)

	seen := map[uint64]bool{ino: true}
	stats, newInodes, err := DiskUsage(dir, seen)
	require.NoError(t, err)
	assert.Equal(t, int64(5), stats.BytesSaved)
	assert.Equal(t, int64(0), stats.BytesUsed)
	assert.Empty(t, newInodes)
}

func TestDiskUsageCountsNewInodesAsUsed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))

	stats, newInodes, err := DiskUsage(dir, map[uint64]bool{})
	require.NoError(t, err)
	assert.Equal(t, int64(5), stats.BytesUsed)
	assert.Equal(t, int64(0), stats.BytesSaved)
	assert.Equal(t, 1, stats.Dirs)
	assert.Equal(t, 1, stats.Modified)
	assert.Len(t, newInodes, 1)
}

func TestPruneVanishedDropsMissingDirectories(t *testing.T) {
	root := t.TempDir()
	keep := filepath.Join(root, "prof-20230101")
	require.NoError(t, os.MkdirAll(keep, 0755))

	c := New("prof", "uuid-1")
	c.Insert(faubentry.New(keep, "prof", "uuid-1"))
	c.Insert(faubentry.New(filepath.Join(root, "prof-20230102"), "prof", "uuid-1"))

	c.PruneVanished()
	assert.Equal(t, 1, c.Len())
	assert.NotNil(t, c.Get(keep))
}
