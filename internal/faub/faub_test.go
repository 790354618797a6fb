package faub

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rgennis/managebackups/internal/faubcatalog"
	"github.com/rgennis/managebackups/internal/ipc"
)

func pipePair() (*ipc.Channel, *ipc.Channel) {
	a, b := net.Pipe()
	return ipc.New(a), ipc.New(b)
}

// TestFirstBackupCopiesEverything covers boundary scenario #1: with no
// previous snapshot, every entry is requested and written fresh.
func TestFirstBackupCopiesEverything(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("hello"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "b.txt"), []byte("world"), 0644))

	backupDir := t.TempDir()
	cacheDir := t.TempDir()
	tempRoot := filepath.Join(backupDir, "prof-20230105.tmp.111")
	finalRoot := filepath.Join(backupDir, "prof-20230105")

	clientCh, serverCh := pipePair()
	defer clientCh.Close()
	defer serverCh.Close()

	cfg := ServerConfig{
		Profile:   "prof",
		UUID:      "uuid-1",
		CacheDir:  cacheDir,
		TempRoot:  tempRoot,
		FinalRoot: finalRoot,
		PrevRoot:  "",
		MaxLinks:  1000,
	}
	cat := faubcatalog.New("prof", "uuid-1")

	fixedNow := time.Date(2023, 1, 5, 10, 0, 0, 0, time.UTC)
	clock := fixedNow
	now := func() time.Time {
		t := clock
		clock = clock.Add(time.Second)
		return t
	}

	done := make(chan error, 1)
	go func() {
		_, _, err := RunServer(serverCh, cfg, cat, now)
		done <- err
	}()

	clientErr := RunClient(clientCh, []Root{{Label: "root", Path: src}})
	require.NoError(t, clientErr)
	require.NoError(t, <-done)

	gotA, err := os.ReadFile(filepath.Join(finalRoot, "root", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(gotA))

	gotB, err := os.ReadFile(filepath.Join(finalRoot, "root", "sub", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "world", string(gotB))

	entry := cat.Get(finalRoot)
	require.NotNil(t, entry)
	assert.False(t, entry.IsPlaceholder())
	assert.True(t, entry.Stats.BytesUsed > 0)
}

// TestUnchangedFileIsHardlinkedNotResent covers boundary scenario #2:
// a second run with nothing changed requests zero bytes for the
// unchanged file and hard-links it from the previous snapshot.
func TestUnchangedFileIsHardlinkedNotResent(t *testing.T) {
	src := t.TempDir()
	filePath := filepath.Join(src, "a.txt")
	require.NoError(t, os.WriteFile(filePath, []byte("hello"), 0644))
	mtime := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(filePath, mtime, mtime))

	backupDir := t.TempDir()
	cacheDir := t.TempDir()

	// first backup
	prevFinal := filepath.Join(backupDir, "prof-20230104")
	runOnePass(t, src, backupDir, cacheDir, "prof-20230104.tmp.1", prevFinal, "", faubcatalog.New("prof", "uuid-1"))

	// second backup, nothing changed on disk
	cat2 := faubcatalog.New("prof", "uuid-1")
	curFinal := filepath.Join(backupDir, "prof-20230105")
	progress := runOnePassProgress(t, src, backupDir, cacheDir, "prof-20230105.tmp.2", curFinal, prevFinal, cat2)

	assert.EqualValues(t, 0, progress.BytesGot, "unchanged file must not be re-sent")
	assert.EqualValues(t, 1, progress.Linked, "unchanged file must be hardlinked")

	fiPrev, err := os.Stat(filepath.Join(prevFinal, "root", "a.txt"))
	require.NoError(t, err)
	fiCur, err := os.Stat(filepath.Join(curFinal, "root", "a.txt"))
	require.NoError(t, err)
	assert.True(t, os.SameFile(fiPrev, fiCur), "second snapshot's file must be the same inode as the first")
}

// TestEmptyRootDoesNotCountAgainstIdleAbort covers the empty-root
// sentinel: a root with nothing in it must not, by itself, trip the
// idle-abort timer the way a root that legitimately has nothing
// changed in it would.
func TestEmptyRootDoesNotCountAgainstIdleAbort(t *testing.T) {
	src := t.TempDir() // empty

	backupDir := t.TempDir()
	cacheDir := t.TempDir()
	tempRoot := filepath.Join(backupDir, "prof-20230105.tmp.111")
	finalRoot := filepath.Join(backupDir, "prof-20230105")

	clientCh, serverCh := pipePair()
	defer clientCh.Close()
	defer serverCh.Close()

	cfg := ServerConfig{
		Profile:   "prof",
		UUID:      "uuid-1",
		CacheDir:  cacheDir,
		TempRoot:  tempRoot,
		FinalRoot: finalRoot,
		MaxLinks:  1000,
	}
	cat := faubcatalog.New("prof", "uuid-1")

	// Advance the clock well past AbortAfterIdle between the (only)
	// round and the end of the outer loop; since the sole root is
	// empty, this must not trigger an abort.
	clock := time.Date(2023, 1, 5, 10, 0, 0, 0, time.UTC)
	now := func() time.Time {
		c := clock
		clock = clock.Add(AbortAfterIdle * 2)
		return c
	}

	done := make(chan error, 1)
	go func() {
		_, _, err := RunServer(serverCh, cfg, cat, now)
		done <- err
	}()

	require.NoError(t, RunClient(clientCh, []Root{{Label: "root", Path: src}}))
	require.NoError(t, <-done)

	entry := cat.Get(finalRoot)
	require.NotNil(t, entry, "an empty root must still promote rather than abort")
}

func runOnePass(t *testing.T, src, backupDir, cacheDir, tempName, finalRoot, prevRoot string, cat *faubcatalog.Catalog) {
	t.Helper()
	runOnePassProgress(t, src, backupDir, cacheDir, tempName, finalRoot, prevRoot, cat)
}

func runOnePassProgress(t *testing.T, src, backupDir, cacheDir, tempName, finalRoot, prevRoot string, cat *faubcatalog.Catalog) Progress {
	t.Helper()
	clientCh, serverCh := pipePair()
	defer clientCh.Close()
	defer serverCh.Close()

	cfg := ServerConfig{
		Profile:   "prof",
		UUID:      "uuid-1",
		CacheDir:  cacheDir,
		TempRoot:  filepath.Join(backupDir, tempName),
		FinalRoot: finalRoot,
		PrevRoot:  prevRoot,
		MaxLinks:  1000,
	}

	clock := time.Date(2023, 1, 5, 10, 0, 0, 0, time.UTC)
	now := func() time.Time {
		c := clock
		clock = clock.Add(time.Second)
		return c
	}

	type result struct {
		progress Progress
		err      error
	}
	done := make(chan result, 1)
	go func() {
		_, progress, err := RunServer(serverCh, cfg, cat, now)
		done <- result{progress, err}
	}()

	require.NoError(t, RunClient(clientCh, []Root{{Label: "root", Path: src}}))
	r := <-done
	require.NoError(t, r.err)
	return r.progress
}
