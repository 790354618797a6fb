package lock

import (
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rgennis/managebackups/internal/errs"
)

// spawnSleeper starts a real, briefly-live child process so liveness
// tests can probe a genuine non-self pid instead of signaling the
// test binary itself.
func spawnSleeper(t *testing.T) (*exec.Cmd, int) {
	t.Helper()
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	return cmd, cmd.Process.Pid
}

func TestAcquireWritesPidAndStartTime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.lock")

	l, err := Acquire(path, false)
	require.NoError(t, err)
	defer l.Release()

	st, err := readState(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), st.pid)
	assert.WithinDuration(t, time.Now(), st.start, 5*time.Second)
}

func TestAcquireOverwritesDeadPidSilently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.lock")
	require.NoError(t, writeState(path, 999999, time.Now()))

	l, err := Acquire(path, false)
	require.NoError(t, err)
	defer l.Release()

	st, err := readState(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), st.pid)
}

func TestAcquireRefusesRecentLiveLockWithoutForce(t *testing.T) {
	_, pid := spawnSleeper(t)
	path := filepath.Join(t.TempDir(), "profile.lock")
	require.NoError(t, writeState(path, pid, time.Now()))

	_, err := Acquire(path, false)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindLockContention))
}

func TestAcquireReclaimsStaleLiveLock(t *testing.T) {
	_, pid := spawnSleeper(t)
	path := filepath.Join(t.TempDir(), "profile.lock")
	require.NoError(t, writeState(path, pid, time.Now().Add(-25*time.Hour)))

	l, err := Acquire(path, false)
	require.NoError(t, err)
	defer l.Release()

	st, err := readState(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), st.pid)
}

func TestReleaseWritesZeroPid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.lock")
	l, err := Acquire(path, false)
	require.NoError(t, err)

	l.Release()

	st, err := readState(path)
	require.NoError(t, err)
	assert.Equal(t, 0, st.pid)
}

func TestReleaseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.lock")
	l, err := Acquire(path, false)
	require.NoError(t, err)

	l.Release()
	assert.NotPanics(t, func() { l.Release() })
}

func TestExitCodeConvention(t *testing.T) {
	assert.Equal(t, 128+2, exitCode(syscall.SIGINT))
	assert.Equal(t, 128+15, exitCode(syscall.SIGTERM))
}
