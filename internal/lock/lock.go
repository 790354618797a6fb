// Package lock implements the per-profile concurrency gate (spec §4.9):
// a pid/start-time lock file under the cache directory, liveness
// probing of whatever pid currently holds it, and a signal-driven
// supervisor that cleans up an in-process artifact before releasing
// the lock on SIGINT/SIGTERM.
package lock

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/rgennis/managebackups/internal/errs"
	"github.com/rgennis/managebackups/internal/log"
	"github.com/rgennis/managebackups/internal/pacer"
)

// staleAfter is how long a live lock is honored before it is
// considered abandoned and reclaimed with a warning SIGTERM, per spec
// §4.9.
const staleAfter = 24 * time.Hour

// Lock is one acquired profile lock. Zero value is not usable; obtain
// one via Acquire.
type Lock struct {
	path string
	pid  int

	mu                sync.Mutex
	interruptFilename string
	interruptIsDir    bool

	sigCh  chan os.Signal
	done   chan struct{}
	onExit func(code int)
}

// state is the parsed contents of a lock file.
type state struct {
	pid   int
	start time.Time
}

func readState(path string) (state, error) {
	f, err := os.Open(path)
	if err != nil {
		return state{}, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	var lines []string
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if len(lines) < 2 {
		return state{}, fmt.Errorf("malformed lock file %s", path)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return state{}, fmt.Errorf("malformed pid in %s: %w", path, err)
	}
	startUnix, err := strconv.ParseInt(strings.TrimSpace(lines[1]), 10, 64)
	if err != nil {
		return state{}, fmt.Errorf("malformed start-time in %s: %w", path, err)
	}
	return state{pid: pid, start: time.Unix(startUnix, 0)}, nil
}

func writeState(path string, pid int, start time.Time) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errs.Wrap(errs.KindIO, err, "creating "+dir)
	}
	tmp, err := os.CreateTemp(dir, ".lock.*.tmp")
	if err != nil {
		return errs.Wrap(errs.KindIO, err, "creating temp lock file")
	}
	tmpPath := tmp.Name()
	_, werr := fmt.Fprintf(tmp, "%d\n%d\n", pid, start.Unix())
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		os.Remove(tmpPath)
		if werr != nil {
			return errs.Wrap(errs.KindIO, werr, "writing "+tmpPath)
		}
		return errs.Wrap(errs.KindIO, cerr, "closing "+tmpPath)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return errs.Wrap(errs.KindIO, err, "renaming "+tmpPath)
	}
	return nil
}

// alive reports whether pid names a live process, via a zero-signal
// kill probe (the conventional liveness check; see `kill -0` in POSIX
// shells). ESRCH means gone; EPERM means alive but owned by someone
// else.
func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

// shutdownPacer gives a just-signaled lock holder a brief, backed-off
// window to actually exit before the lock is reclaimed out from under
// it, instead of overwriting the file in the same instant as the
// signal.
var shutdownPacer = pacer.New(50*time.Millisecond, 500*time.Millisecond, 4)

// awaitExit polls pid's liveness with shutdownPacer's backoff, giving
// a signaled process a chance to exit; it gives up silently once the
// retry budget is spent; the caller reclaims the lock either way.
func awaitExit(pid int) {
	_ = shutdownPacer.Call(func() (retry bool, err error) {
		if !alive(pid) {
			return false, nil
		}
		return true, errs.New(errs.KindIO, "pid still alive")
	})
}

// Acquire implements the acquisition algorithm from spec §4.9. force
// kills and overwrites an existing live lock unconditionally.
func Acquire(lockPath string, force bool) (*Lock, error) {
	existing, err := readState(lockPath)
	if err == nil && alive(existing.pid) {
		switch {
		case force:
			log.Noticef(lockPath, "force: killing pid %d holding the lock", existing.pid)
			_ = unix.Kill(existing.pid, unix.SIGTERM)
			awaitExit(existing.pid)
		case time.Since(existing.start) < staleAfter:
			return nil, errs.New(errs.KindLockContention,
				fmt.Sprintf("profile is locked by live pid %d since %s", existing.pid, existing.start))
		default:
			log.Noticef(lockPath, "abandoned stale lock held by pid %d, sending SIGTERM", existing.pid)
			_ = unix.Kill(existing.pid, unix.SIGTERM)
			awaitExit(existing.pid)
		}
	}

	pid := os.Getpid()
	start := time.Now()
	if err := writeState(lockPath, pid, start); err != nil {
		return nil, err
	}

	l := &Lock{
		path: lockPath,
		pid:  pid,
		done: make(chan struct{}),
	}
	l.installSignalHandler()
	return l, nil
}

// SetInProcessArtifact records the path of the snapshot currently
// being written, so the signal handler knows what to abandon and
// remove if interrupted mid-write. isDir selects rmrf vs unlink
// cleanup. Call with an empty path to clear it once the write
// finishes and the artifact has been renamed into its final name.
func (l *Lock) SetInProcessArtifact(path string, isDir bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.interruptFilename = path
	l.interruptIsDir = isDir
}

func (l *Lock) installSignalHandler() {
	l.sigCh = make(chan os.Signal, 1)
	signal.Notify(l.sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-l.sigCh:
			l.handleSignal(sig)
		case <-l.done:
		}
	}()
}

func (l *Lock) handleSignal(sig os.Signal) {
	log.Noticef(l.path, "received %s, cleaning up", sig)

	l.mu.Lock()
	filename := l.interruptFilename
	isDir := l.interruptIsDir
	l.mu.Unlock()

	if filename != "" {
		abandoned := filename + ".abandoned"
		if err := os.Rename(filename, abandoned); err == nil {
			if isDir {
				os.RemoveAll(abandoned)
			} else {
				os.Remove(abandoned)
			}
		}
	}

	l.Release()

	code := exitCode(sig)
	if l.onExit != nil {
		l.onExit(code)
		return
	}
	os.Exit(code)
}

// exitCode maps a signal to the conventional 128+signum shell exit
// code; unrecognized signals fall back to 1.
func exitCode(sig os.Signal) int {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return 1
	}
	return 128 + int(s)
}

// Release writes a zero pid to the lock file and stops the signal
// handler. Safe to call more than once.
func (l *Lock) Release() {
	select {
	case <-l.done:
		return
	default:
		close(l.done)
	}
	signal.Stop(l.sigCh)
	if err := writeState(l.path, 0, time.Time{}); err != nil {
		log.Errorf(l.path, "releasing lock: %v", err)
	}
}
