//go:build !windows && !plan9

package faub

import (
	"io"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/rgennis/managebackups/internal/errs"
)

func linkCountOf(fi os.FileInfo) int {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 1
	}
	return int(st.Nlink)
}

// copyFilePreservingMeta stream-copies prev to cur, then applies prev's
// permission bits and mtime, per the duplicate-copy step of phase 4
// (spec §4.5 item 2: used when the hardlink ceiling has been reached).
func copyFilePreservingMeta(prev, cur string) error {
	if err := os.MkdirAll(filepath.Dir(cur), 0755); err != nil {
		return errs.Wrap(errs.KindIO, err, "creating parent of "+cur)
	}
	src, err := os.Open(prev)
	if err != nil {
		return errs.Wrap(errs.KindIO, err, "opening "+prev)
	}
	defer src.Close()

	fi, err := src.Stat()
	if err != nil {
		return errs.Wrap(errs.KindIO, err, "stat "+prev)
	}

	_ = os.Remove(cur)
	dst, err := os.OpenFile(cur, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fi.Mode().Perm())
	if err != nil {
		return errs.Wrap(errs.KindIO, err, "creating "+cur)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return errs.Wrap(errs.KindIO, err, "copying "+prev+" to "+cur)
	}
	if err := dst.Close(); err != nil {
		return errs.Wrap(errs.KindIO, err, "closing "+cur)
	}

	mt := fi.ModTime()
	return os.Chtimes(cur, mt, mt)
}

// relinkSymlink reproduces prev's symlink target at cur, preserving
// uid/gid/mtime via lchown/lutimes, per phase 4 item 3.
func relinkSymlink(prev, cur string, overwrite bool) error {
	if err := os.MkdirAll(filepath.Dir(cur), 0755); err != nil {
		return errs.Wrap(errs.KindIO, err, "creating parent of "+cur)
	}
	if overwrite {
		_ = os.Remove(cur)
	}
	target, err := os.Readlink(prev)
	if err != nil {
		return errs.Wrap(errs.KindIO, err, "readlink "+prev)
	}
	if err := os.Symlink(target, cur); err != nil {
		return errs.Wrap(errs.KindIO, err, "symlink "+cur)
	}

	fi, err := os.Lstat(prev)
	if err != nil {
		return nil
	}
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		_ = unix.Lchown(cur, int(st.Uid), int(st.Gid))
	}
	ts := unix.NsecToTimespec(fi.ModTime().UnixNano())
	_ = unix.UtimesNanoAt(unix.AT_FDCWD, cur, []unix.Timespec{ts, ts}, unix.AT_SYMLINK_NOFOLLOW)
	return nil
}

