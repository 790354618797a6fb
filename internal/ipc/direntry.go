package ipc

import (
	"io"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/rgennis/managebackups/internal/errs"
)

// direntry encoding/decoding: a directory entry on the wire is always
// uid, gid, mode, mtime (four big-endian i64s, mode carrying the raw
// S_IFMT bits so the peer can tell regular/dir/symlink apart) followed
// by a conditional body: nothing for a directory, a length-prefixed
// target for a symlink, or a length-prefixed byte stream for a regular
// file. Anything else (devices, sockets, fifos) or a failed lstat is
// signaled by a single zero i64 instead of the four-field header.

// SendDirEntry lstats path and writes its wire encoding. Symlinks send
// their target; regular files send their size followed by the body
// streamed in BufSize chunks; directories send nothing more. Any other
// mode, or a failed lstat, writes a single zero i64 to signal "skip".
func (c *Channel) SendDirEntry(path string) error {
	fi, err := os.Lstat(path)
	if err != nil {
		return c.WriteI64(0)
	}

	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return c.WriteI64(0)
	}

	mode := int64(st.Mode)
	uid := int64(st.Uid)
	gid := int64(st.Gid)
	mtime := fi.ModTime().Unix()

	switch {
	case fi.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			return c.WriteI64(0)
		}
		if err := c.writeHeader(uid, gid, mode, mtime); err != nil {
			return err
		}
		if err := c.WriteI64(int64(len(target))); err != nil {
			return err
		}
		return c.WriteBytes([]byte(target))

	case fi.IsDir():
		return c.writeHeader(uid, gid, mode, mtime)

	case fi.Mode().IsRegular():
		f, err := os.Open(path)
		if err != nil {
			return c.WriteI64(0)
		}
		defer f.Close()
		if err := c.writeHeader(uid, gid, mode, mtime); err != nil {
			return err
		}
		if err := c.WriteI64(fi.Size()); err != nil {
			return err
		}
		return c.streamBody(f, fi.Size())

	default:
		return c.WriteI64(0)
	}
}

func (c *Channel) writeHeader(uid, gid, mode, mtime int64) error {
	for _, v := range []int64{uid, gid, mode, mtime} {
		if err := c.WriteI64(v); err != nil {
			return err
		}
	}
	return nil
}

func (c *Channel) streamBody(r io.Reader, size int64) error {
	buf := make([]byte, BufSize)
	var sent int64
	for sent < size {
		n := int64(len(buf))
		if remain := size - sent; remain < n {
			n = remain
		}
		read, err := io.ReadFull(r, buf[:n])
		if err != nil && err != io.ErrUnexpectedEOF {
			return err
		}
		if err := c.WriteBytes(buf[:read]); err != nil {
			return err
		}
		sent += int64(read)
	}
	return nil
}

// ReadToFile consumes one encoded directory entry and materializes it
// at path, returning any file-local I/O errors gathered along the way
// plus the decoded mode/mtime/size. If preDelete is set an existing
// file at path is removed first. If the local create fails, the
// channel still consumes exactly `size` bytes so later files in the
// same phase-3 stream stay in frame.
func (c *Channel) ReadToFile(path string, preDelete bool) ([]error, int64, int64, int64, error) {
	var errList []error

	uid, err := c.ReadI64()
	if err != nil {
		return nil, 0, 0, 0, err
	}
	gid, err := c.ReadI64()
	if err != nil {
		return nil, 0, 0, 0, err
	}
	mode, err := c.ReadI64()
	if err != nil {
		return nil, 0, 0, 0, err
	}
	mtime, err := c.ReadI64()
	if err != nil {
		return nil, 0, 0, 0, err
	}

	rawMode := uint32(mode)
	isSymlink := rawMode&unix.S_IFMT == unix.S_IFLNK
	isDir := rawMode&unix.S_IFMT == unix.S_IFDIR

	if err := ensureDir(path); err != nil {
		errList = append(errList, errs.Wrap(errs.KindIO, err, "creating parent directories for "+path))
	}

	if preDelete {
		_ = os.RemoveAll(path)
	}

	switch {
	case isSymlink:
		n, err := c.ReadI64()
		if err != nil {
			return nil, 0, 0, 0, err
		}
		targetBytes, err := c.ReadBytes(int(n))
		if err != nil {
			return nil, 0, 0, 0, err
		}
		target := string(targetBytes)
		if err := os.Symlink(target, path); err != nil {
			errList = append(errList, errs.Wrap(errs.KindIO, err, "symlink "+path))
		} else {
			_ = unix.Lchown(path, int(uid), int(gid))
			applyLutimes(path, time.Unix(mtime, 0))
		}
		return errList, mode, mtime, 0, nil

	case isDir:
		if err := os.MkdirAll(path, os.FileMode(rawMode&0777)); err != nil {
			errList = append(errList, errs.Wrap(errs.KindIO, err, "mkdir "+path))
		} else {
			_ = os.Chown(path, int(uid), int(gid))
		}
		return errList, mode, mtime, 0, nil

	default:
		size, err := c.ReadI64()
		if err != nil {
			return nil, 0, 0, 0, err
		}
		f, createErr := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(rawMode&0777))
		if createErr != nil {
			errList = append(errList, errs.Wrap(errs.KindIO, createErr, "creating "+path))
		}
		if err := c.drainBody(f, size); err != nil {
			return nil, 0, 0, 0, err
		}
		if f != nil {
			_ = f.Close()
			_ = os.Chown(path, int(uid), int(gid))
			_ = os.Chmod(path, os.FileMode(rawMode&0777))
			_ = os.Chtimes(path, time.Unix(mtime, 0), time.Unix(mtime, 0))
		}
		return errList, mode, mtime, size, nil
	}
}

// drainBody reads exactly size bytes from the channel, writing them to
// w when non-nil (w is nil when the local create failed, so framing is
// preserved without producing output).
func (c *Channel) drainBody(w io.Writer, size int64) error {
	buf := make([]byte, BufSize)
	var got int64
	for got < size {
		n := int64(len(buf))
		if remain := size - got; remain < n {
			n = remain
		}
		chunk, err := c.ReadBytes(int(n))
		if err != nil {
			return err
		}
		if w != nil {
			if _, err := w.Write(chunk); err != nil {
				w = nil
			}
		}
		got += int64(len(chunk))
	}
	return nil
}

func applyLutimes(path string, mtime time.Time) {
	ts := unix.NsecToTimespec(mtime.UnixNano())
	_ = unix.UtimesNanoAt(unix.AT_FDCWD, path, []unix.Timespec{ts, ts}, unix.AT_SYMLINK_NOFOLLOW)
}
