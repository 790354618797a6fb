// Package diskspace implements the local free-space gate a profile's
// MinLocalFreeBytes setting checks before a backup runs.
package diskspace

import (
	"golang.org/x/sys/unix"

	"github.com/rgennis/managebackups/internal/errs"
)

// Free returns the number of bytes available to an unprivileged
// writer on the filesystem containing path, the same Bavail*Bsize
// calculation local disk backends use to report free space.
func Free(path string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, errs.Wrap(errs.KindIO, err, "statfs "+path)
	}
	return int64(st.Bsize) * int64(st.Bavail), nil
}

// CheckMinFree returns an error if the filesystem containing path has
// fewer than minBytes available. minBytes <= 0 disables the check.
func CheckMinFree(path string, minBytes int64) error {
	if minBytes <= 0 {
		return nil
	}
	free, err := Free(path)
	if err != nil {
		return err
	}
	if free < minBytes {
		return errs.New(errs.KindPolicy, "insufficient local free space")
	}
	return nil
}
