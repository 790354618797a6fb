// Package fingerprint computes the 128-bit content fingerprints used to
// dedupe single-file backups and to verify tripwire paths. Hashing
// streams the file through MD5 in 64KiB blocks, matching the original
// BackupCache.cc scan loop and the channel's own wire chunk size
// (internal/ipc.BufSize) so both halves of the system move data in the
// same unit.
package fingerprint

import (
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"

	"github.com/rgennis/managebackups/internal/errs"
	"github.com/rgennis/managebackups/internal/ipc"
)

// MD5File streams path through MD5 in ipc.BufSize blocks and returns
// the lowercase hex digest. A read failure midway returns an empty
// fingerprint and the error, matching the "fingerprint is empty ...
// when hashing fails" invariant (spec §3.1).
func MD5File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errs.Wrap(errs.KindIO, err, "opening "+path+" for hashing")
	}
	defer f.Close()

	h := md5.New()
	buf := make([]byte, ipc.BufSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", errs.Wrap(errs.KindIO, err, "hashing "+path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
