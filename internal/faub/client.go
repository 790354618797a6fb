package faub

import (
	"os"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"

	"github.com/rgennis/managebackups/internal/errs"
	"github.com/rgennis/managebackups/internal/ipc"
	"github.com/rgennis/managebackups/internal/log"
	"github.com/rgennis/managebackups/internal/walk"
)

// Root names one filesystem the client will push: Label is the name
// sent on the wire (and the top-level directory the server recreates
// it under), Path is where it actually lives on the client's disk.
type Root struct {
	Label string
	Path  string
}

// RunClient drives the client side of the protocol for every root in
// turn: walk, discovery, await the request list, send content, then
// signal whether more roots follow, per spec §4.5/§6.1.
func RunClient(ch *ipc.Channel, roots []Root) error {
	if err := writeRootCount(ch, int64(len(roots))); err != nil {
		return err
	}

	for i, root := range roots {
		if err := ch.WriteDelimited(root.Label, ipc.RecordDelim); err != nil {
			return err
		}

		if err := clientDiscoverRoot(ch, root); err != nil {
			return err
		}

		needed, err := readPathList(ch)
		if err != nil {
			return err
		}

		for _, relpath := range needed {
			abs := filepath.Join(root.Path, relpath)
			if err := ch.SendDirEntry(abs); err != nil {
				return err
			}
		}

		more := int64(0)
		if i < len(roots)-1 {
			more = 1
		}
		if err := ch.WriteI64(more); err != nil {
			return err
		}
	}
	return nil
}

// clientDiscoverRoot walks root.Path and sends a phase-1 record for
// every entry under it (the root itself is not sent), terminating the
// list with the sentinel. A walk error is reported to the server as a
// single `##* ` record rather than silently truncating the list.
func clientDiscoverRoot(ch *ipc.Channel, root Root) error {
	it := walk.New(root.Path, walk.Options{FollowLinks: false})
	var described int64
	for e := it.Next(); e != nil; e = it.Next() {
		if e.Path == root.Path {
			continue
		}
		rel, err := filepath.Rel(root.Path, e.Path)
		if err != nil {
			continue
		}

		st, ok := e.Info.Sys().(*syscall.Stat_t)
		if !ok {
			continue
		}
		fe := fsEntry{
			RelPath: rel,
			Mtime:   e.Info.ModTime().Unix(),
			Mode:    int64(st.Mode),
			Size:    e.Info.Size(),
		}
		if err := sendFsEntry(ch, fe); err != nil {
			return err
		}
		described++
	}

	if it.Err() != nil {
		log.Errorf(root.Path, "walk failed mid-discovery: %v", it.Err())
		if err := sendFsEntry(ch, fsEntry{RelPath: ErrorReportPrefix + it.Err().Error()}); err != nil {
			return err
		}
		described++
	}

	// The empty-root sentinel: a described-entry count of zero lets the
	// server tell "this root genuinely has nothing in it" apart from
	// "this round just happened not to touch anything," so an empty
	// root never counts against the idle-abort timer. It follows the
	// terminator, which is where the server reads it.
	if err := ch.WriteTerminator(); err != nil {
		return err
	}

	return ch.WriteI64(described)
}

func sendFsEntry(ch *ipc.Channel, e fsEntry) error {
	if err := ch.WriteDelimited(e.RelPath, ipc.RecordDelim); err != nil {
		return err
	}
	if _, ok := isErrorReport(e.RelPath); ok {
		return nil
	}
	for _, v := range []int64{e.Mtime, e.Mode, e.Size} {
		if err := ch.WriteI64(v); err != nil {
			return err
		}
	}
	return nil
}

// statRel builds the mtime/mode/size triple for one path the same way
// clientDiscoverRoot does, without a full walk.
func statRel(path string) (fsEntry, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		return fsEntry{}, errs.Wrap(errs.KindIO, err, "lstat "+path)
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return fsEntry{}, errors.New("unsupported stat_t on this platform")
	}
	return fsEntry{Mtime: fi.ModTime().Unix(), Mode: int64(st.Mode), Size: fi.Size()}, nil
}
