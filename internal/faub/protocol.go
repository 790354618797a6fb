// Package faub implements the four-phase directory-tree sync protocol
// (spec §4.5, wire format §6.1): a client walks one or more root
// filesystems and a server decides, by comparing against the previous
// snapshot, which entries need a fresh copy, a hard link, a symlink
// re-link, or a duplicate copy when the hard-link ceiling is reached.
package faub

import (
	"strings"
	"time"

	"github.com/rgennis/managebackups/internal/ipc"
)

// ErrorReportPrefix marks a phase-1 path record as a client-side error
// report rather than a real filesystem entry, per spec §6.1.
const ErrorReportPrefix = "##* "

// AbortAfterIdle is how long a round of (modified=0, linked=0,
// symlinked=0) has to persist before the server gives up on the
// current snapshot, per spec §4.5 "Abort conditions".
const AbortAfterIdle = 10 * time.Minute

// Progress accumulates the protocol engine's observability counters,
// per root and in total, per spec §4.5 "Progress observability".
type Progress struct {
	Described  int64 // phase-1 entries seen
	Requested  int64 // phase-2 entries requested
	Linked     int64 // hardlink list applied
	Symlinked  int64 // symlink-relink list applied
	CopiedMax  int64 // duplicate-copy list applied (maxlinks ceiling)
	LinkErrors int64
	BytesWant  int64 // bytes requested
	BytesGot   int64 // bytes actually received
}

func (p *Progress) add(o Progress) {
	p.Described += o.Described
	p.Requested += o.Requested
	p.Linked += o.Linked
	p.Symlinked += o.Symlinked
	p.CopiedMax += o.CopiedMax
	p.LinkErrors += o.LinkErrors
	p.BytesWant += o.BytesWant
	p.BytesGot += o.BytesGot
}

// fsEntry is one phase-1 discovery record.
type fsEntry struct {
	RelPath string
	Mtime   int64
	Mode    int64
	Size    int64
}

func isErrorReport(path string) (reason string, ok bool) {
	if !strings.HasPrefix(path, ErrorReportPrefix) {
		return "", false
	}
	return strings.TrimPrefix(path, ErrorReportPrefix), true
}

func readRootCount(ch *ipc.Channel) (int64, error) {
	return ch.ReadI64()
}

func writeRootCount(ch *ipc.Channel, n int64) error {
	return ch.WriteI64(n)
}

func readPathList(ch *ipc.Channel) ([]string, error) {
	var out []string
	for {
		done, s, err := ch.ReadTerminator()
		if err != nil {
			return nil, err
		}
		if done {
			return out, nil
		}
		out = append(out, s)
	}
}

func writePathListEntry(ch *ipc.Channel, path string) error {
	return ch.WriteDelimited(path, ipc.RecordDelim)
}
