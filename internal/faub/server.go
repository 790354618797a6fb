package faub

import (
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/rgennis/managebackups/internal/errs"
	"github.com/rgennis/managebackups/internal/faubcatalog"
	"github.com/rgennis/managebackups/internal/faubentry"
	"github.com/rgennis/managebackups/internal/ipc"
	"github.com/rgennis/managebackups/internal/log"
)

// ServerConfig describes one Faub run from the server's point of view:
// where the new snapshot is staged, where the previous one lives (if
// any), and the policy knobs that decide hardlink-vs-copy.
type ServerConfig struct {
	Profile   string
	UUID      string
	CacheDir  string
	TempRoot  string // e.g. <backupDir>/<profile>-20230105.tmp.<pid>
	FinalRoot string // e.g. <backupDir>/<profile>-20230105

	PrevRoot string // previous snapshot's root, or "" if none

	MaxLinks int
	// SameDateOverwrite is true when FinalRoot already exists or will
	// be produced again on the same calendar date (no `time` option),
	// meaning promotion unlinks the prior snapshot with this name and
	// the maxlinks ceiling forces a duplicate copy instead of a link.
	SameDateOverwrite bool
}

type pendingDir struct {
	relpath string
	mtime   int64
}

// roundLists accumulates the phase-1 decisions for one root.
type roundLists struct {
	needed   []string // relpath
	hardlink []string
	dupCopy  []string
	relink   []string
	modified []string
	dirs     []pendingDir

	// empty is the empty-root sentinel: true when the client described
	// zero entries for this root, meaning the root itself has nothing
	// in it rather than this round simply finding no changes.
	empty bool
}

// RunServer drives the server side of the protocol across every root
// the client pushes, then promotes (or discards) the resulting
// snapshot, per spec §4.5.
func RunServer(ch *ipc.Channel, cfg ServerConfig, catalog *faubcatalog.Catalog, now func() time.Time) (*faubentry.Entry, Progress, error) {
	rootCount, err := readRootCount(ch)
	if err != nil {
		return nil, Progress{}, err
	}

	start := now()
	var total Progress
	var allModified []string
	aborted := false
	idleSince := start

	for i := int64(0); i < rootCount; i++ {
		label, err := ch.ReadDelimited(ipc.RecordDelim)
		if err != nil {
			cleanupTemp(cfg.TempRoot)
			return nil, total, err
		}

		round, progress, err := serverHandleRoot(ch, cfg, label)
		if err != nil {
			cleanupTemp(cfg.TempRoot)
			return nil, total, err
		}
		total.add(progress)
		allModified = append(allModified, round.modified...)

		switch {
		case round.empty:
			// Nothing described for this root at all: neither idle nor
			// active evidence, so it doesn't move the idle clock either
			// way (the empty-root sentinel).
		case progress.Linked == 0 && progress.Symlinked == 0 && len(round.modified) == 0:
			if now().Sub(idleSince) > AbortAfterIdle {
				aborted = true
			}
		default:
			idleSince = now()
		}

		more, err := ch.ReadI64()
		if err != nil {
			cleanupTemp(cfg.TempRoot)
			return nil, total, err
		}
		if more == 0 {
			break
		}
	}

	if aborted {
		log.Noticef(cfg.Profile, "aborting snapshot %s: idle past %s with no changes", cfg.TempRoot, AbortAfterIdle)
		cleanupTemp(cfg.TempRoot)
		return nil, total, nil
	}

	entry, err := promote(cfg, catalog, allModified, start, now())
	return entry, total, err
}

// serverHandleRoot runs phases 1 through 4 for a single root.
func serverHandleRoot(ch *ipc.Channel, cfg ServerConfig, label string) (roundLists, Progress, error) {
	var progress Progress
	round := roundLists{}

	for {
		path, err := ch.ReadDelimited(ipc.RecordDelim)
		if err != nil {
			return round, progress, err
		}
		if path == ipc.RecordSentinel {
			break
		}
		if reason, ok := isErrorReport(path); ok {
			return round, progress, errs.New(errs.KindProtocol, "client reported error: "+reason)
		}

		mtime, err := ch.ReadI64()
		if err != nil {
			return round, progress, err
		}
		mode, err := ch.ReadI64()
		if err != nil {
			return round, progress, err
		}
		size, err := ch.ReadI64()
		if err != nil {
			return round, progress, err
		}
		progress.Described++

		classifyEntry(cfg, label, path, mtime, mode, size, &round)
	}

	described, err := ch.ReadI64()
	if err != nil {
		return round, progress, err
	}
	round.empty = described == 0

	for _, relpath := range round.needed {
		if err := writePathListEntry(ch, filepath.Join(label, relpath)); err != nil {
			return round, progress, err
		}
		progress.Requested++
	}
	if err := ch.WriteTerminator(); err != nil {
		return round, progress, err
	}

	if err := receiveContent(ch, cfg, label, round.needed, &progress); err != nil {
		return round, progress, err
	}

	if err := reconstitute(cfg, label, round, &progress); err != nil {
		return round, progress, err
	}

	return round, progress, nil
}

// classifyEntry implements the phase-1 server decision tree from spec
// §4.5: directories are always needed; files are compared against the
// previous snapshot by mtime, then routed to hardlink, duplicate-copy
// (maxlinks ceiling), or symlink-relink.
func classifyEntry(cfg ServerConfig, label, relpath string, mtime, mode, size int64, round *roundLists) {
	isDir := (uint32(mode) & unix.S_IFMT) == unix.S_IFDIR

	if isDir {
		round.needed = append(round.needed, relpath)
		round.dirs = append(round.dirs, pendingDir{relpath: relpath, mtime: mtime})
		return
	}

	if cfg.PrevRoot == "" {
		round.needed = append(round.needed, relpath)
		round.modified = append(round.modified, filepath.Join(label, relpath))
		return
	}

	prevPath := filepath.Join(cfg.PrevRoot, label, relpath)
	fi, err := os.Lstat(prevPath)
	if err != nil || fi.ModTime().Unix() != mtime {
		round.needed = append(round.needed, relpath)
		round.modified = append(round.modified, filepath.Join(label, relpath))
		return
	}

	isSymlink := (uint32(mode) & unix.S_IFMT) == unix.S_IFLNK
	nlink := linkCountOf(fi)

	switch {
	case !isSymlink && nlink >= cfg.MaxLinks && cfg.SameDateOverwrite:
		round.dupCopy = append(round.dupCopy, relpath)
	case isSymlink:
		round.relink = append(round.relink, relpath)
	default:
		round.hardlink = append(round.hardlink, relpath)
	}
}

func receiveContent(ch *ipc.Channel, cfg ServerConfig, label string, needed []string, progress *Progress) error {
	for _, relpath := range needed {
		dest := filepath.Join(cfg.TempRoot, label, relpath)
		errList, _, _, size, err := ch.ReadToFile(dest, false)
		if err != nil {
			return err
		}
		for _, e := range errList {
			log.Errorf(dest, "content transfer error: %v", e)
		}
		progress.BytesWant += size
		progress.BytesGot += size
	}
	return nil
}

func reconstitute(cfg ServerConfig, label string, round roundLists, progress *Progress) error {
	for _, relpath := range round.hardlink {
		prev := filepath.Join(cfg.PrevRoot, label, relpath)
		cur := filepath.Join(cfg.TempRoot, label, relpath)
		if err := os.MkdirAll(filepath.Dir(cur), 0755); err != nil {
			progress.LinkErrors++
			continue
		}
		if cfg.SameDateOverwrite {
			_ = os.Remove(cur)
		}
		if err := os.Link(prev, cur); err != nil {
			progress.LinkErrors++
			log.Errorf(cur, "hardlink from %s failed: %v", prev, err)
			continue
		}
		progress.Linked++
	}

	for _, relpath := range round.dupCopy {
		prev := filepath.Join(cfg.PrevRoot, label, relpath)
		cur := filepath.Join(cfg.TempRoot, label, relpath)
		if err := copyFilePreservingMeta(prev, cur); err != nil {
			progress.LinkErrors++
			log.Errorf(cur, "duplicate copy from %s failed: %v", prev, err)
			continue
		}
		progress.CopiedMax++
	}

	for _, relpath := range round.relink {
		prev := filepath.Join(cfg.PrevRoot, label, relpath)
		cur := filepath.Join(cfg.TempRoot, label, relpath)
		if err := relinkSymlink(prev, cur, cfg.SameDateOverwrite); err != nil {
			progress.LinkErrors++
			log.Errorf(cur, "symlink relink from %s failed: %v", prev, err)
			continue
		}
		progress.Symlinked++
	}

	for _, d := range round.dirs {
		full := filepath.Join(cfg.TempRoot, label, d.relpath)
		t := time.Unix(d.mtime, 0)
		_ = os.Chtimes(full, t, t)
	}

	return nil
}

func cleanupTemp(tempRoot string) {
	if tempRoot == "" {
		return
	}
	if err := os.RemoveAll(tempRoot); err != nil {
		log.Errorf(tempRoot, "cleanup failed: %v", err)
	}
}

func promote(cfg ServerConfig, catalog *faubcatalog.Catalog, modified []string, start, finish time.Time) (*faubentry.Entry, error) {
	if cfg.SameDateOverwrite {
		if err := os.RemoveAll(cfg.FinalRoot); err != nil && !os.IsNotExist(err) {
			cleanupTemp(cfg.TempRoot)
			return nil, errs.Wrap(errs.KindIO, err, "removing pre-existing snapshot "+cfg.FinalRoot)
		}
	}
	if err := os.MkdirAll(filepath.Dir(cfg.FinalRoot), 0755); err != nil {
		cleanupTemp(cfg.TempRoot)
		return nil, errs.Wrap(errs.KindIO, err, "creating backup directory")
	}
	// A round that needed and linked nothing (an empty root) never
	// created the temp root, so make sure there is something to rename.
	if err := os.MkdirAll(cfg.TempRoot, 0755); err != nil {
		return nil, errs.Wrap(errs.KindIO, err, "creating "+cfg.TempRoot)
	}
	if err := os.Rename(cfg.TempRoot, cfg.FinalRoot); err != nil {
		cleanupTemp(cfg.TempRoot)
		return nil, errs.Wrap(errs.KindIO, err, "promoting "+cfg.TempRoot+" to "+cfg.FinalRoot)
	}

	e := faubentry.New(cfg.FinalRoot, cfg.Profile, cfg.UUID)
	e.FinishTime = finish
	y, mo, d := finish.Date()
	e.StartYear, e.StartMonth, e.StartDay = y, int(mo), d
	e.DOW = finish.Weekday()
	e.Duration = finish.Sub(start)
	e.Updated = true

	stats, newInodes, err := faubcatalog.DiskUsage(cfg.FinalRoot, map[uint64]bool{})
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, err, "accounting disk usage for "+cfg.FinalRoot)
	}
	e.Stats = stats
	e.Stats.Modified = len(modified)
	e.Inodes = newInodes

	if err := e.SaveStats(cfg.CacheDir); err != nil {
		return nil, err
	}
	if err := e.SaveInodes(cfg.CacheDir); err != nil {
		return nil, err
	}
	if err := e.SaveDiff(cfg.CacheDir, modified); err != nil {
		return nil, err
	}

	catalog.Insert(e)
	catalog.MarkRecalculated(cfg.FinalRoot)
	catalog.Recache("", finish.Add(-time.Nanosecond), false)

	log.Infof(cfg.Profile, "promoted snapshot %s (%s)", cfg.FinalRoot, e.Summary())
	return e, nil
}
