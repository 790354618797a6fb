// Package faubcatalog implements the Faub catalog (spec §4.4): the
// ordered collection of faubentry.Entry values for one profile,
// restored from the backup directory tree and kept sorted by a
// dash-stripped basename comparator so dated snapshots interleave
// correctly regardless of the profile's `time` option.
//
// Per the "Custom ordering on Faub paths" design note in spec §9, the
// comparator is implemented as a dedicated wrapper type (sortKey)
// whose Less implementation strips `-` from the basename before
// comparing; the catalog's ordered slice is kept sorted by this key
// rather than by the raw path.
package faubcatalog

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rgennis/managebackups/internal/errs"
	"github.com/rgennis/managebackups/internal/faubentry"
	"github.com/rgennis/managebackups/internal/log"
	"github.com/rgennis/managebackups/internal/walk"
)

// dirPattern matches a profile's dated backup directory, e.g.
// "myprofile-20230105" or "myprofile-20230105@10:15:23".
var dirPattern = regexp.MustCompile(`^(.+)-(\d{4})(\d{2})(\d{2})(?:@\d{2}:\d{2}:\d{2})?$`)

// sortKey is the dash-stripped basename used for ordering, per the
// "Custom ordering on Faub paths" design note.
type sortKey string

func keyFor(directory string) sortKey {
	base := filepath.Base(directory)
	return sortKey(strings.ReplaceAll(base, "-", ""))
}

func (k sortKey) less(other sortKey) bool { return string(k) < string(other) }

// Catalog is the ordered set of Faub entries for one profile.
type Catalog struct {
	mu sync.Mutex

	profile string
	uuid    string

	entries []*faubentry.Entry // kept sorted by sortKey
	keys    []sortKey          // parallel to entries

	// recalcLatch implements the Open Question #1 resolution: a latch,
	// not a toggle. Once Recache flags the entry following a cache
	// miss, the flag stays set until that entry is actually
	// recomputed; it is never cleared by a subsequent miss-free pass.
	recalcLatch map[string]bool
}

// New creates an empty catalog for profile/uuid.
func New(profile, uuid string) *Catalog {
	return &Catalog{
		profile:     profile,
		uuid:        uuid,
		recalcLatch: make(map[string]bool),
	}
}

// Len reports the number of catalogued snapshots.
func (c *Catalog) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// All returns the snapshots in dash-stripped-basename order, oldest
// first.
func (c *Catalog) All() []*faubentry.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*faubentry.Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Latest returns the most recently ordered snapshot, or nil if empty.
func (c *Catalog) Latest() *faubentry.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) == 0 {
		return nil
	}
	return c.entries[len(c.entries)-1]
}

// Get returns the entry for directory, if catalogued.
func (c *Catalog) Get(directory string) *faubentry.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.Directory == directory {
			return e
		}
	}
	return nil
}

// Insert adds entry, keeping entries sorted by sortKey. It is a no-op
// if the directory is already present.
func (c *Catalog) Insert(e *faubentry.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.insertLocked(e)
}

func (c *Catalog) insertLocked(e *faubentry.Entry) {
	for _, existing := range c.entries {
		if existing.Directory == e.Directory {
			return
		}
	}
	k := keyFor(e.Directory)
	i := sort.Search(len(c.keys), func(i int) bool { return !c.keys[i].less(k) })
	c.entries = append(c.entries, nil)
	copy(c.entries[i+1:], c.entries[i:])
	c.entries[i] = e

	c.keys = append(c.keys, "")
	copy(c.keys[i+1:], c.keys[i:])
	c.keys[i] = k
}

// Remove drops directory from the catalog.
func (c *Catalog) Remove(directory string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.entries {
		if e.Directory == directory {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			c.keys = append(c.keys[:i], c.keys[i+1:]...)
			return
		}
	}
}

// Restore rebuilds a catalog by walking backupRoot for directories
// matching `<profile>-<date>`, per spec §4.4. Entries whose sidecar
// stats are missing are seeded as placeholders from the directory's
// filename-derived date; in-process `.tmp.<pid>` directories are
// skipped and the last one found in walk order is returned as
// inProcess. testMode
// disables the 5-hour abandoned-artifact sweep, per
// config.Environment.TestMode.
func Restore(backupRoot, profile, uuid, cacheDir string, now time.Time, testMode bool) (c *Catalog, inProcess string, err error) {
	c = New(profile, uuid)

	if _, statErr := os.Stat(backupRoot); statErr != nil {
		if os.IsNotExist(statErr) {
			return c, "", nil
		}
		return nil, "", errs.Wrap(errs.KindIO, statErr, "scanning "+backupRoot)
	}

	prefix := profile + "-"
	it := walk.New(backupRoot, walk.Options{})
	for e := it.Next(); e != nil; e = it.Next() {
		if e.Info == nil || !e.Info.IsDir() {
			continue
		}
		name := filepath.Base(e.Path)
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		// A matched backup directory's contents belong to the snapshot,
		// not to the directory-layout scaffolding (YYYY/MM[/DD]/), so
		// don't descend into it.
		e.Skip()
		full := e.Path

		if m := tempDirSuffix.FindStringSubmatch(name); m != nil {
			fi := e.Info
			if !testMode && now.Sub(fi.ModTime()) > 5*time.Hour {
				log.Infof(full, "removing abandoned in-process artifact")
				_ = os.RemoveAll(full)
				continue
			}
			inProcess = full
			continue
		}

		m := dirPattern.FindStringSubmatch(name)
		if m == nil {
			continue
		}

		entry := faubentry.New(full, profile, uuid)
		ok, loadErr := entry.LoadStats(cacheDir)
		if loadErr != nil {
			return nil, "", loadErr
		}
		if !ok {
			seedPlaceholder(entry, m)
			entry.NeedsRecalc = true
		}
		if loadErr := entry.LoadInodes(cacheDir); loadErr != nil {
			return nil, "", loadErr
		}

		c.insertLocked(entry)
	}
	if it.Err() != nil {
		return nil, "", errs.Wrap(errs.KindIO, it.Err(), "scanning "+backupRoot)
	}

	return c, inProcess, nil
}

// tempDirSuffix matches an in-process Faub target directory, e.g.
// "myprofile-20230105.tmp.12345".
var tempDirSuffix = regexp.MustCompile(`\.tmp\.(\d+)$`)

func seedPlaceholder(e *faubentry.Entry, m []string) {
	y, _ := strconv.Atoi(m[2])
	mo, _ := strconv.Atoi(m[3])
	d, _ := strconv.Atoi(m[4])
	e.StartYear, e.StartMonth, e.StartDay = y, mo, d
	if y > 0 && mo >= 1 && mo <= 12 && d >= 1 && d <= 31 {
		t := time.Date(y, time.Month(mo), d, 0, 0, 0, 0, time.Local)
		e.DOW = t.Weekday()
	}
}

// Recache walks the catalog in chronological order flagging entries
// for recomputation, per spec §4.4:
//   - if forceAll, every entry is flagged;
//   - else if target is non-empty, only the matching entry is flagged;
//   - else an entry is flagged when it is a cache miss (both byte
//     counters zero) or its FinishTime is after deletedTime (it is the
//     snapshot immediately following a removed backup, whose inode
//     sharing just changed).
//
// Per the Open Question #1 resolution, flagging the entry *following*
// a miss is implemented as a latch, not a toggle: each flagged entry
// has NeedsRecalc set and stays flagged (recalcLatch) until
// MarkRecalculated confirms the recompute happened, surviving any
// later Recache pass that finds no new misses of its own. RunRecache
// performs the DiskUsage recompute for the flagged entries.
func (c *Catalog) Recache(target string, deletedTime time.Time, forceAll bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if forceAll {
		for _, e := range c.entries {
			e.NeedsRecalc = true
			c.recalcLatch[e.Directory] = true
		}
		return
	}
	if target != "" {
		for _, e := range c.entries {
			if e.Directory == target {
				e.NeedsRecalc = true
				c.recalcLatch[e.Directory] = true
			}
		}
		return
	}

	flagNext := false
	for _, e := range c.entries {
		miss := !e.HasStats() || e.FinishTime.After(deletedTime)
		if flagNext || miss || c.recalcLatch[e.Directory] {
			e.NeedsRecalc = true
			c.recalcLatch[e.Directory] = true
		}
		flagNext = miss
	}
}

// RunRecache performs the actual DiskUsage recompute for every entry
// still flagged by Recache, walking the catalog in chronological
// order so each entry's inherited-inode set is handed forward as the
// next entry's seenInodes, per spec §4.4; the previous entry's set is
// dropped as soon as it's consumed. Recomputed entries are persisted
// to their sidecars and their latch cleared.
func (c *Catalog) RunRecache(cacheDir string) error {
	c.mu.Lock()
	entries := make([]*faubentry.Entry, len(c.entries))
	copy(entries, c.entries)
	c.mu.Unlock()

	var prevInodes map[uint64]bool
	for _, e := range entries {
		if !e.NeedsRecalc {
			prevInodes = e.Inodes
			continue
		}

		stats, newInodes, err := DiskUsage(e.Directory, prevInodes)
		if err != nil {
			return errs.Wrap(errs.KindIO, err, "recomputing disk usage for "+e.Directory)
		}
		e.Stats = stats
		e.Inodes = newInodes
		e.NeedsRecalc = false

		if err := e.SaveStats(cacheDir); err != nil {
			return err
		}
		if err := e.SaveInodes(cacheDir); err != nil {
			return err
		}

		c.MarkRecalculated(e.Directory)
		prevInodes = newInodes
	}
	return nil
}

// PruneVanished drops catalogued entries whose directory no longer
// exists on disk, logging each removal.
func (c *Catalog) PruneVanished() {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.entries[:0]
	keptKeys := c.keys[:0]
	for i, e := range c.entries {
		if _, err := os.Stat(e.Directory); os.IsNotExist(err) {
			log.Infof(e.Directory, "dropping vanished snapshot from catalog")
			delete(c.recalcLatch, e.Directory)
			continue
		}
		kept = append(kept, e)
		keptKeys = append(keptKeys, c.keys[i])
	}
	c.entries = kept
	c.keys = keptKeys
}

// MarkRecalculated clears the recompute latch for directory once its
// stats have actually been rebuilt and persisted.
func (c *Catalog) MarkRecalculated(directory string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.recalcLatch, directory)
}

// DiskUsage recursively walks path, accumulating the byte/dir/symlink
// counts faubentry.DiskStats needs. Inodes already present in
// seenInodes count toward BytesSaved (already accounted for by a hard
// link elsewhere) rather than BytesUsed; newly seen inodes are added
// to newInodes so the caller can fold them into the next entry's
// inode set.
func DiskUsage(path string, seenInodes map[uint64]bool) (stats faubentry.DiskStats, newInodes map[uint64]bool, err error) {
	newInodes = make(map[uint64]bool)

	it := walk.New(path, walk.Options{FollowLinks: false})
	for e := it.Next(); e != nil; e = it.Next() {
		info := e.Info
		if info == nil {
			continue
		}
		if info.IsDir() {
			stats.Dirs++
			continue
		}
		if info.Mode()&os.ModeSymlink != 0 {
			stats.Symlinks++
			continue
		}

		inode, _ := inodeOf(info)
		size := info.Size()

		if seenInodes[inode] {
			stats.BytesSaved += size
			continue
		}
		if !newInodes[inode] {
			newInodes[inode] = true
			stats.Modified++
		}
		stats.BytesUsed += size
	}
	if it.Err() != nil {
		return stats, nil, it.Err()
	}
	return stats, newInodes, nil
}
