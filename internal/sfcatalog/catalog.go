// Package sfcatalog implements the single-file backup catalog (spec
// §4.3): a persistent, three-way index over single-file backup
// artifacts by filename, content fingerprint, and row id.
//
// Per the "Three-way index" design note in spec §9, rawData is the
// single owner of each Entry value; byFilename and byMD5 map only to
// row ids, eliminating the pointer aliasing of the original three
// interlinked maps so every mutation goes through one map lookup plus
// one &mut-style access.
package sfcatalog

import (
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/rgennis/managebackups/internal/errs"
	"github.com/rgennis/managebackups/internal/fingerprint"
	"github.com/rgennis/managebackups/internal/log"
	"github.com/rgennis/managebackups/internal/sfentry"
	"github.com/rgennis/managebackups/internal/walk"
)

// RowID identifies an Entry independent of its filename or fingerprint.
type RowID int64

// Catalog is the three-way index: rawData owns every Entry; byFilename
// and byMD5 are id-only indexes into it.
type Catalog struct {
	mu sync.Mutex

	rawData    map[RowID]*sfentry.Entry
	byFilename map[string]RowID
	byMD5      map[string]map[RowID]bool

	nextID RowID
	dirty  bool
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{
		rawData:    make(map[RowID]*sfentry.Entry),
		byFilename: make(map[string]RowID),
		byMD5:      make(map[string]map[RowID]bool),
	}
}

// Dirty reports whether the catalog has unsaved mutations.
func (c *Catalog) Dirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty
}

// AddOrUpdate inserts entry as a new row, or overwrites the row for an
// existing filename, moving it between fingerprint buckets if the
// fingerprint changed.
func (c *Catalog) AddOrUpdate(entry *sfentry.Entry) RowID {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id, ok := c.byFilename[entry.Filename]; ok {
		old := c.rawData[id]
		if old.MD5 != entry.MD5 {
			c.unindexMD5(id, old.MD5)
			c.indexMD5(id, entry.MD5)
		}
		c.rawData[id] = entry
		c.dirty = true
		return id
	}

	c.nextID++
	id := c.nextID
	c.rawData[id] = entry
	c.byFilename[entry.Filename] = id
	c.indexMD5(id, entry.MD5)
	c.dirty = true
	return id
}

func (c *Catalog) indexMD5(id RowID, md5 string) {
	if md5 == "" {
		return
	}
	if c.byMD5[md5] == nil {
		c.byMD5[md5] = make(map[RowID]bool)
	}
	c.byMD5[md5][id] = true
}

func (c *Catalog) unindexMD5(id RowID, md5 string) {
	if md5 == "" {
		return
	}
	delete(c.byMD5[md5], id)
	if len(c.byMD5[md5]) == 0 {
		delete(c.byMD5, md5)
	}
}

// GetByFilename returns the entry for path, if catalogued.
func (c *Catalog) GetByFilename(path string) *sfentry.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byFilename[path]
	if !ok {
		return nil
	}
	return c.rawData[id]
}

// GetByMD5 returns every entry sharing fingerprint.
func (c *Catalog) GetByMD5(md5 string) []*sfentry.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*sfentry.Entry
	for id := range c.byMD5[md5] {
		out = append(out, c.rawData[id])
	}
	return out
}

// Buckets returns every fingerprint with at least minSize entries, for
// the linking engine.
func (c *Catalog) Buckets(minSize int) map[string][]*sfentry.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]*sfentry.Entry)
	for md5, ids := range c.byMD5 {
		if len(ids) < minSize {
			continue
		}
		var entries []*sfentry.Entry
		for id := range ids {
			entries = append(entries, c.rawData[id])
		}
		out[md5] = entries
	}
	return out
}

// All returns every catalogued entry.
func (c *Catalog) All() []*sfentry.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*sfentry.Entry, 0, len(c.rawData))
	for _, e := range c.rawData {
		out = append(out, e)
	}
	return out
}

// Remove erases entry from all three structures.
func (c *Catalog) Remove(entry *sfentry.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byFilename[entry.Filename]
	if !ok {
		return
	}
	delete(c.byFilename, entry.Filename)
	c.unindexMD5(id, entry.MD5)
	delete(c.rawData, id)
	c.dirty = true
}

// ReStat re-lstats every file in fingerprint's bucket and refreshes its
// link count and inode, without rehashing content.
func (c *Catalog) ReStat(md5 string) {
	c.mu.Lock()
	ids := make([]RowID, 0, len(c.byMD5[md5]))
	for id := range c.byMD5[md5] {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.mu.Lock()
		e := c.rawData[id]
		c.mu.Unlock()
		if e == nil {
			continue
		}
		fi, err := os.Lstat(e.Filename)
		if err != nil {
			log.Debugf(e.Filename, "restat failed: %v", err)
			continue
		}
		nlink, inode := statLinkInfo(fi)
		c.mu.Lock()
		e.NLink = nlink
		e.Inode = inode
		c.dirty = true
		c.mu.Unlock()
	}
}

// Scan recursively walks directory for files matching nameRegexp and
// updates the catalog, per the parseDirTo algorithm in spec §4.3:
// abandoned `.tmp.<pid>` artifacts older than 5 hours are unlinked;
// current in-process artifacts are recorded and skipped; unchanged
// files are re-stated without rehashing; everything else is rehashed.
// The backup directory layout (spec §6.3) nests artifacts under
// <directory>/YYYY/MM[/DD]/, so this must descend rather than list one
// level.
func (c *Catalog) Scan(directory string, nameRegexp *regexp.Regexp, now time.Time, testMode bool) (inProcess string, err error) {
	if _, statErr := os.Stat(directory); statErr != nil {
		if os.IsNotExist(statErr) {
			return "", nil
		}
		return "", errs.Wrap(errs.KindIO, statErr, "scanning "+directory)
	}

	it := walk.New(directory, walk.Options{})
	for e := it.Next(); e != nil; e = it.Next() {
		if e.Info.IsDir() {
			continue
		}
		name := filepath.Base(e.Path)
		full := e.Path

		if sfentry.IsTempArtifact(name) {
			if !testMode && now.Sub(e.Info.ModTime()) > 5*time.Hour {
				log.Infof(full, "removing abandoned in-process artifact")
				_ = os.Remove(full)
				continue
			}
			inProcess = full
			continue
		}

		if nameRegexp != nil && !nameRegexp.MatchString(name) {
			continue
		}

		c.scanOne(full)
	}
	if it.Err() != nil {
		return inProcess, errs.Wrap(errs.KindIO, it.Err(), "scanning "+directory)
	}
	return inProcess, nil
}

func (c *Catalog) scanOne(full string) {
	fi, err := os.Lstat(full)
	if err != nil {
		return
	}

	existing := c.GetByFilename(full)
	reason := "{not in cache}"
	if existing != nil {
		if existing.MD5 != "" && existing.Size == fi.Size() && existing.Mtime.Equal(fi.ModTime()) {
			nlink, inode := statLinkInfo(fi)
			existing.NLink = nlink
			existing.Inode = inode
			c.mu.Lock()
			c.dirty = true
			c.mu.Unlock()
			return
		}
		if existing.MD5 == "" {
			reason = "{no md5}"
		} else if existing.Size != fi.Size() {
			reason = "{size change}"
		} else {
			reason = "{mtime change}"
		}
	}

	sum, hashErr := fingerprint.MD5File(full)
	if hashErr != nil {
		log.Errorf(full, "hashing failed: %v", hashErr)
		sum = ""
	}

	e := sfentry.New(full)
	e.MD5 = sum
	e.Size = fi.Size()
	e.Mtime = fi.ModTime()
	e.NLink, e.Inode = statLinkInfo(fi)

	log.Debugf(full, "cataloging %s", reason)
	c.AddOrUpdate(e)
}
