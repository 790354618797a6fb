package sfcatalog

import (
	"crypto/md5"
	"encoding/gob"
	"encoding/hex"
	"os"
	"path/filepath"
	"time"

	"github.com/rgennis/managebackups/internal/errs"
	"github.com/rgennis/managebackups/internal/sfentry"
)

// wireEntry is the gob-serializable projection of sfentry.Entry.
type wireEntry struct {
	ID        RowID
	Filename  string
	MD5       string
	NLink     int
	MtimeUnix int64
	Size      int64
	Inode     uint64
	Year      int
	Month     int
	Day       int
	DOW       int
	Duration  int64
}

// CachePath returns the deterministic per-profile catalog file path:
// the cache directory plus the hex MD5 of directory+baseFilename, per
// spec §6.2.
func CachePath(cacheDir, directory, baseFilename string) string {
	sum := md5.Sum([]byte(directory + baseFilename))
	return filepath.Join(cacheDir, hex.EncodeToString(sum[:]))
}

// Save atomically persists the catalog to path via temp-file-then-
// rename.
func (c *Catalog) Save(path string) error {
	c.mu.Lock()
	wire := make([]wireEntry, 0, len(c.rawData))
	for id, e := range c.rawData {
		wire = append(wire, wireEntry{
			ID:        id,
			Filename:  e.Filename,
			MD5:       e.MD5,
			NLink:     e.NLink,
			MtimeUnix: e.Mtime.Unix(),
			Size:      e.Size,
			Inode:     e.Inode,
			Year:      e.Year,
			Month:     e.Month,
			Day:       e.Day,
			DOW:       int(e.DOW),
			Duration:  e.DurationSeconds,
		})
	}
	c.mu.Unlock()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errs.Wrap(errs.KindIO, err, "creating cache dir "+dir)
	}
	tmp, err := os.CreateTemp(dir, ".sfcatalog.*.tmp")
	if err != nil {
		return errs.Wrap(errs.KindIO, err, "creating temp catalog file")
	}
	tmpPath := tmp.Name()
	if err := gob.NewEncoder(tmp).Encode(wire); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errs.Wrap(errs.KindIO, err, "encoding catalog")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errs.Wrap(errs.KindIO, err, "closing temp catalog file")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return errs.Wrap(errs.KindIO, err, "renaming catalog into place")
	}

	c.mu.Lock()
	c.dirty = false
	c.mu.Unlock()
	return nil
}

// Restore loads a catalog previously written by Save. A missing file
// is not an error; it yields an empty catalog.
func Restore(path string) (*Catalog, error) {
	c := New()
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, errs.Wrap(errs.KindIO, err, "opening catalog "+path)
	}
	defer f.Close()

	var wire []wireEntry
	if err := gob.NewDecoder(f).Decode(&wire); err != nil {
		return nil, errs.Wrap(errs.KindIO, err, "decoding catalog "+path)
	}

	for _, w := range wire {
		e := sfentry.New(w.Filename)
		e.MD5 = w.MD5
		e.NLink = w.NLink
		e.Mtime = time.Unix(w.MtimeUnix, 0)
		e.Size = w.Size
		e.Inode = w.Inode
		e.Year, e.Month, e.Day = w.Year, w.Month, w.Day
		e.DOW = time.Weekday(w.DOW)
		e.DurationSeconds = w.Duration

		c.rawData[w.ID] = e
		c.byFilename[e.Filename] = w.ID
		c.indexMD5(w.ID, e.MD5)
		if w.ID > c.nextID {
			c.nextID = w.ID
		}
	}
	return c, nil
}
