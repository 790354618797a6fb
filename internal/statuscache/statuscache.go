// Package statuscache implements the fast status cache (spec §4.10):
// a cached rendering of the `-1`/status-style summary output, valid
// only while every file it was computed from still has the mtime it
// had when the cache was built. Any catalog mutation invalidates it.
package statuscache

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/rgennis/managebackups/internal/errs"
)

// Line is one row of the cached status display: the rendered text
// plus the first/last backup dates that row summarizes.
type Line struct {
	Text  string
	First string
	Last  string
}

type watchedFile struct {
	path  string
	mtime int64
}

// Cache is one fast-status-cache instance, backed by a pair of
// sidecar files under a cache directory.
type Cache struct {
	txPath string
	flPath string

	mu      sync.Mutex
	lines   []Line
	watched []watchedFile
	dirty   bool
}

// New returns a Cache backed by status.tx and status.fl under dir.
func New(dir string) *Cache {
	return &Cache{
		txPath: filepath.Join(dir, "status.tx"),
		flPath: filepath.Join(dir, "status.fl"),
	}
}

// Get returns the cached summary text and true if a cache exists and
// every watched file's current mtime still matches what was recorded
// at Commit time. Any mismatch, missing file, or missing cache is a
// miss: it returns "", false.
func (c *Cache) Get() (string, bool) {
	watched, err := loadWatched(c.flPath)
	if err != nil || len(watched) == 0 {
		return "", false
	}
	for _, w := range watched {
		fi, err := os.Stat(w.path)
		if err != nil || fi.ModTime().Unix() != w.mtime {
			return "", false
		}
	}

	lines, err := loadLines(c.txPath)
	if err != nil {
		return "", false
	}

	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l.Text)
		b.WriteByte('\n')
	}
	return b.String(), true
}

// AppendStatus stages one row of the next rendering, to be persisted
// on Commit.
func (c *Cache) AppendStatus(text, first, last string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, Line{Text: text, First: first, Last: last})
	c.dirty = true
}

// AppendFile registers path as one of the files this rendering
// depends on, capturing its current mtime.
func (c *Cache) AppendFile(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return errs.Wrap(errs.KindIO, err, "stat "+path)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watched = append(c.watched, watchedFile{path: path, mtime: fi.ModTime().Unix()})
	c.dirty = true
	return nil
}

// Commit atomically persists the staged rendering as the new cache
// contents, replacing whatever was there before.
func (c *Cache) Commit() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var txLines []string
	for _, l := range c.lines {
		txLines = append(txLines, l.Text+"\t"+l.First+"\t"+l.Last)
	}
	if err := atomicWriteLines(c.txPath, txLines); err != nil {
		return err
	}

	var flLines []string
	for _, w := range c.watched {
		flLines = append(flLines, w.path+"\t"+strconv.FormatInt(w.mtime, 10))
	}
	if err := atomicWriteLines(c.flPath, flLines); err != nil {
		return err
	}

	c.dirty = false
	return nil
}

// Invalidate removes both sidecar files unconditionally, so the next
// Get is guaranteed to miss.
func (c *Cache) Invalidate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = nil
	c.watched = nil
	c.dirty = false

	if err := os.Remove(c.txPath); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.KindIO, err, "removing "+c.txPath)
	}
	if err := os.Remove(c.flPath); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.KindIO, err, "removing "+c.flPath)
	}
	return nil
}

// Summary formats used/saved byte totals the way the rendered status
// lines present them, sharing the same human-readable byte formatting
// faubentry.Entry.Summary uses.
func Summary(label string, usedBytes, savedBytes int64) string {
	return fmt.Sprintf("%s  used=%s saved=%s", label, humanize.Bytes(uint64(usedBytes)), humanize.Bytes(uint64(savedBytes)))
}

func loadLines(path string) ([]Line, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []Line
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		parts := strings.SplitN(sc.Text(), "\t", 3)
		if len(parts) != 3 {
			continue
		}
		lines = append(lines, Line{Text: parts[0], First: parts[1], Last: parts[2]})
	}
	return lines, nil
}

func loadWatched(path string) ([]watchedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []watchedFile
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		parts := strings.SplitN(sc.Text(), "\t", 2)
		if len(parts) != 2 {
			continue
		}
		mtime, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			continue
		}
		out = append(out, watchedFile{path: parts[0], mtime: mtime})
	}
	return out, nil
}

func atomicWriteLines(path string, lines []string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errs.Wrap(errs.KindIO, err, "creating "+dir)
	}
	tmp, err := os.CreateTemp(dir, ".statuscache.*.tmp")
	if err != nil {
		return errs.Wrap(errs.KindIO, err, "creating temp file")
	}
	tmpPath := tmp.Name()
	w := bufio.NewWriter(tmp)
	for _, l := range lines {
		if _, err := w.WriteString(l + "\n"); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return errs.Wrap(errs.KindIO, err, "writing "+tmpPath)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errs.Wrap(errs.KindIO, err, "flushing "+tmpPath)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errs.Wrap(errs.KindIO, err, "closing "+tmpPath)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return errs.Wrap(errs.KindIO, err, "renaming "+tmpPath)
	}
	return nil
}
