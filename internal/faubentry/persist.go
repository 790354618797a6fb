package faubentry

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rgennis/managebackups/internal/errs"
)

// SaveStats writes the stats sidecar atomically. Format is a simple
// key=value text file so it stays human-inspectable, matching the
// plain-text sidecar convention the tagging and status-cache stores
// also use.
func (e *Entry) SaveStats(cacheDir string) error {
	path := e.StatsPath(cacheDir)
	lines := []string{
		"bytesUsed=" + strconv.FormatInt(e.Stats.BytesUsed, 10),
		"bytesSaved=" + strconv.FormatInt(e.Stats.BytesSaved, 10),
		"dirs=" + strconv.Itoa(e.Stats.Dirs),
		"symlinks=" + strconv.Itoa(e.Stats.Symlinks),
		"modified=" + strconv.Itoa(e.Stats.Modified),
		"finishTime=" + strconv.FormatInt(e.FinishTime.Unix(), 10),
		"startYear=" + strconv.Itoa(e.StartYear),
		"startMonth=" + strconv.Itoa(e.StartMonth),
		"startDay=" + strconv.Itoa(e.StartDay),
		"duration=" + strconv.FormatInt(int64(e.Duration.Seconds()), 10),
		"hold=" + strconv.FormatInt(e.Hold, 10),
	}
	return atomicWriteLines(path, lines)
}

// LoadStats reads the stats sidecar, if present. Returns false if the
// sidecar is missing or incomplete, signaling the caller to seed from
// the directory basename instead (spec §4.4 Restore algorithm).
func (e *Entry) LoadStats(cacheDir string) (ok bool, err error) {
	path := e.StatsPath(cacheDir)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errs.Wrap(errs.KindIO, err, "reading "+path)
	}
	defer f.Close()

	kv := map[string]string{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		kv[parts[0]] = parts[1]
	}

	required := []string{"bytesUsed", "bytesSaved", "dirs", "symlinks", "modified", "finishTime"}
	for _, k := range required {
		if _, present := kv[k]; !present {
			return false, nil
		}
	}

	e.Stats.BytesUsed, _ = strconv.ParseInt(kv["bytesUsed"], 10, 64)
	e.Stats.BytesSaved, _ = strconv.ParseInt(kv["bytesSaved"], 10, 64)
	e.Stats.Dirs, _ = strconv.Atoi(kv["dirs"])
	e.Stats.Symlinks, _ = strconv.Atoi(kv["symlinks"])
	e.Stats.Modified, _ = strconv.Atoi(kv["modified"])
	ft, _ := strconv.ParseInt(kv["finishTime"], 10, 64)
	e.FinishTime = time.Unix(ft, 0)
	e.StartYear, _ = strconv.Atoi(kv["startYear"])
	e.StartMonth, _ = strconv.Atoi(kv["startMonth"])
	e.StartDay, _ = strconv.Atoi(kv["startDay"])
	dur, _ := strconv.ParseInt(kv["duration"], 10, 64)
	e.Duration = time.Duration(dur) * time.Second
	e.Hold, _ = strconv.ParseInt(kv["hold"], 10, 64)
	return true, nil
}

// SaveInodes writes the inode set sidecar, one inode per line.
func (e *Entry) SaveInodes(cacheDir string) error {
	path := e.InodesPath(cacheDir)
	lines := make([]string, 0, len(e.Inodes))
	for ino := range e.Inodes {
		lines = append(lines, strconv.FormatUint(ino, 10))
	}
	return atomicWriteLines(path, lines)
}

// LoadInodes reads the inode set sidecar, if present.
func (e *Entry) LoadInodes(cacheDir string) error {
	path := e.InodesPath(cacheDir)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.Wrap(errs.KindIO, err, "reading "+path)
	}
	defer f.Close()

	e.Inodes = make(map[uint64]bool)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		n, err := strconv.ParseUint(sc.Text(), 10, 64)
		if err != nil {
			continue
		}
		e.Inodes[n] = true
	}
	return nil
}

// SaveDiff writes the list of paths modified relative to the previous
// snapshot.
func (e *Entry) SaveDiff(cacheDir string, modified []string) error {
	return atomicWriteLines(e.DiffPath(cacheDir), modified)
}

// LoadDiff reads the modified-paths sidecar.
func (e *Entry) LoadDiff(cacheDir string) ([]string, error) {
	path := e.DiffPath(cacheDir)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.KindIO, err, "reading "+path)
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		out = append(out, sc.Text())
	}
	return out, nil
}

// RemoveSidecars deletes all three sidecar files for this entry.
func (e *Entry) RemoveSidecars(cacheDir string) error {
	var firstErr error
	for _, p := range []string{e.StatsPath(cacheDir), e.InodesPath(cacheDir), e.DiffPath(cacheDir)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func atomicWriteLines(path string, lines []string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errs.Wrap(errs.KindIO, err, "creating "+dir)
	}
	tmp, err := os.CreateTemp(dir, ".sidecar.*.tmp")
	if err != nil {
		return errs.Wrap(errs.KindIO, err, "creating temp sidecar")
	}
	tmpPath := tmp.Name()
	w := bufio.NewWriter(tmp)
	for _, l := range lines {
		fmt.Fprintln(w, l)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errs.Wrap(errs.KindIO, err, "writing temp sidecar")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errs.Wrap(errs.KindIO, err, "closing temp sidecar")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return errs.Wrap(errs.KindIO, err, "renaming sidecar into place")
	}
	return nil
}
