// Package sfentry implements the single-file backup entry (spec §3.1):
// the record describing one single-file backup artifact, with its
// filename-derived date and filename-day-age used by the retention
// engine.
package sfentry

import (
	"path/filepath"
	"regexp"
	"strconv"
	"time"
)

// TempSuffixPattern matches the in-process artifact suffix
// `.tmp.<pid>`; filenames matching it are excluded from the catalog
// (spec §3.1 invariant).
var TempSuffixPattern = regexp.MustCompile(`\.tmp\.(\d+)$`)

// dateInName extracts a YYYYMMDD stamp from a backup basename, e.g.
// "myprofile-20230105.tgz" or "myprofile-20230105@10:15:23.tgz".
var dateInName = regexp.MustCompile(`(\d{4})(\d{2})(\d{2})`)

// Entry is one catalogued single-file backup.
type Entry struct {
	Filename string // absolute path
	MD5      string // content fingerprint, 128-bit hex; empty if unhashed
	NLink    int
	Mtime    time.Time
	Size     int64
	Inode    uint64

	// Filename-derived fields, computed once from Filename at
	// construction time.
	Year  int
	Month int
	Day   int
	DOW   time.Weekday

	// DurationSeconds is how long the backup run that produced this
	// file took.
	DurationSeconds int64
}

// New builds an Entry from a filename, parsing the embedded date if
// present. It does not stat the file; callers populate Mtime/Size/
// Inode/NLink from a subsequent lstat.
func New(filename string) *Entry {
	e := &Entry{Filename: filename}
	e.parseDate()
	return e
}

func (e *Entry) parseDate() {
	base := filepath.Base(e.Filename)
	m := dateInName.FindStringSubmatch(base)
	if m == nil {
		return
	}
	y, _ := strconv.Atoi(m[1])
	mo, _ := strconv.Atoi(m[2])
	d, _ := strconv.Atoi(m[3])
	e.Year, e.Month, e.Day = y, mo, d
	if y > 0 && mo >= 1 && mo <= 12 && d >= 1 && d <= 31 {
		e.DOW = time.Date(y, time.Month(mo), d, 0, 0, 0, 0, time.Local).Weekday()
	}
}

// DayAge is the number of days between the filename-derived date and
// now, used throughout the retention and linking engines.
func (e *Entry) DayAge(now time.Time) int {
	if e.Year == 0 {
		return 0
	}
	d := time.Date(e.Year, time.Month(e.Month), e.Day, 0, 0, 0, 0, time.Local)
	n := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.Local)
	return int(n.Sub(d).Hours() / 24)
}

// IsTempArtifact reports whether filename matches the in-process
// `.tmp.<pid>` convention.
func IsTempArtifact(filename string) bool {
	return TempSuffixPattern.MatchString(filename)
}

// TempArtifactPID extracts the pid embedded in a `.tmp.<pid>` name, or
// 0 if filename doesn't match.
func TempArtifactPID(filename string) int {
	m := TempSuffixPattern.FindStringSubmatch(filename)
	if m == nil {
		return 0
	}
	pid, _ := strconv.Atoi(m[1])
	return pid
}
