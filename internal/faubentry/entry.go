// Package faubentry implements the Faub backup entry (spec §3.2): one
// captured directory-tree snapshot, its inode set, aggregate disk-usage
// stats, and the sidecar files addressed by the hash of its directory
// path.
package faubentry

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
)

// Hold values: 0 = no hold, 1 = permanent, anything else = unix-time
// expiry, per spec §3.2.
const (
	HoldNone      int64 = 0
	HoldPermanent int64 = 1
)

// DiskStats is the aggregate disk-usage accounting for one snapshot.
type DiskStats struct {
	BytesUsed  int64
	BytesSaved int64
	Dirs       int
	Symlinks   int
	Modified   int
}

// Entry is one catalogued Faub snapshot.
type Entry struct {
	Directory string // absolute root of this snapshot
	Profile   string
	UUID      string // stable per-profile identifier

	Inodes map[uint64]bool

	Stats DiskStats

	FinishTime  time.Time
	StartYear   int
	StartMonth  int
	StartDay    int
	DOW         time.Weekday
	Duration    time.Duration
	MtimeDayAge int
	Hold        int64

	// Updated is the dirty flag: true when this entry has changes not
	// yet flushed to its sidecar files.
	Updated bool

	// NeedsRecalc marks an entry restored from a filename-derived
	// placeholder (no stats sidecar) or flagged by Recache, per spec
	// §4.4.
	NeedsRecalc bool
}

// New creates an empty Entry for directory under profile.
func New(directory, profile, uuid string) *Entry {
	return &Entry{
		Directory: directory,
		Profile:   profile,
		UUID:      uuid,
		Inodes:    make(map[uint64]bool),
	}
}

// SidecarHash is the hash used to name this entry's three sidecar
// files, per spec §6.2.
func SidecarHash(directory string) string {
	sum := md5.Sum([]byte(directory))
	return hex.EncodeToString(sum[:])
}

// StatsPath, InodesPath, and DiffPath are the three sidecar file paths
// for this entry under cacheDir/profileUUID/.
func (e *Entry) StatsPath(cacheDir string) string {
	return filepath.Join(cacheDir, e.UUID, SidecarHash(e.Directory)+".faub_stats")
}

func (e *Entry) InodesPath(cacheDir string) string {
	return filepath.Join(cacheDir, e.UUID, SidecarHash(e.Directory)+".faub_inodes")
}

func (e *Entry) DiffPath(cacheDir string) string {
	return filepath.Join(cacheDir, e.UUID, SidecarHash(e.Directory)+".faub_diff")
}

// HasStats reports whether this entry's aggregate byte counters have
// ever been computed; both-zero is the cache-miss signal Recache looks
// for (spec §4.4).
func (e *Entry) HasStats() bool {
	return e.Stats.BytesUsed != 0 || e.Stats.BytesSaved != 0
}

// IsPlaceholder reports whether this entry still needs its finish time
// and start date derived from disk (FinishTime is the zero value),
// per the invariant in spec §3.2.
func (e *Entry) IsPlaceholder() bool {
	return e.FinishTime.IsZero()
}

// Summary renders a one-line human-readable description of this
// entry's disk usage, for status and list-snapshots output.
func (e *Entry) Summary() string {
	return fmt.Sprintf("%s  used=%s saved=%s dirs=%d symlinks=%d modified=%d",
		filepath.Base(e.Directory),
		humanize.Bytes(uint64(e.Stats.BytesUsed)),
		humanize.Bytes(uint64(e.Stats.BytesSaved)),
		e.Stats.Dirs, e.Stats.Symlinks, e.Stats.Modified)
}
