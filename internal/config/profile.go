// Package config implements profile configuration: the bundle of
// settings describing one backup task (source command, destination,
// retention quotas, and the knobs the retention/linking/Faub engines
// consult). Profiles are parsed from and persisted to an INI-style
// config file via github.com/Unknwon/goconfig, the same config file
// library the teacher repo's own go.mod carries, and are saved
// atomically via temp-file-then-rename like every other on-disk
// artifact in this module.
package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// BackupStyle selects between the two backup mechanisms this engine
// drives: a single-file shell pipeline, or a Faub client/server tree
// sync.
type BackupStyle int

const (
	// StyleSingleFile runs a shell pipeline and catalogs the resulting
	// single artifact file.
	StyleSingleFile BackupStyle = iota
	// StyleFaub runs the four-phase Faub client/server protocol.
	StyleFaub
)

// TripwirePair is a path:MD5 pair checked before every run.
type TripwirePair struct {
	Path string
	MD5  string
}

// Failsafe bundles the thresholds that block pruning when too few
// recent backups exist, and the per-run deletion budget.
type Failsafe struct {
	MinBackups    int
	MinDays       int
	MaxSlowPrune  int
}

// Profile is one named backup task.
type Profile struct {
	Title string
	// UUID is the stable per-profile identifier used to namespace cache
	// directory entries so that two profiles never collide even if they
	// share a destination directory and base filename.
	UUID string

	Directory      string // root backup directory
	BackupCommand  string // shell pipeline (single-file) or faub client command
	Style          BackupStyle

	Days   int
	Weeks  int
	Months int
	Years  int

	WeeklyDOW time.Weekday

	MaxLinks int

	// IncludeTime selects the `<name>-YYYYMMDD@HH:MM:SS` filename layout
	// (directory.../YYYY/MM/DD/) instead of the dateonly
	// `<name>-YYYYMMDD` layout (directory.../YYYY/MM/). With time
	// included, multiple backups on the same calendar date never
	// collide on the same path, so same-date overwrite never applies.
	IncludeTime bool

	Failsafe     Failsafe
	Consolidate  int // age in days; 0 disables consolidation
	DataOnly     bool // Faub only: delete backups with zero modified files/used bytes

	MinLocalFreeBytes  int64
	MinRemoteFreeBytes int64
	MinBackupSize      int64

	// Remote* configure the SFTP free-space gate that MinRemoteFreeBytes
	// enforces, per spec §3.3 "min remote SFTP free space". RemoteHost
	// empty means the destination is purely local and the gate is
	// skipped regardless of MinRemoteFreeBytes.
	RemoteHost       string
	RemotePort       int
	RemoteUser       string
	RemotePassword   string
	RemoteKeyPath    string
	RemotePath       string // path on the remote host whose free space is checked

	NotifyList []string

	FileMode uint32
	UID      int
	GID      int

	IncludeRegexp *regexp.Regexp
	ExcludeRegexp *regexp.Regexp

	Tripwire []TripwirePair

	// sourcePath is the config file this profile was parsed from, kept
	// for Save().
	sourcePath string
}

// NewProfile creates a Profile with a freshly minted stable identifier
// and sane defaults.
func NewProfile(title string) *Profile {
	return &Profile{
		Title:     title,
		UUID:      uuid.NewString(),
		WeeklyDOW: time.Sunday,
		MaxLinks:  1000,
		FileMode:  0644,
	}
}

// Validate checks the profile for the config errors spec §7 classifies
// as Validation: bad regex, name collisions are checked by the caller
// holding the full profile set.
func (p *Profile) Validate() error {
	if p.Title == "" {
		return fmt.Errorf("profile has no title")
	}
	if p.Directory == "" {
		return fmt.Errorf("profile %q has no backup directory", p.Title)
	}
	if p.BackupCommand == "" {
		return fmt.Errorf("profile %q has no backup command", p.Title)
	}
	if p.MaxLinks < 1 {
		return fmt.Errorf("profile %q: maxLinks must be >= 1", p.Title)
	}
	return nil
}

// CacheID is the stable identifier used to namespace cache-directory
// sidecars for this profile.
func (p *Profile) CacheID() string {
	return p.UUID
}

// DestinationPath computes where a new backup taken at now should
// land, per spec §6.3: dateonly backups sort under
// <directory>/YYYY/MM/<name>-YYYYMMDD[ext]; time-included backups sort
// one level deeper, under <directory>/YYYY/MM/DD/, and carry an
// @HH:MM:SS suffix so same-day backups never collide on one path. ext
// should include its leading dot, or be empty for Faub's directory
// snapshots.
func (p *Profile) DestinationPath(now time.Time, ext string) string {
	y := fmt.Sprintf("%04d", now.Year())
	mo := fmt.Sprintf("%02d", int(now.Month()))
	d := fmt.Sprintf("%02d", now.Day())

	if !p.IncludeTime {
		name := fmt.Sprintf("%s-%s%s%s%s", p.Title, y, mo, d, ext)
		return filepath.Join(p.Directory, y, mo, name)
	}

	name := fmt.Sprintf("%s-%s%s%s@%02d:%02d:%02d%s", p.Title, y, mo, d, now.Hour(), now.Minute(), now.Second(), ext)
	return filepath.Join(p.Directory, y, mo, d, name)
}
