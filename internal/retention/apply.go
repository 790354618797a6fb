package retention

import (
	"os"
	"path/filepath"
	"time"

	"github.com/rgennis/managebackups/internal/errs"
	"github.com/rgennis/managebackups/internal/faubcatalog"
	"github.com/rgennis/managebackups/internal/log"
	"github.com/rgennis/managebackups/internal/sfcatalog"
)

// ApplyFaub executes plan.Delete against a Faub catalog: each deleted
// snapshot's directory tree and sidecar files are removed, and the
// snapshot immediately following it (in catalog order) is recached,
// since removing a snapshot changes that neighbor's inode-sharing
// accounting, per spec §4.6.
func ApplyFaub(plan *Plan, cat *faubcatalog.Catalog, cacheDir string, now time.Time) error {
	if plan.FailsafeBlocked {
		log.Noticef(nil, "failsafe gate blocked pruning for this profile")
		return nil
	}

	for _, c := range plan.Delete {
		all := cat.All()
		var idx = -1
		for i, e := range all {
			if e.Directory == c.Key {
				idx = i
				break
			}
		}
		if idx < 0 {
			continue
		}
		e := all[idx]

		if err := os.RemoveAll(e.Directory); err != nil && !os.IsNotExist(err) {
			return errs.Wrap(errs.KindIO, err, "removing snapshot "+e.Directory)
		}
		if err := e.RemoveSidecars(cacheDir); err != nil {
			log.Errorf(e.Directory, "removing sidecars: %v", err)
		}
		cat.Remove(e.Directory)
		log.Infof(e.Directory, "deleted snapshot (%s)", c.Key)

		if idx+1 < len(all) {
			next := all[idx+1]
			cat.Recache(next.Directory, now, false)
		}
	}

	return cat.RunRecache(cacheDir)
}

// ApplySingleFile executes plan.Delete against a single-file catalog:
// each file is unlinked and removed from the catalog, then affected
// fingerprint buckets are re-stated and any directories left empty by
// the deletions are pruned.
func ApplySingleFile(plan *Plan, cat *sfcatalog.Catalog) error {
	if plan.FailsafeBlocked {
		log.Noticef(nil, "failsafe gate blocked pruning for this profile")
		return nil
	}

	touchedDirs := make(map[string]bool)
	touchedFingerprints := make(map[string]bool)

	for _, c := range plan.Delete {
		e := cat.GetByFilename(c.Key)
		if e == nil {
			continue
		}
		if err := os.Remove(e.Filename); err != nil && !os.IsNotExist(err) {
			return errs.Wrap(errs.KindIO, err, "removing backup "+e.Filename)
		}
		cat.Remove(e)
		touchedDirs[filepath.Dir(e.Filename)] = true
		if e.MD5 != "" {
			touchedFingerprints[e.MD5] = true
		}
		log.Infof(e.Filename, "deleted backup")
	}

	for md5 := range touchedFingerprints {
		cat.ReStat(md5)
	}
	for dir := range touchedDirs {
		removeIfEmpty(dir)
	}

	return nil
}

// removeIfEmpty removes dir, and then its parent, and so on, as long
// as each is empty, stopping at the first non-empty or unremovable
// ancestor.
func removeIfEmpty(dir string) {
	for {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}
