// Package linking implements the single-file deduplication pass (spec
// §4.7): within each content-fingerprint bucket, collapse duplicate
// files onto a shared inode via hard links, respecting a per-inode
// link ceiling by splitting long chains into groups of maxLinks.
package linking

import (
	"os"
	"time"

	"github.com/rgennis/managebackups/internal/errs"
	"github.com/rgennis/managebackups/internal/log"
	"github.com/rgennis/managebackups/internal/sfcatalog"
	"github.com/rgennis/managebackups/internal/sfentry"
)

// Result tallies one Run's outcome across every bucket.
type Result struct {
	Linked int
	Errors []error
}

// Run processes every fingerprint bucket with two or more entries in
// cat, linking duplicates onto shared inodes and re-stating every
// bucket it touched afterward.
func Run(cat *sfcatalog.Catalog, maxLinks int, includeTime bool, now time.Time) Result {
	var result Result
	for md5, bucket := range cat.Buckets(2) {
		linked := processBucket(bucket, maxLinks, includeTime, now, &result)
		if linked {
			cat.ReStat(md5)
		}
	}
	return result
}

// processBucket runs the reference-selection/link loop for one
// bucket, restarting with a freshly chosen reference whenever the
// current one reaches maxLinks mid-pass, per spec §4.7 step 3. It
// reports whether any link was actually made.
func processBucket(bucket []*sfentry.Entry, maxLinks int, includeTime bool, now time.Time, result *Result) bool {
	linkedAny := false

	for {
		ref := selectReference(bucket, maxLinks, now)
		if ref == nil {
			return linkedAny
		}

		rescan := false
		for _, e := range bucket {
			if e == ref {
				continue
			}
			if e.Inode != 0 && e.Inode == ref.Inode {
				continue
			}
			if e.DayAge(now) == 0 && !includeTime {
				continue
			}
			if e.NLink >= maxLinks {
				continue
			}

			if err := os.Remove(e.Filename); err != nil && !os.IsNotExist(err) {
				result.Errors = append(result.Errors, errs.Wrap(errs.KindIO, err, "unlinking "+e.Filename))
				continue
			}
			if err := os.Link(ref.Filename, e.Filename); err != nil {
				result.Errors = append(result.Errors, errs.Wrap(errs.KindIO, err, "linking "+e.Filename+" to "+ref.Filename))
				continue
			}

			log.Debugf(e.Filename, "linked to %s", ref.Filename)
			ref.NLink++
			e.Inode = ref.Inode
			e.NLink = ref.NLink
			result.Linked++
			linkedAny = true

			if ref.NLink >= maxLinks {
				rescan = true
				break
			}
		}

		if !rescan {
			return linkedAny
		}
	}
}

// selectReference picks the entry with the highest link-count among
// those under the ceiling and old enough to be a stable reference
// (day-age > 0), per spec §4.7 step 1.
func selectReference(bucket []*sfentry.Entry, maxLinks int, now time.Time) *sfentry.Entry {
	var best *sfentry.Entry
	for _, e := range bucket {
		if e.NLink >= maxLinks {
			continue
		}
		if e.DayAge(now) <= 0 {
			continue
		}
		if best == nil || e.NLink > best.NLink {
			best = e
		}
	}
	return best
}
