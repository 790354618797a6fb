// Package tripwire verifies a profile's configured path:MD5 pairs
// before each run (spec §3.3, §2 control flow step "runs tripwire
// verification"). It exists to catch a source file silently changing
// underneath a profile that expects it to be immutable (e.g. a
// credentials file or a static asset bundled into the backup).
package tripwire

import (
	"github.com/rgennis/managebackups/internal/config"
	"github.com/rgennis/managebackups/internal/fingerprint"
)

// Violation names one tripwire pair whose current content no longer
// matches the fingerprint recorded in the profile.
type Violation struct {
	Path     string
	Expected string
	Actual   string
	Err      error // set instead of Actual when the path could not be hashed
}

// Verify MD5s every tripwire path configured on p and reports every
// mismatch (or hashing failure) as a Violation. A nil, empty slice
// means every configured pair still matches.
func Verify(p *config.Profile) ([]Violation, error) {
	var violations []Violation
	for _, pair := range p.Tripwire {
		actual, err := fingerprint.MD5File(pair.Path)
		if err != nil {
			violations = append(violations, Violation{Path: pair.Path, Expected: pair.MD5, Err: err})
			continue
		}
		if actual != pair.MD5 {
			violations = append(violations, Violation{Path: pair.Path, Expected: pair.MD5, Actual: actual})
		}
	}
	return violations, nil
}
