// Package retention implements the keep-decision, consolidation,
// data-only, and failsafe/slow-prune gating rules (spec §4.6) shared by
// both backup styles. Callers project their catalog entries
// (sfentry.Entry or faubentry.Entry) into a Candidate and get back a
// Plan naming exactly what to delete.
package retention

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rgennis/managebackups/internal/config"
)

// Candidate is the retention-relevant projection of one catalogued
// backup, regardless of style.
type Candidate struct {
	Key   string // catalog identity: filename or directory path
	Year  int
	Month int
	Day   int
	DOW   time.Weekday

	// UsedBytes, SavedBytes, and Modified are Faub-only; zero for
	// single-file candidates and ignored by the data-only rule there.
	UsedBytes  int64
	SavedBytes int64
	Modified   int

	// Hold mirrors faubentry's Hold field: 0 none, 1 permanent, else a
	// unix-time expiry. A held entry is never deleted.
	Hold int64
}

// Reason names which keep-decision rule (if any) retained a candidate.
type Reason string

const (
	ReasonDaily   Reason = "daily"
	ReasonWeekly  Reason = "weekly"
	ReasonMonthly Reason = "monthly"
	ReasonYearly  Reason = "yearly"
	ReasonHold    Reason = "hold"
	ReasonNone    Reason = "none"
)

// Decision is the keep/reason verdict for one candidate.
type Decision struct {
	Candidate Candidate
	Keep      bool
	Reason    Reason
}

func ageDays(c Candidate, now time.Time) int {
	d := time.Date(c.Year, time.Month(c.Month), c.Day, 0, 0, 0, 0, time.Local)
	n := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.Local)
	return int(n.Sub(d).Hours() / 24)
}

// ParseHold interprets the opaque hold string the tagging layer stores
// (spec §4.8) into the faubentry/Candidate convention: 0 none, 1
// permanent, else a unix-time expiry. Recognized forms are "::"
// (permanent), "" or "0" (cleared), "<N>d"/"<N>w"/"<N>m"/"<N>y"
// (relative offset from now), or "YYYY-MM-DD" (absolute date).
func ParseHold(raw string, now time.Time) int64 {
	switch raw {
	case "", "0":
		return 0
	case "::":
		return 1
	}

	if len(raw) >= 2 {
		unit := raw[len(raw)-1]
		if n, err := strconv.Atoi(raw[:len(raw)-1]); err == nil {
			switch unit {
			case 'd':
				return now.AddDate(0, 0, n).Unix()
			case 'w':
				return now.AddDate(0, 0, 7*n).Unix()
			case 'm':
				return now.AddDate(0, n, 0).Unix()
			case 'y':
				return now.AddDate(n, 0, 0).Unix()
			}
		}
	}

	if t, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(raw), time.Local); err == nil {
		return t.Unix()
	}

	return 0
}

func isHeld(c Candidate, now time.Time) bool {
	switch c.Hold {
	case 0:
		return false
	case 1:
		return true
	default:
		return time.Unix(c.Hold, 0).After(now)
	}
}

// KeepDecision applies the first-rule-that-fires keep decision from
// spec §4.6 to one candidate.
func KeepDecision(c Candidate, p *config.Profile, now time.Time) Decision {
	if isHeld(c, now) {
		return Decision{Candidate: c, Keep: true, Reason: ReasonHold}
	}

	age := ageDays(c, now)

	if age <= p.Days {
		return Decision{Candidate: c, Keep: true, Reason: ReasonDaily}
	}
	if age <= 7*p.Weeks && c.DOW == p.WeeklyDOW {
		return Decision{Candidate: c, Keep: true, Reason: ReasonWeekly}
	}
	monthsAgo := (now.Year()*12 + int(now.Month())) - (c.Year*12 + c.Month)
	if monthsAgo <= p.Months && c.Day == 1 {
		return Decision{Candidate: c, Keep: true, Reason: ReasonMonthly}
	}
	if now.Year()-c.Year <= p.Years && c.Month == 1 && c.Day == 1 {
		return Decision{Candidate: c, Keep: true, Reason: ReasonYearly}
	}
	return Decision{Candidate: c, Keep: false, Reason: ReasonNone}
}

// Plan is the fully evaluated retention outcome for one profile's
// catalog as of now.
type Plan struct {
	Decisions []Decision
	Delete    []Candidate

	// FailsafeBlocked is true when the failsafe gate vetoed pruning for
	// the entire profile; Delete is always empty in that case.
	FailsafeBlocked bool

	// SlowPruneBudget is how many more deletions this run may still
	// make. Per the Open Question #3 resolution, consolidation
	// deletions decrement the same budget as keep-decision deletions —
	// it is one shared counter, not two independent ones.
	SlowPruneBudget int
}

// Build evaluates every rule in spec §4.6 order: keep-decision,
// failsafe gate, consolidation, data-only, slow-prune budget.
func Build(candidates []Candidate, p *config.Profile, now time.Time) *Plan {
	plan := &Plan{SlowPruneBudget: p.Failsafe.MaxSlowPrune}

	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return ageDays(sorted[i], now) < ageDays(sorted[j], now)
	})

	for _, c := range sorted {
		plan.Decisions = append(plan.Decisions, KeepDecision(c, p, now))
	}

	recentCount := 0
	for _, c := range sorted {
		if ageDays(c, now) <= p.Failsafe.MinDays {
			recentCount++
		}
	}
	if recentCount < p.Failsafe.MinBackups {
		plan.FailsafeBlocked = true
		return plan
	}

	kept := make(map[string]bool)
	for _, d := range plan.Decisions {
		if d.Keep {
			kept[d.Candidate.Key] = true
			continue
		}
		if plan.SlowPruneBudget <= 0 {
			continue
		}
		plan.Delete = append(plan.Delete, d.Candidate)
		plan.SlowPruneBudget--
	}

	if p.Consolidate > 0 {
		plan.applyConsolidation(sorted, kept, p, now)
	}

	if p.DataOnly && p.Style == config.StyleFaub {
		plan.applyDataOnly(sorted, kept, now)
	}

	return plan
}

// applyConsolidation keeps at most one backup per calendar day among
// entries old enough to consolidate, deleting the rest regardless of
// their keep-decision, subject to the shared slow-prune budget.
func (plan *Plan) applyConsolidation(sorted []Candidate, kept map[string]bool, p *config.Profile, now time.Time) {
	type dayKey struct{ y, m, d int }
	seen := make(map[dayKey]bool)

	for _, c := range sorted {
		if isHeld(c, now) {
			continue
		}
		if ageDays(c, now) < p.Consolidate {
			continue
		}
		if !kept[c.Key] {
			continue // already scheduled for deletion by the keep-decision
		}
		dk := dayKey{c.Year, c.Month, c.Day}
		if seen[dk] {
			if plan.SlowPruneBudget <= 0 {
				continue
			}
			plan.Delete = append(plan.Delete, c)
			plan.SlowPruneBudget--
			delete(kept, c.Key)
			continue
		}
		seen[dk] = true
	}
}

// applyDataOnly deletes any Faub entry with zero modified files and
// zero used bytes, per spec §4.6, subject to the shared budget.
func (plan *Plan) applyDataOnly(sorted []Candidate, kept map[string]bool, now time.Time) {
	for _, c := range sorted {
		if !kept[c.Key] {
			continue
		}
		if isHeld(c, now) {
			continue
		}
		if c.Modified != 0 || c.UsedBytes != 0 {
			continue
		}
		if plan.SlowPruneBudget <= 0 {
			continue
		}
		plan.Delete = append(plan.Delete, c)
		plan.SlowPruneBudget--
		delete(kept, c.Key)
	}
}
