package retention

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rgennis/managebackups/internal/config"
)

func baseProfile() *config.Profile {
	p := config.NewProfile("prof")
	p.Days = 7
	p.Weeks = 4
	p.Months = 6
	p.Years = 2
	p.WeeklyDOW = time.Sunday
	p.Failsafe.MinBackups = 1
	p.Failsafe.MinDays = 30
	p.Failsafe.MaxSlowPrune = 1000
	return p
}

func TestKeepDecisionDaily(t *testing.T) {
	p := baseProfile()
	now := time.Date(2023, 1, 10, 0, 0, 0, 0, time.Local)
	c := Candidate{Key: "a", Year: 2023, Month: 1, Day: 5}
	d := KeepDecision(c, p, now)
	assert.True(t, d.Keep)
	assert.Equal(t, ReasonDaily, d.Reason)
}

func TestKeepDecisionWeeklyRequiresConfiguredDOW(t *testing.T) {
	p := baseProfile()
	now := time.Date(2023, 2, 1, 0, 0, 0, 0, time.Local) // Wednesday
	// 2023-01-08 is a Sunday, 24 days before now.
	sunday := Candidate{Key: "sun", Year: 2023, Month: 1, Day: 8, DOW: time.Sunday}
	monday := Candidate{Key: "mon", Year: 2023, Month: 1, Day: 9, DOW: time.Monday}

	assert.True(t, KeepDecision(sunday, p, now).Keep)
	assert.False(t, KeepDecision(monday, p, now).Keep)
}

func TestKeepDecisionMonthlyRequiresFirstOfMonth(t *testing.T) {
	p := baseProfile()
	now := time.Date(2023, 6, 15, 0, 0, 0, 0, time.Local)
	firstOfMonth := Candidate{Key: "a", Year: 2023, Month: 3, Day: 1}
	midMonth := Candidate{Key: "b", Year: 2023, Month: 3, Day: 15}

	assert.True(t, KeepDecision(firstOfMonth, p, now).Keep)
	assert.False(t, KeepDecision(midMonth, p, now).Keep)
}

func TestKeepDecisionYearlyRequiresJanFirst(t *testing.T) {
	p := baseProfile()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.Local)
	janFirst := Candidate{Key: "a", Year: 2023, Month: 1, Day: 1}
	notJanFirst := Candidate{Key: "b", Year: 2023, Month: 2, Day: 1}

	assert.True(t, KeepDecision(janFirst, p, now).Keep)
	assert.False(t, KeepDecision(notJanFirst, p, now).Keep)
}

func TestHeldCandidateAlwaysKept(t *testing.T) {
	p := baseProfile()
	p.Days = 0
	now := time.Date(2023, 6, 1, 0, 0, 0, 0, time.Local)
	c := Candidate{Key: "a", Year: 2020, Month: 1, Day: 1, Hold: 1}
	d := KeepDecision(c, p, now)
	assert.True(t, d.Keep)
	assert.Equal(t, ReasonHold, d.Reason)
}

// TestFailsafeBlocksPruningEntireProfile covers boundary scenario #4.
func TestFailsafeBlocksPruningEntireProfile(t *testing.T) {
	p := baseProfile()
	p.Days = 0
	p.Failsafe.MinBackups = 5
	p.Failsafe.MinDays = 30
	now := time.Date(2023, 6, 1, 0, 0, 0, 0, time.Local)

	candidates := []Candidate{
		{Key: "a", Year: 2023, Month: 5, Day: 1},
		{Key: "b", Year: 2023, Month: 5, Day: 2},
	}
	plan := Build(candidates, p, now)
	assert.True(t, plan.FailsafeBlocked)
	assert.Empty(t, plan.Delete)
}

func TestSlowPruneBudgetCapsDeletions(t *testing.T) {
	p := baseProfile()
	p.Days = 0
	p.Failsafe.MinBackups = 0
	p.Failsafe.MaxSlowPrune = 1
	now := time.Date(2023, 6, 1, 0, 0, 0, 0, time.Local)

	candidates := []Candidate{
		{Key: "a", Year: 2020, Month: 3, Day: 3},
		{Key: "b", Year: 2020, Month: 3, Day: 4},
		{Key: "c", Year: 2020, Month: 3, Day: 5},
	}
	plan := Build(candidates, p, now)
	assert.Len(t, plan.Delete, 1)
}

// TestConsolidationKeepsOneBackupPerDay covers boundary scenario #5:
// after the consolidation age threshold, surplus same-day backups are
// deleted even though each individually satisfies a keep-decision.
func TestConsolidationKeepsOneBackupPerDay(t *testing.T) {
	p := baseProfile()
	p.Days = 60 // keep-decision alone would retain all of these
	p.Consolidate = 30
	p.Failsafe.MinBackups = 0
	now := time.Date(2023, 6, 1, 0, 0, 0, 0, time.Local)

	candidates := []Candidate{
		{Key: "morning", Year: 2023, Month: 5, Day: 1},
		{Key: "noon", Year: 2023, Month: 5, Day: 1},
		{Key: "evening", Year: 2023, Month: 5, Day: 1},
	}
	plan := Build(candidates, p, now)
	require.Len(t, plan.Delete, 2)
	deleted := map[string]bool{}
	for _, c := range plan.Delete {
		deleted[c.Key] = true
	}
	assert.False(t, deleted["morning"], "first-seen entry for the day is kept")
	assert.True(t, deleted["noon"])
	assert.True(t, deleted["evening"])
}

func TestConsolidationCountsAgainstSharedSlowPruneBudget(t *testing.T) {
	// Open Question #3: consolidation deletions share the slow-prune
	// counter with keep-decision deletions rather than having their own.
	p := baseProfile()
	p.Days = 60
	p.Consolidate = 30
	p.Failsafe.MinBackups = 0
	p.Failsafe.MaxSlowPrune = 1
	now := time.Date(2023, 6, 1, 0, 0, 0, 0, time.Local)

	candidates := []Candidate{
		{Key: "morning", Year: 2023, Month: 5, Day: 1},
		{Key: "noon", Year: 2023, Month: 5, Day: 1},
		{Key: "evening", Year: 2023, Month: 5, Day: 1},
	}
	plan := Build(candidates, p, now)
	assert.Len(t, plan.Delete, 1, "only one deletion should be permitted across both keep-decision and consolidation")
	assert.Equal(t, 0, plan.SlowPruneBudget)
}

func TestDataOnlyDeletesZeroChangeFaubBackups(t *testing.T) {
	p := baseProfile()
	p.Days = 60
	p.Style = config.StyleFaub
	p.DataOnly = true
	p.Failsafe.MinBackups = 0
	now := time.Date(2023, 6, 1, 0, 0, 0, 0, time.Local)

	candidates := []Candidate{
		{Key: "empty", Year: 2023, Month: 5, Day: 1, Modified: 0, UsedBytes: 0},
		{Key: "real", Year: 2023, Month: 5, Day: 2, Modified: 3, UsedBytes: 1024},
	}
	plan := Build(candidates, p, now)
	require.Len(t, plan.Delete, 1)
	assert.Equal(t, "empty", plan.Delete[0].Key)
}

func TestParseHoldSpecialValues(t *testing.T) {
	now := time.Date(2023, 1, 10, 0, 0, 0, 0, time.Local)
	assert.Equal(t, int64(0), ParseHold("", now))
	assert.Equal(t, int64(0), ParseHold("0", now))
	assert.Equal(t, int64(1), ParseHold("::", now))
}

func TestParseHoldRelativeOffsets(t *testing.T) {
	now := time.Date(2023, 1, 10, 0, 0, 0, 0, time.Local)
	assert.Equal(t, now.AddDate(0, 0, 30).Unix(), ParseHold("30d", now))
	assert.Equal(t, now.AddDate(0, 0, 14).Unix(), ParseHold("2w", now))
	assert.Equal(t, now.AddDate(1, 0, 0).Unix(), ParseHold("1y", now))
}

func TestParseHoldAbsoluteDate(t *testing.T) {
	now := time.Date(2023, 1, 10, 0, 0, 0, 0, time.Local)
	want := time.Date(2027, 3, 15, 0, 0, 0, 0, time.Local).Unix()
	assert.Equal(t, want, ParseHold("2027-03-15", now))
}

func TestParseHoldWithAbsoluteDateThenIsHeld(t *testing.T) {
	now := time.Date(2023, 1, 10, 0, 0, 0, 0, time.Local)
	hold := ParseHold("2030-01-01", now)
	c := Candidate{Key: "a", Year: 2020, Month: 1, Day: 1, Hold: hold}
	p := baseProfile()
	d := KeepDecision(c, p, now)
	assert.True(t, d.Keep)
	assert.Equal(t, ReasonHold, d.Reason)
}
