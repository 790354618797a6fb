package pacer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rgennis/managebackups/internal/errs"
)

func TestCallSucceedsWithoutRetryingOnFirstSuccess(t *testing.T) {
	p := New(time.Millisecond, time.Millisecond, 5)
	calls := 0
	err := p.Call(func() (bool, error) {
		calls++
		return false, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestCallRetriesUntilSuccess(t *testing.T) {
	p := New(time.Millisecond, 2*time.Millisecond, 5)
	calls := 0
	err := p.Call(func() (bool, error) {
		calls++
		if calls < 3 {
			return true, errs.New(errs.KindIO, "transient")
		}
		return false, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestCallStopsImmediatelyOnNonRetryableError(t *testing.T) {
	p := New(time.Millisecond, time.Millisecond, 5)
	calls := 0
	err := p.Call(func() (bool, error) {
		calls++
		return false, errs.New(errs.KindValidation, "bad config")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestCallExhaustsRetryBudget(t *testing.T) {
	p := New(time.Millisecond, time.Millisecond, 2)
	calls := 0
	err := p.Call(func() (bool, error) {
		calls++
		return true, errs.New(errs.KindIO, "still broken")
	})
	assert.Error(t, err)
	assert.Equal(t, 3, calls) // initial attempt + 2 retries
}

func TestRetryableIOOrTimeoutClassification(t *testing.T) {
	assert.True(t, RetryableIOOrTimeout(errs.New(errs.KindIO, "x")))
	assert.True(t, RetryableIOOrTimeout(errs.New(errs.KindTimeout, "x")))
	assert.False(t, RetryableIOOrTimeout(errs.New(errs.KindValidation, "x")))
	assert.False(t, RetryableIOOrTimeout(errs.New(errs.KindLockContention, "x")))
}
