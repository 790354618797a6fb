package diskspace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFreeReturnsPositiveValueForTempDir(t *testing.T) {
	free, err := Free(t.TempDir())
	require.NoError(t, err)
	assert.Greater(t, free, int64(0))
}

func TestCheckMinFreeDisabledByNonPositive(t *testing.T) {
	assert.NoError(t, CheckMinFree(t.TempDir(), 0))
	assert.NoError(t, CheckMinFree(t.TempDir(), -1))
}

func TestCheckMinFreeFailsWhenThresholdUnreachable(t *testing.T) {
	err := CheckMinFree(t.TempDir(), 1<<62)
	require.Error(t, err)
}

func TestCheckMinFreePassesForSmallThreshold(t *testing.T) {
	assert.NoError(t, CheckMinFree(t.TempDir(), 1))
}
