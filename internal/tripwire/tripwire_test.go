package tripwire

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rgennis/managebackups/internal/config"
	"github.com/rgennis/managebackups/internal/fingerprint"
)

func TestVerifyNoViolationsWhenHashesMatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "creds")
	require.NoError(t, os.WriteFile(path, []byte("secret"), 0600))
	sum, err := fingerprint.MD5File(path)
	require.NoError(t, err)

	p := config.NewProfile("test")
	p.Tripwire = []config.TripwirePair{{Path: path, MD5: sum}}

	violations, err := Verify(p)
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestVerifyReportsMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "creds")
	require.NoError(t, os.WriteFile(path, []byte("secret"), 0600))

	p := config.NewProfile("test")
	p.Tripwire = []config.TripwirePair{{Path: path, MD5: "deadbeefdeadbeefdeadbeefdeadbeef"}}

	violations, err := Verify(p)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, path, violations[0].Path)
	assert.NoError(t, violations[0].Err)
}

func TestVerifyReportsMissingFileAsViolation(t *testing.T) {
	p := config.NewProfile("test")
	p.Tripwire = []config.TripwirePair{{Path: "/nonexistent/path", MD5: "x"}}

	violations, err := Verify(p)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Error(t, violations[0].Err)
}

func TestVerifyEmptyWithNoTripwirePairs(t *testing.T) {
	p := config.NewProfile("test")
	violations, err := Verify(p)
	require.NoError(t, err)
	assert.Empty(t, violations)
}
