package pipeline

import (
	"bufio"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingleStagePipeline(t *testing.T) {
	scratch := t.TempDir()
	p, rw, err := Start("cat", scratch)
	require.NoError(t, err)

	go func() {
		_, _ = rw.Write([]byte("hello\n"))
	}()

	r := bufio.NewReader(rw)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "hello\n", line)

	require.NoError(t, rw.Close())
	require.NoError(t, p.Wait())
}

func TestMultiStagePipeline(t *testing.T) {
	scratch := t.TempDir()
	p, rw, err := Start("cat | tr a-z A-Z", scratch)
	require.NoError(t, err)
	require.Len(t, p.Stages, 2)

	go func() {
		_, _ = rw.Write([]byte("abc\n"))
	}()

	r := bufio.NewReader(rw)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "ABC\n", line)

	require.NoError(t, rw.Close())
	_ = p.Wait()
}

func TestStderrCaptured(t *testing.T) {
	scratch := t.TempDir()
	p, rw, err := Start("sh -c 'echo oops 1>&2'", scratch)
	require.NoError(t, err)
	require.NoError(t, rw.Close())
	_ = p.Wait()

	data, err := os.ReadFile(p.Stages[0].StderrLog)
	require.NoError(t, err)
	assert.Contains(t, string(data), "oops")
}
