// Package pipeline forks a user-supplied shell pipeline (cmd1 | cmd2 |
// ...), exposing the first stage's stdin and last stage's stdout as an
// io.ReadWriteCloser, reaping every child on Wait and capturing each
// stage's stderr to its own file under a scratch directory. It is the
// Go analogue of the original PipeExec.cc process group, grounded on
// the scoped-resource ownership idiom of backend/sftp's external
// process wiring (ssh_external.go): the stderr scratch directory is
// owned by the Pipeline value and removed by Wait unless retention
// was requested.
package pipeline

import (
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rgennis/managebackups/internal/errs"
	"github.com/rgennis/managebackups/internal/log"
)

// Stage is one command in the pipeline plus the path its stderr was
// captured to.
type Stage struct {
	Cmd       *exec.Cmd
	StderrLog string
}

// Pipeline is a forked shell pipeline with its external ends exposed
// as a single ReadWriteCloser.
type Pipeline struct {
	Stages    []*Stage
	stdin     io.WriteCloser
	stdout    io.ReadCloser
	scratch   string
	retain    bool
}

// pipeReadWriter bridges the pipeline's first stdin and last stdout
// into the single io.ReadWriteCloser the ipc.Channel expects.
type pipeReadWriter struct {
	io.WriteCloser
	io.ReadCloser
}

func (p *pipeReadWriter) Close() error {
	werr := p.WriteCloser.Close()
	rerr := p.ReadCloser.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// Start splits cmdline on "|", trims each stage, and forks one child
// per stage with stage i's stdout wired to stage i+1's stdin. Each
// stage's stderr is redirected to its own file under scratchDir.
func Start(cmdline, scratchDir string) (*Pipeline, io.ReadWriteCloser, error) {
	parts := strings.Split(cmdline, "|")
	if len(parts) == 0 {
		return nil, nil, errs.New(errs.KindValidation, "empty pipeline command")
	}

	if err := os.MkdirAll(scratchDir, 0755); err != nil {
		return nil, nil, errs.Wrap(errs.KindIO, err, "creating pipeline scratch dir")
	}

	p := &Pipeline{scratch: scratchDir}

	var prevStdout io.ReadCloser
	for i, raw := range parts {
		fields := strings.Fields(strings.TrimSpace(raw))
		if len(fields) == 0 {
			p.killStarted()
			return nil, nil, errs.New(errs.KindValidation, "empty pipeline stage")
		}

		cmd := exec.Command(fields[0], fields[1:]...)

		stderrPath := filepath.Join(scratchDir, "stage"+strconv.Itoa(i)+".stderr")
		stderrFile, err := os.Create(stderrPath)
		if err != nil {
			p.killStarted()
			return nil, nil, errs.Wrap(errs.KindIO, err, "creating stderr capture file")
		}
		cmd.Stderr = stderrFile

		if prevStdout != nil {
			cmd.Stdin = prevStdout
		}

		var stdinPipe io.WriteCloser
		if i == 0 {
			stdinPipe, err = cmd.StdinPipe()
			if err != nil {
				p.killStarted()
				return nil, nil, errs.Wrap(errs.KindIO, err, "exec")
			}
		}

		stdoutPipe, err := cmd.StdoutPipe()
		if err != nil {
			p.killStarted()
			return nil, nil, errs.Wrap(errs.KindIO, err, "exec")
		}

		if err := cmd.Start(); err != nil {
			_ = stderrFile.Close()
			p.killStarted()
			return nil, nil, errs.Wrap(errs.KindIO, err, "fork/exec pipeline stage")
		}

		p.Stages = append(p.Stages, &Stage{Cmd: cmd, StderrLog: stderrPath})

		if i == 0 {
			p.stdin = stdinPipe
		}
		if i == len(parts)-1 {
			p.stdout = stdoutPipe
		} else {
			prevStdout = stdoutPipe
		}
	}

	return p, &pipeReadWriter{WriteCloser: p.stdin, ReadCloser: p.stdout}, nil
}

func (p *Pipeline) killStarted() {
	for _, s := range p.Stages {
		_ = s.Cmd.Process.Kill()
	}
}

// Retain keeps the stderr scratch directory after Wait instead of
// removing it, for post-mortem diagnosis of a failed backup.
func (p *Pipeline) Retain() { p.retain = true }

// Wait reaps every child, returning the first non-nil exit error. A
// non-zero exit status is surfaced to the caller but does not panic;
// it is up to the orchestrator to treat it as a backup failure.
func (p *Pipeline) Wait() error {
	var first error
	for _, s := range p.Stages {
		if err := s.Cmd.Wait(); err != nil {
			log.Errorf(s.Cmd.Path, "pipeline stage exited: %v (stderr: %s)", err, s.StderrLog)
			if first == nil {
				first = err
			}
		}
	}
	if !p.retain {
		if err := os.RemoveAll(p.scratch); err != nil {
			log.Debugf(p.scratch, "could not remove pipeline scratch dir: %v", err)
		}
	}
	return first
}
