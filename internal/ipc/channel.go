// Package ipc implements the framed channel described in spec §4.1: a
// length-prefixed protocol for integers, delimited strings, and raw
// file bodies over any byte-stream (socket, pipe, or stdio pair), with
// per-call deadlines. It is the transport the Faub protocol engine
// speaks.
package ipc

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/rgennis/managebackups/internal/errs"
)

const (
	// BufSize is the wire chunking size for streamed file bodies.
	BufSize = 64 * 1024

	// RecordDelim terminates a delimited string record.
	RecordDelim = ";\n"

	// RecordSentinel is the end-of-list marker sent as a string value.
	RecordSentinel = "///;/"

	// Terminator is RecordSentinel framed as a full record, i.e. what
	// actually crosses the wire to end a list.
	Terminator = RecordSentinel + RecordDelim

	// DefaultTimeout is the channel's default per-call deadline.
	DefaultTimeout = 120 * time.Second

	// ServerLoopTimeout is the shorter deadline the Faub server loop
	// uses while waiting on the client.
	ServerLoopTimeout = 60 * time.Second
)

// deadliner is satisfied by net.Conn and *os.File on platforms where
// pipes support deadlines; when the underlying stream doesn't
// implement it, Channel falls back to a goroutine-based watchdog.
type deadliner interface {
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

// Channel is a framed IPC channel over an arbitrary byte stream.
type Channel struct {
	r       *bufio.Reader
	w       io.Writer
	closer  io.Closer
	dl      deadliner
	Timeout time.Duration
}

// New wraps rw (and, if it implements io.Closer, arranges for Close to
// close it) as a framed Channel with the default timeout.
func New(rw io.ReadWriter) *Channel {
	c := &Channel{
		r:       bufio.NewReaderSize(rw, BufSize),
		w:       rw,
		Timeout: DefaultTimeout,
	}
	if d, ok := rw.(deadliner); ok {
		c.dl = d
	}
	if cl, ok := rw.(io.Closer); ok {
		c.closer = cl
	}
	return c
}

// Close closes the underlying stream if it supports it.
func (c *Channel) Close() error {
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

// withDeadline arranges for fn to be aborted with errs.Timeout if it
// doesn't complete within c.Timeout. When the underlying stream
// supports real deadlines those are used directly (the common case);
// otherwise a watchdog goroutine races fn against a timer, grounded on
// the context-reader wrapper idiom used for timeout-aware io.Readers.
func (c *Channel) withDeadline(fn func() error) error {
	if c.dl != nil {
		deadline := time.Now().Add(c.Timeout)
		_ = c.dl.SetReadDeadline(deadline)
		_ = c.dl.SetWriteDeadline(deadline)
		if err := fn(); err != nil {
			if isTimeout(err) {
				return errs.Wrap(errs.KindTimeout, err, "ipc deadline exceeded")
			}
			return err
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return errs.Wrap(errs.KindTimeout, ctx.Err(), "ipc deadline exceeded")
	}
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	t, ok := err.(timeout)
	return ok && t.Timeout()
}

// ReadBytes reads exactly n bytes, blocking up to the channel timeout.
func (c *Channel) ReadBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	err := c.withDeadline(func() error {
		_, err := io.ReadFull(c.r, buf)
		return err
	})
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, errs.Closed
		}
		return nil, err
	}
	return buf, nil
}

// ReadI64 reads 8 bytes big-endian. Any bytes already buffered by a
// prior ReadDelimited are consumed first because both operations share
// the same bufio.Reader.
func (c *Channel) ReadI64() (int64, error) {
	buf, err := c.ReadBytes(8)
	if err != nil {
		return 0, err
	}
	return beToI64(buf), nil
}

// ReadDelimited reads bytes up to but not including delim, buffering
// any surplus already read for subsequent reads (handled implicitly by
// bufio.Reader). Fails with errs.Closed if EOF arrives first.
func (c *Channel) ReadDelimited(delim string) (string, error) {
	var sb strings.Builder
	err := c.withDeadline(func() error {
		for {
			b, err := c.r.ReadByte()
			if err != nil {
				return err
			}
			sb.WriteByte(b)
			if strings.HasSuffix(sb.String(), delim) {
				return nil
			}
		}
	})
	if err != nil {
		if errors.Is(err, io.EOF) {
			return "", errs.Closed
		}
		return "", err
	}
	s := sb.String()
	return s[:len(s)-len(delim)], nil
}

// WriteBytes writes buf verbatim.
func (c *Channel) WriteBytes(buf []byte) error {
	return c.withDeadline(func() error {
		_, err := c.w.Write(buf)
		return err
	})
}

// WriteI64 writes v as 8 bytes big-endian.
func (c *Channel) WriteI64(v int64) error {
	return c.WriteBytes(i64ToBE(v))
}

// WriteDelimited writes s followed by delim.
func (c *Channel) WriteDelimited(s, delim string) error {
	return c.WriteBytes([]byte(s + delim))
}

// WriteTerminator writes the end-of-list sentinel record.
func (c *Channel) WriteTerminator() error {
	return c.WriteDelimited(RecordSentinel, RecordDelim)
}

// ReadTerminator reads one delimited record and reports whether it was
// the end-of-list sentinel.
func (c *Channel) ReadTerminator() (bool, string, error) {
	s, err := c.ReadDelimited(RecordDelim)
	if err != nil {
		return false, "", err
	}
	return s == RecordSentinel, s, nil
}

func beToI64(b []byte) int64 {
	var v int64
	for _, x := range b {
		v = v<<8 | int64(x)
	}
	return v
}

func i64ToBE(v int64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

func ensureDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0755)
}
