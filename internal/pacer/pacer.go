// Package pacer implements a small exponential-backoff retry helper
// in the spirit of rclone's lib/pacer: a caller wraps a fallible
// operation in Call and reports, per attempt, whether the error is
// worth retrying. Backoff doubles on each retryable failure, capped at
// MaxSleep and jittered so concurrent callers don't all wake at once.
package pacer

import (
	"math/rand"
	"time"

	"github.com/rgennis/managebackups/internal/errs"
)

// Pacer holds the backoff policy for one retry loop: up to Retries
// attempts beyond the first, sleeping between MinSleep and MaxSleep.
type Pacer struct {
	MinSleep time.Duration
	MaxSleep time.Duration
	Retries  int
}

// New builds a Pacer with the given backoff bounds and retry count.
func New(minSleep, maxSleep time.Duration, retries int) *Pacer {
	return &Pacer{MinSleep: minSleep, MaxSleep: maxSleep, Retries: retries}
}

// Call runs fn until it succeeds, fn reports its error isn't
// retryable, or the retry budget is exhausted, sleeping with
// exponential backoff between attempts. It returns the final error, or
// nil on success.
func (p *Pacer) Call(fn func() (retry bool, err error)) error {
	sleep := p.MinSleep
	var err error
	for attempt := 0; attempt <= p.Retries; attempt++ {
		var retry bool
		retry, err = fn()
		if err == nil {
			return nil
		}
		if !retry || attempt == p.Retries {
			return err
		}
		time.Sleep(jitter(sleep))
		sleep *= 2
		if sleep > p.MaxSleep {
			sleep = p.MaxSleep
		}
	}
	return err
}

// jitter returns a duration in [d/2, 3d/2) so retrying callers spread
// out instead of waking in lockstep.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d/2 + time.Duration(rand.Int63n(int64(d)))
}

// RetryableIOOrTimeout classifies an errs.Error by Kind: I/O and
// timeout failures are worth retrying, everything else (validation,
// protocol, policy, lock contention) is not.
func RetryableIOOrTimeout(err error) bool {
	return errs.Is(err, errs.KindIO) || errs.Is(err, errs.KindTimeout)
}
