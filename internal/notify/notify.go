// Package notify implements the notification subsystem (spec §7,
// supplemented feature #3): dispatching a success/failure report for
// a profile run through one or more channels, but only when the
// outcome differs from the last reported outcome for that profile.
package notify

import (
	"bytes"
	"fmt"
	"net/smtp"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rgennis/managebackups/internal/errs"
)

// Report is one run's outcome for a profile.
type Report struct {
	Profile string
	Success bool
	Summary string
}

// Notifier delivers a Report through one channel. The external mail
// relay or script it invokes is a collaborator outside this module's
// scope; Notifier only defines the dispatch contract.
type Notifier interface {
	Notify(r Report) error
}

// EmailNotifier sends r as a plaintext message via net/smtp.
type EmailNotifier struct {
	SMTPAddr string // host:port
	From     string
	To       []string
}

func (n EmailNotifier) Notify(r Report) error {
	status := "SUCCESS"
	if !r.Success {
		status = "FAILURE"
	}
	subject := fmt.Sprintf("managebackups: %s %s", r.Profile, status)

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", n.From)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(n.To, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n\r\n", subject)
	buf.WriteString(r.Summary)

	if err := smtp.SendMail(n.SMTPAddr, nil, n.From, n.To, buf.Bytes()); err != nil {
		return errs.Wrap(errs.KindIO, err, "sending notification email")
	}
	return nil
}

// ScriptNotifier runs an external script, passing the report as
// arguments and environment variables.
type ScriptNotifier struct {
	Path string
}

func (n ScriptNotifier) Notify(r Report) error {
	cmd := exec.Command(n.Path, r.Profile, strconv.FormatBool(r.Success))
	cmd.Env = append(os.Environ(),
		"MB_PROFILE="+r.Profile,
		"MB_SUCCESS="+strconv.FormatBool(r.Success),
		"MB_SUMMARY="+r.Summary,
	)
	if err := cmd.Run(); err != nil {
		return errs.Wrap(errs.KindIO, err, "running notification script "+n.Path)
	}
	return nil
}

// NoopNotifier discards every report; used by profiles with no
// configured notify list.
type NoopNotifier struct{}

func (NoopNotifier) Notify(Report) error { return nil }

// StateTracker persists the last reported success/failure per profile
// under the cache directory, so Dispatch can suppress a notification
// whose outcome matches the previous run.
type StateTracker struct {
	dir string
}

// NewStateTracker returns a tracker persisting state files under dir.
func NewStateTracker(dir string) *StateTracker {
	return &StateTracker{dir: dir}
}

func (s *StateTracker) statePath(profile string) string {
	return filepath.Join(s.dir, profile+".notifystate")
}

// Last returns the last recorded success value for profile and true,
// or false, false if no prior state exists.
func (s *StateTracker) Last(profile string) (success bool, ok bool) {
	data, err := os.ReadFile(s.statePath(profile))
	if err != nil {
		return false, false
	}
	v, err := strconv.ParseBool(strings.TrimSpace(string(data)))
	if err != nil {
		return false, false
	}
	return v, true
}

// Record persists success as profile's new last-known state.
func (s *StateTracker) Record(profile string, success bool) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return errs.Wrap(errs.KindIO, err, "creating "+s.dir)
	}
	path := s.statePath(profile)
	tmp, err := os.CreateTemp(s.dir, ".notifystate.*.tmp")
	if err != nil {
		return errs.Wrap(errs.KindIO, err, "creating temp state file")
	}
	tmpPath := tmp.Name()
	_, werr := tmp.WriteString(strconv.FormatBool(success))
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		os.Remove(tmpPath)
		if werr != nil {
			return errs.Wrap(errs.KindIO, werr, "writing "+tmpPath)
		}
		return errs.Wrap(errs.KindIO, cerr, "closing "+tmpPath)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return errs.Wrap(errs.KindIO, err, "renaming "+tmpPath)
	}
	return nil
}

// Dispatch sends r through every notifier in notifiers unless r's
// outcome matches the last recorded outcome for r.Profile and opt-in
// same-state notification was not requested, per spec §7 "Notifications
// on state change only (... or opt-in)". It always records the new
// outcome afterward.
func Dispatch(r Report, notifiers []Notifier, tracker *StateTracker, notifyOnSameState bool) error {
	last, ok := tracker.Last(r.Profile)
	suppressed := ok && last == r.Success && !notifyOnSameState

	var firstErr error
	if !suppressed {
		for _, n := range notifiers {
			if err := n.Notify(r); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}

	if err := tracker.Record(r.Profile, r.Success); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
