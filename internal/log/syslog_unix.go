//go:build !windows && !plan9

package log

import "log/syslog"

// UseSyslog switches the facade to the platform syslog, matching the
// profile's choice between platform syslog and <logdir>/managebackups.log.
func UseSyslog(tag string) error {
	w, err := syslog.New(syslog.LOG_NOTICE|syslog.LOG_DAEMON, tag)
	if err != nil {
		return err
	}
	SetOutput(w)
	return nil
}
