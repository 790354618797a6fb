// Package log provides the leveled logging facade used throughout
// managebackups. Call sites pass an object describing what the message
// is about (a profile name, a backup path, or nil) followed by a
// printf-style format, mirroring the convention of Debugf/Infof/Errorf
// call sites seen across the backend packages this module grew out of.
package log

import (
	"fmt"
	"io"
	stdlog "log"
	"os"
	"sync"
)

// Level selects which messages reach the sink.
type Level int

const (
	// Debug is the most verbose level.
	Debug Level = iota
	Info
	Notice
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Notice:
		return "NOTICE"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

var (
	mu      sync.Mutex
	level   = Notice
	std     = stdlog.New(os.Stderr, "", stdlog.LstdFlags)
	sinkers []io.Writer
)

// SetLevel changes the minimum level that is emitted.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	level = l
}

// SetOutput redirects the logger's destination, e.g. to the configured
// managebackups.log file.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	std = stdlog.New(w, "", stdlog.LstdFlags)
}

func describe(o any) string {
	if o == nil {
		return "-"
	}
	if s, ok := o.(string); ok && s != "" {
		return s
	}
	return fmt.Sprintf("%v", o)
}

func emit(l Level, o any, format string, args ...any) {
	mu.Lock()
	cur := level
	logger := std
	mu.Unlock()
	if l < cur {
		return
	}
	msg := fmt.Sprintf(format, args...)
	logger.Printf("%-6s %-24s %s", l, describe(o), msg)
}

// Debugf logs a verbose, developer-oriented message about o.
func Debugf(o any, format string, args ...any) { emit(Debug, o, format, args...) }

// Infof logs a routine, operator-visible message about o.
func Infof(o any, format string, args ...any) { emit(Info, o, format, args...) }

// Noticef logs a message that always reaches the log regardless of
// verbosity, matching the "Logf" call sites that bypass the debug gate.
func Noticef(o any, format string, args ...any) { emit(Notice, o, format, args...) }

// Errorf logs a failure about o.
func Errorf(o any, format string, args ...any) { emit(Error, o, format, args...) }
