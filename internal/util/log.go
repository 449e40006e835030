// Package util provides the process-wide logger and mux traffic counters.
package util

import (
	"fmt"
	"os"

	"github.com/pterm/pterm"
)

// Log is the logger every bitmesh package writes through. Debug output is
// suppressed until EnableDebug; everything goes to stderr.
var Log = pterm.DefaultLogger.
	WithWriter(os.Stderr).
	WithTime(true).
	WithTimeFormat("15:04:05").
	WithMaxWidth(120)

// EnableDebug lowers the threshold so Debugf output is shown.
func EnableDebug() {
	Log.Level = pterm.LogLevelDebug
}

// Printf-style helpers over Log, one per level the mux actually uses:
// Debugf for per-frame and per-channel noise, Infof for lifecycle, Warnf
// for recoverable faults the reader survives, Errorf for faults that end a
// connection or a run.

func Debugf(format string, args ...any) {
	Log.Debug(fmt.Sprintf(format, args...))
}

func Infof(format string, args ...any) {
	Log.Info(fmt.Sprintf(format, args...))
}

func Warnf(format string, args ...any) {
	Log.Warn(fmt.Sprintf(format, args...))
}

func Errorf(format string, args ...any) {
	Log.Error(fmt.Sprintf(format, args...))
}
