// Package logging provides leveled logging shared by every component.
//
// Output goes through pterm's default logger. Callers prefix their
// messages with the package name, e.g. "relay: resend fired".
package logging

import (
	"fmt"
	"io"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05.000"
	pterm.DefaultLogger.MaxWidth = 1000
}

func Debugf(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func Infof(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func Warnf(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func Errorf(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug lowers the level so that Debugf lines are printed.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// SetOutput redirects log output, e.g. to io.Discard in tests or when the
// terminal is taken by the status panel.
func SetOutput(w io.Writer) {
	pterm.DefaultLogger.Writer = w
}
