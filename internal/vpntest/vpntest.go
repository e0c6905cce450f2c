// Package vpntest provides shared helpers for unit tests.
package vpntest

import (
	"fmt"

	"github.com/protovpn/protovpn/internal/model"
)

// quietLogger discards everything.
type quietLogger struct{}

var _ model.Logger = &quietLogger{}

func (quietLogger) Debug(msg string)               {}
func (quietLogger) Debugf(format string, v ...any) {}
func (quietLogger) Info(msg string)                {}
func (quietLogger) Infof(format string, v ...any)  {}
func (quietLogger) Warn(msg string)                {}
func (quietLogger) Warnf(format string, v ...any)  {}

// Logger returns a logger suitable for tests.
func Logger() model.Logger {
	return &quietLogger{}
}

// RecordingLogger accumulates the formatted lines it receives.
type RecordingLogger struct {
	Lines []string
}

var _ model.Logger = &RecordingLogger{}

func (l *RecordingLogger) record(msg string) {
	l.Lines = append(l.Lines, msg)
}

// Debug implements model.Logger.
func (l *RecordingLogger) Debug(msg string) { l.record(msg) }

// Debugf implements model.Logger.
func (l *RecordingLogger) Debugf(format string, v ...any) { l.record(fmt.Sprintf(format, v...)) }

// Info implements model.Logger.
func (l *RecordingLogger) Info(msg string) { l.record(msg) }

// Infof implements model.Logger.
func (l *RecordingLogger) Infof(format string, v ...any) { l.record(fmt.Sprintf(format, v...)) }

// Warn implements model.Logger.
func (l *RecordingLogger) Warn(msg string) { l.record(msg) }

// Warnf implements model.Logger.
func (l *RecordingLogger) Warnf(format string, v ...any) { l.record(fmt.Sprintf(format, v...)) }
