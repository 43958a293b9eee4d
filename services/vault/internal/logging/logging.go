// Package logging adapts the levelled terminal logger used across the vault.
package logging

import (
	"strings"

	"github.com/mborders/logmatic"
)

// Logger is the subset of *logmatic.Logger the services depend on.
type Logger interface {
	Debug(format string, a ...interface{})
	Info(format string, a ...interface{})
	Warn(format string, a ...interface{})
	Error(format string, a ...interface{})
}

var _ Logger = (*logmatic.Logger)(nil)

// New returns a logmatic logger at the named level (trace, debug, info,
// warn, error). Unknown names fall back to info.
func New(level string) *logmatic.Logger {
	l := logmatic.NewLogger()
	l.SetLevel(ParseLevel(level))
	return l
}

func ParseLevel(level string) logmatic.LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return logmatic.TRACE
	case "debug":
		return logmatic.DEBUG
	case "warn", "warning":
		return logmatic.WARN
	case "error":
		return logmatic.ERROR
	default:
		return logmatic.INFO
	}
}

type nop struct{}

func (nop) Debug(string, ...interface{}) {}
func (nop) Info(string, ...interface{})  {}
func (nop) Warn(string, ...interface{})  {}
func (nop) Error(string, ...interface{}) {}

// Nop discards everything.
func Nop() Logger { return nop{} }
