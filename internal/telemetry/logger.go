// Package telemetry provides the engine's logging and OpenTelemetry
// wiring. Logging stays a thin wrapper over the standard log package;
// structured, queryable observability is carried by OTel instruments
// instead, not by the logger.
package telemetry

import "log"

// Logger is the narrow logging surface every engine package depends on.
type Logger interface {
	Debugf(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// StdLogger logs through the standard library logger with a component
// prefix, e.g. "retry: task 12 dead after 50 attempts".
type StdLogger struct {
	Component string
}

// NewStdLogger returns a Logger prefixed with component, e.g. "retry".
func NewStdLogger(component string) *StdLogger {
	return &StdLogger{Component: component}
}

func (l *StdLogger) Debugf(format string, args ...any) {
	log.Printf(l.Component+": "+format, args...)
}

func (l *StdLogger) Warnf(format string, args ...any) {
	log.Printf(l.Component+": warning: "+format, args...)
}

func (l *StdLogger) Errorf(format string, args ...any) {
	log.Printf(l.Component+": error: "+format, args...)
}

// noop discards everything; useful for tests that don't want log noise.
type noop struct{}

func (noop) Debugf(string, ...any) {}
func (noop) Warnf(string, ...any)  {}
func (noop) Errorf(string, ...any) {}

// NewNoopLogger returns a Logger that discards all messages.
func NewNoopLogger() Logger { return noop{} }
