// Package logger defines the structured logging contract used throughout the
// library and provides zerolog-backed and no-op implementations.
package logger

import "time"

// Logger is the contract for structured logging. Components receive a Logger
// rather than a concrete implementation so callers can plug in their own.
type Logger interface {
	Info() LogEvent
	Error() LogEvent
	Debug() LogEvent
	Warn() LogEvent
	WithFields(fields map[string]any) Logger
}

// LogEvent represents a structured log event that is built up with fields and
// finished with Msg or Msgf.
type LogEvent interface {
	Msg(msg string)
	Msgf(format string, args ...any)
	Err(err error) LogEvent
	Str(key, value string) LogEvent
	Int(key string, value int) LogEvent
	Int64(key string, value int64) LogEvent
	Dur(key string, d time.Duration) LogEvent
	Bytes(key string, val []byte) LogEvent
}
