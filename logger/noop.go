package logger

import "time"

// NoOp returns a Logger that discards everything. It is the default for
// components constructed without an explicit logger.
func NoOp() Logger {
	return noopLogger{}
}

type noopLogger struct{}

func (noopLogger) Info() LogEvent                     { return noopEvent{} }
func (noopLogger) Error() LogEvent                    { return noopEvent{} }
func (noopLogger) Debug() LogEvent                    { return noopEvent{} }
func (noopLogger) Warn() LogEvent                     { return noopEvent{} }
func (n noopLogger) WithFields(map[string]any) Logger { return n }

type noopEvent struct{}

func (noopEvent) Msg(string)                        {}
func (noopEvent) Msgf(string, ...any)               {}
func (e noopEvent) Err(error) LogEvent              { return e }
func (e noopEvent) Str(string, string) LogEvent     { return e }
func (e noopEvent) Int(string, int) LogEvent        { return e }
func (e noopEvent) Int64(string, int64) LogEvent    { return e }
func (e noopEvent) Dur(string, time.Duration) LogEvent { return e }
func (e noopEvent) Bytes(string, []byte) LogEvent   { return e }
