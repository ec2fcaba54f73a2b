package transport

import "log/slog"

// Logger takes structured records as alternating key-value pairs.
// *slog.Logger satisfies it, and the logging package adapts zap to it.
// Conn, Client, Relay and the node all log through this interface.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// DefaultLogger returns slog.Default().
func DefaultLogger() Logger {
	return slog.Default()
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// NopLogger discards every record. Tests use it to keep output quiet.
func NopLogger() Logger {
	return nopLogger{}
}
