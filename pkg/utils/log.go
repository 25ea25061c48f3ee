// Package utils provides some small utility functions.
package utils

import "log/slog"

// Logger returns the provided logger or a logger that discards everything.
func Logger(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return logger
}
