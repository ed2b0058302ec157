package errutil

import (
	"context"
	"errors"
	"log/slog"
)

// LogMsg logs an absorbed error with a custom message if it is not nil.
// Context cancellation is logged at debug level since it only happens on shutdown
// or when a caller went away.
func LogMsg(err error, msg string, args ...any) {
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		slog.Debug(msg, withErr(err, args)...)
		return
	}
	slog.Warn(msg, withErr(err, args)...)
}

// ReportError logs an unexpected error.
// It funnels errors through a centralized reporting mechanism (currently slog).
func ReportError(err error, msg string, args ...any) {
	if err != nil {
		slog.Error(msg, withErr(err, args)...)
	}
}

func withErr(err error, args []any) []any {
	all := make([]any, 0, len(args)+2)
	all = append(all, "error", err)
	return append(all, args...)
}
