package promise

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// CancelError is the distinguished rejection value for cancelled work. All
// low-level cancellation signals are normalized to this type before they
// reach a rejection handler, so callers can tell "aborted" from "broke"
// with a single check.
type CancelError struct {
	Reason string
}

func (e *CancelError) Error() string {
	if e.Reason == "" {
		return "operation cancelled"
	}
	return "operation cancelled: " + e.Reason
}

// IsCancelled reports whether err represents a cancellation, either a
// *CancelError or a raw context cancellation that has not yet been
// normalized.
func IsCancelled(err error) bool {
	var ce *CancelError
	return errors.As(err, &ce) || errors.Is(err, context.Canceled)
}

// normalize converts low-level cancellation signals into *CancelError so
// that cancellation never escapes as a bare context error.
func normalize(err error) error {
	if err == nil {
		return errors.New("promise rejected with nil error")
	}
	var ce *CancelError
	if errors.As(err, &ce) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return &CancelError{Reason: err.Error()}
	}
	return err
}

// ReportError receives rejections that were never handled by the time their
// promise became unreachable. Replaceable for tests and host integration;
// it must never silently drop the error.
var ReportError = func(err error) {
	slog.Error("unhandled promise rejection", "error", err)
}

func panicError(v any) error {
	if err, ok := v.(error); ok {
		return err
	}
	return fmt.Errorf("panic: %v", v)
}
