package errors

import (
	stderrors "errors"
	"fmt"
	"path/filepath"
	"runtime"
)

// Error kinds shared across the bridge. Match them with Is.
var (
	ErrAuth                = stderrors.New("auth error")
	ErrUpstreamUnavailable = stderrors.New("upstream unavailable")
	ErrInvalidState        = stderrors.New("invalid state")
	ErrMalformedUpstream   = stderrors.New("malformed upstream")
	ErrUnknownServer       = stderrors.New("unknown server")
	ErrServerUnavailable   = stderrors.New("server unavailable")
	ErrRender              = stderrors.New("render error")
	ErrToolDenied          = stderrors.New("tool denied")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrAuth, "auth_error"},
	{ErrUpstreamUnavailable, "upstream_unavailable"},
	{ErrInvalidState, "invalid_state"},
	{ErrMalformedUpstream, "malformed_upstream"},
	{ErrUnknownServer, "unknown_server"},
	{ErrServerUnavailable, "server_unavailable"},
	{ErrRender, "render_error"},
	{ErrToolDenied, "tool_denied"},
}

// New creates a new error with file and line number information.
func New(format string, a ...interface{}) error {
	file, line := caller()
	return fmt.Errorf("[%s:%d] %s", file, line, fmt.Sprintf(format, a...))
}

// Wrapf adds context (including file and line number) to an existing error.
// If the provided error is nil, Wrapf returns nil.
func Wrapf(err error, format string, a ...interface{}) error {
	if err == nil {
		return nil
	}
	file, line := caller()
	return fmt.Errorf("[%s:%d] %s: %w", file, line, fmt.Sprintf(format, a...), err)
}

// Tag marks an error with one of the kinds above. The cause may be nil.
// Both the kind and the cause are reachable through Is and As.
func Tag(kind error, cause error, format string, a ...interface{}) error {
	file, line := caller()
	msg := fmt.Sprintf(format, a...)
	if cause == nil {
		return fmt.Errorf("[%s:%d] %w: %s", file, line, kind, msg)
	}
	return fmt.Errorf("[%s:%d] %w: %s: %w", file, line, kind, msg, cause)
}

// KindOf returns the name of the first kind found in err's chain, or
// "internal" when err carries none.
func KindOf(err error) string {
	for _, k := range kinds {
		if stderrors.Is(err, k.err) {
			return k.name
		}
	}
	return "internal"
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool { return stderrors.As(err, target) }

func caller() (string, int) {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return "???", 0
	}
	return filepath.Base(file), line
}
