package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every failure surfaced by the capture and session layers.
type ErrorKind string

const (
	KindPermissionDenied        ErrorKind = "permission_denied"
	KindDeviceNotFound          ErrorKind = "device_not_found"
	KindDeviceBusy              ErrorKind = "device_busy"
	KindConstraintUnsatisfiable ErrorKind = "constraint_unsatisfiable"
	KindInsecureContext         ErrorKind = "insecure_context"
	KindUnsupported             ErrorKind = "unsupported"
	KindChannelTimeout          ErrorKind = "channel_timeout"
	KindChannelError            ErrorKind = "channel_error"
	KindSessionBusy             ErrorKind = "session_busy"
	KindUnknown                 ErrorKind = "unknown"
)

// Error is a classified failure. Only the platform's message text crosses the
// boundary, never the underlying error value.
type Error struct {
	Kind    ErrorKind
	Message string
}

func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches any *Error with the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrPermissionDenied        = &Error{Kind: KindPermissionDenied}
	ErrDeviceNotFound          = &Error{Kind: KindDeviceNotFound}
	ErrDeviceBusy              = &Error{Kind: KindDeviceBusy}
	ErrConstraintUnsatisfiable = &Error{Kind: KindConstraintUnsatisfiable}
	ErrInsecureContext         = &Error{Kind: KindInsecureContext}
	ErrUnsupported             = &Error{Kind: KindUnsupported}
	ErrChannelTimeout          = &Error{Kind: KindChannelTimeout}
	ErrChannelError            = &Error{Kind: KindChannelError}
	ErrSessionBusy             = &Error{Kind: KindSessionBusy}
	ErrUnknown                 = &Error{Kind: KindUnknown}
)

// KindOf extracts the classified kind, defaulting to KindUnknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return KindUnknown
}
