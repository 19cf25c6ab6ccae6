// Package errors provides error wrapping utilities for context-aware error messages
// and the failure taxonomy a resolution pass reports.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Kind classifies why a resolution pass stopped.
type Kind string

const (
	KindNetworkUnavailable Kind = "network_unavailable"
	KindDownloadFailed     Kind = "download_failed"
	KindChecksumMismatch   Kind = "checksum_mismatch"
	KindInsufficientSpace  Kind = "insufficient_disk_space"
	KindUnsupportedVersion Kind = "unofficial_version"
	KindPatchFailed        Kind = "patch_failed"
	KindPermissionDenied   Kind = "permission_denied"
	KindCancelled          Kind = "cancelled"
	KindUnknown            Kind = "unknown"
)

// Error carries a Kind alongside the underlying cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrCancelled is returned when a stop was requested mid-pass.
var ErrCancelled = &Error{Kind: KindCancelled}

// New classifies err under kind. A nil err still yields a non-nil error.
func New(kind Kind, err error) error {
	return &Error{Kind: kind, Err: err}
}

// Newf is New with a formatted cause.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the outermost Kind in err's chain, KindUnknown when the chain
// carries none, and "" for a nil error.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsCancelled reports whether err represents a requested stop.
func IsCancelled(err error) bool {
	return KindOf(err) == KindCancelled
}

// Is and As forward to the standard library so callers need a single import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }
