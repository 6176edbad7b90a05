package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a domain failure. Kinds are stable strings: they travel to
// clients in gRPC error details and WebSocket error frames.
type Kind string

const (
	KindNotFound              Kind = "not_found"
	KindForbidden             Kind = "forbidden"
	KindConflict              Kind = "conflict"
	KindInsufficientQuota     Kind = "insufficient_quota"
	KindEditWindowExpired     Kind = "edit_window_expired"
	KindInvalidOperation      Kind = "invalid_operation"
	KindInvalidArgument       Kind = "invalid_argument"
	KindMediaUploadFailed     Kind = "media_upload_failed"
	KindTransientStoreFailure Kind = "transient_store_failure"
	KindInternal              Kind = "internal"
)

// Error is the domain error carried between layers.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound) works
// regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind && t.Message == ""
	}
	return false
}

// Sentinels for errors.Is checks.
var (
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrForbidden         = &Error{Kind: KindForbidden}
	ErrConflict          = &Error{Kind: KindConflict}
	ErrInsufficientQuota = &Error{Kind: KindInsufficientQuota}
	ErrEditWindowExpired = &Error{Kind: KindEditWindowExpired}
	ErrInvalidOperation  = &Error{Kind: KindInvalidOperation}
	ErrInvalidArgument   = &Error{Kind: KindInvalidArgument}
	ErrMediaUpload       = &Error{Kind: KindMediaUploadFailed}
	ErrTransientStore    = &Error{Kind: KindTransientStoreFailure}
)

func New(kind Kind, msg string) *Error { return &Error{Kind: kind, Message: msg} }

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

func NotFound(msg string) error          { return New(KindNotFound, msg) }
func Forbidden(msg string) error         { return New(KindForbidden, msg) }
func Conflict(msg string) error          { return New(KindConflict, msg) }
func InsufficientQuota(msg string) error { return New(KindInsufficientQuota, msg) }
func EditWindowExpired(msg string) error { return New(KindEditWindowExpired, msg) }
func InvalidOperation(msg string) error  { return New(KindInvalidOperation, msg) }
func InvalidArgument(msg string) error   { return New(KindInvalidArgument, msg) }

func MediaUploadFailed(err error) error {
	return Wrap(KindMediaUploadFailed, "media upload failed", err)
}

func TransientStore(err error) error {
	return Wrap(KindTransientStoreFailure, "store unavailable", err)
}

// KindOf returns the kind of the first *Error in the chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf returns the client-safe message for err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		switch e.Kind {
		case KindTransientStoreFailure, KindInternal:
			return "service temporarily unavailable"
		}
		if e.Message != "" {
			return e.Message
		}
		return string(e.Kind)
	}
	return "internal error"
}
