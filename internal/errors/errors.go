package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a recording failure so callers can offer kind-specific guidance.
type Kind string

const (
	KindUserCancelled       Kind = "UserCancelled"
	KindPermissionDenied    Kind = "PermissionDenied"
	KindPlatformUnavailable Kind = "PlatformUnavailable"
	KindCaptureFailed       Kind = "CaptureFailed"
	KindNoSupportedFormat   Kind = "NoSupportedFormat"
	KindAlreadyRecording    Kind = "AlreadyRecording"
	KindNotRecording        Kind = "NotRecording"
	KindEmptyRecording      Kind = "EmptyRecording"
	KindEncoderFault        Kind = "EncoderFault"
	KindUploadFailed        Kind = "UploadFailed"
	KindUnknown             Kind = "Unknown"
)

var (
	ErrUserCancelled       = &Error{Kind: KindUserCancelled, msg: "user cancelled capture selection"}
	ErrPermissionDenied    = &Error{Kind: KindPermissionDenied, msg: "capture permission denied"}
	ErrPlatformUnavailable = &Error{Kind: KindPlatformUnavailable, msg: "capture platform unavailable"}
	ErrCaptureFailed       = &Error{Kind: KindCaptureFailed, msg: "capture failed"}
	ErrNoSupportedFormat   = &Error{Kind: KindNoSupportedFormat, msg: "no supported recording format"}
	ErrAlreadyRecording    = &Error{Kind: KindAlreadyRecording, msg: "already recording"}
	ErrNotRecording        = &Error{Kind: KindNotRecording, msg: "not currently recording"}
	ErrEmptyRecording      = &Error{Kind: KindEmptyRecording, msg: "no data captured (empty recording)"}
	ErrEncoderFault        = &Error{Kind: KindEncoderFault, msg: "encoder fault"}
	ErrUploadFailed        = &Error{Kind: KindUploadFailed, msg: "upload failed"}
)

// Error carries a Kind, the operation that failed and the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error

	msg string
}

func (e *Error) Error() string {
	switch {
	case e.msg != "":
		return e.msg
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, sentinel(e.Kind).msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", sentinel(e.Kind).msg, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, sentinel(e.Kind).msg)
	default:
		return sentinel(e.Kind).msg
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so wrapped errors satisfy errors.Is
// against the package sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Wrap builds an error of the given kind around err.
func Wrap(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds an error of the given kind from a format string.
func Newf(kind Kind, op string, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// ErrUploadFailedFor wraps a storage backend failure.
func ErrUploadFailedFor(location string, err error) error {
	return Wrap(KindUploadFailed, location, err)
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is, As, New and Join re-export the standard library so callers need a single import.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }

func New(text string) error { return errors.New(text) }

func Join(errs ...error) error { return errors.Join(errs...) }

func sentinel(kind Kind) *Error {
	switch kind {
	case KindUserCancelled:
		return ErrUserCancelled
	case KindPermissionDenied:
		return ErrPermissionDenied
	case KindPlatformUnavailable:
		return ErrPlatformUnavailable
	case KindCaptureFailed:
		return ErrCaptureFailed
	case KindNoSupportedFormat:
		return ErrNoSupportedFormat
	case KindAlreadyRecording:
		return ErrAlreadyRecording
	case KindNotRecording:
		return ErrNotRecording
	case KindEmptyRecording:
		return ErrEmptyRecording
	case KindEncoderFault:
		return ErrEncoderFault
	case KindUploadFailed:
		return ErrUploadFailed
	default:
		return &Error{Kind: KindUnknown, msg: "unknown error"}
	}
}
