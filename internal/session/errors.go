package session

import (
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned by lifecycle operations on a closed [Controller].
var ErrClosed = errors.New("session: controller closed")

// ErrorKind classifies the errors a [Controller] reports.
type ErrorKind int

const (
	// KindPermissionDenied means the capture device could not be opened.
	KindPermissionDenied ErrorKind = iota + 1

	// KindTransportConnectFailure covers failed connects and unexpected
	// connection loss while recording.
	KindTransportConnectFailure

	// KindBackendError is an error event or non-zero result code reported by
	// the recognition backend. It does not stop the session.
	KindBackendError

	// KindRecognitionTimeout means no result arrived within the response
	// timeout while audio was outstanding.
	KindRecognitionTimeout

	// KindMalformedResult is a payload matching no known shape. It is counted
	// but never becomes the last error.
	KindMalformedResult
)

// String returns the snake_case name used in logs and metric attributes.
func (k ErrorKind) String() string {
	switch k {
	case KindPermissionDenied:
		return "permission_denied"
	case KindTransportConnectFailure:
		return "transport_connect_failure"
	case KindBackendError:
		return "backend_error"
	case KindRecognitionTimeout:
		return "recognition_timeout"
	case KindMalformedResult:
		return "malformed_result"
	default:
		return "unknown"
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Error is a classified session error. It unwraps to its cause.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
	Err     error     `json:"-"`
}

func newError(kind ErrorKind, at time.Time, err error) *Error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Error{Kind: kind, Message: msg, At: at, Err: err}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("session: %s", e.Kind)
	}
	return fmt.Sprintf("session: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }
