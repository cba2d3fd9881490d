package jobs

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Sentinel errors shared across subsystems.
var (
	ErrNotFound        = errors.New("not found")
	ErrRateLimited     = errors.New("rate limited")
	ErrPersistence     = errors.New("persistence failure")
	ErrSessionClosed   = errors.New("session closed")
	ErrInvalidState    = errors.New("invalid state transition")
	ErrElementNotFound = errors.New("element not found")
	ErrTimeout         = errors.New("timeout")
	ErrCaptchaDetected = errors.New("captcha detected")
	ErrBrowserCrashed  = errors.New("browser crashed")
)

// ErrorKind classifies source failures.
type ErrorKind string

// Source error kinds.
const (
	KindNetwork     ErrorKind = "network"
	KindTimeout     ErrorKind = "timeout"
	KindAuth        ErrorKind = "auth"
	KindRateLimited ErrorKind = "rate_limited"
	KindParse       ErrorKind = "parse"
	KindUnknown     ErrorKind = "unknown"
)

// SourceError reports a failed source call.
type SourceError struct {
	Source string
	Kind   ErrorKind
	Err    error
}

// NewSourceError wraps err with a source name and kind.
func NewSourceError(source string, kind ErrorKind, err error) *SourceError {
	return &SourceError{Source: source, Kind: kind, Err: err}
}

func (e *SourceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("source %s: %s", e.Source, e.Kind)
	}
	return fmt.Sprintf("source %s: %s: %v", e.Source, e.Kind, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrRateLimited) and errors.Is(err, ErrTimeout) match by kind.
func (e *SourceError) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	case ErrTimeout:
		return e.Kind == KindTimeout
	}
	return false
}

// KindOf extracts the kind of a source error, classifying foreign errors.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var srcErr *SourceError
	if errors.As(err, &srcErr) {
		return srcErr.Kind
	}
	return Classify(err)
}

// Classify maps transport-level errors onto the source error taxonomy.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTimeout):
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	return KindUnknown
}

// KindForStatus maps an HTTP status code to a kind. Zero means success.
func KindForStatus(code int) ErrorKind {
	switch {
	case code >= 200 && code < 300:
		return ""
	case code == 401 || code == 403:
		return KindAuth
	case code == 429:
		return KindRateLimited
	case code == 408 || code == 504:
		return KindTimeout
	case code >= 500:
		return KindNetwork
	default:
		return KindParse
	}
}

// Retryable reports whether an error is worth retrying with backoff.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch KindOf(err) {
	case KindNetwork, KindTimeout, KindUnknown:
		return !errors.Is(err, ErrCaptchaDetected) && !errors.Is(err, ErrBrowserCrashed)
	default:
		return false
	}
}
