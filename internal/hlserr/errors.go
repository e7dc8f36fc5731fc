// Package hlserr classifies the failures surfaced by playlist resolution and
// segment downloading.
package hlserr

import (
	"context"
	"errors"
)

type Kind string

const (
	TransportError    Kind = "transport"
	ParseError        Kind = "parse"
	ResolutionError   Kind = "resolution"
	CacheIOError      Kind = "cache-io"
	MalformedURLError Kind = "malformed-url"
)

type Error struct {
	Kind    Kind
	URL     string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.URL != "" {
		msg += " (" + e.URL + ")"
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func New(kind Kind, url, message string, cause error) *Error {
	return &Error{Kind: kind, URL: url, Message: message, Cause: cause}
}

func DownloadFailed(url string, cause error) *Error {
	return New(TransportError, url, "could not download", cause)
}

func ParseFailed(url string, cause error) *Error {
	return New(ParseError, url, "could not parse playlist", cause)
}

func MasterResolveFailed(url string) *Error {
	return New(ResolutionError, url, "could not resolve master playlist: no variant streams loaded", nil)
}

func BadSegmentURL(url string, cause error) *Error {
	return New(MalformedURLError, url, "segment has bad URL", cause)
}

func CacheWriteFailed(path string, cause error) *Error {
	return New(CacheIOError, path, "could not write segment to disk", cause)
}

// KindOf reports the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// IsCancellation reports whether err is the result of a deliberate cancel.
// Cancellations are never surfaced to callers as failures.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}
