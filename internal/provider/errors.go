package provider

import (
	"errors"
	"strings"
)

// ErrorKind classifies upstream failures so the session loop can pick a
// recovery path without string-matching provider SDK errors itself.
type ErrorKind string

const (
	// KindContextTooLong means the provider rejected the request because the
	// prompt exceeded the model's context window. Recoverable by compacting
	// history and retrying once.
	KindContextTooLong ErrorKind = "context-too-long"

	// KindRateLimited means the provider throttled the request. Recoverable
	// with backoff.
	KindRateLimited ErrorKind = "rate-limited"

	// KindAuth means the credential was rejected. Not recoverable by retry.
	KindAuth ErrorKind = "auth"

	// KindMalformedStream means a response chunk could not be parsed.
	KindMalformedStream ErrorKind = "malformed-stream"

	// KindOther is any upstream failure the loop has no special handling for.
	KindOther ErrorKind = "other"
)

// StreamError wraps an upstream failure with its classification. Adapters
// and the session loop use errors.As to branch on Kind.
type StreamError struct {
	Kind ErrorKind
	Err  error
}

func (e *StreamError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *StreamError) Unwrap() error { return e.Err }

// contextTooLongMarkers are substrings the wired providers use in their
// over-length rejections. Eino surfaces these as opaque errors, so substring
// matching is the only classification signal available without forking the
// model adapters.
var contextTooLongMarkers = []string{
	"context_length_exceeded",
	"maximum context length",
	"prompt is too long",
	"context window",
	"input length exceeds",
}

var rateLimitMarkers = []string{
	"rate_limit",
	"rate limit",
	"429",
	"overloaded",
}

var authMarkers = []string{
	"401",
	"403",
	"invalid api key",
	"authentication",
	"unauthorized",
}

// Classify maps an upstream error onto the ErrorKind taxonomy. A nil error
// classifies as KindOther; callers should not pass nil.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindOther
	}

	var se *StreamError
	if errors.As(err, &se) {
		return se.Kind
	}

	msg := strings.ToLower(err.Error())
	for _, m := range contextTooLongMarkers {
		if strings.Contains(msg, m) {
			return KindContextTooLong
		}
	}
	for _, m := range rateLimitMarkers {
		if strings.Contains(msg, m) {
			return KindRateLimited
		}
	}
	for _, m := range authMarkers {
		if strings.Contains(msg, m) {
			return KindAuth
		}
	}
	return KindOther
}

// IsContextTooLong reports whether err is an over-length rejection.
func IsContextTooLong(err error) bool {
	return Classify(err) == KindContextTooLong
}
