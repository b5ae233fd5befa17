package session

import (
	"errors"

	"github.com/onnwee/stampede/client/live"
)

var (
	// ErrSessionExpired: the first-party backend rejected the stored credential.
	ErrSessionExpired = errors.New("session expired")
	// ErrProfileLookupFailed: the local profile for a federated identity could not
	// be read or created. The raw provider identity is used instead.
	ErrProfileLookupFailed = errors.New("profile lookup failed")
	// ErrAuthProvider: a federated sign-in, sign-out or refresh call failed.
	ErrAuthProvider = errors.New("auth provider error")
)

// ErrorClass is the taxonomy bucket of an error, used for logs and metrics.
type ErrorClass int

const (
	ErrorClassUnknown ErrorClass = iota
	ErrorClassSessionExpired
	ErrorClassAuthProvider
	ErrorClassProfileLookupFailed
	ErrorClassChannelTransport
	ErrorClassMalformedMessage
)

// String returns the metric label for the class.
func (c ErrorClass) String() string {
	switch c {
	case ErrorClassSessionExpired:
		return "session_expired"
	case ErrorClassAuthProvider:
		return "auth_provider"
	case ErrorClassProfileLookupFailed:
		return "profile_lookup_failed"
	case ErrorClassChannelTransport:
		return "channel_transport"
	case ErrorClassMalformedMessage:
		return "malformed_message"
	default:
		return "unknown"
	}
}

// Classify maps err onto the error taxonomy. None of the classes is fatal; each
// degrades to a narrower state (logged out, disconnected, anonymous name).
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ErrorClassUnknown
	case errors.Is(err, ErrSessionExpired):
		return ErrorClassSessionExpired
	case errors.Is(err, ErrAuthProvider):
		return ErrorClassAuthProvider
	case errors.Is(err, ErrProfileLookupFailed):
		return ErrorClassProfileLookupFailed
	case errors.Is(err, live.ErrMalformedMessage):
		return ErrorClassMalformedMessage
	case errors.Is(err, live.ErrChannelTransport):
		return ErrorClassChannelTransport
	default:
		return ErrorClassUnknown
	}
}
