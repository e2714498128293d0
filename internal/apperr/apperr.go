// Package apperr defines the engine-wide error taxonomy. Components return
// *apperr.Error for failures that reach a client, so the WebSocket layer can
// translate them into a single human-readable frame without leaking provider
// payloads or stack traces; any other error is reported to the client under
// a generic message.
package apperr

import (
	"fmt"

	"llmrpg/internal/wsproto"
)

// Kind classifies an error by recovery policy, not by Go type.
type Kind string

const (
	KindParse      Kind = "ParseError"
	KindValidation Kind = "ValidationError"
	KindLLM        Kind = "LLMError"
	KindTool       Kind = "ToolExecutionError"
	KindMedia      Kind = "MediaGenerationError"
	KindPersist    Kind = "PersistenceError"
	KindNotFound   Kind = "NotFoundError"
	KindCache      Kind = "CacheError"
	KindAudio      Kind = "AudioGenerationError"
	KindConfig     Kind = "ConfigurationError"
)

// Error wraps an underlying cause with a Kind and a fixed user-visible
// message. The underlying cause is never shown to clients.
type Error struct {
	Kind    Kind
	Message string
	Details string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error carrying cause for logs/Unwrap while keeping message
// as the only thing ever surfaced to a client.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithDetails attaches additional non-sensitive detail shown alongside the
// fixed message (the `details` field of the wire error frame).
func (e *Error) WithDetails(details string) *Error {
	return &Error{Kind: e.Kind, Message: e.Message, Details: details, cause: e.cause}
}

// ToClientFrame renders e as the single human-readable error frame of
// spec.md §7: the fixed Message, never the wrapped cause or a stack trace.
func (e *Error) ToClientFrame() wsproto.ErrorFrame {
	return wsproto.NewErrorFrame(e.Message, e.Details)
}

// As reports whether err (or something it wraps) is an *Error of the given
// kind, returning it if so.
func As(err error, kind Kind) (*Error, bool) {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Kind == kind {
			return e, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return nil, false
}
