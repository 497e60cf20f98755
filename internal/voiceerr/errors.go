// Package voiceerr defines the error taxonomy shared by the voice session pipeline.
package voiceerr

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline error.
type Kind string

const (
	KindChannel            Kind = "channel_error"
	KindBackendUnreachable Kind = "backend_unreachable"
	KindDecode             Kind = "decode_error"
	KindValidation         Kind = "validation_error"
	KindTimeout            Kind = "timeout_error"
	KindSynthesis          Kind = "synthesis_error"
	KindUnknown            Kind = "unknown"
)

// Service names used in service_error events.
const (
	ServiceTranscription = "transcription"
	ServiceGeneration    = "generation"
	ServiceSynthesis     = "synthesis"
	ServiceAudio         = "audio"
	ServiceChannel       = "channel"
	ServiceSession       = "session"
)

// Error is a classified pipeline error.
type Error struct {
	Kind      Kind
	Service   string
	Op        string
	Message   string
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s:%s] %s: %v", e.Kind, e.Service, e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s:%s] %s", e.Kind, e.Service, e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Fatal reports whether the error terminates the session.
func (e *Error) Fatal() bool {
	return e.Kind == KindChannel || e.Kind == KindValidation
}

// New creates an error without a cause.
func New(kind Kind, service, op, message string) *Error {
	return &Error{
		Kind:      kind,
		Service:   service,
		Op:        op,
		Message:   message,
		Retryable: defaultRetryable(kind),
	}
}

// Wrap classifies err. An already classified error is returned as is.
func Wrap(kind Kind, service, op, message string, err error) *Error {
	if err == nil {
		return nil
	}

	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}

	return &Error{
		Kind:      kind,
		Service:   service,
		Op:        op,
		Message:   message,
		Retryable: defaultRetryable(kind),
		Cause:     err,
	}
}

// KindOf returns the kind of the first classified error in the chain.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindUnknown
}

// IsKind checks whether the first classified error in the chain has the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsFatal reports whether err must terminate the session.
func IsFatal(err error) bool {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Fatal()
	}
	return false
}

func defaultRetryable(kind Kind) bool {
	switch kind {
	case KindBackendUnreachable, KindTimeout, KindSynthesis:
		return true
	default:
		return false
	}
}
