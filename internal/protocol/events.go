// Package protocol defines the JSON control events written to the client channel.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType identifies outbound control event variants.
type EventType string

// Event types written to the channel.
const (
	TypeSessionReady      EventType = "session_ready"
	TypeState             EventType = "state"
	TypePartialTranscript EventType = "partial_transcript"
	TypeFinalTranscript   EventType = "final_transcript"
	TypeResponseChunk     EventType = "response_chunk"
	TypeResponseComplete  EventType = "response_complete"
	TypeSynthesisStart    EventType = "synthesis_start"
	TypeSynthesisComplete EventType = "synthesis_complete"
	TypeServiceError      EventType = "service_error"
)

// Severity of a service_error event.
const (
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// ErrUnknownEvent is returned by ParseEvent for an unrecognized type.
var ErrUnknownEvent = errors.New("unknown event type")

// Envelope carries the discriminator shared by every event.
type Envelope struct {
	Type EventType `json:"type"`
}

// SessionReady is sent once after the handshake is accepted.
type SessionReady struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
}

// State announces a turn state transition.
type State struct {
	Type  EventType `json:"type"`
	State string    `json:"state"`
	Turn  uint64    `json:"turn"`
}

// PartialTranscript is the transcript of the listening turn so far.
type PartialTranscript struct {
	Type EventType `json:"type"`
	Text string    `json:"text"`
}

// FinalTranscript is the finalized, non-empty transcript of a turn.
type FinalTranscript struct {
	Type EventType `json:"type"`
	Text string    `json:"text"`
}

// ResponseChunk is one sentence-sized piece of the reply text.
type ResponseChunk struct {
	Type  EventType `json:"type"`
	Text  string    `json:"text"`
	Index int       `json:"index"`
}

// ResponseComplete carries the full reply once generation ends.
type ResponseComplete struct {
	Type EventType `json:"type"`
	Text string    `json:"text"`
}

// SynthesisStart opens the binary audio frames of one chunk.
type SynthesisStart struct {
	Type  EventType `json:"type"`
	Index int       `json:"index"`
}

// SynthesisComplete closes the binary frames of one chunk. Duration is in seconds of audio sent.
type SynthesisComplete struct {
	Type        EventType `json:"type"`
	Index       int       `json:"index"`
	Duration    float64   `json:"duration"`
	Interrupted bool      `json:"interrupted,omitempty"`
}

// ServiceError reports a non-fatal backend or pipeline failure.
type ServiceError struct {
	Type      EventType `json:"type"`
	Service   string    `json:"service"`
	Message   string    `json:"message"`
	Severity  string    `json:"severity"`
	Retryable bool      `json:"retryable"`
}

// NewSessionReady builds a session_ready event.
func NewSessionReady(sessionID string) SessionReady {
	return SessionReady{Type: TypeSessionReady, SessionID: sessionID}
}

// NewState builds a state event for turn.
func NewState(state string, turn uint64) State {
	return State{Type: TypeState, State: state, Turn: turn}
}

// NewPartialTranscript builds a partial_transcript event.
func NewPartialTranscript(text string) PartialTranscript {
	return PartialTranscript{Type: TypePartialTranscript, Text: text}
}

// NewFinalTranscript builds a final_transcript event.
func NewFinalTranscript(text string) FinalTranscript {
	return FinalTranscript{Type: TypeFinalTranscript, Text: text}
}

// NewResponseChunk builds a response_chunk event.
func NewResponseChunk(index int, text string) ResponseChunk {
	return ResponseChunk{Type: TypeResponseChunk, Index: index, Text: text}
}

// NewResponseComplete builds a response_complete event.
func NewResponseComplete(text string) ResponseComplete {
	return ResponseComplete{Type: TypeResponseComplete, Text: text}
}

// NewSynthesisStart builds a synthesis_start event.
func NewSynthesisStart(index int) SynthesisStart {
	return SynthesisStart{Type: TypeSynthesisStart, Index: index}
}

// NewSynthesisComplete builds a synthesis_complete event.
func NewSynthesisComplete(index int, durationSec float64, interrupted bool) SynthesisComplete {
	return SynthesisComplete{Type: TypeSynthesisComplete, Index: index, Duration: durationSec, Interrupted: interrupted}
}

// NewServiceError builds a service_error event.
func NewServiceError(service, message, severity string, retryable bool) ServiceError {
	return ServiceError{Type: TypeServiceError, Service: service, Message: message, Severity: severity, Retryable: retryable}
}

// ParseEvent decodes an outbound event back into its typed form.
// Used by clients and tests that consume the channel.
func ParseEvent(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	var target any
	switch env.Type {
	case TypeSessionReady:
		target = &SessionReady{}
	case TypeState:
		target = &State{}
	case TypePartialTranscript:
		target = &PartialTranscript{}
	case TypeFinalTranscript:
		target = &FinalTranscript{}
	case TypeResponseChunk:
		target = &ResponseChunk{}
	case TypeResponseComplete:
		target = &ResponseComplete{}
	case TypeSynthesisStart:
		target = &SynthesisStart{}
	case TypeSynthesisComplete:
		target = &SynthesisComplete{}
	case TypeServiceError:
		target = &ServiceError{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}

	if err := json.Unmarshal(raw, target); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return target, nil
}
