package stt

import (
	"context"
	"time"
)

// Event is one message from a transcription backend.
type Event struct {
	// Text is the transcribed text of this result
	Text string

	// IsFinal indicates the backend will not revise this text again
	IsFinal bool

	// Flushed marks the backend's acknowledgement of a Flush request.
	// Backends without such an acknowledgement never set it.
	Flushed bool

	// Err reports that the backend connection was lost
	Err error
}

// Backend is a streaming speech-to-text connection.
type Backend interface {
	// Connect opens a new connection. Results are delivered on events
	// until Close is called or the connection drops.
	Connect(ctx context.Context, events chan<- Event) error

	// Send streams mono PCM16LE audio at the configured sample rate
	Send(pcm []byte) error

	// Flush asks the backend to finalize any audio it has buffered
	Flush() error

	// Close releases the connection
	Close() error
}

// Update is relayed from the client to the session, tagged with the turn
// it belongs to. Consumers discard updates for any other turn.
type Update struct {
	Turn uint64

	// Text is the transcript of the turn so far: accumulated finals
	// followed by the latest interim result.
	Text  string
	Final bool

	// Err is set when the backend became unusable
	Err error
}

// Utterance is the caller speech of one turn.
type Utterance struct {
	Turn        uint64
	StartedAt   time.Time
	FinalizedAt time.Time
	Finalized   bool
	Transcript  string
}

// Gate reports whether the transcription backend may be given new work.
type Gate interface {
	Reachable(ctx context.Context, service string) bool
}
