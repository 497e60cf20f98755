package tts

import (
	"context"
	"time"
)

// Synthesizer converts text to mono PCM16LE audio at its native sample rate,
// delivering audio incrementally through onAudio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string, onAudio func(pcm []byte) error) error
}

// HealthGate reports backend reachability before synthesis starts
type HealthGate interface {
	Reachable(ctx context.Context, service string) bool
	MarkUnreachable(service string, err error)
}

// Policy decides what happens to a chunk whose synthesis fails
type Policy string

const (
	// PolicySkip plays a silent placeholder for the failed chunk
	PolicySkip Policy = "skip"
	// PolicyRetry retries the chunk a bounded number of times, then skips it
	PolicyRetry Policy = "retry"
	// PolicyFallback stops synthesis for the rest of the turn; the reply
	// continues as text only
	PolicyFallback Policy = "fallback"
)

// ChunkStatus is the lifecycle of one response chunk:
// pending, synthesizing, ready, then played or failed.
type ChunkStatus string

const (
	StatusPending      ChunkStatus = "pending"
	StatusSynthesizing ChunkStatus = "synthesizing"
	StatusReady        ChunkStatus = "ready"
	StatusPlayed       ChunkStatus = "played"
	StatusFailed       ChunkStatus = "failed"
)

// Segment is one chunk released for playback
type Segment struct {
	Index int
	Text  string

	// Audio is PCM16LE at the output rate. Empty when the chunk failed.
	Audio    []byte
	Duration time.Duration

	// Status is StatusReady, or StatusFailed for a placeholder released in
	// place of a chunk that could not be synthesized.
	Status ChunkStatus
}

// Skipped reports whether the segment is a placeholder with no audio.
func (s Segment) Skipped() bool {
	return s.Status == StatusFailed
}
