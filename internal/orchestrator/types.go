package orchestrator

import "context"

// Message is one prior exchange in the conversation history
type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// Request is the input of one generation
type Request struct {
	SystemPrompt string
	History      []Message // oldest first
	Transcript   string
}

// Backend streams a reply for a request, calling onDelta for each text
// delta in order. An error returned by onDelta aborts the stream.
type Backend interface {
	Stream(ctx context.Context, req Request, onDelta func(delta string) error) error
}

// Chunk is one sentence of the reply, numbered from 0 in emission order
type Chunk struct {
	Index int
	Text  string
}

// Result summarizes a finished generation
type Result struct {
	// Text is the emitted chunks joined with spaces
	Text     string
	Chunks   int
	Attempts int
}
