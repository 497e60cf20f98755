package stt

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-session/internal/config"
)

// messageCallbackHandler implements the LiveMessageCallback interface
// It embeds the default handler and overrides only the methods we need to customize
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler // Embed default handler for methods we don't override
	handler                                func(*msginterfaces.MessageResponse)
	errorHandler                           func(*msginterfaces.ErrorResponse) error
}

// Message overrides the default handler to forward transcription results
func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	m.handler(message)
	return nil
}

// Error overrides the default handler to report connection failures
func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	if m.errorHandler != nil {
		return m.errorHandler(errorResponse)
	}
	return m.DefaultCallbackHandler.Error(errorResponse)
}

// DeepgramBackend implements Backend using Deepgram's streaming API
type DeepgramBackend struct {
	apiKey         string
	model          string
	language       string
	sampleRate     int
	utteranceEndMs int
	logger         zerolog.Logger

	mu      sync.Mutex
	client  *listenClient.WSCallback
	cancel  context.CancelFunc
	closing *atomic.Bool
}

// NewDeepgramBackend creates a Deepgram backend for linear16 mono audio
func NewDeepgramBackend(cfg *config.Config, logger zerolog.Logger) *DeepgramBackend {
	return &DeepgramBackend{
		apiKey:         cfg.DeepgramAPIKey,
		model:          cfg.DeepgramModel,
		language:       cfg.DeepgramLanguage,
		sampleRate:     cfg.InputSampleRate,
		utteranceEndMs: cfg.SilenceThresholdMs * 2,
		logger:         logger.With().Str("backend", "deepgram").Logger(),
	}
}

// Connect opens a new streaming connection, replacing any previous one
func (d *DeepgramBackend) Connect(ctx context.Context, events chan<- Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closeLocked()

	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.model,
		Language:       d.language,
		Punctuate:      true,
		InterimResults: true,
		UtteranceEndMs: strconv.Itoa(d.utteranceEndMs),
		VadEvents:      true,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     d.sampleRate,
	}

	connCtx, cancel := context.WithCancel(ctx)
	closing := new(atomic.Bool)
	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		handler: func(msg *msginterfaces.MessageResponse) {
			d.handleMessage(connCtx, events, msg)
		},
		errorHandler: func(errorResponse *msginterfaces.ErrorResponse) error {
			if closing.Load() {
				return nil
			}
			d.handleError(connCtx, events, errorResponse)
			return nil
		},
	}

	client, err := listenClient.NewWSUsingCallback(connCtx, d.apiKey, nil, tOptions, callback)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create Deepgram client: %w", err)
	}
	if !client.Connect() {
		cancel()
		return fmt.Errorf("failed to connect to Deepgram")
	}

	d.client = client
	d.cancel = cancel
	d.closing = closing

	d.logger.Info().
		Str("model", d.model).
		Str("language", d.language).
		Int("sample_rate", d.sampleRate).
		Msg("Deepgram streaming connection opened")
	return nil
}

func (d *DeepgramBackend) handleMessage(ctx context.Context, events chan<- Event, msg *msginterfaces.MessageResponse) {
	if msg == nil || len(msg.Channel.Alternatives) == 0 {
		return
	}

	alt := msg.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return
	}

	ev := Event{Text: alt.Transcript, IsFinal: msg.IsFinal}
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

func (d *DeepgramBackend) handleError(ctx context.Context, events chan<- Event, errorResponse *msginterfaces.ErrorResponse) {
	d.logger.Warn().Interface("error", errorResponse).Msg("Deepgram error")
	select {
	case events <- Event{Err: fmt.Errorf("deepgram: %+v", errorResponse)}:
	case <-ctx.Done():
	}
}

// Send streams one block of PCM16LE audio
func (d *DeepgramBackend) Send(pcm []byte) error {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()

	if client == nil {
		return fmt.Errorf("deepgram client is not connected")
	}
	if _, err := client.Write(pcm); err != nil {
		return fmt.Errorf("failed to send audio to Deepgram: %w", err)
	}
	return nil
}

// Flush asks Deepgram to emit final results for the audio sent so far
func (d *DeepgramBackend) Flush() error {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()

	if client == nil {
		return fmt.Errorf("deepgram client is not connected")
	}
	return client.Finalize()
}

// Close finishes the streaming connection
func (d *DeepgramBackend) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeLocked()
	return nil
}

func (d *DeepgramBackend) closeLocked() {
	if d.client == nil {
		return
	}
	d.closing.Store(true)
	d.client.Finish()
	d.cancel()
	d.client = nil
	d.cancel = nil
	d.logger.Info().Msg("Deepgram streaming connection closed")
}
