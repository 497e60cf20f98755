// Package stt streams session audio to a transcription backend and tracks
// the transcript of each turn.
package stt

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-session/internal/audio"
	"github.com/lexiqai/voice-session/internal/observability"
	"github.com/lexiqai/voice-session/internal/resilience"
	"github.com/lexiqai/voice-session/internal/voiceerr"
)

// ErrStaleTurn is returned by Finalize for a turn that is not the current one.
var ErrStaleTurn = errors.New("turn is not the current transcription turn")

// Config controls the transcription client.
type Config struct {
	FinalizeTimeout time.Duration // upper bound on waiting for the backend after Flush
	SettleWindow    time.Duration // quiet period treated as flushed when no marker arrives
	Reconnect       *resilience.ReconnectConfig
	Breaker         *resilience.CircuitBreaker

	// Gate, when set, is consulted at the start of every turn. Audio is held
	// until it answers and a turn it refuses is never sent to the backend.
	Gate Gate
}

type admission int

const (
	admitted admission = iota
	awaitingHealth
	refused
)

// Client owns one backend connection for the lifetime of a session.
type Client struct {
	backend Backend
	cfg     Config
	breaker *resilience.CircuitBreaker
	logger  zerolog.Logger
	now     func() time.Time

	events  chan Event
	updates chan Update
	retry   chan struct{}
	gateReq chan uint64

	// sendMu orders audio released after a health check ahead of newer audio.
	sendMu sync.Mutex

	mu        sync.Mutex
	connected bool
	turn      uint64
	open      bool
	finals    []string
	interim   string
	lastEvent time.Time
	flushed   chan struct{}
	fin       *finalization
	utt       Utterance
	admit     admission
	held      [][]byte
}

type finalization struct {
	done chan struct{}
	text string
	err  error
}

// NewClient creates a client. Run must be started for results to flow.
func NewClient(backend Backend, cfg Config, logger zerolog.Logger) *Client {
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = 3 * time.Second
	}
	if cfg.SettleWindow <= 0 {
		cfg.SettleWindow = 400 * time.Millisecond
	}
	if cfg.Reconnect == nil {
		cfg.Reconnect = resilience.DefaultReconnectConfig()
	}
	breaker := cfg.Breaker
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(voiceerr.ServiceTranscription, 5, 30*time.Second)
	}
	return &Client{
		backend: backend,
		cfg:     cfg,
		breaker: breaker,
		logger:  logger.With().Str("component", "stt").Logger(),
		now:     time.Now,
		events:  make(chan Event, 64),
		updates: make(chan Update, 64),
		retry:   make(chan struct{}, 1),
		gateReq: make(chan uint64, 1),
	}
}

// Updates delivers partial transcripts and connection errors in arrival order.
func (c *Client) Updates() <-chan Update {
	return c.updates
}

// Run connects to the backend and relays its results until ctx is done.
// A lost connection is re-established with bounded attempts; if that fails
// an Update carrying the error is published and the next turn retries.
func (c *Client) Run(ctx context.Context) error {
	if err := c.establish(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.publish(ctx, Update{Turn: c.currentTurn(), Err: err})
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-c.retry:
			if c.isConnected() {
				continue
			}
			if err := c.establish(ctx); err != nil && ctx.Err() == nil {
				c.publish(ctx, Update{Turn: c.currentTurn(), Err: err})
			}

		case turn := <-c.gateReq:
			c.admitTurn(ctx, turn)

		case ev := <-c.events:
			if ev.Err != nil {
				c.connectionLost(ctx, ev.Err)
				continue
			}
			c.handle(ctx, ev)
		}
	}
}

// BeginTurn starts collecting results for a new turn. Results still in
// flight for the previous turn are discarded from here on.
func (c *Client) BeginTurn(turn uint64) {
	c.mu.Lock()
	c.turn = turn
	c.open = true
	c.finals = nil
	c.interim = ""
	c.fin = nil
	c.flushed = nil
	c.lastEvent = c.now()
	c.utt = Utterance{Turn: turn, StartedAt: c.lastEvent}
	c.held = nil
	c.admit = admitted
	if c.cfg.Gate != nil {
		c.admit = awaitingHealth
	}
	connected := c.connected
	c.mu.Unlock()

	if c.cfg.Gate != nil {
		c.requestGate(turn)
		return
	}
	if !connected {
		c.requestReconnect()
	}
}

// Utterance returns the caller speech of the current turn.
func (c *Client) Utterance() Utterance {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.utt
}

// Send streams decoded samples of the current turn. Samples outside an open
// turn, or after finalize began, are not transcribed.
func (c *Client) Send(ctx context.Context, samples []int16) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	accepting := c.open && c.fin == nil && len(samples) > 0
	admit := c.admit
	connected := c.connected
	if accepting && admit == awaitingHealth {
		c.held = append(c.held, audio.Int16ToBytes(samples))
	}
	c.mu.Unlock()

	if !accepting || admit != admitted {
		return nil
	}
	if !connected {
		c.requestReconnect()
		return voiceerr.New(voiceerr.KindBackendUnreachable, voiceerr.ServiceTranscription, "send", "transcription backend is not connected")
	}
	return c.sendPCM(ctx, audio.Int16ToBytes(samples))
}

func (c *Client) sendPCM(ctx context.Context, pcm []byte) error {
	err := c.breaker.Call(ctx, func(context.Context) error {
		return c.backend.Send(pcm)
	})
	if err != nil {
		return voiceerr.Wrap(voiceerr.KindBackendUnreachable, voiceerr.ServiceTranscription, "send", "failed to stream audio to transcription", err)
	}
	return nil
}

// Finalize flushes the backend and returns the turn's transcript. Calling it
// again for the same turn returns the first result without flushing twice.
// An empty transcript is a valid result.
func (c *Client) Finalize(ctx context.Context, turn uint64) (string, error) {
	c.mu.Lock()
	if turn != c.turn || (c.fin == nil && !c.open) {
		c.mu.Unlock()
		return "", ErrStaleTurn
	}
	if f := c.fin; f != nil {
		c.mu.Unlock()
		select {
		case <-f.done:
			return f.text, f.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	f := &finalization{done: make(chan struct{})}
	c.fin = f
	flushed := make(chan struct{})
	c.flushed = flushed
	c.lastEvent = c.now()
	connected := c.connected
	admit := c.admit
	c.mu.Unlock()

	start := time.Now()
	if connected && admit == admitted {
		if err := c.backend.Flush(); err != nil {
			c.logger.Warn().Err(err).Uint64("turn", turn).Msg("Transcription flush failed, using results so far")
		} else {
			c.await(ctx, turn, flushed)
		}
	}

	c.mu.Lock()
	c.open = false
	c.flushed = nil
	text := c.transcriptLocked()
	if c.utt.Turn == turn {
		c.utt.Finalized = true
		c.utt.FinalizedAt = c.now()
		c.utt.Transcript = text
	}
	c.mu.Unlock()

	f.text = text
	if text == "" && !connected {
		f.err = voiceerr.New(voiceerr.KindBackendUnreachable, voiceerr.ServiceTranscription, "finalize", "transcription backend unavailable")
	}
	observability.ObserveStage(observability.StageFinalize, time.Since(start))
	close(f.done)

	c.logger.Debug().Uint64("turn", turn).Str("transcript", text).Msg("Transcript finalized")
	return f.text, f.err
}

// Close releases the backend connection.
func (c *Client) Close() error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return c.backend.Close()
}

func (c *Client) await(ctx context.Context, turn uint64, flushed <-chan struct{}) {
	deadline := time.NewTimer(c.cfg.FinalizeTimeout)
	defer deadline.Stop()
	settle := time.NewTimer(c.cfg.SettleWindow)
	defer settle.Stop()

	for {
		select {
		case <-flushed:
			return
		case <-ctx.Done():
			return
		case <-deadline.C:
			c.logger.Warn().Uint64("turn", turn).Dur("timeout", c.cfg.FinalizeTimeout).Msg("Transcription flush timed out")
			return
		case <-settle.C:
			c.mu.Lock()
			quiet := c.now().Sub(c.lastEvent)
			c.mu.Unlock()
			if quiet >= c.cfg.SettleWindow {
				return
			}
			settle.Reset(c.cfg.SettleWindow - quiet)
		}
	}
}

func (c *Client) handle(ctx context.Context, ev Event) {
	text := strings.TrimSpace(ev.Text)

	var (
		upd     Update
		publish bool
		late    bool
	)

	c.mu.Lock()
	if text != "" {
		// Once finalize begins only final results still count toward the turn.
		if c.open && (c.fin == nil || ev.IsFinal) {
			c.lastEvent = c.now()
			if ev.IsFinal {
				c.finals = append(c.finals, text)
				c.interim = ""
			} else {
				c.interim = text
			}
			upd = Update{Turn: c.turn, Text: c.transcriptLocked(), Final: ev.IsFinal}
			publish = c.fin == nil
		} else {
			late = true
		}
	}
	if ev.Flushed && c.flushed != nil {
		close(c.flushed)
		c.flushed = nil
	}
	turn := c.turn
	c.mu.Unlock()

	if late {
		observability.RecordLateTranscriptDiscarded()
		c.logger.Debug().Uint64("turn", turn).Str("text", text).Bool("final", ev.IsFinal).Msg("Discarded transcript after finalize")
		return
	}
	if publish {
		c.publish(ctx, upd)
	}
}

func (c *Client) establish(ctx context.Context) error {
	err := resilience.Reconnect(ctx, c.connect, c.cfg.Reconnect, c.logger)
	observability.RecordBackendRequest(voiceerr.ServiceTranscription, err == nil)
	if err != nil {
		return voiceerr.Wrap(voiceerr.KindBackendUnreachable, voiceerr.ServiceTranscription, "connect", "transcription backend unreachable", err)
	}
	return nil
}

func (c *Client) connect(ctx context.Context) error {
	err := c.breaker.Call(ctx, func(ctx context.Context) error {
		return c.backend.Connect(ctx, c.events)
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.logger.Info().Msg("Transcription backend connected")
	return nil
}

func (c *Client) connectionLost(ctx context.Context, cause error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	c.logger.Warn().Err(cause).Msg("Transcription connection lost, reconnecting")
	c.breaker.RecordResult(false)
	_ = c.backend.Close()

	if err := c.establish(ctx); err != nil && ctx.Err() == nil {
		c.publish(ctx, Update{Turn: c.currentTurn(), Err: err})
	}
}

func (c *Client) publish(ctx context.Context, u Update) {
	select {
	case c.updates <- u:
	case <-ctx.Done():
	}
}

// requestGate asks Run to check backend health for turn, replacing any
// request for an earlier turn. BeginTurn is its only caller.
func (c *Client) requestGate(turn uint64) {
	select {
	case <-c.gateReq:
	default:
	}
	c.gateReq <- turn
}

// admitTurn consults the gate and either releases the audio held for turn
// or refuses the turn.
func (c *Client) admitTurn(ctx context.Context, turn uint64) {
	reachable := c.cfg.Gate.Reachable(ctx, voiceerr.ServiceTranscription)

	c.sendMu.Lock()
	c.mu.Lock()
	if c.turn != turn || c.admit != awaitingHealth || c.fin != nil {
		c.mu.Unlock()
		c.sendMu.Unlock()
		return
	}
	held := c.held
	c.held = nil
	if !reachable {
		c.admit = refused
		c.mu.Unlock()
		c.sendMu.Unlock()

		c.logger.Warn().Uint64("turn", turn).Msg("Transcription backend unreachable, turn not transcribed")
		c.publish(ctx, Update{Turn: turn, Err: voiceerr.New(voiceerr.KindBackendUnreachable, voiceerr.ServiceTranscription,
			"health_check", "transcription backend unreachable; turn not transcribed")})
		return
	}
	c.admit = admitted
	connected := c.connected
	c.mu.Unlock()
	defer c.sendMu.Unlock()

	if !connected {
		c.requestReconnect()
		return
	}
	for _, pcm := range held {
		if err := c.sendPCM(ctx, pcm); err != nil {
			c.logger.Warn().Err(err).Uint64("turn", turn).Msg("Failed to stream held audio")
			return
		}
	}
}

func (c *Client) requestReconnect() {
	select {
	case c.retry <- struct{}{}:
	default:
	}
}

func (c *Client) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) currentTurn() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turn
}

// transcriptLocked must be called with mu held.
func (c *Client) transcriptLocked() string {
	parts := c.finals
	if c.interim != "" {
		parts = append(parts[:len(parts):len(parts)], c.interim)
	}
	return strings.Join(parts, " ")
}
