// Package session runs one voice conversation over a websocket: it owns the
// turn state machine and wires the codec, silence monitor, transcription,
// generation and synthesis components for every turn.
package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/voice-session/internal/audio"
	"github.com/lexiqai/voice-session/internal/codec"
	"github.com/lexiqai/voice-session/internal/config"
	"github.com/lexiqai/voice-session/internal/memory"
	"github.com/lexiqai/voice-session/internal/observability"
	"github.com/lexiqai/voice-session/internal/orchestrator"
	"github.com/lexiqai/voice-session/internal/protocol"
	"github.com/lexiqai/voice-session/internal/resilience"
	"github.com/lexiqai/voice-session/internal/silence"
	"github.com/lexiqai/voice-session/internal/stt"
	"github.com/lexiqai/voice-session/internal/telemetry"
	"github.com/lexiqai/voice-session/internal/voiceerr"
)

// errClientClosed ends a session normally when the client hangs up.
var errClientClosed = errors.New("client closed the channel")

// Turn outcomes recorded in metrics
const (
	OutcomeCompleted   = "completed"
	OutcomeEmpty       = "empty"
	OutcomeFailed      = "failed"
	OutcomeInterrupted = "interrupted"
)

type eventKind int

const (
	eventFinalized eventKind = iota
	eventGenerated
	eventPlayed
)

// turnEvent reports pipeline progress back to the coordinator loop.
// Events for any turn other than the current one are discarded.
type turnEvent struct {
	kind   eventKind
	turn   uint64
	text   string
	chunks int
	err    error
}

// Session is one connected client.
type Session struct {
	id      string
	userID  string
	persona memory.Persona
	cfg     *config.Config
	deps    *Deps
	logger  zerolog.Logger
	metrics *observability.Metrics
	sink    *telemetry.Sink

	conn        *websocket.Conn
	out         *egress
	codec       *codec.Codec
	monitor     *silence.Monitor
	transcriber *stt.Client
	orch        *orchestrator.Orchestrator
	synthBreak  *resilience.CircuitBreaker
	vad         *audio.VADDetector

	inbound chan []byte
	events  chan turnEvent
	group   *errgroup.Group

	// Owned by the coordinator loop.
	m              machine
	current        *turn
	lastPlayback   <-chan struct{}
	lastRecorded   <-chan struct{}
	turnStarted    time.Time
	decodeReported bool
	sendReported   bool
}

func newSession(conn *websocket.Conn, rec memory.SessionRecord, persona memory.Persona, correlationID string, deps *Deps) *Session {
	cfg := deps.Config
	logger := observability.SessionLogger(correlationID, rec.ID, rec.UserID)
	metrics := observability.NewSessionMetrics(rec.ID)
	out := newEgress(conn, metrics, logger)

	var hub *sentry.Hub
	if deps.Hub != nil {
		hub = deps.Hub.Clone()
		hub.Scope().SetTag("session_id", rec.ID)
		hub.Scope().SetUser(sentry.User{ID: rec.UserID})
	}

	breakerReset := time.Duration(cfg.CircuitBreakerResetTimeout) * time.Second
	s := &Session{
		id:      rec.ID,
		userID:  rec.UserID,
		persona: persona,
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		metrics: metrics,
		conn:    conn,
		out:     out,
		codec: codec.New(codec.Config{
			SampleRate: cfg.InputSampleRate,
			Channels:   1,
		}, deps.Decoders, logger),
		monitor: silence.New(silence.Config{
			Threshold:     cfg.SilenceThreshold(),
			MaxUtterance:  cfg.MaxUtterance(),
			CheckInterval: config.Millis(cfg.SilenceCheckIntervalMs),
		}),
		transcriber: stt.NewClient(deps.Transcriber(), stt.Config{
			FinalizeTimeout: config.Millis(cfg.FinalizeTimeoutMs),
			SettleWindow:    config.Millis(cfg.FinalizeSettleMs),
			Reconnect: &resilience.ReconnectConfig{
				MaxAttempts: cfg.ReconnectMaxAttempts,
				Backoff:     config.Millis(cfg.ReconnectBackoff),
				Multiplier:  2.0,
				MaxBackoff:  5 * time.Second,
			},
			Breaker: resilience.NewCircuitBreaker(voiceerr.ServiceTranscription, cfg.CircuitBreakerMaxFailures, breakerReset),
			Gate:    deps.Health,
		}, logger),
		orch: orchestrator.New(deps.Generator, orchestrator.Config{
			FirstTokenTimeout: cfg.FirstTokenTimeout(),
			MaxRetries:        cfg.GenerationMaxRetries,
			MinChunkChars:     cfg.MinChunkChars,
			HistoryTurns:      cfg.HistoryTurns,
			Breaker:           resilience.NewCircuitBreaker(voiceerr.ServiceGeneration, cfg.CircuitBreakerMaxFailures, breakerReset),
		}, logger),
		synthBreak: resilience.NewCircuitBreaker(voiceerr.ServiceSynthesis, cfg.CircuitBreakerMaxFailures, breakerReset),
		vad: audio.NewVADDetector(&audio.VADConfig{
			EnergyThreshold: cfg.BargeInEnergyThreshold,
			SpeechFrames:    cfg.BargeInFrames,
			SilenceFrames:   10,
			FrameSize:       cfg.InputSampleRate / 50, // 20ms
		}),
		inbound: make(chan []byte, 64),
		events:  make(chan turnEvent, 16),
		m:       machine{state: StateIdle},
	}
	s.sink = telemetry.NewSink(logger, metrics, hub, func(event any) {
		_ = s.out.sendJSON(context.Background(), event)
	})
	return s
}

// Run serves the session until the client disconnects, ctx is cancelled or
// the channel fails. A client hang-up or cancellation is not an error.
func (s *Session) Run(ctx context.Context) error {
	s.metrics.RecordSessionStart()
	defer s.metrics.RecordSessionEnd()
	defer s.transcriber.Close()

	g, ctx := errgroup.WithContext(ctx)
	s.group = g

	if err := s.out.sendJSON(ctx, protocol.NewSessionReady(s.id)); err != nil {
		return err
	}
	s.logger.Info().Str("persona_id", s.persona.ID).Msg("Session started")

	g.Go(func() error { return s.out.run(ctx) })
	g.Go(func() error { return s.readLoop(ctx) })
	g.Go(func() error { return s.monitor.Run(ctx) })
	g.Go(func() error { return s.transcriber.Run(ctx) })
	g.Go(func() error { return s.loop(ctx) })

	err := g.Wait()
	if errors.Is(err, errClientClosed) || errors.Is(err, context.Canceled) {
		s.logger.Info().Uint64("turns", s.m.turn).Msg("Session ended")
		return nil
	}
	s.sink.Report(s.m.turn, err)
	s.logger.Error().Err(err).Msg("Session failed")
	return err
}

func (s *Session) readLoop(ctx context.Context) error {
	s.conn.SetReadLimit(maxFrameSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(readTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return errClientClosed
			}
			return voiceerr.Wrap(voiceerr.KindChannel, voiceerr.ServiceChannel, "read", "failed to read from client", err)
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(readTimeout))

		// Control happens at handshake; inbound text frames carry nothing.
		if msgType != websocket.BinaryMessage || len(data) == 0 {
			continue
		}
		select {
		case s.inbound <- data:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// loop is the coordinator. All state transitions happen here.
func (s *Session) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frag := <-s.inbound:
			s.onFragment(ctx, frag)
		case u := <-s.transcriber.Updates():
			s.onTranscript(ctx, u)
		case sig := <-s.monitor.Signals():
			s.onSilence(ctx, sig)
		case ev := <-s.events:
			s.onTurnEvent(ctx, ev)
		}
	}
}

func (s *Session) transition(ctx context.Context, next State) bool {
	prev := s.m.state
	if err := s.m.to(next); err != nil {
		s.logger.Error().Err(err).Uint64("turn", s.m.turn).Msg("Rejected state transition")
		return false
	}
	s.logger.Debug().Str("from", string(prev)).Str("to", string(next)).Uint64("turn", s.m.turn).Msg("State transition")
	_ = s.out.sendJSON(ctx, protocol.NewState(string(next), s.m.turn))
	return true
}

// startTurn enters LISTENING for a new turn. The codec cursor is reset only
// when coming from IDLE; after a barge-in the fragment that triggered it
// already belongs to the new turn.
func (s *Session) startTurn(ctx context.Context, resetCodec bool) {
	s.m.turn++
	if !s.transition(ctx, StateListening) {
		return
	}
	if resetCodec {
		s.codec.Reset()
	}
	s.turnStarted = time.Now()
	s.decodeReported = false
	s.sendReported = false
	s.monitor.Arm(s.m.turn)
	s.transcriber.BeginTurn(s.m.turn)
}

func (s *Session) finishTurn(ctx context.Context, outcome string) {
	if !s.transition(ctx, StateIdle) {
		return
	}
	s.monitor.Disarm()
	s.metrics.RecordTurn(outcome)
	s.sink.Observe(observability.StageTurn, time.Since(s.turnStarted))
	s.logger.Info().Uint64("turn", s.m.turn).Str("outcome", outcome).Msg("Turn finished")
}

func (s *Session) onFragment(ctx context.Context, frag []byte) {
	if s.m.state == StateIdle {
		s.startTurn(ctx, true)
	}

	start := time.Now()
	res := s.codec.Feed(frag)
	s.monitor.Observe(res.Observed)
	s.metrics.RecordAudioBytes("in", int64(len(frag)))
	s.sink.Observe(observability.StageDecode, time.Since(start))

	if res.Err != nil && !s.decodeReported {
		s.decodeReported = true
		s.sink.Report(s.m.turn, res.Err)
	}
	if len(res.Samples) == 0 {
		return
	}

	switch s.m.state {
	case StateListening:
		s.transcribe(ctx, res.Samples)
	case StateGenerating, StateSpeaking:
		if s.vad.ProcessSamples(res.Samples) {
			s.interrupt(ctx)
			s.transcribe(ctx, res.Samples)
		}
	}
}

func (s *Session) transcribe(ctx context.Context, samples []int16) {
	if err := s.transcriber.Send(ctx, samples); err != nil && !s.sendReported {
		s.sendReported = true
		s.sink.Report(s.m.turn, err)
	}
}

func (s *Session) onTranscript(ctx context.Context, u stt.Update) {
	if u.Err != nil {
		s.sink.Report(u.Turn, u.Err)
		return
	}
	if u.Turn != s.m.turn || s.m.state != StateListening {
		s.logger.Debug().Uint64("turn", u.Turn).Str("state", string(s.m.state)).Msg("Dropped partial outside listening")
		return
	}
	_ = s.out.sendJSON(ctx, protocol.NewPartialTranscript(u.Text))
}

func (s *Session) onSilence(ctx context.Context, sig silence.Signal) {
	if sig.Turn != s.m.turn || s.m.state != StateListening {
		return
	}
	if !s.transition(ctx, StateFinalizing) {
		return
	}
	s.sink.StageStart(observability.StageResponse)
	s.logger.Debug().
		Uint64("turn", sig.Turn).
		Str("reason", string(sig.Reason)).
		Dur("silence", sig.Silence).
		Dur("elapsed", sig.Elapsed).
		Msg("Utterance ended")

	turnID := sig.Turn
	s.group.Go(func() error {
		text, err := s.transcriber.Finalize(ctx, turnID)
		s.post(ctx, turnEvent{kind: eventFinalized, turn: turnID, text: text, err: err})
		return nil
	})
}

func (s *Session) onTurnEvent(ctx context.Context, ev turnEvent) {
	if ev.turn != s.m.turn {
		s.logger.Debug().Uint64("turn", ev.turn).Uint64("current", s.m.turn).Msg("Dropped event for a previous turn")
		return
	}

	switch ev.kind {
	case eventFinalized:
		if s.m.state != StateFinalizing {
			return
		}
		if ev.err != nil && !errors.Is(ev.err, stt.ErrStaleTurn) {
			s.sink.Report(ev.turn, ev.err)
		}
		if u := s.transcriber.Utterance(); u.Turn == ev.turn && u.Finalized {
			s.sink.Observe(observability.StageUtterance, u.FinalizedAt.Sub(u.StartedAt))
		}
		text := strings.TrimSpace(ev.text)
		if text == "" {
			s.finishTurn(ctx, OutcomeEmpty)
			return
		}
		_ = s.out.sendJSON(ctx, protocol.NewFinalTranscript(text))
		if !s.transition(ctx, StateGenerating) {
			return
		}
		s.vad.Reset()
		s.startPipeline(ctx, text)

	case eventGenerated:
		if s.m.state != StateGenerating {
			return
		}
		if ev.chunks == 0 {
			s.finishTurn(ctx, OutcomeFailed)
			return
		}
		s.transition(ctx, StateSpeaking)

	case eventPlayed:
		if s.m.state != StateSpeaking {
			return
		}
		s.finishTurn(ctx, OutcomeCompleted)
	}
}

// interrupt applies the interruption policy to the running turn and opens
// the next one.
func (s *Session) interrupt(ctx context.Context) {
	policy := InterruptionPolicy(strings.ToLower(s.cfg.InterruptionPolicy))
	if !s.transition(ctx, StateInterrupted) {
		return
	}
	observability.RecordInterruption(string(policy))
	s.metrics.RecordTurn(OutcomeInterrupted)
	s.logger.Info().Uint64("turn", s.m.turn).Str("policy", string(policy)).Msg("Caller barged in")

	if t := s.current; t != nil {
		t.interrupt(policy)
	}
	s.startTurn(ctx, false)
}

func (s *Session) post(ctx context.Context, ev turnEvent) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}
