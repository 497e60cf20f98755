package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/lexiqai/voice-session/internal/audio"
	"github.com/lexiqai/voice-session/internal/memory"
	"github.com/lexiqai/voice-session/internal/observability"
	"github.com/lexiqai/voice-session/internal/orchestrator"
	"github.com/lexiqai/voice-session/internal/protocol"
	"github.com/lexiqai/voice-session/internal/tts"
	"github.com/lexiqai/voice-session/internal/voiceerr"
)

// InterruptionPolicy decides how much of a reply still plays after the
// caller starts speaking over it.
type InterruptionPolicy string

const (
	// PolicyImmediate stops playback at the next audio frame
	PolicyImmediate InterruptionPolicy = "immediate"
	// PolicyGraceful finishes the chunk being played and drops the rest
	PolicyGraceful InterruptionPolicy = "graceful"
	// PolicyDrain plays every chunk already synthesized and drops the rest
	PolicyDrain InterruptionPolicy = "drain"
)

const historyTimeout = 5 * time.Second

// turn is the generation and playback pipeline of one finalized utterance.
type turn struct {
	id         uint64
	transcript string
	started    time.Time

	ctx       context.Context // synthesis and playback
	cancel    context.CancelFunc
	genCtx    context.Context
	genCancel context.CancelFunc
	sched     *tts.Scheduler

	after    <-chan struct{} // playback of the previous turn
	played   chan struct{}
	halt     chan struct{}
	stop     chan struct{}   // closed on interruption
	prior    <-chan struct{} // history of the previous turn is written
	recorded chan struct{}

	mu        sync.Mutex
	policy    InterruptionPolicy
	drained   []tts.Segment
	released  []string // text of each chunk whose playback began
	committed []string // reply kept in history once interrupted
}

func (s *Session) startPipeline(ctx context.Context, transcript string) {
	t := &turn{
		id:         s.m.turn,
		transcript: transcript,
		started:    time.Now(),
		after:      s.lastPlayback,
		played:     make(chan struct{}),
		halt:       make(chan struct{}),
		stop:       make(chan struct{}),
		prior:      s.lastRecorded,
		recorded:   make(chan struct{}),
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.genCtx, t.genCancel = context.WithCancel(t.ctx)

	voice := s.persona.VoiceID
	t.sched = tts.NewScheduler(t.ctx, s.deps.Synthesizer, tts.Config{
		Concurrency:  s.cfg.SynthesisConcurrency,
		Timeout:      time.Duration(s.cfg.SynthesisTimeoutMs) * time.Millisecond,
		Policy:       tts.Policy(strings.ToLower(s.cfg.SynthesisFailurePolicy)),
		MaxRetries:   s.cfg.SynthesisMaxRetries,
		RetryBackoff: time.Duration(s.cfg.RetryInitialBackoff) * time.Millisecond,
		Voice:        voice,
		BackendRate:  s.deps.SynthesisRate,
		OutputRate:   s.cfg.OutputSampleRate,
		Breaker:      s.synthBreak,
	}, s.deps.Health, func(err error) { s.sink.Report(t.id, err) }, s.logger.With().Uint64("turn", t.id).Logger())

	s.current = t
	s.lastPlayback = t.played
	s.lastRecorded = t.recorded
	s.group.Go(func() error {
		s.runTurn(ctx, t)
		return nil
	})
}

// interrupt applies policy. Generation stops under every policy, and the
// reply is fixed at the chunks already playing plus any drained ones.
func (t *turn) interrupt(policy InterruptionPolicy) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.policy != "" {
		return
	}
	t.policy = policy
	close(t.stop)
	t.genCancel()

	switch policy {
	case PolicyImmediate:
		t.sched.Abort()
		close(t.halt)
	case PolicyDrain:
		t.drained = t.sched.Drain()
	default:
		t.sched.Abort()
	}

	t.committed = append([]string(nil), t.released...)
	for _, seg := range t.drained {
		t.committed = append(t.committed, seg.Text)
	}
}

// release records that playback of seg begins. Once interrupted, only
// synthesized chunks kept by a drain may still start.
func (t *turn) release(seg tts.Segment) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.policy {
	case "":
	case PolicyDrain:
		// Taken from the sequencer just before the drain; it precedes every drained chunk.
		n := len(t.released)
		t.committed = append(t.committed[:n:n], append([]string{seg.Text}, t.committed[n:]...)...)
	default:
		return false
	}
	t.released = append(t.released, seg.Text)
	return true
}

// reply is the assistant text kept in history.
func (t *turn) reply(generated []string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.policy != "" {
		return strings.Join(t.committed, " ")
	}
	return strings.Join(generated, " ")
}

func (t *turn) interrupted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.policy != ""
}

func (t *turn) takeDrained() []tts.Segment {
	t.mu.Lock()
	defer t.mu.Unlock()
	segs := t.drained
	t.drained = nil
	return segs
}

func (s *Session) runTurn(ctx context.Context, t *turn) {
	defer t.cancel()

	if t.prior != nil {
		select {
		case <-t.prior:
		case <-ctx.Done():
		}
	}
	history := s.loadHistory(ctx)
	s.appendHistory(ctx, t.id, memory.RoleUser, t.transcript)

	go s.play(t)

	prompt := s.persona.SystemPrompt
	if prompt == "" {
		prompt = s.cfg.DefaultSystemPrompt
	}

	var spoken []string
	err := s.generationReachable(t.genCtx, t.id)
	if err == nil {
		_, err = s.orch.Generate(t.genCtx, orchestrator.Request{
			SystemPrompt: prompt,
			History:      history,
			Transcript:   t.transcript,
		}, func(c orchestrator.Chunk) error {
			if err := s.out.sendJSON(t.genCtx, protocol.NewResponseChunk(c.Index, c.Text)); err != nil {
				return err
			}
			t.sched.Submit(c.Index, c.Text)
			spoken = append(spoken, c.Text)
			return nil
		})
	}
	t.sched.Close(len(spoken))

	interrupted := t.interrupted()
	if err != nil && !interrupted && ctx.Err() == nil {
		s.sink.Report(t.id, err)
	}
	if len(spoken) > 0 && !interrupted {
		_ = s.out.sendJSON(ctx, protocol.NewResponseComplete(strings.Join(spoken, " ")))
	}
	s.post(ctx, turnEvent{kind: eventGenerated, turn: t.id, chunks: len(spoken)})

	// The next turn reads history once this reply is written, so an
	// interrupted reply is recorded without waiting for playback.
	select {
	case <-t.played:
	case <-t.stop:
	}
	if reply := t.reply(spoken); reply != "" {
		s.appendHistory(ctx, t.id, memory.RoleAssistant, reply)
	}
	close(t.recorded)

	<-t.played
	t.sched.Wait()
	s.post(ctx, turnEvent{kind: eventPlayed, turn: t.id})
}

// generationReachable consults backend health before a request is sent.
func (s *Session) generationReachable(ctx context.Context, turnID uint64) error {
	if s.deps.Health == nil || s.deps.Health.Reachable(ctx, voiceerr.ServiceGeneration) {
		return nil
	}
	s.logger.Warn().Uint64("turn", turnID).Msg("Generation backend unreachable, turn not answered")
	return voiceerr.New(voiceerr.KindBackendUnreachable, voiceerr.ServiceGeneration, "health_check", "generation backend unreachable")
}

// play releases synthesized chunks in order. It starts only after the
// previous turn's playback has finished.
func (s *Session) play(t *turn) {
	defer close(t.played)

	if t.after != nil {
		select {
		case <-t.after:
		case <-t.ctx.Done():
			return
		}
	}

	p := &pacer{
		realtime: s.cfg.PlaybackRealtime,
		lead:     time.Duration(s.cfg.PlaybackLeadMs) * time.Millisecond,
	}
	first := true
	for {
		seg, err := t.sched.Next(t.ctx)
		if err != nil {
			break
		}
		if seg.Skipped() {
			continue
		}
		if !t.release(seg) {
			break
		}
		if first {
			first = false
			s.sink.Observe(observability.StageFirstAudio, time.Since(t.started))
			s.sink.StageEnd(observability.StageResponse)
		}
		if !s.playSegment(t, p, seg) {
			return
		}
	}

	for _, seg := range t.takeDrained() {
		if !s.playSegment(t, p, seg) {
			return
		}
	}
}

// playSegment streams one chunk between synthesis_start and
// synthesis_complete. It returns false when playback must stop.
func (s *Session) playSegment(t *turn, p *pacer, seg tts.Segment) bool {
	if err := s.out.sendJSON(t.ctx, protocol.NewSynthesisStart(seg.Index)); err != nil {
		return false
	}

	sent := 0
	halted := false
	for _, frame := range audio.SplitFrames(seg.Audio, s.cfg.OutputFrameBytes) {
		if !p.wait(t.ctx, t.halt, audio.Duration(len(frame)/audio.BytesPerSample, s.cfg.OutputSampleRate)) {
			halted = true
			break
		}
		if err := s.out.sendAudio(t.ctx, frame); err != nil {
			return false
		}
		sent += len(frame)
	}

	if !halted {
		t.sched.MarkPlayed(seg.Index)
	}
	played := audio.Duration(sent/audio.BytesPerSample, s.cfg.OutputSampleRate)
	if err := s.out.sendJSON(t.ctx, protocol.NewSynthesisComplete(seg.Index, played.Seconds(), halted)); err != nil {
		return false
	}
	s.logger.Debug().Uint64("turn", t.id).Int("chunk", seg.Index).Dur("audio", played).Bool("interrupted", halted).Msg("Chunk played")
	return !halted
}

func (s *Session) loadHistory(ctx context.Context) []orchestrator.Message {
	if s.cfg.HistoryTurns <= 0 {
		return nil
	}
	start := time.Now()
	msgs, err := s.deps.Store.RecentMessages(ctx, s.userID, s.cfg.HistoryTurns*2)
	s.sink.Observe(observability.StageContextFetching, time.Since(start))
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to load conversation history, continuing without it")
		return nil
	}

	history := make([]orchestrator.Message, 0, len(msgs))
	for _, m := range msgs {
		history = append(history, orchestrator.Message{Role: m.Role, Content: m.Content})
	}
	return history
}

// appendHistory persists one side of the exchange. It outlives session
// cancellation so the reply of a turn cut short by a hang-up is still kept.
func (s *Session) appendHistory(ctx context.Context, turnID uint64, role, content string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyTimeout)
	defer cancel()

	start := time.Now()
	err := s.deps.Store.AppendMessage(ctx, memory.Message{
		SessionID: s.id,
		UserID:    s.userID,
		Role:      role,
		Content:   content,
		Turn:      turnID,
	})
	s.sink.Observe(observability.StageHistoryAppend, time.Since(start))
	if err != nil {
		s.logger.Warn().Err(err).Uint64("turn", turnID).Str("role", role).Msg("Failed to append history")
	}
}

// pacer releases audio no earlier than lead ahead of real time.
type pacer struct {
	realtime bool
	lead     time.Duration
	start    time.Time
	ahead    time.Duration // audio released so far
}

// wait blocks until a frame of length d may be sent. It returns false when
// halted or ctx is done.
func (p *pacer) wait(ctx context.Context, halt <-chan struct{}, d time.Duration) bool {
	select {
	case <-halt:
		return false
	case <-ctx.Done():
		return false
	default:
	}

	if p.realtime {
		now := time.Now()
		if p.start.IsZero() || now.After(p.start.Add(p.ahead)) {
			// Playback ran dry; restart the clock so the next frames are not sent in a burst.
			p.start = now.Add(-p.ahead)
		}
		if delay := p.start.Add(p.ahead - p.lead).Sub(now); delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-halt:
				return false
			case <-ctx.Done():
				return false
			}
		}
	}
	p.ahead += d
	return true
}
