// Package tts synthesizes reply chunks concurrently and releases their
// audio in chunk order.
package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/lexiqai/voice-session/internal/audio"
	"github.com/lexiqai/voice-session/internal/observability"
	"github.com/lexiqai/voice-session/internal/resilience"
	"github.com/lexiqai/voice-session/internal/voiceerr"
)

var errTextOnly = errors.New("synthesis disabled for this turn")

// Config controls one turn's synthesis
type Config struct {
	Concurrency  int
	Timeout      time.Duration // per attempt
	Policy       Policy
	MaxRetries   int // extra attempts under PolicyRetry
	RetryBackoff time.Duration
	Voice        string
	BackendRate  int // sample rate the synthesizer produces
	OutputRate   int // sample rate sent to the client
	Breaker      *resilience.CircuitBreaker
}

type job struct {
	index int
	text  string
}

// Scheduler runs the synthesis of one turn. Submit and Close are called
// from the generation side; Next, Drain and Abort from playback.
type Scheduler struct {
	synth   Synthesizer
	cfg     Config
	gate    HealthGate
	report  func(error)
	breaker *resilience.CircuitBreaker
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	sem    *semaphore.Weighted
	seq    *sequencer

	mu     sync.Mutex
	queue  chan job
	closed bool

	dispatched chan struct{}
	workers    sync.WaitGroup
	textOnly   atomic.Bool

	activeMu sync.Mutex
	active   int
	peak     int

	statusMu sync.Mutex
	status   map[int]ChunkStatus
}

// NewScheduler starts a scheduler bound to ctx. gate and report may be nil.
func NewScheduler(ctx context.Context, synth Synthesizer, cfg Config, gate HealthGate, report func(error), logger zerolog.Logger) *Scheduler {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicySkip
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	if report == nil {
		report = func(error) {}
	}
	breaker := cfg.Breaker
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(voiceerr.ServiceSynthesis, 5, 30*time.Second)
	}

	s := &Scheduler{
		synth:      synth,
		cfg:        cfg,
		gate:       gate,
		report:     report,
		breaker:    breaker,
		logger:     logger.With().Str("component", "tts").Logger(),
		sem:        semaphore.NewWeighted(int64(cfg.Concurrency)),
		seq:        newSequencer(),
		queue:      make(chan job, 64),
		dispatched: make(chan struct{}),
		status:     make(map[int]ChunkStatus),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	go s.dispatch()
	return s
}

// Submit queues a chunk for synthesis. Chunks must be submitted in ordinal order.
func (s *Scheduler) Submit(index int, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.setStatus(index, StatusPending)
	select {
	case s.queue <- job{index: index, text: text}:
	case <-s.ctx.Done():
	}
}

// Close declares the number of chunks in the turn. No Submit may follow.
func (s *Scheduler) Close(total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.queue)
	s.seq.close(total)
}

// Next blocks until the next chunk in order is ready. It returns ErrDone
// after the last chunk and ErrAborted once playback was cut short.
func (s *Scheduler) Next(ctx context.Context) (Segment, error) {
	return s.seq.pop(ctx)
}

// Drain stops synthesis and returns the chunks already synthesized but not
// yet played, in order.
func (s *Scheduler) Drain() []Segment {
	segs := s.seq.drain()
	s.cancel()
	return segs
}

// Abort stops synthesis and discards everything not yet played.
func (s *Scheduler) Abort() {
	s.seq.abort()
	s.cancel()
}

// Wait blocks until every synthesis job has finished.
func (s *Scheduler) Wait() {
	<-s.dispatched
	s.workers.Wait()
}

// MarkPlayed records that a ready chunk reached the client.
func (s *Scheduler) MarkPlayed(index int) {
	s.statusMu.Lock()
	ready := s.status[index] == StatusReady
	s.statusMu.Unlock()
	if ready {
		s.setStatus(index, StatusPlayed)
	}
}

// Status returns where a submitted chunk is in its lifecycle.
func (s *Scheduler) Status(index int) (ChunkStatus, bool) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	st, ok := s.status[index]
	return st, ok
}

func (s *Scheduler) setStatus(index int, st ChunkStatus) {
	s.statusMu.Lock()
	s.status[index] = st
	s.statusMu.Unlock()
	observability.RecordChunk(string(st))
}

// MaxActive returns the highest number of jobs that ran at once.
func (s *Scheduler) MaxActive() int {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	return s.peak
}

func (s *Scheduler) dispatch() {
	defer close(s.dispatched)

	gated := false
	for {
		select {
		case <-s.ctx.Done():
			return
		case j, ok := <-s.queue:
			if !ok {
				return
			}
			if !gated {
				gated = true
				s.checkGate()
			}
			if s.textOnly.Load() {
				s.skip(j)
				continue
			}
			if err := s.sem.Acquire(s.ctx, 1); err != nil {
				return
			}
			s.workers.Add(1)
			go func(j job) {
				defer s.workers.Done()
				defer s.sem.Release(1)
				s.work(j)
			}(j)
		}
	}
}

// checkGate consults backend health once, before the first synthesis.
func (s *Scheduler) checkGate() {
	if s.gate == nil || s.gate.Reachable(s.ctx, voiceerr.ServiceSynthesis) {
		return
	}
	s.textOnly.Store(true)
	s.logger.Warn().Msg("Synthesis backend unreachable, reply continues as text only")
	s.report(voiceerr.New(voiceerr.KindBackendUnreachable, voiceerr.ServiceSynthesis, "health_check",
		"synthesis backend unreachable; reply continues as text"))
}

func (s *Scheduler) work(j job) {
	s.setStatus(j.index, StatusSynthesizing)
	s.trackActive(1)
	defer s.trackActive(-1)
	observability.SynthesisStarted()
	defer observability.SynthesisFinished()

	start := time.Now()
	pcm, err := s.synthesize(j)
	if err == nil && s.textOnly.Load() {
		err = errTextOnly
	}
	if err != nil {
		s.fail(j, err)
		return
	}
	observability.ObserveStage(observability.StageSynthesis, time.Since(start))
	observability.RecordBackendRequest(voiceerr.ServiceSynthesis, true)

	if s.cfg.BackendRate > 0 && s.cfg.OutputRate > 0 && s.cfg.BackendRate != s.cfg.OutputRate {
		pcm, err = audio.ResamplePCM(pcm, s.cfg.BackendRate, s.cfg.OutputRate)
		if err != nil {
			s.fail(j, err)
			return
		}
	}

	rate := s.cfg.OutputRate
	if rate <= 0 {
		rate = s.cfg.BackendRate
	}
	s.setStatus(j.index, StatusReady)
	s.seq.put(Segment{
		Index:    j.index,
		Text:     j.text,
		Audio:    pcm,
		Duration: audio.Duration(len(pcm)/audio.BytesPerSample, rate),
		Status:   StatusReady,
	})
}

func (s *Scheduler) synthesize(j job) ([]byte, error) {
	attempts := 1
	if s.cfg.Policy == PolicyRetry {
		attempts = s.cfg.MaxRetries + 1
	}
	retryCfg := &resilience.RetryConfig{
		MaxAttempts:       attempts,
		InitialBackoff:    s.cfg.RetryBackoff,
		MaxBackoff:        2 * time.Second,
		BackoffMultiplier: 2.0,
		OnRetry: func(attempt int, err error, _ time.Duration) {
			s.logger.Warn().Err(err).Int("chunk", j.index).Int("attempt", attempt+1).Msg("Synthesis attempt failed, retrying")
		},
	}

	var pcm []byte
	err := resilience.Retry(s.ctx, func(ctx context.Context, _ int) error {
		if s.textOnly.Load() {
			return errTextOnly
		}
		var buf bytes.Buffer
		err := s.breaker.Call(ctx, func(ctx context.Context) error {
			attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
			defer cancel()
			return s.synth.Synthesize(attemptCtx, j.text, s.cfg.Voice, func(p []byte) error {
				buf.Write(p)
				return nil
			})
		})
		if err == nil && buf.Len() == 0 {
			err = errors.New("synthesis returned no audio")
		}
		if err != nil {
			observability.RecordBackendRequest(voiceerr.ServiceSynthesis, false)
			return err
		}
		pcm = buf.Bytes()
		return nil
	}, retryCfg, func(err error) bool {
		return !errors.Is(err, errTextOnly) && !errors.Is(err, resilience.ErrCircuitOpen)
	})
	return pcm, err
}

func (s *Scheduler) fail(j job, err error) {
	defer s.skip(j)

	if s.ctx.Err() != nil || errors.Is(err, errTextOnly) {
		return
	}

	kind := voiceerr.KindSynthesis
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = voiceerr.KindTimeout
	case errors.Is(err, resilience.ErrCircuitOpen):
		kind = voiceerr.KindBackendUnreachable
		if s.gate != nil {
			s.gate.MarkUnreachable(voiceerr.ServiceSynthesis, err)
		}
	}

	s.logger.Warn().Err(err).Int("chunk", j.index).Str("policy", string(s.cfg.Policy)).Msg("Chunk synthesis failed")

	if s.cfg.Policy == PolicyFallback {
		if s.textOnly.Swap(true) {
			return
		}
		s.report(voiceerr.Wrap(kind, voiceerr.ServiceSynthesis, "synthesize",
			"synthesis failed; reply continues as text", err))
		return
	}
	s.report(voiceerr.Wrap(kind, voiceerr.ServiceSynthesis, "synthesize",
		fmt.Sprintf("synthesis failed for chunk %d; chunk skipped", j.index), err))
}

func (s *Scheduler) skip(j job) {
	s.setStatus(j.index, StatusFailed)
	s.seq.put(Segment{Index: j.index, Text: j.text, Status: StatusFailed})
}

func (s *Scheduler) trackActive(delta int) {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	s.active += delta
	if s.active > s.peak {
		s.peak = s.active
	}
}
