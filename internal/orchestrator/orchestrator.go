// Package orchestrator streams a reply from the generation backend and cuts
// it into sentence chunks for synthesis.
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-session/internal/observability"
	"github.com/lexiqai/voice-session/internal/resilience"
	"github.com/lexiqai/voice-session/internal/voiceerr"
)

var (
	errFirstTokenTimeout = errors.New("no response token before first-token timeout")
	errEmptyResponse     = errors.New("generation returned no text")
)

// Config controls generation
type Config struct {
	FirstTokenTimeout time.Duration
	MaxRetries        int // additional attempts after the first
	MinChunkChars     int
	HistoryTurns      int // prior user/assistant exchanges sent with each request
	Breaker           *resilience.CircuitBreaker
}

// Orchestrator is safe for concurrent use; each Generate call is independent.
type Orchestrator struct {
	backend Backend
	cfg     Config
	breaker *resilience.CircuitBreaker
	logger  zerolog.Logger
}

// New creates an orchestrator
func New(backend Backend, cfg Config, logger zerolog.Logger) *Orchestrator {
	if cfg.FirstTokenTimeout <= 0 {
		cfg.FirstTokenTimeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MinChunkChars < 1 {
		cfg.MinChunkChars = 3
	}
	if cfg.HistoryTurns < 0 {
		cfg.HistoryTurns = 0
	}
	breaker := cfg.Breaker
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(voiceerr.ServiceGeneration, 5, 30*time.Second)
	}
	return &Orchestrator{
		backend: backend,
		cfg:     cfg,
		breaker: breaker,
		logger:  logger.With().Str("component", "orchestrator").Logger(),
	}
}

// Generate streams a reply, calling emit for each chunk as soon as its
// sentence is complete. A first-token timeout or an empty reply is retried
// while no chunk has been emitted; once a chunk is out the attempt is final.
func (o *Orchestrator) Generate(ctx context.Context, req Request, emit func(Chunk) error) (Result, error) {
	req.History = TrimHistory(req.History, o.cfg.HistoryTurns)

	var (
		res     Result
		lastErr error
	)
	attempts := o.cfg.MaxRetries + 1
	start := time.Now()

	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Attempts = attempt + 1

		err := o.attempt(ctx, req, emit, &res)
		if err == nil {
			observability.ObserveStage(observability.StageGeneration, time.Since(start))
			observability.RecordBackendRequest(voiceerr.ServiceGeneration, true)
			return res, nil
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		observability.RecordBackendRequest(voiceerr.ServiceGeneration, false)
		lastErr = err

		if res.Chunks > 0 {
			return res, voiceerr.Wrap(voiceerr.KindBackendUnreachable, voiceerr.ServiceGeneration, "stream", "generation stream failed mid-reply", err)
		}
		if !retryable(err) {
			break
		}

		o.logger.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("max_attempts", attempts).
			Msg("Generation attempt failed, retrying")
	}

	if errors.Is(lastErr, errFirstTokenTimeout) || errors.Is(lastErr, errEmptyResponse) {
		return res, voiceerr.Wrap(voiceerr.KindTimeout, voiceerr.ServiceGeneration, "generate", "generation produced no reply", lastErr)
	}
	return res, voiceerr.Wrap(voiceerr.KindBackendUnreachable, voiceerr.ServiceGeneration, "generate", "generation backend failed", lastErr)
}

func (o *Orchestrator) attempt(ctx context.Context, req Request, emit func(Chunk) error, res *Result) error {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var gotFirst, timedOut atomic.Bool
	watchdog := time.AfterFunc(o.cfg.FirstTokenTimeout, func() {
		if !gotFirst.Load() {
			timedOut.Store(true)
			cancel()
		}
	})
	defer watchdog.Stop()

	seg := NewSegmenter(o.cfg.MinChunkChars)
	var (
		raw    strings.Builder
		spoken []string
	)
	started := time.Now()

	emitAll := func(sentences []string) error {
		for _, s := range sentences {
			chunk := Chunk{Index: res.Chunks, Text: s}
			res.Chunks++
			spoken = append(spoken, s)
			if err := emit(chunk); err != nil {
				return err
			}
		}
		return nil
	}

	err := o.breaker.Call(attemptCtx, func(ctx context.Context) error {
		return o.backend.Stream(ctx, req, func(delta string) error {
			if delta == "" {
				return nil
			}
			if !gotFirst.Swap(true) {
				if timedOut.Load() {
					return errFirstTokenTimeout
				}
				observability.ObserveStage(observability.StageFirstToken, time.Since(started))
			}
			raw.WriteString(delta)
			return emitAll(seg.Push(delta))
		})
	})
	if timedOut.Load() && res.Chunks == 0 {
		return errFirstTokenTimeout
	}
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return voiceerr.Wrap(voiceerr.KindBackendUnreachable, voiceerr.ServiceGeneration, "stream", "generation circuit open", err)
		}
		return err
	}

	if err := emitAll(seg.Flush()); err != nil {
		return err
	}
	if strings.TrimSpace(raw.String()) == "" {
		return errEmptyResponse
	}
	res.Text = strings.Join(spoken, " ")
	return nil
}

func retryable(err error) bool {
	if errors.Is(err, errFirstTokenTimeout) || errors.Is(err, errEmptyResponse) {
		return true
	}
	if voiceerr.KindOf(err) != voiceerr.KindUnknown {
		return false
	}
	return resilience.IsTransient(err)
}

// TrimHistory keeps the most recent turns user/assistant exchanges.
func TrimHistory(history []Message, turns int) []Message {
	limit := turns * 2
	if limit <= 0 {
		return nil
	}
	if len(history) <= limit {
		return history
	}
	return history[len(history)-limit:]
}
