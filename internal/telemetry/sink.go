// Package telemetry records per-stage latency and turns non-fatal pipeline
// errors into structured service_error events for the client.
package telemetry

import (
	"errors"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-session/internal/observability"
	"github.com/lexiqai/voice-session/internal/protocol"
	"github.com/lexiqai/voice-session/internal/voiceerr"
)

// Emitter delivers an outbound control event to the session channel.
type Emitter func(event any)

// Sink is owned by one session.
type Sink struct {
	logger  zerolog.Logger
	metrics *observability.Metrics
	hub     *sentry.Hub
	emit    Emitter
}

// NewSink creates a sink. hub may be nil when error capture is disabled.
func NewSink(logger zerolog.Logger, metrics *observability.Metrics, hub *sentry.Hub, emit Emitter) *Sink {
	if emit == nil {
		emit = func(any) {}
	}
	return &Sink{logger: logger, metrics: metrics, hub: hub, emit: emit}
}

// StageStart marks the beginning of a pipeline stage.
func (s *Sink) StageStart(stage string) {
	if s.metrics != nil {
		s.metrics.StageStart(stage)
	}
}

// StageEnd records a stage begun with StageStart and returns its latency.
func (s *Sink) StageEnd(stage string) time.Duration {
	if s.metrics == nil {
		return 0
	}
	d := s.metrics.StageEnd(stage)
	s.logger.Debug().Str("stage", stage).Dur("latency", d).Msg("Stage completed")
	return d
}

// Observe records a latency measured by the caller.
func (s *Sink) Observe(stage string, d time.Duration) {
	observability.ObserveStage(stage, d)
}

// Report logs, counts and surfaces a pipeline error to the client.
// Fatal errors are logged and counted but not emitted; the channel is going away.
func (s *Sink) Report(turn uint64, err error) {
	if err == nil {
		return
	}

	var verr *voiceerr.Error
	if !errors.As(err, &verr) {
		verr = voiceerr.Wrap(voiceerr.KindUnknown, voiceerr.ServiceSession, "unknown", "unexpected error", err)
	}

	severity := Severity(verr)
	observability.RecordError(string(verr.Kind), verr.Service)

	evt := s.logger.Warn()
	if severity == protocol.SeverityError {
		evt = s.logger.Error()
	}
	evt.Err(err).
		Uint64("turn", turn).
		Str("kind", string(verr.Kind)).
		Str("service", verr.Service).
		Str("op", verr.Op).
		Bool("retryable", verr.Retryable).
		Msg("Pipeline error")

	if severity == protocol.SeverityError || verr.Fatal() {
		s.capture(turn, verr)
	}

	if verr.Fatal() {
		return
	}
	s.emit(protocol.NewServiceError(verr.Service, verr.Message, severity, verr.Retryable))
}

// Severity maps an error to the client-facing severity. A failure that
// costs the user this turn's reply is an error; a degraded reply is a warning.
func Severity(err *voiceerr.Error) string {
	if err.Fatal() {
		return protocol.SeverityError
	}
	switch err.Service {
	case voiceerr.ServiceTranscription, voiceerr.ServiceGeneration:
		return protocol.SeverityError
	default:
		return protocol.SeverityWarning
	}
}

func (s *Sink) capture(turn uint64, err *voiceerr.Error) {
	if s.hub == nil || s.hub.Client() == nil {
		return
	}
	s.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("service", err.Service)
		scope.SetTag("kind", string(err.Kind))
		scope.SetTag("op", err.Op)
		scope.SetExtra("turn", turn)
		s.hub.CaptureException(err)
	})
}
