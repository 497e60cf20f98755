package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline stages observed by the stage latency histogram.
const (
	StageDecode          = "decode"
	StageFinalize        = "finalize"
	StageFirstToken      = "first_token"
	StageGeneration      = "generation"
	StageSynthesis       = "synthesis"
	StageFirstAudio      = "first_audio"
	StageResponse        = "response"
	StageUtterance       = "utterance"
	StageTurn            = "turn"
	StageHandshake       = "handshake"
	StageHealthProbe     = "health_probe"
	StageHistoryAppend   = "history_append"
	StageContextFetching = "context_fetch"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_session_active_sessions",
		Help: "Number of open voice sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_session_sessions_total",
		Help: "Total number of voice sessions accepted",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_session_duration_seconds",
		Help:    "Duration of voice sessions in seconds",
		Buckets: []float64{5, 30, 60, 120, 300, 600, 1800, 3600},
	})

	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_session_turns_total",
		Help: "Total number of turns by outcome",
	}, []string{"outcome"})

	stateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_session_state_transitions_total",
		Help: "Turn state machine transitions",
	}, []string{"from", "to"})

	// Stage latency
	stageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voice_session_stage_latency_seconds",
		Help:    "Latency of pipeline stages in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
	}, []string{"stage"})

	// Backend metrics
	backendRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_session_backend_requests_total",
		Help: "Total number of backend requests by service and status",
	}, []string{"service", "status"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_session_errors_total",
		Help: "Total number of errors",
	}, []string{"kind", "service"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_session_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_session_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_session_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"

	framesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_session_frames_dropped_total",
		Help: "Audio frames dropped by the codec",
	}, []string{"reason"})

	latePartialsDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_session_late_transcripts_discarded_total",
		Help: "Transcript events discarded because their turn was already finalized",
	})

	// Synthesis metrics
	synthesisActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_session_synthesis_active_jobs",
		Help: "Synthesis jobs currently running",
	})

	chunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_session_response_chunks_total",
		Help: "Response chunk lifecycle transitions by status",
	}, []string{"status"})

	interruptionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_session_interruptions_total",
		Help: "Barge-in interruptions by policy",
	}, []string{"policy"})
)

// Metrics tracks metrics for a single voice session
type Metrics struct {
	sessionID string
	startTime time.Time
	mu        sync.Mutex
	stages    map[string]time.Time
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *Metrics {
	return &Metrics{
		sessionID: sessionID,
		startTime: time.Now(),
		stages:    make(map[string]time.Time),
	}
}

// RecordSessionStart records the start of a session
func (m *Metrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a session
func (m *Metrics) RecordSessionEnd() {
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// StageStart marks the start of a stage; a later StageEnd observes its latency
func (m *Metrics) StageStart(stage string) {
	m.mu.Lock()
	m.stages[stage] = time.Now()
	m.mu.Unlock()
}

// StageEnd observes the latency of a stage started with StageStart.
// It returns the observed duration, or zero when the stage was never started.
func (m *Metrics) StageEnd(stage string) time.Duration {
	m.mu.Lock()
	started, ok := m.stages[stage]
	delete(m.stages, stage)
	m.mu.Unlock()

	if !ok {
		return 0
	}
	d := time.Since(started)
	ObserveStage(stage, d)
	return d
}

// RecordTurn records a completed turn outcome
func (m *Metrics) RecordTurn(outcome string) {
	turnsTotal.WithLabelValues(outcome).Inc()
}

// RecordAudioBytes records audio bytes processed
func (m *Metrics) RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// ObserveStage records a stage latency directly
func ObserveStage(stage string, d time.Duration) {
	stageLatency.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordTransition records a state machine transition
func RecordTransition(from, to string) {
	stateTransitions.WithLabelValues(from, to).Inc()
}

// RecordBackendRequest records one backend request result
func RecordBackendRequest(service string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	backendRequests.WithLabelValues(service, status).Inc()
}

// RecordError records an error
func RecordError(kind, service string) {
	errorsTotal.WithLabelValues(kind, service).Inc()
}

// RecordFrameDropped records a frame dropped by the codec
func RecordFrameDropped(reason string) {
	framesDropped.WithLabelValues(reason).Inc()
}

// RecordLateTranscriptDiscarded records a transcript event discarded after finalize
func RecordLateTranscriptDiscarded() {
	latePartialsDiscarded.Inc()
}

// SynthesisStarted and SynthesisFinished track running synthesis jobs
func SynthesisStarted()  { synthesisActive.Inc() }
func SynthesisFinished() { synthesisActive.Dec() }

// RecordChunk records a response chunk entering status
func RecordChunk(status string) {
	chunksTotal.WithLabelValues(status).Inc()
}

// RecordInterruption records a barge-in handled with the given policy
func RecordInterruption(policy string) {
	interruptionsTotal.WithLabelValues(policy).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
