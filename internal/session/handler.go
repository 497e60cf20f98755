package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-session/internal/auth"
	"github.com/lexiqai/voice-session/internal/codec"
	"github.com/lexiqai/voice-session/internal/config"
	"github.com/lexiqai/voice-session/internal/memory"
	"github.com/lexiqai/voice-session/internal/observability"
	"github.com/lexiqai/voice-session/internal/orchestrator"
	"github.com/lexiqai/voice-session/internal/stt"
	"github.com/lexiqai/voice-session/internal/tts"
)

var (
	errShuttingDown     = errors.New("server is shutting down")
	errAlreadyStreaming = errors.New("session already has an active stream")
)

// Deps are the process-wide collaborators shared by every session.
type Deps struct {
	Config *config.Config
	Store  memory.Store
	Auth   *auth.Authenticator
	Health tts.HealthGate

	// Transcriber opens a new backend connection for each session
	Transcriber   func() stt.Backend
	Generator     orchestrator.Backend
	Synthesizer   tts.Synthesizer
	SynthesisRate int // sample rate Synthesizer produces
	Decoders      codec.DecoderFactory

	Hub    *sentry.Hub
	Logger zerolog.Logger
}

// Server accepts session streams and tracks them for shutdown.
type Server struct {
	deps     *Deps
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[string]struct{}
}

// NewServer creates a server. Sessions run until Shutdown.
func NewServer(deps *Deps) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browsers connect from the app's own origin; tokens, not origins, gate access.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: deps.Logger.With().Str("component", "session_server").Logger(),
		ctx:    ctx,
		cancel: cancel,
		active: make(map[string]struct{}),
	}
}

// Routes mounts the stream endpoint.
func (s *Server) Routes(r chi.Router) {
	r.Get("/v1/sessions/{sessionID}/stream", s.handleStream)
}

// ActiveSessions returns the number of connected sessions.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Shutdown cancels every session and waits for them to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleStream validates the handshake before upgrading: the caller must be
// authenticated and own the session.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sessionID := strings.TrimSpace(chi.URLParam(r, "sessionID"))
	correlationID := r.Header.Get("X-Correlation-ID")
	if correlationID == "" {
		correlationID = observability.NewCorrelationID()
	}
	logger := s.logger.With().Str("correlation_id", correlationID).Str("session_id", sessionID).Logger()

	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "session id is required")
		return
	}

	userID, err := s.deps.Auth.UserID(r)
	if err != nil {
		logger.Warn().Err(err).Msg("Rejected unauthenticated stream")
		respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	rec, err := s.deps.Store.LookupSession(r.Context(), sessionID)
	switch {
	case errors.Is(err, memory.ErrNotFound):
		respondError(w, http.StatusNotFound, "session not found")
		return
	case err != nil:
		logger.Error().Err(err).Msg("Session lookup failed")
		respondError(w, http.StatusServiceUnavailable, "session lookup failed")
		return
	}
	if rec.UserID != userID {
		logger.Warn().Str("user_id", userID).Msg("Rejected stream for a session owned by another user")
		respondError(w, http.StatusForbidden, "session belongs to another user")
		return
	}

	persona := s.lookupPersona(r.Context(), rec.PersonaID, logger)

	if err := s.claim(sessionID); err != nil {
		status := http.StatusConflict
		if errors.Is(err, errShuttingDown) {
			status = http.StatusServiceUnavailable
		}
		respondError(w, status, err.Error())
		return
	}
	defer s.release(sessionID)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an error response.
		logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
		return
	}
	observability.ObserveStage(observability.StageHandshake, time.Since(start))

	sess := newSession(conn, rec, persona, correlationID, s.deps)
	if err := sess.Run(s.ctx); err != nil {
		logger.Warn().Err(err).Msg("Session ended with error")
	}
}

func (s *Server) lookupPersona(ctx context.Context, personaID string, logger zerolog.Logger) memory.Persona {
	if personaID == "" {
		return memory.Persona{}
	}
	p, err := s.deps.Store.LookupPersona(ctx, personaID)
	if err != nil {
		logger.Warn().Err(err).Str("persona_id", personaID).Msg("Persona lookup failed, using defaults")
		return memory.Persona{ID: personaID}
	}
	return p
}

// claim registers an active stream. No claim succeeds once Shutdown began.
func (s *Server) claim(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return errShuttingDown
	}
	if _, ok := s.active[sessionID]; ok {
		return errAlreadyStreaming
	}
	s.active[sessionID] = struct{}{}
	s.wg.Add(1)
	return nil
}

func (s *Server) release(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, sessionID)
	s.wg.Done()
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
