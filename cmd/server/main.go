package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-session/internal/auth"
	"github.com/lexiqai/voice-session/internal/codec/opusdec"
	"github.com/lexiqai/voice-session/internal/config"
	"github.com/lexiqai/voice-session/internal/health"
	"github.com/lexiqai/voice-session/internal/memory"
	"github.com/lexiqai/voice-session/internal/observability"
	"github.com/lexiqai/voice-session/internal/orchestrator"
	"github.com/lexiqai/voice-session/internal/session"
	"github.com/lexiqai/voice-session/internal/stt"
	"github.com/lexiqai/voice-session/internal/tts"
	"github.com/lexiqai/voice-session/internal/voiceerr"
)

const defaultOpenAIURL = "https://api.openai.com/v1"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("log_level", cfg.LogLevel).
		Str("interruption_policy", cfg.InterruptionPolicy).
		Str("synthesis_failure_policy", cfg.SynthesisFailurePolicy).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice Session Service starting")

	var hub *sentry.Hub
	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Environment,
		}); err != nil {
			logger.Error().Err(err).Msg("Failed to initialize Sentry, continuing without it")
		} else {
			defer sentry.Flush(2 * time.Second)
			hub = sentry.CurrentHub()
		}
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), 15*time.Second)
	store, err := memory.NewStore(startCtx, cfg.DatabaseURL, cfg.DevSessions)
	cancelStart()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open session store")
	}
	defer store.Close()

	registry, probeClosers := newRegistry(cfg, logger)
	defer func() {
		for _, closeProbe := range probeClosers {
			_ = closeProbe()
		}
	}()
	if pinger, ok := store.(interface{ Ping(context.Context) error }); ok {
		registry.Register("database", health.ProbeFunc(pinger.Ping))
	}
	authenticator := auth.NewAuthenticator(cfg.AuthJWTSecret)
	if authenticator.DevMode() {
		logger.Warn().Msg("AUTH_JWT_SECRET is not set, trusting the user_id query parameter")
	}

	synth := tts.NewCartesiaClient(cfg, nil)
	sessions := session.NewServer(&session.Deps{
		Config: cfg,
		Store:  store,
		Auth:   authenticator,
		Health: registry,
		Transcriber: func() stt.Backend {
			return stt.NewDeepgramBackend(cfg, logger)
		},
		Generator:     orchestrator.NewOpenAIBackend(cfg),
		Synthesizer:   synth,
		SynthesisRate: synth.SampleRate(),
		Decoders:      opusdec.Factory,
		Hub:           hub,
		Logger:        logger,
	})

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", observability.HealthCheckHandler())
	r.Get("/ready", observability.ReadinessHandler(registry.Checks()))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	sessions.Routes(r)

	// Create HTTP server with timeouts. Upgraded connections manage their own deadlines.
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/v1/sessions/{session_id}/stream", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Int("active_sessions", sessions.ActiveSessions()).Msg("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Hijacked websocket connections are not tracked by http.Server.
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("HTTP server forced to shutdown")
	}
	if err := sessions.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Sessions did not finish before the shutdown deadline")
	}

	logger.Info().Msg("Server exited gracefully")
}

// newRegistry registers a lightweight probe per backend. Probes avoid
// billable calls: listing endpoints and gRPC health only.
func newRegistry(cfg *config.Config, logger zerolog.Logger) (registry *health.Registry, closers []func() error) {
	registry = health.NewRegistry(
		config.Millis(cfg.HealthCacheTTLMs),
		config.Millis(cfg.HealthTimeoutMs),
		logger,
	)
	probeClient := &http.Client{Timeout: config.Millis(cfg.HealthTimeoutMs)}

	registry.Register(voiceerr.ServiceTranscription, health.HTTPProbe{
		URL:    cfg.DeepgramHealthURL,
		Header: http.Header{"Authorization": {"Token " + cfg.DeepgramAPIKey}},
		Client: probeClient,
	})

	switch {
	case cfg.GenerationHealthGRPC != "":
		probe := health.NewGRPCProbe(cfg.GenerationHealthGRPC, "")
		closers = append(closers, probe.Close)
		registry.Register(voiceerr.ServiceGeneration, probe)
	case cfg.GenerationHealthURL != "":
		registry.Register(voiceerr.ServiceGeneration, health.HTTPProbe{URL: cfg.GenerationHealthURL, Client: probeClient})
	default:
		base := cfg.OpenAIBaseURL
		if base == "" {
			base = defaultOpenAIURL
		}
		registry.Register(voiceerr.ServiceGeneration, health.HTTPProbe{
			URL:    strings.TrimRight(base, "/") + "/models",
			Header: http.Header{"Authorization": {"Bearer " + cfg.OpenAIAPIKey}},
			Client: probeClient,
		})
	}

	registry.Register(voiceerr.ServiceSynthesis, health.HTTPProbe{
		URL: strings.TrimRight(cfg.CartesiaBaseURL, "/") + "/voices",
		Header: http.Header{
			"X-API-Key":        {cfg.CartesiaAPIKey},
			"Cartesia-Version": {cfg.CartesiaVersion},
		},
		Client: probeClient,
	})
	return registry, closers
}
