package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the voice session service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Public base URL for this service, used only for logging the websocket endpoint.
	// Optional; if unset, logs ws://localhost:PORT/v1/sessions/{id}/stream.
	PublicURL string `envconfig:"PUBLIC_URL" default:""`

	// Deepgram STT API configuration
	DeepgramAPIKey    string `envconfig:"DEEPGRAM_API_KEY" required:"true"`
	DeepgramModel     string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"` // nova-2, enhanced, base
	DeepgramLanguage  string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`  // Language code (en, es, fr, etc.)
	DeepgramHealthURL string `envconfig:"DEEPGRAM_HEALTH_URL" default:"https://api.deepgram.com/v1/projects"`

	// Generation backend (OpenAI-compatible chat completions)
	OpenAIAPIKey        string  `envconfig:"OPENAI_API_KEY" required:"true"`
	OpenAIBaseURL       string  `envconfig:"OPENAI_BASE_URL" default:""`
	OpenAIModel         string  `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`
	OpenAIMaxTokens     int     `envconfig:"OPENAI_MAX_TOKENS" default:"400"`
	OpenAITemperature   float32 `envconfig:"OPENAI_TEMPERATURE" default:"0.7"`
	GenerationHealthURL string  `envconfig:"GENERATION_HEALTH_URL" default:""`
	// gRPC health endpoint of a self-hosted generation backend (grpc.health.v1).
	// Takes precedence over GENERATION_HEALTH_URL when set.
	GenerationHealthGRPC string `envconfig:"GENERATION_HEALTH_GRPC" default:""`
	DefaultSystemPrompt  string `envconfig:"DEFAULT_SYSTEM_PROMPT" default:"You are a helpful voice assistant. Answer in short spoken sentences."`

	// Cartesia TTS API configuration
	CartesiaAPIKey     string `envconfig:"CARTESIA_API_KEY" required:"true"`
	CartesiaBaseURL    string `envconfig:"CARTESIA_BASE_URL" default:"https://api.cartesia.ai"`
	CartesiaVoiceID    string `envconfig:"CARTESIA_VOICE_ID" default:"a0e99841-438c-4a64-b679-ae501e7d6091"`
	CartesiaModelID    string `envconfig:"CARTESIA_MODEL_ID" default:"sonic-2"`
	CartesiaVersion    string `envconfig:"CARTESIA_VERSION" default:"2024-11-13"`
	CartesiaSampleRate int    `envconfig:"CARTESIA_SAMPLE_RATE" default:"24000"` // Backend output rate in Hz

	// Audio configuration
	InputSampleRate  int `envconfig:"INPUT_SAMPLE_RATE" default:"16000"`  // Decode rate fed to transcription
	OutputSampleRate int `envconfig:"OUTPUT_SAMPLE_RATE" default:"24000"` // PCM16 rate sent to the client
	OutputFrameBytes int `envconfig:"OUTPUT_FRAME_BYTES" default:"4800"`  // Binary frame size sent to the client

	// Playback pacing. Audio is released no earlier than PlaybackLeadMs ahead
	// of real time so interruptions can cut a reply short.
	PlaybackRealtime bool `envconfig:"PLAYBACK_REALTIME" default:"true"`
	PlaybackLeadMs   int  `envconfig:"PLAYBACK_LEAD_MS" default:"250"`

	// Turn segmentation
	SilenceThresholdMs     int `envconfig:"SILENCE_THRESHOLD_MS" default:"600"`
	MaxUtteranceMs         int `envconfig:"MAX_UTTERANCE_MS" default:"45000"`
	SilenceCheckIntervalMs int `envconfig:"SILENCE_CHECK_INTERVAL_MS" default:"100"`
	FinalizeTimeoutMs      int `envconfig:"FINALIZE_TIMEOUT_MS" default:"3000"`
	FinalizeSettleMs       int `envconfig:"FINALIZE_SETTLE_MS" default:"400"`

	// Generation
	FirstTokenTimeoutMs  int `envconfig:"FIRST_TOKEN_TIMEOUT_MS" default:"30000"`
	GenerationMaxRetries int `envconfig:"GENERATION_MAX_RETRIES" default:"2"`
	MinChunkChars        int `envconfig:"MIN_CHUNK_CHARS" default:"3"`
	HistoryTurns         int `envconfig:"HISTORY_TURNS" default:"10"`

	// Synthesis
	SynthesisConcurrency   int    `envconfig:"SYNTHESIS_CONCURRENCY" default:"3"`
	SynthesisFailurePolicy string `envconfig:"SYNTHESIS_FAILURE_POLICY" default:"skip"` // skip, retry, fallback
	SynthesisMaxRetries    int    `envconfig:"SYNTHESIS_MAX_RETRIES" default:"2"`
	SynthesisTimeoutMs     int    `envconfig:"SYNTHESIS_TIMEOUT_MS" default:"15000"`

	// Interruption
	InterruptionPolicy     string  `envconfig:"INTERRUPTION_POLICY" default:"graceful"` // immediate, graceful, drain
	BargeInEnergyThreshold float64 `envconfig:"BARGE_IN_ENERGY_THRESHOLD" default:"900.0"` // RMS energy threshold for barge-in
	BargeInFrames          int     `envconfig:"BARGE_IN_FRAMES" default:"3"`               // Consecutive voiced frames to trigger

	// Service health
	HealthCacheTTLMs int `envconfig:"HEALTH_CACHE_TTL_MS" default:"5000"`
	HealthTimeoutMs  int `envconfig:"HEALTH_TIMEOUT_MS" default:"1500"`

	// Collaborators
	DatabaseURL   string `envconfig:"DATABASE_URL" default:""`
	DevSessions   string `envconfig:"DEV_SESSIONS" default:""` // session:user:persona,... seeded into the in-memory store
	AuthJWTSecret string `envconfig:"AUTH_JWT_SECRET" default:""`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`         // Maximum reconnection attempts
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"500"`            // Reconnection backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
	SentryDSN      string `envconfig:"SENTRY_DSN" default:""`
	Environment    string `envconfig:"ENVIRONMENT" default:"development"`
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields and value ranges
func (c *Config) Validate() error {
	if c.DeepgramAPIKey == "" {
		return fmt.Errorf("DEEPGRAM_API_KEY is required")
	}
	if c.CartesiaAPIKey == "" {
		return fmt.Errorf("CARTESIA_API_KEY is required")
	}
	if c.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}
	if c.SilenceThresholdMs <= 0 || c.MaxUtteranceMs <= c.SilenceThresholdMs {
		return fmt.Errorf("MAX_UTTERANCE_MS (%d) must exceed SILENCE_THRESHOLD_MS (%d)", c.MaxUtteranceMs, c.SilenceThresholdMs)
	}
	if c.SynthesisConcurrency < 1 {
		return fmt.Errorf("SYNTHESIS_CONCURRENCY must be at least 1, got %d", c.SynthesisConcurrency)
	}
	switch strings.ToLower(c.SynthesisFailurePolicy) {
	case "skip", "retry", "fallback":
	default:
		return fmt.Errorf("SYNTHESIS_FAILURE_POLICY must be skip, retry or fallback, got %q", c.SynthesisFailurePolicy)
	}
	switch strings.ToLower(c.InterruptionPolicy) {
	case "immediate", "graceful", "drain":
	default:
		return fmt.Errorf("INTERRUPTION_POLICY must be immediate, graceful or drain, got %q", c.InterruptionPolicy)
	}
	switch c.InputSampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return fmt.Errorf("INPUT_SAMPLE_RATE must be an Opus decode rate, got %d", c.InputSampleRate)
	}
	return nil
}

// Millis converts a millisecond setting to a duration
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// SilenceThreshold returns the silence threshold as a duration
func (c *Config) SilenceThreshold() time.Duration { return Millis(c.SilenceThresholdMs) }

// MaxUtterance returns the max-utterance safety bound as a duration
func (c *Config) MaxUtterance() time.Duration { return Millis(c.MaxUtteranceMs) }

// FirstTokenTimeout returns the generation first-token budget as a duration
func (c *Config) FirstTokenTimeout() time.Duration { return Millis(c.FirstTokenTimeoutMs) }
