package observability

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	loggerMu     sync.Mutex
	globalLogger *zerolog.Logger
)

// InitLogger initializes the global structured logger. Later calls are ignored.
func InitLogger(level string, pretty bool) {
	var out io.Writer = os.Stdout
	if pretty {
		// Pretty console output for development
		out = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	loggerMu.Lock()
	defer loggerMu.Unlock()
	if globalLogger != nil {
		return
	}
	zerolog.SetGlobalLevel(ParseLevel(level))
	l := NewLogger(out)
	globalLogger = &l

	// Set as global logger
	log.Logger = l
}

// NewLogger builds a service logger writing to out. Warnings and errors are
// also recorded as Sentry breadcrumbs so a captured session error carries
// the log lines that led to it.
func NewLogger(out io.Writer) zerolog.Logger {
	return zerolog.New(out).
		Hook(breadcrumbHook{}).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()
}

// ParseLevel maps a textual level to zerolog, defaulting to info
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}

// GetLogger returns the global logger, initializing it with defaults if needed
func GetLogger() zerolog.Logger {
	loggerMu.Lock()
	l := globalLogger
	loggerMu.Unlock()
	if l == nil {
		InitLogger("info", false)
		return GetLogger()
	}
	return *l
}

// SessionLogger creates the logger carried by one voice session
func SessionLogger(correlationID, sessionID, userID string) zerolog.Logger {
	if correlationID == "" {
		correlationID = NewCorrelationID()
	}
	return GetLogger().With().
		Str("correlation_id", correlationID).
		Str("session_id", sessionID).
		Str("user_id", userID).
		Logger()
}

// NewCorrelationID generates a new correlation ID
func NewCorrelationID() string {
	return uuid.New().String()
}

type breadcrumbHook struct{}

func (breadcrumbHook) Run(_ *zerolog.Event, level zerolog.Level, msg string) {
	if level < zerolog.WarnLevel || msg == "" {
		return
	}
	hub := sentry.CurrentHub()
	if hub.Client() == nil {
		return
	}
	sentryLevel := sentry.LevelWarning
	if level >= zerolog.ErrorLevel {
		sentryLevel = sentry.LevelError
	}
	hub.AddBreadcrumb(&sentry.Breadcrumb{
		Category:  "log",
		Message:   msg,
		Level:     sentryLevel,
		Timestamp: time.Now(),
	}, nil)
}
