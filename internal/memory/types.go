// Package memory provides the collaborator lookups a voice session needs:
// session ownership, persona settings, and conversation history.
package memory

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a session or persona does not exist.
var ErrNotFound = errors.New("not found")

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// SessionRecord binds a provisioned session to its owner and persona.
type SessionRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	PersonaID string    `json:"persona_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Persona carries the agent settings used by the pipeline.
type Persona struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	SystemPrompt string `json:"system_prompt"`
	VoiceID      string `json:"voice_id"`
}

// Message stores a single user or assistant turn.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Turn      uint64    `json:"turn"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the collaborator interface consumed by the session coordinator.
type Store interface {
	LookupSession(ctx context.Context, sessionID string) (SessionRecord, error)
	LookupPersona(ctx context.Context, personaID string) (Persona, error)
	AppendMessage(ctx context.Context, msg Message) error
	// RecentMessages returns up to limit messages for the user in chronological order.
	RecentMessages(ctx context.Context, userID string, limit int) ([]Message, error)
	Close() error
}
