package session

import (
	"errors"
	"fmt"

	"github.com/lexiqai/voice-session/internal/observability"
)

// State is the turn state of a session.
type State string

const (
	StateIdle        State = "idle"
	StateListening   State = "listening"
	StateFinalizing  State = "finalizing"
	StateGenerating  State = "generating"
	StateSpeaking    State = "speaking"
	StateInterrupted State = "interrupted"
)

// ErrIllegalTransition is returned for a transition the turn lifecycle does not allow.
var ErrIllegalTransition = errors.New("illegal state transition")

var transitions = map[State][]State{
	StateIdle:        {StateListening},
	StateListening:   {StateFinalizing},
	StateFinalizing:  {StateGenerating, StateIdle},
	StateGenerating:  {StateSpeaking, StateIdle, StateInterrupted},
	StateSpeaking:    {StateIdle, StateInterrupted},
	StateInterrupted: {StateListening},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// machine holds the current state and turn. It is only touched by the
// coordinator loop.
type machine struct {
	state State
	turn  uint64
}

func (m *machine) to(next State) error {
	if !CanTransition(m.state, next) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, m.state, next)
	}
	observability.RecordTransition(string(m.state), string(next))
	m.state = next
	return nil
}
