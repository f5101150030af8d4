package session

import (
	"fmt"
	"time"
)

// State is the connection state shown to overlays.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateError      State = "error"
	StateClosed     State = "closed"
)

// States lists every state; metrics export one gauge series per entry.
var States = []State{StateIdle, StateConnecting, StateConnected, StateError, StateClosed}

const (
	msgIdle         = "Add your ai_licia® API key and channel to preview live chat."
	msgConnecting   = "Connecting to ai_licia® chat stream…"
	msgReconnecting = "Reconnecting to ai_licia®…"
	msgConnected    = "Live and listening"
	msgError        = "Connection lost. Retrying…"
	msgGaveUp       = "Connection lost. Reload credentials to retry."
	msgClosed       = "Stream closed"
)

func reconnectMessage(attempt int, delay time.Duration) string {
	return fmt.Sprintf("Reconnecting in %.1fs (attempt %d)", delay.Seconds(), attempt)
}

// Status is a state plus the human readable line that goes with it.
type Status struct {
	State   State     `json:"state"`
	Message string    `json:"message"`
	Attempt int       `json:"attempt,omitempty"`
	Since   time.Time `json:"since"`
}

var transitions = map[State][]State{
	StateIdle:       {StateIdle, StateConnecting, StateClosed},
	StateConnecting: {StateConnecting, StateConnected, StateError, StateIdle, StateClosed},
	StateConnected:  {StateConnecting, StateError, StateIdle, StateClosed},
	StateError:      {StateConnecting, StateError, StateIdle, StateClosed},
	StateClosed:     nil,
}

// machine validates state changes. Closed is terminal.
type machine struct {
	status Status
}

func newMachine(now time.Time) machine {
	return machine{status: Status{State: StateIdle, Message: msgIdle, Since: now}}
}

// transition applies next when the edge is allowed and reports whether the
// visible status changed.
func (m *machine) transition(next Status) bool {
	if !allowed(m.status.State, next.State) {
		return false
	}
	if m.status.State == next.State && m.status.Message == next.Message && m.status.Attempt == next.Attempt {
		return false
	}
	if m.status.State == next.State {
		next.Since = m.status.Since
	}
	m.status = next
	return true
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
