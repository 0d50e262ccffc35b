package link

import (
	"encoding/json"
	"time"
)

// State is the lifecycle position of a Session.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Error
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the state by name.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// StateChange describes one transition. Err is set when the transition
// was caused by a failure.
type StateChange struct {
	From State
	To   State
	Err  error
	At   time.Time
}

// validTransition reports whether from -> to is a legal move. Disconnect is
// allowed from every state other than Disconnected.
func validTransition(from, to State) bool {
	switch to {
	case Connecting:
		return from == Disconnected || from == Error
	case Connected:
		return from == Connecting
	case Error:
		return from == Connecting || from == Connected
	case Disconnected:
		return from != Disconnected
	}
	return false
}
