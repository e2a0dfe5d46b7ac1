// Package session holds the vocabulary shared by the chat and events sessions
// and their coordinator: connection states, the observer that receives status
// and event callbacks, the generation counter guarding restarts, and the
// error taxonomy used to classify failed starts.
package session

import "fmt"

// State is the connection state of one session. The chat and events sessions
// each report their own State; there is no combined flag.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state by name in JSON status payloads.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Status is a State plus the message that came with it. Message is only
// meaningful for Disconnected, where it carries the error text (or "" for a
// deliberate stop).
type Status struct {
	State   State  `json:"state"`
	Message string `json:"message,omitempty"`
}

// CallbackStatus is the lifecycle of the local OAuth callback listener.
type CallbackStatus int

const (
	CallbackStopped CallbackStatus = iota
	CallbackStarting
	CallbackStarted
)

func (s CallbackStatus) String() string {
	switch s {
	case CallbackStopped:
		return "stopped"
	case CallbackStarting:
		return "starting"
	case CallbackStarted:
		return "started"
	default:
		return fmt.Sprintf("callback(%d)", int(s))
	}
}
