package liveness

import "fmt"

// State is the session state tracked by a Monitor.
type State int

const (
	StateConnected State = iota
	StateSuspect
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateSuspect:
		return "suspect"
	case StateExpired:
		return "expired"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Event is emitted on every state transition.
type Event int

const (
	// EventDisconnected is emitted on CONNECTED -> SUSPECT.
	EventDisconnected Event = iota + 1
	// EventReconnected is emitted on SUSPECT -> CONNECTED.
	EventReconnected
	// EventExpired is emitted once, on entering EXPIRED.
	EventExpired
)

func (e Event) String() string {
	switch e {
	case EventDisconnected:
		return "disconnected"
	case EventReconnected:
		return "reconnected"
	case EventExpired:
		return "expired"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}
