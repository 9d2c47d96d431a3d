package server

import "fmt"

// State is the lifecycle state of a relay session.
type State int

const (
	// StateAccepted is set once the telephony connection is upgraded.
	StateAccepted State = iota
	// StatePairing is set once provisioning returned a session URL and the
	// outbound connection is being opened.
	StatePairing
	// StateActive is set once the outbound connection is open and frames flow.
	StateActive
	// StateTerminated is final; no connection of the session is left open.
	StateTerminated
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StatePairing:
		return "pairing"
	case StateActive:
		return "active"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// MarshalText renders the state by name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var validTransitions = map[State][]State{
	StateAccepted:   {StatePairing, StateTerminated},
	StatePairing:    {StateActive, StateTerminated},
	StateActive:     {StateTerminated},
	StateTerminated: {},
}

// CanTransitionTo checks if a transition from current state to next state is valid
func (s State) CanTransitionTo(next State) bool {
	for _, state := range validTransitions[s] {
		if state == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true if this is a terminal state
func (s State) IsTerminal() bool {
	return s == StateTerminated
}
