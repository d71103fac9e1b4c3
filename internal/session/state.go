// Package session models one authenticated client connection from
// handshake to close.
package session

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a client connection.
type State int32

const (
	// StateHandshaking is the initial state while TLS negotiates.
	StateHandshaking State = iota

	// StateAuthenticated means the client certificate was verified.
	StateAuthenticated

	// StateServing means at least one HTTP request was read on the connection.
	StateServing

	// StateClosed is terminal.
	StateClosed

	// StateRejected is terminal and counts as closed.
	StateRejected
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateAuthenticated:
		return "authenticated"
	case StateServing:
		return "serving"
	case StateClosed:
		return "closed"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are allowed.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateRejected
}

// ErrInvalidTransition is returned for a transition the lifecycle forbids.
var ErrInvalidTransition = errors.New("invalid session state transition")

// ErrProtocolViolation marks a request that tries to use the proxy as a
// forward proxy or is otherwise not an origin-form HTTP/1.1 request.
var ErrProtocolViolation = errors.New("protocol violation")

var transitions = map[State][]State{
	StateHandshaking:   {StateAuthenticated, StateRejected},
	StateAuthenticated: {StateServing, StateClosed},
	StateServing:       {StateServing, StateClosed},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to State) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func transitionError(from, to State) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
