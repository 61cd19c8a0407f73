package gateway

import (
	"fmt"
	"time"
)

// State is the dispatch state of a request.
type State int32

const (
	// StateReceived is the initial state.
	StateReceived State = iota
	// StateAuthenticating verifies the bearer token.
	StateAuthenticating
	// StateAuthorizing resolves the route and consults the policy engine.
	StateAuthorizing
	// StateDispatching forwards the request downstream.
	StateDispatching
	// StateResponded is terminal: a response was relayed or the
	// downstream failed after a permit.
	StateResponded
	// StateRejected is terminal: authentication or authorization failed.
	StateRejected
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthorizing:
		return "authorizing"
	case StateDispatching:
		return "dispatching"
	case StateResponded:
		return "responded"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateResponded || s == StateRejected
}

var transitions = map[State][]State{
	StateReceived:       {StateAuthenticating},
	StateAuthenticating: {StateAuthorizing, StateRejected},
	StateAuthorizing:    {StateDispatching, StateRejected},
	StateDispatching:    {StateResponded},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition is one recorded state change.
type Transition struct {
	From State
	To   State
	At   time.Time
}

// exchange is the per-request state. It is owned by one goroutine.
type exchange struct {
	state   State
	history []Transition
	now     func() time.Time
}

func newExchange(now func() time.Time) *exchange {
	return &exchange{state: StateReceived, now: now, history: make([]Transition, 0, 4)}
}

// advance moves to the next state. An invalid transition is a
// programming error.
func (e *exchange) advance(to State) {
	if !CanTransition(e.state, to) {
		panic(fmt.Sprintf("gateway: invalid transition %s -> %s", e.state, to))
	}
	e.history = append(e.history, Transition{From: e.state, To: to, At: e.now()})
	e.state = to
}

func (e *exchange) State() State {
	return e.state
}
