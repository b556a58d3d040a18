package proxy

import "fmt"

// State is a state of a proxied authorization flow
type State string

// Flow states. Failed is terminal and reachable from every non-terminal state.
const (
	StateIdle                     State = "idle"
	StateAwaitingUpstreamRedirect State = "awaiting_upstream_redirect"
	StateExchangingCode           State = "exchanging_code"
	StateAuthenticated            State = "authenticated"
	StateFailed                   State = "failed"
)

var transitions = map[State][]State{
	StateIdle:                     {StateAwaitingUpstreamRedirect, StateFailed},
	StateAwaitingUpstreamRedirect: {StateExchangingCode, StateFailed},
	StateExchangingCode:           {StateAuthenticated, StateFailed},
}

// Terminal reports whether no transition leaves s
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

// CanTransition reports whether s -> to is a legal transition
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// IllegalTransitionError is returned when a flow is asked to make a transition
// its current state does not allow
type IllegalTransitionError struct {
	From State
	To   State
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal flow transition %s -> %s", e.From, e.To)
}
