package job

import "fmt"

// State is the lifecycle state of a job.
//
// NOTE: These values are persisted and returned to polling clients.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// States lists every known state in lifecycle order.
var States = []State{StatePending, StateProcessing, StateCompleted, StateFailed, StateCancelled}

// IsTerminal reports whether no further transition is permitted.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	for _, known := range States {
		if s == known {
			return true
		}
	}
	return false
}

func (s State) String() string {
	return string(s)
}

// ParseState returns the State named by s.
func ParseState(s string) (State, error) {
	st := State(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown job state %q", s)
	}
	return st, nil
}

// Transition validates a single state change.
//
// The only legal moves are pending->processing, processing->completed,
// processing->failed and {pending,processing}->cancelled. Completed and
// failed are always reached from processing.
func Transition(from, to State) error {
	switch from {
	case StatePending:
		if to == StateProcessing || to == StateCancelled {
			return nil
		}
	case StateProcessing:
		if to == StateCompleted || to == StateFailed || to == StateCancelled {
			return nil
		}
	}
	return &TransitionError{From: from, To: to}
}

// TransitionError reports an illegal state change.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid job state transition %s -> %s", e.From, e.To)
}

// Unwrap lets callers match ErrInvalidTransition.
func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
