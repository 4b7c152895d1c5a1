package pipeline

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a run.
type State string

const (
	Pending    State = "PENDING"
	Fetched    State = "FETCHED"
	Staged     State = "STAGED"
	Committed  State = "COMMITTED"
	Failed     State = "FAILED"
	RolledBack State = "ROLLED_BACK"
)

// ErrIllegalTransition is returned by Run.Transition for a move the state
// machine does not allow.
var ErrIllegalTransition = errors.New("illegal state transition")

var transitions = map[State][]State{
	Pending: {Fetched, Failed},
	Fetched: {Staged, Failed},
	Staged:  {Committed, RolledBack, Failed},
	// A rolled back load committed nothing and may be loaded again.
	RolledBack: {Staged},
}

// Terminal reports whether no further transition is expected.
func (s State) Terminal() bool {
	return s == Committed || s == Failed
}

// CanTransition reports whether next is a legal successor of s.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ParseState maps a stored state string back to a State.
func ParseState(s string) (State, error) {
	switch st := State(s); st {
	case Pending, Fetched, Staged, Committed, Failed, RolledBack:
		return st, nil
	default:
		return "", fmt.Errorf("unknown run state %q", s)
	}
}

// Run tracks one pipeline execution.
type Run struct {
	ID         string
	TargetDate string
	State      State
}

// NewRun returns a run in the PENDING state.
func NewRun(id, targetDate string) *Run {
	return &Run{ID: id, TargetDate: targetDate, State: Pending}
}

// Transition moves the run to next, or fails without changing state.
func (r *Run) Transition(next State) error {
	if !r.State.CanTransition(next) {
		return fmt.Errorf("%w: run %s %s -> %s", ErrIllegalTransition, r.ID, r.State, next)
	}
	r.State = next
	return nil
}
