package conversation

import (
	"errors"
	"fmt"
)

// State is the phase of a turn in one session.
type State int

const (
	StateIdle State = iota
	StateSending
	StateAwaitingCompletion
	StatePersisting
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateAwaitingCompletion:
		return "awaiting_completion"
	case StatePersisting:
		return "persisting"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrIllegalTransition is returned for a transition the machine does not
	// allow from its current state.
	ErrIllegalTransition = errors.New("conversation: illegal state transition")
	// ErrBusy is returned when a turn is started while another is running.
	ErrBusy = errors.New("conversation: a message is already being sent")
)

var transitions = map[State][]State{
	StateIdle:               {StateSending},
	StateSending:            {StateAwaitingCompletion, StateError},
	StateAwaitingCompletion: {StatePersisting, StateError},
	StatePersisting:         {StateIdle, StateError},
	StateError:              {StateIdle},
}

// Machine is the turn state machine of one session. It is not safe for
// concurrent use; the owning session serialises access.
type Machine struct {
	state State
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Begin starts a turn. It returns ErrBusy unless the machine is idle.
func (m *Machine) Begin() error {
	if m.state != StateIdle {
		return ErrBusy
	}
	m.state = StateSending
	return nil
}

// Transition moves the machine to next.
func (m *Machine) Transition(next State) error {
	for _, allowed := range transitions[m.state] {
		if allowed == next {
			m.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, m.state, next)
}
