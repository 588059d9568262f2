package remote

import "fmt"

// State is the lifecycle state of a Handle.
type State int

const (
	StatePending State = iota
	StateRunning
	StateExited
	StateFailed
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateFailed:
		return "failed"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Status is a snapshot of a Handle. ExitCode is meaningful for Exited and
// Terminated; Err is set for Failed and non-zero exits.
type Status struct {
	State    State
	ExitCode int
	Err      error
}

// Terminal reports whether the handle can no longer change state.
func (s Status) Terminal() bool {
	return s.State == StateExited || s.State == StateFailed || s.State == StateTerminated
}

func (s Status) String() string {
	switch s.State {
	case StateExited:
		return fmt.Sprintf("exited(%d)", s.ExitCode)
	case StateFailed:
		return fmt.Sprintf("failed(%v)", s.Err)
	default:
		return s.State.String()
	}
}
