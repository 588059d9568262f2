// Package event carries cluster lifecycle notifications from the
// orchestrator to the CLI and to tests without a direct dependency.
//
// Event type names follow "category.action".
package event

import "time"

// Event types published by the orchestrator.
const (
	TypeHandleStarted            = "handle.started"
	TypeHandleReady              = "handle.ready"
	TypeHandleExited             = "handle.exited"
	TypeWorkerExitedUnexpectedly = "worker.exited_unexpectedly"
	TypeLifecycleChanged         = "session.lifecycle"
	TypeShutdownTimedOut         = "shutdown.timed_out"
)

// Event is implemented by every event.
type Event interface {
	EventType() string
	Timestamp() time.Time
}

type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// HandleStartedEvent is emitted when the transport accepted a command.
type HandleStartedEvent struct {
	baseEvent
	HandleID string
	Role     string
	Host     string
}

// NewHandleStartedEvent creates a HandleStartedEvent.
func NewHandleStartedEvent(handleID, role, host string) HandleStartedEvent {
	return HandleStartedEvent{
		baseEvent: newBaseEvent(TypeHandleStarted),
		HandleID:  handleID,
		Role:      role,
		Host:      host,
	}
}

// HandleReadyEvent is emitted when the coordinator printed its readiness line.
type HandleReadyEvent struct {
	baseEvent
	HandleID string
	Host     string
	// Address is the advertised tcp://host:port, if the line carried one.
	Address string
	Line    string
}

// NewHandleReadyEvent creates a HandleReadyEvent.
func NewHandleReadyEvent(handleID, host, address, line string) HandleReadyEvent {
	return HandleReadyEvent{
		baseEvent: newBaseEvent(TypeHandleReady),
		HandleID:  handleID,
		Host:      host,
		Address:   address,
		Line:      line,
	}
}

// HandleExitedEvent is emitted once per handle when it reaches a terminal state.
type HandleExitedEvent struct {
	baseEvent
	HandleID string
	Role     string
	Host     string
	State    string
	ExitCode int
}

// NewHandleExitedEvent creates a HandleExitedEvent.
func NewHandleExitedEvent(handleID, role, host, state string, exitCode int) HandleExitedEvent {
	return HandleExitedEvent{
		baseEvent: newBaseEvent(TypeHandleExited),
		HandleID:  handleID,
		Role:      role,
		Host:      host,
		State:     state,
		ExitCode:  exitCode,
	}
}

// WorkerExitedUnexpectedlyEvent is emitted when a worker ends while the
// session is monitoring. The session keeps running.
type WorkerExitedUnexpectedlyEvent struct {
	baseEvent
	HandleID string
	Host     string
	ExitCode int
	Tail     []string
}

// NewWorkerExitedUnexpectedlyEvent creates a WorkerExitedUnexpectedlyEvent.
func NewWorkerExitedUnexpectedlyEvent(handleID, host string, exitCode int, tail []string) WorkerExitedUnexpectedlyEvent {
	return WorkerExitedUnexpectedlyEvent{
		baseEvent: newBaseEvent(TypeWorkerExitedUnexpectedly),
		HandleID:  handleID,
		Host:      host,
		ExitCode:  exitCode,
		Tail:      tail,
	}
}

// LifecycleChangedEvent is emitted on every session lifecycle transition.
type LifecycleChangedEvent struct {
	baseEvent
	From string
	To   string
}

// NewLifecycleChangedEvent creates a LifecycleChangedEvent.
func NewLifecycleChangedEvent(from, to string) LifecycleChangedEvent {
	return LifecycleChangedEvent{
		baseEvent: newBaseEvent(TypeLifecycleChanged),
		From:      from,
		To:        to,
	}
}

// ShutdownTimedOutEvent is emitted when handles had to be force-closed.
type ShutdownTimedOutEvent struct {
	baseEvent
	Timeout   time.Duration
	Remaining []string // handle IDs that were force-closed
}

// NewShutdownTimedOutEvent creates a ShutdownTimedOutEvent.
func NewShutdownTimedOutEvent(timeout time.Duration, remaining []string) ShutdownTimedOutEvent {
	return ShutdownTimedOutEvent{
		baseEvent: newBaseEvent(TypeShutdownTimedOut),
		Timeout:   timeout,
		Remaining: remaining,
	}
}
