// Package errors provides centralized error definitions and error handling utilities
// for dcluster. It defines the launch error taxonomy, semantic error types with
// context wrapping, and classification helpers used to pick process exit codes.
//
// # Error Taxonomy
//
// Sentinel errors describe the failure classes of a cluster launch:
//   - ErrEmptyHostSet: no hosts could be resolved (fatal, pre-launch)
//   - ErrPortBindFailed: a local port could not be bound (fatal, pre-launch)
//   - ErrCoordinatorStartFailed: the coordinator could not be started or never became ready
//   - ErrCenterSyncFailed: the handshake with an existing center failed
//   - ErrWorkerExitedUnexpectedly: a worker exited during monitoring (non-fatal)
//   - ErrShutdownTimedOut: processes had to be force-closed during shutdown (non-fatal)
//
// Typed errors carry the context needed to report a failure:
//   - PlanError: host resolution failures (user-facing, print usage)
//   - LaunchError: a remote process failed to start or died
//   - SyncError: the center handshake failed
//   - PortError: port acquisition failed
//   - TimeoutError: an operation timed out
//
// # Usage
//
//	err := errors.NewLaunchError("readiness timeout", errors.ErrCoordinatorStartFailed).
//	    WithRole("coordinator").WithHost("node-1")
//
//	if errors.Is(err, errors.ErrCoordinatorStartFailed) { ... }
//	os.Exit(errors.ExitCode(err))
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityWarning is for errors that are logged but do not stop the session.
	SeverityWarning Severity = iota
	// SeverityError is for errors that abort the current operation.
	SeverityError
	// SeverityFatal is for errors that abort the whole session.
	SeverityFatal
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Launch taxonomy
var (
	// ErrEmptyHostSet indicates that no coordinator or worker host could be resolved.
	ErrEmptyHostSet = New("no hosts given")
	// ErrPortBindFailed indicates that no local port could be bound.
	ErrPortBindFailed = New("port bind failed")
	// ErrCoordinatorStartFailed indicates the coordinator failed to spawn or become ready.
	ErrCoordinatorStartFailed = New("coordinator start failed")
	// ErrCenterSyncFailed indicates the handshake with an existing center failed.
	ErrCenterSyncFailed = New("center sync failed")
	// ErrWorkerExitedUnexpectedly indicates a worker process exited during monitoring.
	ErrWorkerExitedUnexpectedly = New("worker exited unexpectedly")
	// ErrShutdownTimedOut indicates processes were force-closed after the grace period.
	ErrShutdownTimedOut = New("shutdown timed out")
)

// General sentinel errors
var (
	// ErrCoordinatorExited indicates the coordinator died while the session was monitoring.
	ErrCoordinatorExited = New("coordinator exited")
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// PlanError
// -----------------------------------------------------------------------------

// PlanError reports a failure to resolve the operator's host input into a launch plan.
type PlanError struct {
	Message  string
	Hostfile string
	Cause    error
}

// NewPlanError creates a new PlanError.
func NewPlanError(message string, cause error) *PlanError {
	return &PlanError{Message: message, Cause: cause}
}

// WithHostfile adds the hostfile path to the error.
func (e *PlanError) WithHostfile(path string) *PlanError {
	e.Hostfile = path
	return e
}

func (e *PlanError) Error() string {
	var sb strings.Builder
	sb.WriteString("plan: ")
	sb.WriteString(e.Message)
	if e.Hostfile != "" {
		sb.WriteString(fmt.Sprintf(" (hostfile=%s)", e.Hostfile))
	}
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *PlanError) Unwrap() error { return e.Cause }

// -----------------------------------------------------------------------------
// LaunchError
// -----------------------------------------------------------------------------

// LaunchError reports a remote process that failed to start or died.
type LaunchError struct {
	Message  string
	Role     string
	Host     string
	HandleID string
	Cause    error
}

// NewLaunchError creates a new LaunchError.
func NewLaunchError(message string, cause error) *LaunchError {
	return &LaunchError{Message: message, Cause: cause}
}

// WithRole adds the process role (coordinator or worker).
func (e *LaunchError) WithRole(role string) *LaunchError {
	e.Role = role
	return e
}

// WithHost adds the host the process runs on.
func (e *LaunchError) WithHost(host string) *LaunchError {
	e.Host = host
	return e
}

// WithHandle adds the handle identifier.
func (e *LaunchError) WithHandle(id string) *LaunchError {
	e.HandleID = id
	return e
}

func (e *LaunchError) Error() string {
	var sb strings.Builder
	sb.WriteString("launch")
	if e.Role != "" {
		sb.WriteString(" ")
		sb.WriteString(e.Role)
	}
	if e.Host != "" {
		sb.WriteString(" on ")
		sb.WriteString(e.Host)
	}
	sb.WriteString(": ")
	sb.WriteString(e.Message)
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *LaunchError) Unwrap() error { return e.Cause }

// -----------------------------------------------------------------------------
// SyncError
// -----------------------------------------------------------------------------

// SyncError reports a failed handshake with an existing center.
type SyncError struct {
	Center string
	Cause  error
}

// NewSyncError creates a new SyncError. It always matches ErrCenterSyncFailed.
func NewSyncError(center string, cause error) *SyncError {
	return &SyncError{Center: center, Cause: cause}
}

func (e *SyncError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("sync with center %s failed", e.Center)
	}
	return fmt.Sprintf("sync with center %s failed: %v", e.Center, e.Cause)
}

func (e *SyncError) Unwrap() error { return e.Cause }

// Is reports whether target is ErrCenterSyncFailed.
func (e *SyncError) Is(target error) bool {
	return target == ErrCenterSyncFailed
}

// -----------------------------------------------------------------------------
// PortError
// -----------------------------------------------------------------------------

// PortError reports a failed local port acquisition.
type PortError struct {
	Port     int
	Attempts int
	Cause    error
}

// NewPortError creates a new PortError. It always matches ErrPortBindFailed.
func NewPortError(port, attempts int, cause error) *PortError {
	return &PortError{Port: port, Attempts: attempts, Cause: cause}
}

func (e *PortError) Error() string {
	msg := fmt.Sprintf("bind port %d failed after %d attempt(s)", e.Port, e.Attempts)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *PortError) Unwrap() error { return e.Cause }

// Is reports whether target is ErrPortBindFailed.
func (e *PortError) Is(target error) bool {
	return target == ErrPortBindFailed
}

// -----------------------------------------------------------------------------
// TimeoutError
// -----------------------------------------------------------------------------

// TimeoutError indicates that an operation timed out.
type TimeoutError struct {
	Operation string
	Duration  time.Duration
	Cause     error
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{Operation: operation, Duration: duration}
}

// WithCause adds an underlying cause, e.g. a taxonomy sentinel.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.Cause = cause
	return e
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

func (e *TimeoutError) Unwrap() error { return e.Cause }

// Is reports whether target is ErrTimeout.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// -----------------------------------------------------------------------------
// Classification
// -----------------------------------------------------------------------------

// IsUserFacing reports whether err stems from malformed operator input,
// in which case the command usage should be printed alongside it.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	var planErr *PlanError
	return Is(err, ErrEmptyHostSet) || Is(err, ErrInvalidInput) || As(err, &planErr)
}

// GetSeverity classifies err according to the launch taxonomy.
func GetSeverity(err error) Severity {
	switch {
	case err == nil:
		return SeverityWarning
	case Is(err, ErrWorkerExitedUnexpectedly), Is(err, ErrShutdownTimedOut):
		return SeverityWarning
	case Is(err, ErrEmptyHostSet), Is(err, ErrPortBindFailed), Is(err, ErrCoordinatorStartFailed),
		Is(err, ErrCenterSyncFailed), Is(err, ErrCoordinatorExited):
		return SeverityFatal
	default:
		return SeverityError
	}
}

// IsFatal reports whether err must end the session.
func IsFatal(err error) bool {
	return err != nil && GetSeverity(err) == SeverityFatal
}

// Exit codes returned by the dcluster binary.
const (
	ExitOK               = 0
	ExitFailure          = 1
	ExitUsage            = 2
	ExitPortBind         = 3
	ExitCoordinatorStart = 4
	ExitCenterSync       = 5
	ExitCoordinatorDied  = 6
)

// ExitCode maps err to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case IsUserFacing(err):
		return ExitUsage
	case Is(err, ErrPortBindFailed):
		return ExitPortBind
	case Is(err, ErrCenterSyncFailed):
		return ExitCenterSync
	case Is(err, ErrCoordinatorStartFailed):
		return ExitCoordinatorStart
	case Is(err, ErrCoordinatorExited):
		return ExitCoordinatorDied
	default:
		return ExitFailure
	}
}

// Wrap wraps err with a message. Returns nil if err is nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps err with a formatted message. Returns nil if err is nil.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
