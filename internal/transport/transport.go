// Package transport runs commands on cluster hosts.
//
// A Transport opens exactly one Channel per command. The Channel exposes the
// process output streams and lets the caller wait for, signal, or force-close
// the process. SSH reaches remote hosts; Local runs commands for hosts that
// name this machine; Router picks between them.
package transport

import (
	"context"
	"fmt"
	"io"
)

// Channel is a running command.
type Channel interface {
	// Stdout returns the command's standard output. Under a PTY it also
	// carries standard error.
	Stdout() io.Reader
	// Stderr returns the command's standard error. It may be empty.
	Stderr() io.Reader
	// Wait blocks until the command exits. A non-zero exit is reported as
	// *ExitError.
	Wait() error
	// Terminate asks the command to stop (SIGTERM).
	Terminate() error
	// Close releases the channel and kills the command if still running.
	// It is safe to call more than once.
	Close() error
}

// Transport starts commands on hosts.
type Transport interface {
	// Execute starts command on host. ctx bounds connection setup only;
	// the returned Channel outlives it.
	Execute(ctx context.Context, host, command string) (Channel, error)
}

// ExitError reports a command that exited with a non-zero status or was
// killed by a signal.
type ExitError struct {
	Code   int
	Signal string
}

func (e *ExitError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("process killed by signal %s", e.Signal)
	}
	return fmt.Sprintf("process exited with status %d", e.Code)
}

// ExitCode extracts the exit status from a Wait error: 0 for nil, the code
// of an *ExitError, -1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*ExitError); ok {
		return exitErr.Code
	}
	return -1
}
