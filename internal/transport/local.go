package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/creack/pty"

	"github.com/Iron-Ham/dcluster/internal/logging"
)

// Local runs commands on this machine with `sh -c` under a pseudo-terminal,
// so children line-buffer their output the way they would over SSH with a
// PTY. Each command leads its own session and process group.
type Local struct {
	// Env is appended to the current environment of every command.
	Env    []string
	logger *logging.Logger
}

// NewLocal creates a Local transport. A nil logger discards output.
func NewLocal(logger *logging.Logger) *Local {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Local{logger: logger}
}

// Execute starts command. The host argument is only used for logging.
func (l *Local) Execute(ctx context.Context, host, command string) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command("sh", "-c", command)
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Env = append(cmd.Env, "TERM=dumb")

	// pty.Start puts the child in a new session with the pty as its
	// controlling terminal.
	tty, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 40, Cols: 200})
	if err != nil {
		return nil, fmt.Errorf("start local command on %s: %w", host, err)
	}

	l.logger.Debug("local command started", "host", host, "pid", cmd.Process.Pid)
	return &localChannel{
		cmd:    cmd,
		tty:    tty,
		stdout: &ptyReader{r: tty},
	}, nil
}

type localChannel struct {
	cmd    *exec.Cmd
	tty    *os.File
	stdout io.Reader

	closeOnce sync.Once
	closeErr  error
}

func (c *localChannel) Stdout() io.Reader { return c.stdout }
func (c *localChannel) Stderr() io.Reader { return strings.NewReader("") }

func (c *localChannel) Wait() error {
	err := c.cmd.Wait()
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return &ExitError{Code: -1, Signal: ws.Signal().String()}
		}
		return &ExitError{Code: exitErr.ExitCode()}
	}
	return err
}

// Terminate signals the whole process group so that `sh -c` children stop too.
func (c *localChannel) Terminate() error {
	return c.signalGroup(syscall.SIGTERM)
}

func (c *localChannel) Close() error {
	c.closeOnce.Do(func() {
		_ = c.signalGroup(syscall.SIGKILL)
		c.closeErr = c.tty.Close()
	})
	return c.closeErr
}

func (c *localChannel) signalGroup(sig syscall.Signal) error {
	if c.cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-c.cmd.Process.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// ptyReader turns the EIO a pty master returns once the child side is gone
// into io.EOF.
type ptyReader struct {
	r io.Reader
}

func (p *ptyReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if err != nil && (errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed)) {
		return n, io.EOF
	}
	return n, err
}
