// Package remote supervises one command running on a cluster host.
//
// A Handle owns exactly one transport.Channel. Output lines are relayed to
// a caller-supplied sink as they arrive, and the channel is closed on every
// exit path: normal exit, failure, Terminate, or forced Close.
package remote

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/Iron-Ham/dcluster/internal/errors"
	"github.com/Iron-Ham/dcluster/internal/logging"
	"github.com/Iron-Ham/dcluster/internal/ring"
	"github.com/Iron-Ham/dcluster/internal/transport"
)

// Role is what a handle runs.
type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleWorker      Role = "worker"
)

// Stream names for Line.Stream.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Line is one line of process output.
type Line struct {
	HandleID string
	Role     Role
	Host     string
	Stream   string
	Text     string
	Time     time.Time
}

// DefaultTailSize is the number of recent lines a handle keeps.
const DefaultTailSize = 50

// Config describes the command a Handle runs.
type Config struct {
	ID        string
	Role      Role
	Host      string
	Command   string
	Transport transport.Transport
	Logger    *logging.Logger
	// TailSize is the number of lines kept for Tail. 0 means DefaultTailSize.
	TailSize int
}

// Handle is a supervised command on a host. Methods are safe for
// concurrent use.
type Handle struct {
	id        string
	role      Role
	host      string
	command   string
	transport transport.Transport
	logger    *logging.Logger

	mu                 sync.Mutex
	status             Status
	ch                 transport.Channel
	started            bool
	terminateRequested bool

	done      chan struct{}
	doneOnce  sync.Once
	quit      chan struct{}
	quitOnce  sync.Once
	startedAt time.Time

	tail *ring.Ring[string]
}

// New creates a Pending handle. Nothing runs until Start.
func New(cfg Config) *Handle {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	size := cfg.TailSize
	if size <= 0 {
		size = DefaultTailSize
	}
	return &Handle{
		id:        cfg.ID,
		role:      cfg.Role,
		host:      cfg.Host,
		command:   cfg.Command,
		transport: cfg.Transport,
		logger:    logger.WithHandle(cfg.ID).WithRole(string(cfg.Role)).WithHost(cfg.Host),
		status:    Status{State: StatePending},
		done:      make(chan struct{}),
		quit:      make(chan struct{}),
		tail:      ring.New[string](size),
	}
}

func (h *Handle) ID() string      { return h.id }
func (h *Handle) Role() Role      { return h.role }
func (h *Handle) Host() string    { return h.host }
func (h *Handle) Command() string { return h.command }

// Start issues the command and returns once the transport has accepted it.
// Output lines are pushed to sink until the process ends or the handle is
// force-closed. A spawn failure leaves the handle Failed.
func (h *Handle) Start(ctx context.Context, sink chan<- Line) error {
	h.mu.Lock()
	if h.started || h.status.Terminal() {
		h.mu.Unlock()
		return fmt.Errorf("handle %s already started", h.id)
	}
	h.started = true
	h.mu.Unlock()

	ch, err := h.transport.Execute(ctx, h.host, h.command)
	if err != nil {
		h.finish(Status{State: StateFailed, ExitCode: -1, Err: err})
		h.logger.Error("failed to start process", "error", err)
		return errors.NewLaunchError("spawn failed", err).
			WithRole(string(h.role)).
			WithHost(h.host).
			WithHandle(h.id)
	}

	h.mu.Lock()
	if h.status.Terminal() {
		// Terminated while the transport was connecting.
		h.mu.Unlock()
		_ = ch.Close()
		return nil
	}
	h.ch = ch
	h.status = Status{State: StateRunning}
	h.startedAt = time.Now()
	h.mu.Unlock()

	h.logger.Info("process started", "command", h.command)

	var relays conc.WaitGroup
	relays.Go(func() { h.relay(ch.Stdout(), StreamStdout, sink) })
	relays.Go(func() { h.relay(ch.Stderr(), StreamStderr, sink) })
	go h.wait(ch, &relays)

	return nil
}

func (h *Handle) relay(r io.Reader, stream string, sink chan<- Line) {
	if r == nil {
		return
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		text := trimCR(scanner.Text())
		h.tail.Add(text)
		line := Line{
			HandleID: h.id,
			Role:     h.role,
			Host:     h.host,
			Stream:   stream,
			Text:     text,
			Time:     time.Now(),
		}
		if sink == nil {
			continue
		}
		select {
		case sink <- line:
		case <-h.quit:
			return
		}
	}
}

func trimCR(s string) string {
	for len(s) > 0 && s[len(s)-1] == '\r' {
		s = s[:len(s)-1]
	}
	return s
}

// wait drains the output streams, collects the exit status and closes the
// channel.
func (h *Handle) wait(ch transport.Channel, relays *conc.WaitGroup) {
	relays.Wait()
	waitErr := ch.Wait()
	_ = ch.Close()

	h.mu.Lock()
	terminated := h.terminateRequested
	h.mu.Unlock()

	code := transport.ExitCode(waitErr)
	var status Status
	switch {
	case terminated:
		status = Status{State: StateTerminated, ExitCode: code}
	case waitErr == nil:
		status = Status{State: StateExited}
	case code >= 0:
		status = Status{State: StateExited, ExitCode: code, Err: waitErr}
	default:
		status = Status{State: StateFailed, ExitCode: code, Err: waitErr}
	}
	h.finish(status)

	h.logger.Info("process ended",
		"state", status.State.String(),
		"exit_code", code,
		"uptime", time.Since(h.startedAt).Round(time.Millisecond).String())
}

func (h *Handle) finish(s Status) {
	h.mu.Lock()
	if h.status.Terminal() {
		h.mu.Unlock()
		return
	}
	h.status = s
	h.mu.Unlock()
	h.doneOnce.Do(func() { close(h.done) })
}

// Poll returns the current status without blocking.
func (h *Handle) Poll() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Terminate asks the process to stop. It is idempotent and a no-op on a
// handle that has already ended. A handle that never started becomes
// Terminated immediately.
func (h *Handle) Terminate() error {
	h.mu.Lock()
	if h.status.Terminal() || h.terminateRequested {
		h.mu.Unlock()
		return nil
	}
	h.terminateRequested = true
	ch := h.ch
	h.mu.Unlock()

	if ch == nil {
		h.finish(Status{State: StateTerminated})
		return nil
	}

	h.logger.Debug("terminating process")
	if err := ch.Terminate(); err != nil {
		h.logger.Warn("terminate signal failed", "error", err)
		return fmt.Errorf("terminate %s: %w", h.id, err)
	}
	return nil
}

// Close force-closes the channel, killing the process if it is still
// running, and stops relaying output.
func (h *Handle) Close() error {
	h.quitOnce.Do(func() { close(h.quit) })

	h.mu.Lock()
	if !h.status.Terminal() {
		h.terminateRequested = true
	}
	ch := h.ch
	h.mu.Unlock()

	var err error
	if ch != nil {
		err = ch.Close()
	}
	// A forced close is final even if the transport never reports an exit.
	h.finish(Status{State: StateTerminated, ExitCode: -1})
	return err
}

// Wait blocks until the handle is terminal or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Status, error) {
	select {
	case <-h.done:
		return h.Poll(), nil
	case <-ctx.Done():
		return h.Poll(), ctx.Err()
	}
}

// Done is closed once the handle is terminal.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Tail returns the most recent output lines, oldest first.
func (h *Handle) Tail() []string {
	return h.tail.Values()
}
