// Package orchestrator launches and supervises a cluster session: one
// coordinator and a set of workers spread over the hosts of a LaunchPlan.
//
// A single control goroutine drives Start, Monitor and Shutdown. Process
// output from every handle flows through one buffered channel that the
// control goroutine relays to the operator.
package orchestrator

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/Iron-Ham/dcluster/internal/errors"
	"github.com/Iron-Ham/dcluster/internal/event"
	"github.com/Iron-Ham/dcluster/internal/hostplan"
	"github.com/Iron-Ham/dcluster/internal/logging"
	"github.com/Iron-Ham/dcluster/internal/remote"
	"github.com/Iron-Ham/dcluster/internal/transport"
)

// Defaults applied by New to zero-valued Options fields.
const (
	DefaultReadyTimeout     = 30 * time.Second
	DefaultShutdownTimeout  = 10 * time.Second
	DefaultPollInterval     = 500 * time.Millisecond
	DefaultStartConcurrency = 16
	DefaultLineBuffer       = 1024

	// forceCloseWait bounds how long Shutdown drains output after
	// force-closing stragglers.
	forceCloseWait = time.Second
)

// Options configures an Orchestrator.
type Options struct {
	Plan      *hostplan.LaunchPlan
	Transport transport.Transport
	Commands  CommandBuilder
	// Probe recognizes the coordinator's readiness line. nil uses the
	// default glob pattern.
	Probe            remote.ReadinessProbe
	ReadyTimeout     time.Duration
	ShutdownTimeout  time.Duration
	PollInterval     time.Duration
	StartConcurrency int
	LineBuffer       int
	// Output receives every relayed line. It may be called from more than
	// one goroutine when Shutdown runs concurrently with Monitor.
	Output func(remote.Line)
	Logger *logging.Logger
	Bus    *event.Bus
}

// Orchestrator owns every handle of a session.
type Orchestrator struct {
	plan     *hostplan.LaunchPlan
	tr       transport.Transport
	commands CommandBuilder
	probe    remote.ReadinessProbe
	output   func(remote.Line)
	logger   *logging.Logger
	bus      *event.Bus

	readyTimeout     time.Duration
	shutdownTimeout  time.Duration
	pollInterval     time.Duration
	startConcurrency int

	lines chan remote.Line

	mu              sync.Mutex
	lifecycle       Lifecycle
	coordinator     *remote.Handle
	handles         []*remote.Handle // coordinator first
	reported        map[string]bool  // handles whose exit has been published
	coordinatorAddr string

	shutdownOnce sync.Once
	closed       chan struct{}
}

// New validates opts and returns an Orchestrator in the Starting state.
func New(opts Options) (*Orchestrator, error) {
	if opts.Plan == nil || opts.Plan.CoordinatorHost == "" {
		return nil, errors.ErrEmptyHostSet
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("%w: transport is required", errors.ErrInvalidInput)
	}

	probe := opts.Probe
	if probe == nil {
		p, err := remote.NewGlobProbe(remote.DefaultReadyPattern)
		if err != nil {
			return nil, err
		}
		probe = p
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	bus := opts.Bus
	if bus == nil {
		bus = event.NewBus(logger)
	}
	output := opts.Output
	if output == nil {
		output = func(remote.Line) {}
	}

	o := &Orchestrator{
		plan:             opts.Plan,
		tr:               opts.Transport,
		commands:         opts.Commands,
		probe:            probe,
		output:           output,
		logger:           logger,
		bus:              bus,
		readyTimeout:     orDefault(opts.ReadyTimeout, DefaultReadyTimeout),
		shutdownTimeout:  orDefault(opts.ShutdownTimeout, DefaultShutdownTimeout),
		pollInterval:     orDefault(opts.PollInterval, DefaultPollInterval),
		startConcurrency: opts.StartConcurrency,
		lines:            make(chan remote.Line, max(opts.LineBuffer, DefaultLineBuffer)),
		lifecycle:        LifecycleStarting,
		reported:         make(map[string]bool),
		coordinatorAddr:  net.JoinHostPort(opts.Plan.CoordinatorHost, strconv.Itoa(opts.Plan.CoordinatorPort)),
		closed:           make(chan struct{}),
	}
	if o.startConcurrency <= 0 {
		o.startConcurrency = DefaultStartConcurrency
	}
	return o, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Lifecycle returns the current session state.
func (o *Orchestrator) Lifecycle() Lifecycle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lifecycle
}

// Handles returns every handle created so far, coordinator first.
func (o *Orchestrator) Handles() []*remote.Handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*remote.Handle(nil), o.handles...)
}

// CoordinatorAddress returns the host:port workers connect to. It reflects
// the address advertised by the coordinator once it is ready.
func (o *Orchestrator) CoordinatorAddress() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.coordinatorAddr
}

// Closed is closed once Shutdown has finished.
func (o *Orchestrator) Closed() <-chan struct{} {
	return o.closed
}

func (o *Orchestrator) transition(next Lifecycle) bool {
	o.mu.Lock()
	prev := o.lifecycle
	if !prev.canTransition(next) {
		o.mu.Unlock()
		return false
	}
	o.lifecycle = next
	o.mu.Unlock()

	o.logger.Info("session lifecycle changed", "from", prev.String(), "to", next.String())
	o.bus.Publish(event.NewLifecycleChangedEvent(prev.String(), next.String()))
	return true
}

// newHandle registers a handle. Handles are only added while Starting, so
// every handle Shutdown may miss is never created.
func (o *Orchestrator) newHandle(id string, role remote.Role, host, command string) (*remote.Handle, error) {
	h := remote.New(remote.Config{
		ID:        id,
		Role:      role,
		Host:      host,
		Command:   command,
		Transport: o.tr,
		Logger:    o.logger,
	})
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lifecycle != LifecycleStarting {
		return nil, fmt.Errorf("start: session is %s", o.lifecycle)
	}
	o.handles = append(o.handles, h)
	if role == remote.RoleCoordinator {
		o.coordinator = h
	}
	return h, nil
}

// Start launches the coordinator, waits for its readiness line and then
// launches every worker of the plan in parallel.
//
// If the coordinator cannot be spawned, exits early or never becomes ready,
// the session is shut down, no worker is started and the returned error
// matches errors.ErrCoordinatorStartFailed. Worker spawn failures are
// logged and do not fail Start.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.Lifecycle() != LifecycleStarting {
		return fmt.Errorf("start: session is %s", o.Lifecycle())
	}

	host := o.plan.CoordinatorHost
	coord, err := o.newHandle("coordinator@"+host, remote.RoleCoordinator, host, o.commands.Coordinator(o.plan))
	if err != nil {
		return err
	}

	o.logger.Info("starting coordinator", "host", host, "port", o.plan.CoordinatorPort)
	if err := coord.Start(ctx, o.lines); err != nil {
		o.publishExit(coord)
		_ = o.Shutdown()
		return fmt.Errorf("%w: %w", errors.ErrCoordinatorStartFailed, err)
	}
	o.bus.Publish(event.NewHandleStartedEvent(coord.ID(), string(coord.Role()), host))

	if err := o.awaitReady(ctx, coord); err != nil {
		o.logger.Error("coordinator did not become ready", "error", err, "tail", coord.Tail())
		_ = o.Shutdown()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.NewLaunchError("coordinator not ready", err).
			WithRole(string(remote.RoleCoordinator)).
			WithHost(host).
			WithHandle(coord.ID())
	}

	if err := o.startWorkers(ctx); err != nil {
		_ = o.Shutdown()
		return err
	}

	if !o.transition(LifecycleMonitoring) {
		// Shutdown ran while workers were starting; make sure nothing it
		// did not see is left running.
		_ = o.Shutdown()
		for _, h := range o.Handles() {
			if !h.Poll().Terminal() {
				_ = h.Close()
			}
		}
		return fmt.Errorf("start: session is %s", o.Lifecycle())
	}
	return nil
}

// awaitReady relays output until the coordinator prints a line accepted by
// the probe. Every returned error except ctx errors wraps
// ErrCoordinatorStartFailed.
func (o *Orchestrator) awaitReady(ctx context.Context, coord *remote.Handle) error {
	timer := time.NewTimer(o.readyTimeout)
	defer timer.Stop()

	for {
		select {
		case line := <-o.lines:
			if o.relay(line, coord) {
				return nil
			}
		case <-coord.Done():
			// Relays finish before the handle turns terminal, so any
			// readiness line is already buffered.
			for drained := false; !drained; {
				select {
				case line := <-o.lines:
					if o.relay(line, coord) {
						return nil
					}
				default:
					drained = true
				}
			}
			o.publishExit(coord)
			st := coord.Poll()
			return fmt.Errorf("%w: coordinator %s before becoming ready", errors.ErrCoordinatorStartFailed, st)
		case <-timer.C:
			return errors.NewTimeoutError("coordinator readiness", o.readyTimeout).
				WithCause(errors.ErrCoordinatorStartFailed)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// relay forwards line and reports whether it is coord's readiness line.
func (o *Orchestrator) relay(line remote.Line, coord *remote.Handle) bool {
	o.output(line)
	if line.HandleID != coord.ID() || !o.probe.Ready(line.Text) {
		return false
	}

	address := ""
	if host, port, ok := ParseAdvertisedAddress(line.Text); ok {
		if isUnspecified(host) {
			host = o.plan.CoordinatorHost
		}
		address = net.JoinHostPort(host, strconv.Itoa(port))
		o.mu.Lock()
		o.coordinatorAddr = address
		o.mu.Unlock()
		if port != o.plan.CoordinatorPort {
			o.logger.Info("coordinator advertised a different port",
				"requested", o.plan.CoordinatorPort, "advertised", port)
		}
	}
	o.logger.Info("coordinator ready", "address", o.CoordinatorAddress())
	o.bus.Publish(event.NewHandleReadyEvent(coord.ID(), coord.Host(), address, line.Text))
	return true
}

func (o *Orchestrator) startWorkers(ctx context.Context) error {
	addr := o.CoordinatorAddress()
	workers := make([]*remote.Handle, 0, len(o.plan.Workers))
	for _, spec := range o.plan.Workers {
		h, err := o.newHandle("worker@"+spec.ID(), remote.RoleWorker, spec.Host, o.commands.Worker(addr, spec))
		if err != nil {
			return err
		}
		workers = append(workers, h)
	}
	if len(workers) == 0 {
		o.logger.Info("plan has no workers")
		return nil
	}

	o.logger.Info("starting workers", "count", len(workers), "coordinator", addr)
	p := pool.New().WithMaxGoroutines(o.startConcurrency)
	for _, h := range workers {
		p.Go(func() {
			if err := h.Start(ctx, o.lines); err != nil {
				o.logger.Warn("worker failed to start", "handle_id", h.ID(), "host", h.Host(), "error", err)
				o.publishExit(h)
				return
			}
			o.bus.Publish(event.NewHandleStartedEvent(h.ID(), string(h.Role()), h.Host()))
		})
	}
	p.Wait()

	return ctx.Err()
}

// Monitor relays output and watches handle states until ctx is cancelled
// (returns nil) or the coordinator ends (shuts the session down and
// returns an error matching errors.ErrCoordinatorExited). A worker that
// ends is reported once and dropped from monitoring; it is still part of
// Shutdown.
func (o *Orchestrator) Monitor(ctx context.Context) error {
	switch o.Lifecycle() {
	case LifecycleMonitoring:
	case LifecycleShuttingDown, LifecycleClosed:
		return nil
	default:
		return fmt.Errorf("monitor: session is %s", o.Lifecycle())
	}

	// Every worker not reported yet is watched, including ones that ended
	// before Monitor was called.
	o.mu.Lock()
	coord := o.coordinator
	active := make(map[string]*remote.Handle)
	for _, h := range o.handles {
		if h.Role() == remote.RoleWorker && !o.reported[h.ID()] {
			active[h.ID()] = h
		}
	}
	o.mu.Unlock()
	o.checkWorkers(active)

	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-o.closed:
			return nil
		case line := <-o.lines:
			o.output(line)
		case <-coord.Done():
			return o.coordinatorLost(coord)
		case <-ticker.C:
			if coord.Poll().Terminal() {
				return o.coordinatorLost(coord)
			}
			o.checkWorkers(active)
		}
	}
}

func (o *Orchestrator) checkWorkers(active map[string]*remote.Handle) {
	if o.Lifecycle() != LifecycleMonitoring {
		// Workers ending during Shutdown are expected.
		return
	}
	for id, h := range active {
		st := h.Poll()
		if !st.Terminal() {
			continue
		}
		delete(active, id)
		o.logger.Warn(errors.ErrWorkerExitedUnexpectedly.Error(),
			"handle_id", id,
			"host", h.Host(),
			"status", st.String(),
			"exit_code", st.ExitCode,
			"active_workers", len(active))
		o.bus.Publish(event.NewWorkerExitedUnexpectedlyEvent(id, h.Host(), st.ExitCode, h.Tail()))
		o.publishExit(h)
	}
}

func (o *Orchestrator) coordinatorLost(coord *remote.Handle) error {
	// Flush what the coordinator said last before tearing down.
	o.drainLines()

	st := coord.Poll()
	o.logger.Error("coordinator exited, shutting down",
		"status", st.String(), "exit_code", st.ExitCode, "tail", coord.Tail())
	o.publishExit(coord)
	_ = o.Shutdown()

	return errors.NewLaunchError(fmt.Sprintf("coordinator %s", st), errors.ErrCoordinatorExited).
		WithRole(string(remote.RoleCoordinator)).
		WithHost(coord.Host()).
		WithHandle(coord.ID())
}

// publishExit emits a HandleExitedEvent once per handle.
func (o *Orchestrator) publishExit(h *remote.Handle) {
	o.mu.Lock()
	if o.reported[h.ID()] {
		o.mu.Unlock()
		return
	}
	o.reported[h.ID()] = true
	o.mu.Unlock()

	st := h.Poll()
	o.bus.Publish(event.NewHandleExitedEvent(h.ID(), string(h.Role()), h.Host(), st.State.String(), st.ExitCode))
}

// Shutdown terminates every handle, workers first and the coordinator
// last, and waits up to the shutdown timeout before force-closing the
// rest. It is idempotent and safe for concurrent callers: all of them
// return once the session is Closed. Only the call that performed the
// teardown reports a timeout, as an error matching
// errors.ErrShutdownTimedOut.
func (o *Orchestrator) Shutdown() error {
	var err error
	o.shutdownOnce.Do(func() {
		err = o.shutdown()
	})
	<-o.closed
	return err
}

func (o *Orchestrator) shutdown() error {
	defer close(o.closed)
	o.transition(LifecycleShuttingDown)

	o.mu.Lock()
	coord := o.coordinator
	var workers []*remote.Handle
	for _, h := range o.handles {
		if h.Role() == remote.RoleWorker {
			workers = append(workers, h)
		}
	}
	o.mu.Unlock()

	deadline := time.Now().Add(o.shutdownTimeout)
	o.logger.Info("shutting down", "workers", len(workers), "timeout", o.shutdownTimeout.String())

	for _, h := range workers {
		if err := h.Terminate(); err != nil {
			o.logger.Warn("failed to terminate worker", "handle_id", h.ID(), "error", err)
		}
	}
	remaining := o.awaitHandles(workers, deadline)

	if coord != nil {
		if err := coord.Terminate(); err != nil {
			o.logger.Warn("failed to terminate coordinator", "handle_id", coord.ID(), "error", err)
		}
		remaining = append(remaining, o.awaitHandles([]*remote.Handle{coord}, deadline)...)
	}

	var result error
	if len(remaining) > 0 {
		ids := make([]string, 0, len(remaining))
		for _, h := range remaining {
			ids = append(ids, h.ID())
			_ = h.Close()
		}
		o.awaitHandles(remaining, time.Now().Add(forceCloseWait))

		o.logger.Warn(errors.ErrShutdownTimedOut.Error(), "timeout", o.shutdownTimeout.String(), "forced", ids)
		o.bus.Publish(event.NewShutdownTimedOutEvent(o.shutdownTimeout, ids))
		result = fmt.Errorf("%w: force-closed %d process(es) after %v", errors.ErrShutdownTimedOut, len(ids), o.shutdownTimeout)
	}

	for _, h := range o.Handles() {
		o.publishExit(h)
	}
	o.drainLines()

	o.transition(LifecycleClosed)
	o.logger.Info("session closed")
	return result
}

// awaitHandles waits for handles to become terminal, relaying output
// meanwhile, and returns those still running at deadline.
func (o *Orchestrator) awaitHandles(handles []*remote.Handle, deadline time.Time) []*remote.Handle {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for i, h := range handles {
		for waiting := true; waiting; {
			select {
			case <-h.Done():
				waiting = false
			case line := <-o.lines:
				o.output(line)
			case <-timer.C:
				var left []*remote.Handle
				for _, r := range handles[i:] {
					if !r.Poll().Terminal() {
						left = append(left, r)
					}
				}
				return left
			}
		}
	}
	return nil
}

func (o *Orchestrator) drainLines() {
	for {
		select {
		case line := <-o.lines:
			o.output(line)
		default:
			return
		}
	}
}

// Run drives a whole session: Start, Monitor until ctx is cancelled or the
// coordinator dies, then Shutdown.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Start(ctx); err != nil {
		return err
	}
	monitorErr := o.Monitor(ctx)
	shutdownErr := o.Shutdown()
	if monitorErr != nil {
		return monitorErr
	}
	if shutdownErr != nil {
		o.logger.Warn("shutdown completed with forced closes", "error", shutdownErr)
	}
	return nil
}
