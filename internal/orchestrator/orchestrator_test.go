package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/dcluster/internal/errors"
	"github.com/Iron-Ham/dcluster/internal/event"
	"github.com/Iron-Ham/dcluster/internal/hostplan"
	"github.com/Iron-Ham/dcluster/internal/remote"
	"github.com/Iron-Ham/dcluster/internal/testutil"
)

func isCoordinator(command string) bool { return strings.Contains(command, " scheduler ") }

// healthyCluster answers every coordinator with a readiness line and keeps
// every process running until terminated.
func healthyCluster(host, command string) testutil.Script {
	if isCoordinator(command) {
		return testutil.Script{Lines: []string{"starting", "scheduler ready at tcp://" + host + ":8787"}}
	}
	return testutil.Script{Lines: []string{"worker ready"}}
}

type harness struct {
	orch *Orchestrator
	ft   *testutil.FakeTransport
	bus  *event.Bus

	mu     sync.Mutex
	events []event.Event
	lines  []remote.Line
}

func newHarness(t *testing.T, hosts []string, script func(host, command string) testutil.Script, tweak func(*Options)) *harness {
	t.Helper()
	plan, err := hostplan.Build(hostplan.Options{Hosts: hosts, ProcessesPerHost: 1})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	h := &harness{ft: testutil.NewFakeTransport(script), bus: event.NewBus(nil)}
	h.bus.SubscribeAll(func(e event.Event) {
		h.mu.Lock()
		h.events = append(h.events, e)
		h.mu.Unlock()
	})

	opts := Options{
		Plan:            plan,
		Transport:       h.ft,
		Commands:        CommandBuilder{Binary: "dcluster"},
		ReadyTimeout:    2 * time.Second,
		ShutdownTimeout: 2 * time.Second,
		PollInterval:    10 * time.Millisecond,
		Bus:             h.bus,
		Output: func(l remote.Line) {
			h.mu.Lock()
			h.lines = append(h.lines, l)
			h.mu.Unlock()
		},
	}
	if tweak != nil {
		tweak(&opts)
	}
	h.orch, err = New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = h.orch.Shutdown() })
	return h
}

func (h *harness) countEvents(eventType string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.events {
		if e.EventType() == eventType {
			n++
		}
	}
	return n
}

func (h *harness) lifecycleChanges() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, e := range h.events {
		if lc, ok := e.(event.LifecycleChangedEvent); ok {
			out = append(out, lc.To)
		}
	}
	return out
}

func TestNew_RequiresPlanAndTransport(t *testing.T) {
	if _, err := New(Options{}); !errors.Is(err, errors.ErrEmptyHostSet) {
		t.Errorf("New() without plan error = %v, want ErrEmptyHostSet", err)
	}
	plan := &hostplan.LaunchPlan{CoordinatorHost: "a", CoordinatorPort: 8787}
	if _, err := New(Options{Plan: plan}); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("New() without transport error = %v, want ErrInvalidInput", err)
	}
}

func TestStartAndShutdown_CoordinatorTerminatedLast(t *testing.T) {
	h := newHarness(t, []string{"a", "b"}, healthyCluster, nil)

	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := h.orch.Lifecycle(); got != LifecycleMonitoring {
		t.Fatalf("Lifecycle() = %v, want monitoring", got)
	}

	handles := h.orch.Handles()
	if len(handles) != 3 {
		t.Fatalf("got %d handles, want 3", len(handles))
	}
	if handles[0].Role() != remote.RoleCoordinator {
		t.Errorf("first handle role = %s, want coordinator", handles[0].Role())
	}

	if err := h.orch.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	terms := h.ft.Terminates()
	if len(terms) != 3 {
		t.Fatalf("got %d terminate calls, want 3: %+v", len(terms), terms)
	}
	last := terms[len(terms)-1]
	if !isCoordinator(last.Command) || last.Host != "a" {
		t.Errorf("last terminate = %+v, want the coordinator on a", last)
	}
	for _, c := range terms[:2] {
		if isCoordinator(c.Command) {
			t.Errorf("coordinator terminated before a worker: %+v", terms)
		}
	}

	for _, hd := range h.orch.Handles() {
		if !hd.Poll().Terminal() {
			t.Errorf("handle %s not terminal after shutdown: %v", hd.ID(), hd.Poll())
		}
	}
	for _, ch := range h.ft.Channels() {
		if !ch.Closed() {
			t.Errorf("channel %s %q left open", ch.Host, ch.Command)
		}
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	h := newHarness(t, []string{"a"}, healthyCluster, nil)
	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if err := h.orch.Shutdown(); err != nil {
			t.Fatalf("Shutdown() #%d error = %v", i+1, err)
		}
		if got := h.orch.Lifecycle(); got != LifecycleClosed {
			t.Fatalf("after Shutdown() #%d Lifecycle() = %v, want closed", i+1, got)
		}
	}
	if n := len(h.ft.Terminates()); n != 2 {
		t.Errorf("got %d terminate calls, want 2", n)
	}

	want := []string{"monitoring", "shutting_down", "closed"}
	if got := h.lifecycleChanges(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("lifecycle changes = %v, want %v", got, want)
	}
}

func TestShutdown_ConcurrentCallers(t *testing.T) {
	h := newHarness(t, []string{"a", "b"}, healthyCluster, nil)
	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.orch.Shutdown()
			if got := h.orch.Lifecycle(); got != LifecycleClosed {
				t.Errorf("Lifecycle() = %v after Shutdown returned", got)
			}
		}()
	}
	wg.Wait()

	if n := len(h.ft.Terminates()); n != 3 {
		t.Errorf("got %d terminate calls, want 3", n)
	}
}

func TestShutdown_BeforeStart(t *testing.T) {
	h := newHarness(t, []string{"a"}, healthyCluster, nil)
	if err := h.orch.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if h.orch.Lifecycle() != LifecycleClosed {
		t.Errorf("Lifecycle() = %v", h.orch.Lifecycle())
	}
	if err := h.orch.Start(context.Background()); err == nil {
		t.Error("Start after Shutdown should fail")
	}
	if len(h.ft.Executes()) != 0 {
		t.Error("nothing should have been executed")
	}
}

func TestStart_ReadinessTimeout(t *testing.T) {
	script := func(host, command string) testutil.Script {
		if isCoordinator(command) {
			return testutil.Script{Lines: []string{"loading config"}}
		}
		return testutil.Script{}
	}
	h := newHarness(t, []string{"a", "b"}, script, func(o *Options) {
		o.ReadyTimeout = 50 * time.Millisecond
	})

	err := h.orch.Start(context.Background())
	if !errors.Is(err, errors.ErrCoordinatorStartFailed) {
		t.Fatalf("Start() error = %v, want ErrCoordinatorStartFailed", err)
	}
	if !errors.Is(err, errors.ErrTimeout) {
		t.Errorf("Start() error = %v, want it to be a timeout", err)
	}
	if n := h.ft.CountExecutes(" worker "); n != 0 {
		t.Errorf("spawned %d workers, want 0", n)
	}
	if len(h.orch.Handles()) != 1 {
		t.Errorf("got %d handles, want only the coordinator", len(h.orch.Handles()))
	}
	if h.orch.Lifecycle() != LifecycleClosed {
		t.Errorf("Lifecycle() = %v, want closed", h.orch.Lifecycle())
	}
	if errors.ExitCode(err) != errors.ExitCoordinatorStart {
		t.Errorf("ExitCode() = %d", errors.ExitCode(err))
	}
}

func TestStart_CoordinatorSpawnFailure(t *testing.T) {
	script := func(host, command string) testutil.Script {
		if isCoordinator(command) {
			return testutil.Script{Err: errors.New("connection refused")}
		}
		return testutil.Script{}
	}
	h := newHarness(t, []string{"a"}, script, nil)

	err := h.orch.Start(context.Background())
	if !errors.Is(err, errors.ErrCoordinatorStartFailed) {
		t.Fatalf("Start() error = %v, want ErrCoordinatorStartFailed", err)
	}
	if h.ft.CountExecutes(" worker ") != 0 {
		t.Error("workers must not be spawned")
	}
	if h.countEvents(event.TypeHandleExited) != 1 {
		t.Errorf("handle.exited events = %d, want 1", h.countEvents(event.TypeHandleExited))
	}
}

func TestStart_CoordinatorExitsBeforeReady(t *testing.T) {
	script := func(host, command string) testutil.Script {
		if isCoordinator(command) {
			return testutil.Script{Lines: []string{"bind: address in use"}, Exit: true, ExitCode: 1}
		}
		return testutil.Script{}
	}
	h := newHarness(t, []string{"a"}, script, nil)

	err := h.orch.Start(context.Background())
	if !errors.Is(err, errors.ErrCoordinatorStartFailed) {
		t.Fatalf("Start() error = %v, want ErrCoordinatorStartFailed", err)
	}
	if errors.Is(err, errors.ErrTimeout) {
		t.Error("early exit should not be reported as a timeout")
	}
}

func TestStart_ContextCancelled(t *testing.T) {
	script := func(host, command string) testutil.Script { return testutil.Script{} }
	h := newHarness(t, []string{"a"}, script, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	err := h.orch.Start(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Start() error = %v, want context.Canceled", err)
	}
	if h.orch.Lifecycle() != LifecycleClosed {
		t.Errorf("Lifecycle() = %v", h.orch.Lifecycle())
	}
}

func TestStart_AdoptsAdvertisedAddress(t *testing.T) {
	script := func(host, command string) testutil.Script {
		if isCoordinator(command) {
			return testutil.Script{Lines: []string{"scheduler ready at tcp://0.0.0.0:8790"}}
		}
		return testutil.Script{}
	}
	h := newHarness(t, []string{"a", "b"}, script, nil)

	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := h.orch.CoordinatorAddress(); got != "a:8790" {
		t.Errorf("CoordinatorAddress() = %q, want a:8790", got)
	}
	for _, c := range h.ft.Executes() {
		if !isCoordinator(c.Command) && !strings.Contains(c.Command, " a:8790 ") {
			t.Errorf("worker command %q does not target the advertised address", c.Command)
		}
	}
	if h.countEvents(event.TypeHandleReady) != 1 {
		t.Error("expected one handle.ready event")
	}
}

func TestStart_WorkerSpawnFailureIsNotFatal(t *testing.T) {
	script := func(host, command string) testutil.Script {
		if !isCoordinator(command) && host == "b" {
			return testutil.Script{Err: errors.New("no route to host")}
		}
		return healthyCluster(host, command)
	}
	h := newHarness(t, []string{"a", "b"}, script, nil)

	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if h.orch.Lifecycle() != LifecycleMonitoring {
		t.Errorf("Lifecycle() = %v", h.orch.Lifecycle())
	}
	if got := h.countEvents(event.TypeHandleStarted); got != 2 {
		t.Errorf("handle.started events = %d, want 2", got)
	}
}

func TestMonitor_WorkerExitIsNonFatal(t *testing.T) {
	h := newHarness(t, []string{"a", "b"}, healthyCluster, nil)
	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	monitorDone := make(chan error, 1)
	go func() { monitorDone <- h.orch.Monitor(ctx) }()

	worker := h.ft.Channel("b", " worker ")
	if worker == nil {
		t.Fatal("worker on b not found")
	}
	worker.Exit(1)

	testutil.Eventually(t, 2*time.Second, func() bool {
		return h.countEvents(event.TypeWorkerExitedUnexpectedly) == 1
	}, "worker exit not reported")

	// Several more poll cycles must neither repeat the report nor stop Monitor.
	time.Sleep(100 * time.Millisecond)
	if n := h.countEvents(event.TypeWorkerExitedUnexpectedly); n != 1 {
		t.Errorf("worker exit reported %d times, want 1", n)
	}
	select {
	case err := <-monitorDone:
		t.Fatalf("Monitor returned early: %v", err)
	default:
	}
	if h.orch.Lifecycle() != LifecycleMonitoring {
		t.Errorf("Lifecycle() = %v, want monitoring", h.orch.Lifecycle())
	}

	cancel()
	select {
	case err := <-monitorDone:
		if err != nil {
			t.Errorf("Monitor() after cancel = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return after cancel")
	}

	if err := h.orch.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	// The exited worker is terminal already, so only the live worker and
	// the coordinator are signalled.
	if n := len(h.ft.Terminates()); n != 2 {
		t.Errorf("got %d terminate calls, want 2", n)
	}
}

func TestMonitor_ReportsWorkerThatExitedBeforeMonitoring(t *testing.T) {
	script := func(host, command string) testutil.Script {
		if !isCoordinator(command) && host == "b" {
			return testutil.Script{Lines: []string{"dcluster: command not found"}, Exit: true, ExitCode: 127}
		}
		return healthyCluster(host, command)
	}
	h := newHarness(t, []string{"a", "b"}, script, nil)
	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var dead *remote.Handle
	for _, hd := range h.orch.Handles() {
		if hd.ID() == "worker@b#0" {
			dead = hd
		}
	}
	if dead == nil {
		t.Fatal("worker@b#0 not found")
	}
	select {
	case <-dead.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker on b did not exit")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	monitorDone := make(chan error, 1)
	go func() { monitorDone <- h.orch.Monitor(ctx) }()

	testutil.Eventually(t, 2*time.Second, func() bool {
		return h.countEvents(event.TypeWorkerExitedUnexpectedly) == 1
	}, "early worker exit not reported")

	h.mu.Lock()
	var code int
	for _, e := range h.events {
		if ev, ok := e.(event.WorkerExitedUnexpectedlyEvent); ok {
			code = ev.ExitCode
		}
	}
	h.mu.Unlock()
	if code != 127 {
		t.Errorf("exit code = %d, want 127", code)
	}

	cancel()
	if err := <-monitorDone; err != nil {
		t.Errorf("Monitor() = %v, want nil", err)
	}
}

func TestStart_ShutdownWhileStartingWorkers(t *testing.T) {
	h := newHarness(t, []string{"a", "b"}, healthyCluster, nil)

	// Shutdown begins as soon as the coordinator reports ready, before any
	// worker handle exists.
	h.bus.Subscribe(event.TypeHandleReady, func(event.Event) {
		go func() { _ = h.orch.Shutdown() }()
		deadline := time.Now().Add(2 * time.Second)
		for h.orch.Lifecycle() == LifecycleStarting && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
	})

	if err := h.orch.Start(context.Background()); err == nil {
		t.Fatal("Start() should fail when the session was shut down")
	}
	if got := h.orch.Lifecycle(); got != LifecycleClosed {
		t.Errorf("Lifecycle() = %v, want closed", got)
	}
	if n := h.ft.CountExecutes(" worker "); n != 0 {
		t.Errorf("worker executes = %d, want 0", n)
	}
	for _, hd := range h.orch.Handles() {
		if !hd.Poll().Terminal() {
			t.Errorf("%s is %s after Start returned", hd.ID(), hd.Poll())
		}
	}
}

func TestMonitor_CoordinatorExitIsFatal(t *testing.T) {
	h := newHarness(t, []string{"a", "b"}, healthyCluster, nil)
	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	coord := h.ft.Channel("a", " scheduler ")
	go func() {
		_ = coord.Emit("fatal: out of memory")
		coord.Exit(137)
	}()

	err := h.orch.Monitor(context.Background())
	if !errors.Is(err, errors.ErrCoordinatorExited) {
		t.Fatalf("Monitor() error = %v, want ErrCoordinatorExited", err)
	}
	if errors.ExitCode(err) != errors.ExitCoordinatorDied {
		t.Errorf("ExitCode() = %d", errors.ExitCode(err))
	}
	if h.orch.Lifecycle() != LifecycleClosed {
		t.Errorf("Lifecycle() = %v, want closed", h.orch.Lifecycle())
	}
	if h.countEvents(event.TypeWorkerExitedUnexpectedly) != 0 {
		t.Error("worker terminations during shutdown must not count as unexpected exits")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	found := false
	for _, l := range h.lines {
		if l.Text == "fatal: out of memory" {
			found = true
		}
	}
	if !found {
		t.Error("coordinator's last output was not relayed")
	}
}

func TestMonitor_RelaysOutput(t *testing.T) {
	h := newHarness(t, []string{"a"}, healthyCluster, nil)
	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.orch.Monitor(ctx)
		close(done)
	}()

	worker := h.ft.Channel("a", " worker ")
	if err := worker.EmitStderr("warning: low memory"); err != nil {
		t.Fatal(err)
	}

	testutil.Eventually(t, 2*time.Second, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, l := range h.lines {
			if l.Text == "warning: low memory" && l.Stream == remote.StreamStderr && l.Role == remote.RoleWorker {
				return true
			}
		}
		return false
	}, "stderr line not relayed")

	cancel()
	<-done
}

func TestShutdown_TimesOutAndForceCloses(t *testing.T) {
	script := func(host, command string) testutil.Script {
		s := healthyCluster(host, command)
		if !isCoordinator(command) {
			s.IgnoreTerminate = true
		}
		return s
	}
	h := newHarness(t, []string{"a"}, script, func(o *Options) {
		o.ShutdownTimeout = 50 * time.Millisecond
	})
	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	err := h.orch.Shutdown()
	if !errors.Is(err, errors.ErrShutdownTimedOut) {
		t.Fatalf("Shutdown() error = %v, want ErrShutdownTimedOut", err)
	}
	if h.orch.Lifecycle() != LifecycleClosed {
		t.Errorf("Lifecycle() = %v, want closed", h.orch.Lifecycle())
	}
	if h.countEvents(event.TypeShutdownTimedOut) != 1 {
		t.Error("expected one shutdown.timed_out event")
	}
	closes := h.ft.Closes()
	forced := false
	for _, c := range closes {
		if !isCoordinator(c.Command) {
			forced = true
		}
	}
	if !forced {
		t.Errorf("stubborn worker was not force-closed: %+v", closes)
	}
	for _, hd := range h.orch.Handles() {
		if !hd.Poll().Terminal() {
			t.Errorf("handle %s not terminal", hd.ID())
		}
	}

	if err := h.orch.Shutdown(); err != nil {
		t.Errorf("second Shutdown() error = %v, want nil", err)
	}
}

func TestRun_CleanExitOnCancel(t *testing.T) {
	h := newHarness(t, []string{"a", "b"}, healthyCluster, nil)

	ctx, cancel := context.WithCancel(context.Background())
	h.bus.Subscribe(event.TypeLifecycleChanged, func(e event.Event) {
		if e.(event.LifecycleChangedEvent).To == LifecycleMonitoring.String() {
			time.AfterFunc(20*time.Millisecond, cancel)
		}
	})

	if err := h.orch.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if h.orch.Lifecycle() != LifecycleClosed {
		t.Errorf("Lifecycle() = %v", h.orch.Lifecycle())
	}
	if n := len(h.ft.Terminates()); n != 3 {
		t.Errorf("got %d terminate calls, want 3", n)
	}
}
