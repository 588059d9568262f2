// Package worker is the agent started on every worker host. It joins the
// scheduling service, reports liveness and resource usage, and leaves the
// cluster when interrupted.
package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"
	"github.com/shirou/gopsutil/process"

	"github.com/Iron-Ham/dcluster/internal/errors"
	"github.com/Iron-Ham/dcluster/internal/logging"
	"github.com/Iron-Ham/dcluster/internal/scheduler"
)

// Defaults for zero-valued Options fields.
const (
	DefaultHeartbeatInterval = 2 * time.Second
	DefaultUnregisterTimeout = 3 * time.Second
	DefaultRegisterAttempts  = 5
	registerRetryDelay       = 500 * time.Millisecond
)

// Registry is the part of the scheduling service a worker talks to.
// *scheduler.Client implements it.
type Registry interface {
	Register(ctx context.Context, w scheduler.WorkerInfo) error
	Heartbeat(ctx context.Context, name string, sample *scheduler.ResourceSample) error
	Unregister(ctx context.Context, name string) error
}

// Sampler measures resource usage for heartbeats.
type Sampler interface {
	Sample(ctx context.Context) (scheduler.ResourceSample, error)
}

// Options configures Run.
type Options struct {
	// SchedulerAddr is used to build a client when Registry is nil.
	SchedulerAddr string
	Name          string
	Host          string
	// Threads is the thread count to advertise. 0 derives it from the
	// logical core count divided by Procs.
	Threads int
	Procs   int

	HeartbeatInterval time.Duration
	UnregisterTimeout time.Duration
	RegisterAttempts  int

	Registry Registry
	Sampler  Sampler
	// CPUCount overrides the logical core count lookup.
	CPUCount func() (int, error)

	// Out receives the readiness line. nil means os.Stdout.
	Out    io.Writer
	Logger *logging.Logger
}

// DeriveThreads returns explicit when positive, otherwise cores/procs with
// a minimum of one.
func DeriveThreads(explicit, procs, cores int) int {
	if explicit > 0 {
		return explicit
	}
	if procs < 1 {
		procs = 1
	}
	n := cores / procs
	if n < 1 {
		return 1
	}
	return n
}

// ReadyLine formats the readiness announcement.
func ReadyLine(name string, threads int) string {
	return fmt.Sprintf("worker ready name=%s threads=%d", name, threads)
}

func logicalCores() (int, error) {
	return cpu.Counts(true)
}

// Run registers the worker and heartbeats until ctx is cancelled, then
// unregisters. A cancelled ctx is a clean stop and returns nil.
func Run(ctx context.Context, opts Options) error {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	interval := opts.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	unregisterTimeout := opts.UnregisterTimeout
	if unregisterTimeout <= 0 {
		unregisterTimeout = DefaultUnregisterTimeout
	}
	attempts := opts.RegisterAttempts
	if attempts <= 0 {
		attempts = DefaultRegisterAttempts
	}

	registry := opts.Registry
	if registry == nil {
		if opts.SchedulerAddr == "" {
			return fmt.Errorf("%w: scheduler address required", errors.ErrInvalidInput)
		}
		registry = scheduler.NewClient(opts.SchedulerAddr)
	}
	sampler := opts.Sampler
	if sampler == nil {
		sampler = NewSystemSampler()
	}
	countCPU := opts.CPUCount
	if countCPU == nil {
		countCPU = logicalCores
	}

	host := opts.Host
	if host == "" {
		if h, err := os.Hostname(); err == nil {
			host = h
		} else {
			host = "localhost"
		}
	}
	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	cores, err := countCPU()
	if err != nil {
		logger.Warn("failed to count cores, assuming one", "error", err)
		cores = 1
	}
	threads := DeriveThreads(opts.Threads, opts.Procs, cores)
	logger = logger.With("worker", name)

	info := scheduler.WorkerInfo{
		Name:    name,
		Host:    host,
		Threads: threads,
		PID:     os.Getpid(),
	}
	if err := register(ctx, registry, info, attempts, logger); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("register worker %s: %w", name, err)
	}

	logger.Info("worker registered", "threads", threads, "cores", cores)
	if _, err := fmt.Fprintln(out, ReadyLine(name, threads)); err != nil {
		logger.Warn("failed to announce readiness", "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			leaveCtx, cancel := context.WithTimeout(context.Background(), unregisterTimeout)
			defer cancel()
			if err := registry.Unregister(leaveCtx, name); err != nil {
				logger.Warn("failed to unregister", "error", err)
			} else {
				logger.Info("worker unregistered")
			}
			return nil
		case <-ticker.C:
			heartbeat(ctx, registry, sampler, info, logger)
		}
	}
}

func register(ctx context.Context, registry Registry, info scheduler.WorkerInfo, attempts int, logger *logging.Logger) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = registry.Register(ctx, info); err == nil {
			return nil
		}
		logger.Debug("register attempt failed", "attempt", i+1, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(registerRetryDelay):
		}
	}
	return err
}

func heartbeat(ctx context.Context, registry Registry, sampler Sampler, info scheduler.WorkerInfo, logger *logging.Logger) {
	var sample *scheduler.ResourceSample
	if s, err := sampler.Sample(ctx); err != nil {
		logger.Debug("resource sample failed", "error", err)
	} else {
		sample = &s
	}

	err := registry.Heartbeat(ctx, info.Name, sample)
	switch {
	case err == nil:
	case scheduler.IsNotFound(err):
		// The scheduler pruned or restarted and forgot us.
		logger.Warn("scheduler lost registration, registering again")
		if err := registry.Register(ctx, info); err != nil {
			logger.Warn("re-register failed", "error", err)
		}
	case ctx.Err() == nil:
		logger.Warn("heartbeat failed", "error", err)
	}
}

// SystemSampler samples host CPU and memory usage and the resident size of
// this process.
type SystemSampler struct {
	proc *process.Process
}

// NewSystemSampler creates a SystemSampler for the current process.
func NewSystemSampler() *SystemSampler {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		proc = nil
	}
	return &SystemSampler{proc: proc}
}

// Sample implements Sampler.
func (s *SystemSampler) Sample(ctx context.Context) (scheduler.ResourceSample, error) {
	sample := scheduler.ResourceSample{Time: time.Now()}

	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return sample, fmt.Errorf("cpu percent: %w", err)
	}
	if len(percents) > 0 {
		sample.CPUPercent = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return sample, fmt.Errorf("virtual memory: %w", err)
	}
	sample.MemoryPercent = vm.UsedPercent

	if s.proc != nil {
		if info, err := s.proc.MemoryInfoWithContext(ctx); err == nil {
			sample.MemoryUsed = info.RSS
		}
	}
	return sample, nil
}
