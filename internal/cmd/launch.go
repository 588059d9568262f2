package cmd

import (
	"fmt"
	"net"
	"strconv"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/dcluster/internal/config"
	"github.com/Iron-Ham/dcluster/internal/display"
	"github.com/Iron-Ham/dcluster/internal/errors"
	"github.com/Iron-Ham/dcluster/internal/event"
	"github.com/Iron-Ham/dcluster/internal/hostplan"
	"github.com/Iron-Ham/dcluster/internal/logging"
	"github.com/Iron-Ham/dcluster/internal/orchestrator"
	"github.com/Iron-Ham/dcluster/internal/remote"
	"github.com/Iron-Ham/dcluster/internal/session"
	"github.com/Iron-Ham/dcluster/internal/transport"
)

var launchCmd = &cobra.Command{
	Use:   "launch [hosts...]",
	Short: "Launch a cluster and supervise it until interrupted",
	Long: `Launch starts a coordinator on the first host (or --center) and
--nprocs workers on every host, relays their output, and shuts everything
down in order on Ctrl+C: workers first, the coordinator last.

Hosts may be given as arguments, in a hostfile, or both. A host listed
twice gets two sets of workers.

Examples:
  # Coordinator on node-1, one worker on each node
  dcluster launch node-1 node-2 node-3

  # Two workers per host from a hostfile, 4 threads each
  dcluster launch --hostfile hosts.txt --nprocs 2 --nthreads 4

  # Everything on this machine, no ssh involved
  dcluster launch localhost localhost`,
	RunE: runLaunch,
}

// planFlagKeys maps the flags shared by launch and plan to config keys.
var planFlagKeys = map[string]string{
	"hostfile": "cluster.hostfile",
	"nprocs":   "cluster.nprocs",
	"nthreads": "cluster.nthreads",
	"center":   "cluster.center",
	"port":     "cluster.port",
	"binary":   "remote.binary",
	"log-dir":  "remote.log_dir",
}

var launchFlagKeys = mergeKeys(planFlagKeys, map[string]string{
	"ssh-user":                 "remote.user",
	"ssh-port":                 "remote.port",
	"ssh-key":                  "remote.private_key",
	"known-hosts":              "remote.known_hosts",
	"insecure-ignore-host-key": "remote.insecure_ignore_host_key",
	"ready-pattern":            "cluster.ready_pattern",
	"ready-timeout":            "cluster.ready_timeout",
	"shutdown-timeout":         "cluster.shutdown_timeout",
})

func mergeKeys(maps ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// newTransport builds the transport for a plan. Tests replace it.
var newTransport = defaultTransport

func init() {
	rootCmd.AddCommand(launchCmd)

	addPlanFlags(launchCmd)
	launchCmd.Flags().String("ssh-user", "", "Remote user (default: current user)")
	launchCmd.Flags().Int("ssh-port", 22, "Remote ssh port")
	launchCmd.Flags().String("ssh-key", "", "Private key file (default: ~/.ssh/id_rsa)")
	launchCmd.Flags().String("known-hosts", "", "known_hosts file (default: ~/.ssh/known_hosts)")
	launchCmd.Flags().Bool("insecure-ignore-host-key", false, "Skip host key verification")
	launchCmd.Flags().String("ready-pattern", remote.DefaultReadyPattern, "Glob matched against coordinator output to detect readiness")
	launchCmd.Flags().Duration("ready-timeout", orchestrator.DefaultReadyTimeout, "How long to wait for the coordinator to become ready")
	launchCmd.Flags().Duration("shutdown-timeout", orchestrator.DefaultShutdownTimeout, "Grace period before processes are force-closed")
}

func addPlanFlags(cmd *cobra.Command) {
	cmd.Flags().String("hostfile", "", "File of whitespace-separated hosts")
	cmd.Flags().Int("nprocs", 1, "Worker processes per host")
	cmd.Flags().Int("nthreads", 0, "Threads per worker process (0 derives from cores)")
	cmd.Flags().String("center", "", "Host to run the coordinator on (default: first host)")
	cmd.Flags().Int("port", hostplan.DefaultPort, "Requested coordinator port")
	cmd.Flags().String("binary", "dcluster", "dcluster executable on the remote hosts")
	cmd.Flags().String("log-dir", "", "Log directory passed to remote processes")
}

func buildPlan(args []string, cfg *config.Config) (*hostplan.LaunchPlan, error) {
	return hostplan.Build(hostplan.Options{
		Hosts:             args,
		Hostfile:          cfg.Cluster.Hostfile,
		ProcessesPerHost:  cfg.Cluster.ProcessesPerHost,
		ThreadsPerProcess: cfg.Cluster.ThreadsPerProcess,
		Center:            cfg.Cluster.Center,
		Port:              cfg.Cluster.Port,
		Fs:                afero.NewOsFs(),
	})
}

func commandBuilder(cfg *config.Config) orchestrator.CommandBuilder {
	return orchestrator.CommandBuilder{
		Binary:           cfg.Remote.Binary,
		LogDir:           cfg.Remote.LogDir,
		ProcessesPerHost: cfg.Cluster.ProcessesPerHost,
	}
}

// defaultTransport routes local hosts through a pty and everything else
// through ssh. ssh credentials are only loaded when a remote host is in
// the plan.
func defaultTransport(cfg *config.Config, plan *hostplan.LaunchPlan, logger *logging.Logger) (transport.Transport, error) {
	router := &transport.Router{
		Local:      transport.NewLocal(logger),
		LocalHosts: cfg.Remote.LocalHosts,
	}

	needsSSH := !router.IsLocal(plan.CoordinatorHost)
	for _, h := range plan.Hosts() {
		if !router.IsLocal(h) {
			needsSSH = true
		}
	}
	if !needsSSH {
		return router, nil
	}

	ssh, err := transport.NewSSH(transport.SSHConfig{
		User:                  cfg.Remote.User,
		Port:                  cfg.Remote.Port,
		PrivateKeyPath:        cfg.Remote.PrivateKey,
		KnownHostsPath:        cfg.Remote.KnownHosts,
		InsecureIgnoreHostKey: cfg.Remote.InsecureIgnoreHostKey,
		ConnectTimeout:        cfg.Remote.ConnectTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}
	router.Remote = ssh
	return router, nil
}

// newSessionLogger opens the debug log of a session directory.
func newSessionLogger(cfg *config.Config, dir string) (*logging.Logger, error) {
	if !cfg.Logging.Enabled {
		return logging.NopLogger(), nil
	}
	return logging.NewLoggerWithRotation(dir, cfg.Logging.Level, logging.RotationConfig{
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
	})
}

func runLaunch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, launchFlagKeys)
	if err != nil {
		return err
	}

	// Host resolution fails before anything touches the network.
	plan, err := buildPlan(args, cfg)
	if err != nil {
		return err
	}
	probe, err := remote.NewGlobProbe(cfg.Cluster.ReadyPattern)
	if err != nil {
		return fmt.Errorf("%w: %w", errors.ErrInvalidInput, err)
	}

	manifest, dir, err := session.Create(cfg.Session.Dir, plan)
	if err != nil {
		return err
	}
	lock, err := session.AcquireLock(dir, manifest.ID, nil)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	logger, err := newSessionLogger(cfg, dir)
	if err != nil {
		return fmt.Errorf("open session log: %w", err)
	}
	defer func() { _ = logger.Close() }()
	logger = logger.WithSession(manifest.ID)

	tr, err := newTransport(cfg, plan, logger)
	if err != nil {
		return err
	}

	console := display.New(cmd.OutOrStdout())
	bus := event.NewBus(logger)
	watchEvents(bus, console)

	orch, err := orchestrator.New(orchestrator.Options{
		Plan:             plan,
		Transport:        tr,
		Commands:         commandBuilder(cfg),
		Probe:            probe,
		ReadyTimeout:     cfg.Cluster.ReadyTimeout,
		ShutdownTimeout:  cfg.Cluster.ShutdownTimeout,
		PollInterval:     cfg.Cluster.PollInterval,
		StartConcurrency: cfg.Cluster.StartConcurrency,
		Output:           console.Line,
		Logger:           logger,
		Bus:              bus,
	})
	if err != nil {
		return err
	}

	console.Banner(plan, net.JoinHostPort(plan.CoordinatorHost, strconv.Itoa(plan.CoordinatorPort)))
	console.Progress("session %s, logs in %s", manifest.ID, dir)
	logger.Info("launching cluster", "coordinator", plan.CoordinatorHost, "workers", len(plan.Workers))

	ctx := cmd.Context()
	if err := orch.Start(ctx); err != nil {
		if ctx.Err() != nil {
			// Interrupted during startup; Start already shut down.
			return nil
		}
		printCoordinatorTail(console, orch)
		return err
	}
	console.Progress("cluster up: coordinator at %s, %d worker(s)", orch.CoordinatorAddress(), len(plan.Workers))

	monitorErr := orch.Monitor(ctx)
	if monitorErr != nil {
		printCoordinatorTail(console, orch)
	}
	if err := orch.Shutdown(); err != nil {
		logger.Warn("shutdown completed with forced closes", "error", err)
	}
	return monitorErr
}

// watchEvents turns orchestrator events into operator messages.
func watchEvents(bus *event.Bus, console *display.Console) {
	bus.Subscribe(event.TypeLifecycleChanged, func(e event.Event) {
		ev, ok := e.(event.LifecycleChangedEvent)
		if !ok {
			return
		}
		switch ev.To {
		case orchestrator.LifecycleShuttingDown.String():
			console.Progress("shutting down: stopping workers, then the coordinator")
		case orchestrator.LifecycleClosed.String():
			console.Progress("all processes stopped")
		}
	})
	bus.Subscribe(event.TypeWorkerExitedUnexpectedly, func(e event.Event) {
		ev, ok := e.(event.WorkerExitedUnexpectedlyEvent)
		if !ok {
			return
		}
		console.Warn("%s exited unexpectedly (exit code %d), cluster keeps running", ev.HandleID, ev.ExitCode)
		console.Tail(ev.HandleID, ev.Tail)
	})
	bus.Subscribe(event.TypeShutdownTimedOut, func(e event.Event) {
		ev, ok := e.(event.ShutdownTimedOutEvent)
		if !ok {
			return
		}
		console.Warn("force-closed %d process(es) after %v", len(ev.Remaining), ev.Timeout)
	})
}

func printCoordinatorTail(console *display.Console, orch *orchestrator.Orchestrator) {
	for _, h := range orch.Handles() {
		if h.Role() == remote.RoleCoordinator {
			console.Tail(h.ID(), h.Tail())
			return
		}
	}
}
