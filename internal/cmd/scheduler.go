package cmd

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/dcluster/internal/bootstrap"
	"github.com/Iron-Ham/dcluster/internal/config"
	"github.com/Iron-Ham/dcluster/internal/hostplan"
	"github.com/Iron-Ham/dcluster/internal/logging"
	"github.com/Iron-Ham/dcluster/internal/scheduler"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the coordinator's scheduling service",
	Long: `Scheduler runs the registration service workers join. It is normally
started by launch on the coordinator host, but can be run by hand.

When --center is given, the worker registry of that existing scheduler is
imported before this one starts listening. The service binds the first
free port at or above --port and prints

  scheduler ready at tcp://HOST:PORT

once it accepts connections. Ctrl+C stops it gracefully.`,
	Args: cobra.NoArgs,
	RunE: runScheduler,
}

var schedulerFlagKeys = map[string]string{
	"port":              "cluster.port",
	"max-port-attempts": "cluster.max_port_attempts",
	"listen-host":       "scheduler.host",
	"grace-period":      "scheduler.grace_period",
	"stale-after":       "scheduler.stale_after",
	"resource-log-size": "scheduler.resource_log_size",
	"log-dir":           "remote.log_dir",
}

func init() {
	rootCmd.AddCommand(schedulerCmd)

	schedulerCmd.Flags().Int("port", hostplan.DefaultPort, "First port to try")
	schedulerCmd.Flags().String("host", "", "Host name to advertise (default: hostname)")
	schedulerCmd.Flags().String("center", "", "Existing scheduler (host:port) to sync with before serving")
	schedulerCmd.Flags().String("listen-host", "", "Interface to bind (default: all)")
	schedulerCmd.Flags().Int("max-port-attempts", 1000, "Ports to probe before giving up")
	schedulerCmd.Flags().Duration("grace-period", bootstrap.DefaultGracePeriod, "How long to wait for in-flight requests on shutdown")
	schedulerCmd.Flags().Duration("stale-after", scheduler.DefaultStaleAfter, "Drop workers silent for this long")
	schedulerCmd.Flags().Int("resource-log-size", scheduler.DefaultResourceLogSize, "Resource samples kept per worker")
	schedulerCmd.Flags().String("log-dir", "", "Directory for the debug log")
}

// newProcessLogger opens the debug log of a process started on a cluster
// host. Without a log directory nothing is logged.
func newProcessLogger(cfg *config.Config, name string) (*logging.Logger, error) {
	if cfg.Remote.LogDir == "" || !cfg.Logging.Enabled {
		return logging.NopLogger(), nil
	}
	return logging.NewLoggerWithRotation(filepath.Join(cfg.Remote.LogDir, name), cfg.Logging.Level, logging.RotationConfig{
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
	})
}

func runScheduler(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd, schedulerFlagKeys)
	if err != nil {
		return err
	}
	host, _ := cmd.Flags().GetString("host")
	center, _ := cmd.Flags().GetString("center")

	logger, err := newProcessLogger(cfg, "scheduler")
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	svc := scheduler.New(scheduler.Options{
		StaleAfter:      cfg.Scheduler.StaleAfter,
		ResourceLogSize: cfg.Scheduler.ResourceLogSize,
		GracePeriod:     cfg.Scheduler.GracePeriod,
		Logger:          logger,
	})
	return bootstrap.Run(cmd.Context(), svc, bootstrap.Options{
		CenterAddr:      center,
		RequestedPort:   cfg.Cluster.Port,
		ListenHost:      cfg.Scheduler.Host,
		AdvertiseHost:   host,
		MaxPortAttempts: cfg.Cluster.MaxPortAttempts,
		GracePeriod:     cfg.Scheduler.GracePeriod,
		Out:             cmd.OutOrStdout(),
		Logger:          logger,
	})
}
