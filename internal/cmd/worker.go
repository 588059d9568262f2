package cmd

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/dcluster/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker <scheduler-address>",
	Short: "Run a worker agent against a scheduler",
	Long: `Worker registers with the scheduler at the given address, reports
liveness and resource usage until interrupted, and unregisters on exit.

The thread count defaults to the host's logical cores divided by --nprocs.`,
	Args: cobra.ExactArgs(1),
	RunE: runWorker,
}

var workerFlagKeys = map[string]string{
	"name":               "worker.name",
	"nthreads":           "cluster.nthreads",
	"nprocs":             "cluster.nprocs",
	"heartbeat-interval": "worker.heartbeat_interval",
	"log-dir":            "remote.log_dir",
}

func init() {
	rootCmd.AddCommand(workerCmd)

	workerCmd.Flags().String("name", "", "Worker name (default: hostname-pid)")
	workerCmd.Flags().Int("nthreads", 0, "Threads (0 derives from cores)")
	workerCmd.Flags().Int("nprocs", 1, "Worker processes sharing this host")
	workerCmd.Flags().Duration("heartbeat-interval", worker.DefaultHeartbeatInterval, "Time between heartbeats")
	workerCmd.Flags().String("log-dir", "", "Directory for the debug log")
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, workerFlagKeys)
	if err != nil {
		return err
	}

	name := cfg.Worker.Name
	logName := "worker"
	if name != "" {
		logName = "worker-" + strings.ReplaceAll(name, "#", "-")
	}
	logger, err := newProcessLogger(cfg, logName)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	return worker.Run(cmd.Context(), worker.Options{
		SchedulerAddr:     args[0],
		Name:              name,
		Threads:           cfg.Cluster.ThreadsPerProcess,
		Procs:             cfg.Cluster.ProcessesPerHost,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		Out:               cmd.OutOrStdout(),
		Logger:            logger,
	})
}
