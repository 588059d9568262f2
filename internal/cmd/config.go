package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/dcluster/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View dcluster configuration",
	Long: `Without arguments, displays the effective configuration: defaults,
overlaid by the config file, overlaid by DCLUSTER_* environment variables.`,
	RunE: runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at ~/.config/dcluster/config.yaml with all available options.`,
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file path",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		path := viper.ConfigFileUsed()
		if path == "" {
			path = config.ConfigFile()
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)

	configInitCmd.Flags().Bool("force", false, "Overwrite an existing config file")
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(configDocument(cfg))
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	path := config.ConfigFile()
	force, _ := cmd.Flags().GetBool("force")
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(configDocument(config.Default()))
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created config file at %s\n", path)
	return nil
}

// configDocument renders cfg with the same keys viper reads.
func configDocument(cfg *config.Config) map[string]any {
	return map[string]any{
		"cluster": map[string]any{
			"center":            cfg.Cluster.Center,
			"port":              cfg.Cluster.Port,
			"nprocs":            cfg.Cluster.ProcessesPerHost,
			"nthreads":          cfg.Cluster.ThreadsPerProcess,
			"hostfile":          cfg.Cluster.Hostfile,
			"ready_pattern":     cfg.Cluster.ReadyPattern,
			"ready_timeout":     cfg.Cluster.ReadyTimeout.String(),
			"shutdown_timeout":  cfg.Cluster.ShutdownTimeout.String(),
			"poll_interval":     cfg.Cluster.PollInterval.String(),
			"max_port_attempts": cfg.Cluster.MaxPortAttempts,
			"start_concurrency": cfg.Cluster.StartConcurrency,
		},
		"remote": map[string]any{
			"user":                     cfg.Remote.User,
			"port":                     cfg.Remote.Port,
			"private_key":              cfg.Remote.PrivateKey,
			"known_hosts":              cfg.Remote.KnownHosts,
			"insecure_ignore_host_key": cfg.Remote.InsecureIgnoreHostKey,
			"connect_timeout":          cfg.Remote.ConnectTimeout.String(),
			"log_dir":                  cfg.Remote.LogDir,
			"binary":                   cfg.Remote.Binary,
			"local_hosts":              cfg.Remote.LocalHosts,
		},
		"scheduler": map[string]any{
			"host":              cfg.Scheduler.Host,
			"grace_period":      cfg.Scheduler.GracePeriod.String(),
			"stale_after":       cfg.Scheduler.StaleAfter.String(),
			"resource_log_size": cfg.Scheduler.ResourceLogSize,
		},
		"worker": map[string]any{
			"heartbeat_interval": cfg.Worker.HeartbeatInterval.String(),
			"name":               cfg.Worker.Name,
		},
		"logging": map[string]any{
			"enabled":     cfg.Logging.Enabled,
			"level":       cfg.Logging.Level,
			"max_size_mb": cfg.Logging.MaxSizeMB,
			"max_backups": cfg.Logging.MaxBackups,
			"compress":    cfg.Logging.Compress,
		},
		"session": map[string]any{
			"dir": cfg.Session.Dir,
		},
	}
}
