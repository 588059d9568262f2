package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete dcluster configuration
type Config struct {
	Cluster   ClusterConfig   `mapstructure:"cluster"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Session   SessionConfig   `mapstructure:"session"`
}

// ClusterConfig controls how a cluster is planned and launched
type ClusterConfig struct {
	// Center is the host the coordinator runs on (default: first host)
	Center string `mapstructure:"center"`
	// Port is the requested coordinator port (default: 8787)
	Port int `mapstructure:"port"`
	// ProcessesPerHost is the number of worker processes per host (default: 1)
	ProcessesPerHost int `mapstructure:"nprocs"`
	// ThreadsPerProcess is the thread count per worker (0 = derive from cores)
	ThreadsPerProcess int `mapstructure:"nthreads"`
	// Hostfile lists worker hosts, whitespace separated
	Hostfile string `mapstructure:"hostfile"`
	// ReadyPattern is the glob matched against coordinator output lines
	ReadyPattern string `mapstructure:"ready_pattern"`
	// ReadyTimeout bounds the wait for the coordinator readiness line
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`
	// ShutdownTimeout bounds graceful shutdown before processes are force-closed
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// PollInterval is how often process liveness is checked while monitoring
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// MaxPortAttempts bounds port probing
	MaxPortAttempts int `mapstructure:"max_port_attempts"`
	// StartConcurrency bounds parallel worker starts
	StartConcurrency int `mapstructure:"start_concurrency"`
}

// RemoteConfig controls how processes are started on hosts
type RemoteConfig struct {
	User                  string        `mapstructure:"user"`
	Port                  int           `mapstructure:"port"`
	PrivateKey            string        `mapstructure:"private_key"`
	KnownHosts            string        `mapstructure:"known_hosts"`
	InsecureIgnoreHostKey bool          `mapstructure:"insecure_ignore_host_key"`
	ConnectTimeout        time.Duration `mapstructure:"connect_timeout"`
	// LogDir is passed to remote processes as their log directory
	LogDir string `mapstructure:"log_dir"`
	// Binary is the dcluster executable on remote hosts
	Binary string `mapstructure:"binary"`
	// LocalHosts are run through a local pty instead of ssh
	LocalHosts []string `mapstructure:"local_hosts"`
}

// SchedulerConfig controls the coordinator's scheduling service
type SchedulerConfig struct {
	// Host is the interface to bind (empty = all interfaces)
	Host            string        `mapstructure:"host"`
	GracePeriod     time.Duration `mapstructure:"grace_period"`
	StaleAfter      time.Duration `mapstructure:"stale_after"`
	ResourceLogSize int           `mapstructure:"resource_log_size"`
}

// WorkerConfig controls the worker agent
type WorkerConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// Name overrides the registered worker name
	Name string `mapstructure:"name"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled controls whether debug logging is active (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Level sets the minimum log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// MaxSizeMB is the size at which the log file rotates (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of rotated files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups"`
	// Compress gzips rotated files (default: false)
	Compress bool `mapstructure:"compress"`
}

// SessionConfig controls where launch sessions are recorded
type SessionConfig struct {
	// Dir is the base directory for session data (default: ".dcluster")
	Dir string `mapstructure:"dir"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Cluster: ClusterConfig{
			Port:             8787,
			ProcessesPerHost: 1,
			ReadyPattern:     "*ready*",
			ReadyTimeout:     30 * time.Second,
			ShutdownTimeout:  10 * time.Second,
			PollInterval:     500 * time.Millisecond,
			MaxPortAttempts:  1000,
			StartConcurrency: 16,
		},
		Remote: RemoteConfig{
			Port:           22,
			ConnectTimeout: 10 * time.Second,
			Binary:         "dcluster",
			LocalHosts:     []string{"localhost", "127.0.0.1"},
		},
		Scheduler: SchedulerConfig{
			GracePeriod:     5 * time.Second,
			StaleAfter:      30 * time.Second,
			ResourceLogSize: 1000,
		},
		Worker: WorkerConfig{
			HeartbeatInterval: 2 * time.Second,
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Session: SessionConfig{
			Dir: ".dcluster",
		},
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("cluster.center", defaults.Cluster.Center)
	viper.SetDefault("cluster.port", defaults.Cluster.Port)
	viper.SetDefault("cluster.nprocs", defaults.Cluster.ProcessesPerHost)
	viper.SetDefault("cluster.nthreads", defaults.Cluster.ThreadsPerProcess)
	viper.SetDefault("cluster.hostfile", defaults.Cluster.Hostfile)
	viper.SetDefault("cluster.ready_pattern", defaults.Cluster.ReadyPattern)
	viper.SetDefault("cluster.ready_timeout", defaults.Cluster.ReadyTimeout)
	viper.SetDefault("cluster.shutdown_timeout", defaults.Cluster.ShutdownTimeout)
	viper.SetDefault("cluster.poll_interval", defaults.Cluster.PollInterval)
	viper.SetDefault("cluster.max_port_attempts", defaults.Cluster.MaxPortAttempts)
	viper.SetDefault("cluster.start_concurrency", defaults.Cluster.StartConcurrency)

	viper.SetDefault("remote.user", defaults.Remote.User)
	viper.SetDefault("remote.port", defaults.Remote.Port)
	viper.SetDefault("remote.private_key", defaults.Remote.PrivateKey)
	viper.SetDefault("remote.known_hosts", defaults.Remote.KnownHosts)
	viper.SetDefault("remote.insecure_ignore_host_key", defaults.Remote.InsecureIgnoreHostKey)
	viper.SetDefault("remote.connect_timeout", defaults.Remote.ConnectTimeout)
	viper.SetDefault("remote.log_dir", defaults.Remote.LogDir)
	viper.SetDefault("remote.binary", defaults.Remote.Binary)
	viper.SetDefault("remote.local_hosts", defaults.Remote.LocalHosts)

	viper.SetDefault("scheduler.host", defaults.Scheduler.Host)
	viper.SetDefault("scheduler.grace_period", defaults.Scheduler.GracePeriod)
	viper.SetDefault("scheduler.stale_after", defaults.Scheduler.StaleAfter)
	viper.SetDefault("scheduler.resource_log_size", defaults.Scheduler.ResourceLogSize)

	viper.SetDefault("worker.heartbeat_interval", defaults.Worker.HeartbeatInterval)
	viper.SetDefault("worker.name", defaults.Worker.Name)

	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	viper.SetDefault("logging.compress", defaults.Logging.Compress)

	viper.SetDefault("session.dir", defaults.Session.Dir)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom is Load for an explicit viper instance.
func LoadFrom(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "dcluster")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".dcluster"
	}
	return filepath.Join(home, ".config", "dcluster")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
