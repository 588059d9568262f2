package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Cluster.Port != 8787 {
		t.Errorf("Cluster.Port = %d, want 8787", cfg.Cluster.Port)
	}
	if cfg.Cluster.ProcessesPerHost != 1 {
		t.Errorf("Cluster.ProcessesPerHost = %d, want 1", cfg.Cluster.ProcessesPerHost)
	}
	if cfg.Cluster.ThreadsPerProcess != 0 {
		t.Errorf("Cluster.ThreadsPerProcess = %d, want 0", cfg.Cluster.ThreadsPerProcess)
	}
	if cfg.Cluster.ReadyPattern != "*ready*" {
		t.Errorf("Cluster.ReadyPattern = %q", cfg.Cluster.ReadyPattern)
	}
	if cfg.Remote.Port != 22 || cfg.Remote.Binary != "dcluster" {
		t.Errorf("Remote = %+v", cfg.Remote)
	}
	if cfg.Session.Dir != ".dcluster" {
		t.Errorf("Session.Dir = %q", cfg.Session.Dir)
	}

	if errs := cfg.Validate(); len(errs) != 0 {
		t.Errorf("Default() does not validate: %v", ValidationErrors(errs))
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{"port zero", func(c *Config) { c.Cluster.Port = 0 }, "cluster.port"},
		{"port too high", func(c *Config) { c.Cluster.Port = 70000 }, "cluster.port"},
		{"nprocs zero", func(c *Config) { c.Cluster.ProcessesPerHost = 0 }, "cluster.nprocs"},
		{"negative threads", func(c *Config) { c.Cluster.ThreadsPerProcess = -1 }, "cluster.nthreads"},
		{"empty ready pattern", func(c *Config) { c.Cluster.ReadyPattern = "" }, "cluster.ready_pattern"},
		{"bad ready pattern", func(c *Config) { c.Cluster.ReadyPattern = "[ready" }, "cluster.ready_pattern"},
		{"zero ready timeout", func(c *Config) { c.Cluster.ReadyTimeout = 0 }, "cluster.ready_timeout"},
		{"zero port attempts", func(c *Config) { c.Cluster.MaxPortAttempts = 0 }, "cluster.max_port_attempts"},
		{"ssh port", func(c *Config) { c.Remote.Port = -1 }, "remote.port"},
		{"empty binary", func(c *Config) { c.Remote.Binary = " " }, "remote.binary"},
		{"heartbeat too slow", func(c *Config) { c.Worker.HeartbeatInterval = time.Minute }, "worker.heartbeat_interval"},
		{"log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"log size", func(c *Config) { c.Logging.MaxSizeMB = 5000 }, "logging.max_size_mb"},
		{"backups", func(c *Config) { c.Logging.MaxBackups = -1 }, "logging.max_backups"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			errs := cfg.Validate()
			if len(errs) == 0 {
				t.Fatal("Validate() returned no errors")
			}
			found := false
			for _, e := range errs {
				if e.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("Validate() = %v, want an error for %s", errs, tt.field)
			}
		})
	}
}

func TestValidationErrors_Error(t *testing.T) {
	if (ValidationErrors{}).Error() != "" {
		t.Error("empty ValidationErrors should render empty")
	}
	one := ValidationErrors{{Field: "cluster.port", Value: 0, Message: "bad"}}
	if one.Error() != "cluster.port: bad (got: 0)" {
		t.Errorf("Error() = %q", one.Error())
	}
	two := append(one, ValidationError{Field: "remote.port", Value: -1, Message: "bad"})
	if !strings.HasPrefix(two.Error(), "2 validation errors:") {
		t.Errorf("Error() = %q", two.Error())
	}
}

func TestLoadFrom_FileAndDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	SetDefaults()

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `cluster:
  port: 9000
  nprocs: 2
  ready_timeout: 45s
remote:
  user: ops
  local_hosts: [localhost]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		t.Fatalf("ReadInConfig() error = %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Cluster.Port != 9000 || cfg.Cluster.ProcessesPerHost != 2 {
		t.Errorf("Cluster = %+v", cfg.Cluster)
	}
	if cfg.Cluster.ReadyTimeout != 45*time.Second {
		t.Errorf("ReadyTimeout = %v", cfg.Cluster.ReadyTimeout)
	}
	if cfg.Cluster.ShutdownTimeout != 10*time.Second {
		t.Errorf("ShutdownTimeout default lost: %v", cfg.Cluster.ShutdownTimeout)
	}
	if cfg.Remote.User != "ops" || len(cfg.Remote.LocalHosts) != 1 {
		t.Errorf("Remote = %+v", cfg.Remote)
	}
}

func TestLoadFrom_Invalid(t *testing.T) {
	v := viper.New()
	defaults := Default()
	v.SetDefault("cluster", map[string]any{"port": 0})
	v.SetDefault("remote.port", defaults.Remote.Port)

	_, err := LoadFrom(v)
	if err == nil {
		t.Fatal("LoadFrom() should fail validation")
	}
	if _, ok := err.(ValidationErrors); !ok {
		t.Errorf("error type = %T, want ValidationErrors", err)
	}
}

func TestConfigDir(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	if got := ConfigDir(); got != "/tmp/xdg/dcluster" {
		t.Errorf("ConfigDir() = %q", got)
	}
	if got := ConfigFile(); got != "/tmp/xdg/dcluster/config.yaml" {
		t.Errorf("ConfigFile() = %q", got)
	}
}
