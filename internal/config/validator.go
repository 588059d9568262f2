package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gobwas/glob"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "cluster.port")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError
	errors = append(errors, c.validateCluster()...)
	errors = append(errors, c.validateRemote()...)
	errors = append(errors, c.validateScheduler()...)
	errors = append(errors, c.validateLogging()...)
	return errors
}

func validPort(p int) bool { return p >= 1 && p <= 65535 }

func positive(field string, value any, ok bool) []ValidationError {
	if ok {
		return nil
	}
	return []ValidationError{{Field: field, Value: value, Message: "must be positive"}}
}

// validateCluster validates the ClusterConfig
func (c *Config) validateCluster() []ValidationError {
	var errors []ValidationError
	cl := c.Cluster

	if !validPort(cl.Port) {
		errors = append(errors, ValidationError{
			Field:   "cluster.port",
			Value:   cl.Port,
			Message: "must be between 1 and 65535",
		})
	}
	errors = append(errors, positive("cluster.nprocs", cl.ProcessesPerHost, cl.ProcessesPerHost >= 1)...)
	if cl.ThreadsPerProcess < 0 {
		errors = append(errors, ValidationError{
			Field:   "cluster.nthreads",
			Value:   cl.ThreadsPerProcess,
			Message: "must be non-negative (0 derives from core count)",
		})
	}
	if cl.ReadyPattern == "" {
		errors = append(errors, ValidationError{
			Field:   "cluster.ready_pattern",
			Value:   cl.ReadyPattern,
			Message: "must not be empty",
		})
	} else if _, err := glob.Compile(cl.ReadyPattern); err != nil {
		errors = append(errors, ValidationError{
			Field:   "cluster.ready_pattern",
			Value:   cl.ReadyPattern,
			Message: fmt.Sprintf("invalid glob: %v", err),
		})
	}
	errors = append(errors, positive("cluster.ready_timeout", cl.ReadyTimeout, cl.ReadyTimeout > 0)...)
	errors = append(errors, positive("cluster.shutdown_timeout", cl.ShutdownTimeout, cl.ShutdownTimeout > 0)...)
	errors = append(errors, positive("cluster.poll_interval", cl.PollInterval, cl.PollInterval > 0)...)
	errors = append(errors, positive("cluster.max_port_attempts", cl.MaxPortAttempts, cl.MaxPortAttempts > 0)...)
	errors = append(errors, positive("cluster.start_concurrency", cl.StartConcurrency, cl.StartConcurrency > 0)...)

	return errors
}

// validateRemote validates the RemoteConfig
func (c *Config) validateRemote() []ValidationError {
	var errors []ValidationError

	if !validPort(c.Remote.Port) {
		errors = append(errors, ValidationError{
			Field:   "remote.port",
			Value:   c.Remote.Port,
			Message: "must be between 1 and 65535",
		})
	}
	if strings.TrimSpace(c.Remote.Binary) == "" {
		errors = append(errors, ValidationError{
			Field:   "remote.binary",
			Value:   c.Remote.Binary,
			Message: "must not be empty",
		})
	}
	errors = append(errors, positive("remote.connect_timeout", c.Remote.ConnectTimeout, c.Remote.ConnectTimeout > 0)...)

	return errors
}

// validateScheduler validates the SchedulerConfig and WorkerConfig
func (c *Config) validateScheduler() []ValidationError {
	var errors []ValidationError

	errors = append(errors, positive("scheduler.grace_period", c.Scheduler.GracePeriod, c.Scheduler.GracePeriod > 0)...)
	errors = append(errors, positive("scheduler.stale_after", c.Scheduler.StaleAfter, c.Scheduler.StaleAfter > 0)...)
	errors = append(errors, positive("scheduler.resource_log_size", c.Scheduler.ResourceLogSize, c.Scheduler.ResourceLogSize > 0)...)
	errors = append(errors, positive("worker.heartbeat_interval", c.Worker.HeartbeatInterval, c.Worker.HeartbeatInterval > 0)...)

	if c.Worker.HeartbeatInterval > 0 && c.Scheduler.StaleAfter > 0 && c.Worker.HeartbeatInterval >= c.Scheduler.StaleAfter {
		errors = append(errors, ValidationError{
			Field:   "worker.heartbeat_interval",
			Value:   c.Worker.HeartbeatInterval,
			Message: fmt.Sprintf("must be shorter than scheduler.stale_after (%v)", c.Scheduler.StaleAfter),
		})
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	if c.Logging.MaxSizeMB <= 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be positive",
		})
	}

	const maxLogSizeMB = 1000
	if c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}

	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}
