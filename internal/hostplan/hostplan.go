// Package hostplan resolves the operator's host input into a LaunchPlan:
// where the coordinator runs and which worker processes go on which host.
//
// Build performs no network action; it only reads the optional hostfile.
package hostplan

import (
	"fmt"
	"strings"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/dcluster/internal/errors"
)

// DefaultPort is the coordinator port used when none is requested.
const DefaultPort = 8787

// WorkerSpec describes one worker process to launch.
type WorkerSpec struct {
	Host         string `yaml:"host"`
	ProcessIndex int    `yaml:"process_index"`
	// ThreadCount is the worker's thread count; 0 lets the worker derive it
	// from the host's core count divided by processes per host.
	ThreadCount int `yaml:"thread_count"`
}

// ID returns a stable identifier for the spec, e.g. "node-1#0".
func (w WorkerSpec) ID() string {
	return fmt.Sprintf("%s#%d", w.Host, w.ProcessIndex)
}

// LaunchPlan is the resolved cluster layout.
type LaunchPlan struct {
	CoordinatorHost string       `yaml:"coordinator_host"`
	CoordinatorPort int          `yaml:"coordinator_port"`
	Workers         []WorkerSpec `yaml:"workers"`
}

// Hosts returns the distinct worker hosts in first-seen order.
func (p *LaunchPlan) Hosts() []string {
	seen := make(map[string]bool)
	var hosts []string
	for _, w := range p.Workers {
		if !seen[w.Host] {
			seen[w.Host] = true
			hosts = append(hosts, w.Host)
		}
	}
	return hosts
}

// Options is the operator input to Build.
type Options struct {
	// Hosts are explicit worker hosts, in order.
	Hosts []string
	// Hostfile is an optional path to a file of whitespace-separated hosts.
	Hostfile string
	// ProcessesPerHost is the number of worker processes per host entry.
	// Values below 1 are treated as 1.
	ProcessesPerHost int
	// ThreadsPerProcess is the explicit thread count, 0 to derive.
	ThreadsPerProcess int
	// Center is an explicit coordinator host.
	Center string
	// Port is the requested coordinator port. 0 means DefaultPort.
	Port int
	// Fs reads the hostfile. nil means the OS filesystem.
	Fs afero.Fs
}

// Build resolves opts into a LaunchPlan.
//
// Hosts from the hostfile are appended after the explicit hosts and
// duplicates are kept: a host listed twice gets two sets of workers.
// The coordinator runs on Center when set, else on the first host.
func Build(opts Options) (*LaunchPlan, error) {
	if opts.ThreadsPerProcess < 0 {
		return nil, errors.NewPlanError(fmt.Sprintf("threads per process must be >= 0, got %d", opts.ThreadsPerProcess), errors.ErrInvalidInput)
	}
	if opts.Port < 0 || opts.Port > 65535 {
		return nil, errors.NewPlanError(fmt.Sprintf("port %d out of range", opts.Port), errors.ErrInvalidInput)
	}

	hosts := make([]string, 0, len(opts.Hosts))
	for _, h := range opts.Hosts {
		if h = strings.TrimSpace(h); h != "" {
			hosts = append(hosts, h)
		}
	}

	if opts.Hostfile != "" {
		fileHosts, err := ReadHostfile(opts.Fs, opts.Hostfile)
		if err != nil {
			return nil, errors.NewPlanError("cannot read hostfile", err).WithHostfile(opts.Hostfile)
		}
		hosts = append(hosts, fileHosts...)
	}

	center := strings.TrimSpace(opts.Center)
	if len(hosts) == 0 && center == "" {
		return nil, errors.ErrEmptyHostSet
	}
	if center == "" {
		center = hosts[0]
	}

	nprocs := opts.ProcessesPerHost
	if nprocs < 1 {
		nprocs = 1
	}
	port := opts.Port
	if port == 0 {
		port = DefaultPort
	}

	plan := &LaunchPlan{
		CoordinatorHost: center,
		CoordinatorPort: port,
		Workers:         make([]WorkerSpec, 0, len(hosts)*nprocs),
	}
	for _, h := range hosts {
		for i := 0; i < nprocs; i++ {
			plan.Workers = append(plan.Workers, WorkerSpec{
				Host:         h,
				ProcessIndex: i,
				ThreadCount:  opts.ThreadsPerProcess,
			})
		}
	}
	return plan, nil
}

// ReadHostfile returns the whitespace-separated host tokens of path.
// Lines starting with '#' are comments.
func ReadHostfile(fs afero.Fs, path string) ([]string, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}

	var hosts []string
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		hosts = append(hosts, strings.Fields(line)...)
	}
	return hosts, nil
}
