package orchestrator

import (
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/Iron-Ham/dcluster/internal/hostplan"
)

// CommandBuilder renders the shell commands run on cluster hosts.
type CommandBuilder struct {
	// Binary is the dcluster executable on the remote hosts.
	Binary string
	// LogDir, when set, is passed to remote processes as their log directory.
	LogDir string
	// ProcessesPerHost is forwarded to workers so they can divide cores.
	ProcessesPerHost int
}

// Coordinator returns the command that starts the scheduler for plan.
func (b CommandBuilder) Coordinator(plan *hostplan.LaunchPlan) string {
	args := []string{
		"scheduler",
		"--port", strconv.Itoa(plan.CoordinatorPort),
		"--host", plan.CoordinatorHost,
	}
	return b.render(args)
}

// Worker returns the command that starts spec's worker against the
// coordinator at addr (host:port).
func (b CommandBuilder) Worker(addr string, spec hostplan.WorkerSpec) string {
	nprocs := b.ProcessesPerHost
	if nprocs < 1 {
		nprocs = 1
	}
	args := []string{
		"worker", addr,
		"--name", spec.ID(),
		"--nthreads", strconv.Itoa(spec.ThreadCount),
		"--nprocs", strconv.Itoa(nprocs),
	}
	return b.render(args)
}

func (b CommandBuilder) render(args []string) string {
	bin := b.Binary
	if bin == "" {
		bin = "dcluster"
	}
	if b.LogDir != "" {
		args = append(args, "--log-dir", b.LogDir)
	}
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, ShellQuote(bin))
	for _, a := range args {
		parts = append(parts, ShellQuote(a))
	}
	return strings.Join(parts, " ")
}

var shellSafe = regexp.MustCompile(`^[A-Za-z0-9_@%+=:,./-]+$`)

// ShellQuote quotes s for a POSIX shell. Safe words are returned as is.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if shellSafe.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

var advertisedAddr = regexp.MustCompile(`tcp://(\[[^\]]+\]|[^\s:/]+):(\d+)`)

// ParseAdvertisedAddress extracts host and port from a readiness line such
// as "scheduler ready at tcp://node-1:8788".
func ParseAdvertisedAddress(line string) (host string, port int, ok bool) {
	m := advertisedAddr.FindStringSubmatch(line)
	if m == nil {
		return "", 0, false
	}
	port, err := strconv.Atoi(m[2])
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, false
	}
	return strings.Trim(m[1], "[]"), port, true
}

// isUnspecified reports whether host is a wildcard bind address that cannot
// be dialed from another machine.
func isUnspecified(host string) bool {
	if host == "" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsUnspecified()
}
