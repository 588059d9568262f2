package orchestrator

import (
	"testing"

	"github.com/Iron-Ham/dcluster/internal/hostplan"
)

func TestCommandBuilder(t *testing.T) {
	plan := &hostplan.LaunchPlan{CoordinatorHost: "head", CoordinatorPort: 8787}
	b := CommandBuilder{Binary: "/opt/dcluster/bin/dcluster", LogDir: "/tmp/dcluster logs", ProcessesPerHost: 2}

	if got, want := b.Coordinator(plan), "/opt/dcluster/bin/dcluster scheduler --port 8787 --host head --log-dir '/tmp/dcluster logs'"; got != want {
		t.Errorf("Coordinator() = %q, want %q", got, want)
	}

	spec := hostplan.WorkerSpec{Host: "node-1", ProcessIndex: 1, ThreadCount: 4}
	want := "/opt/dcluster/bin/dcluster worker head:8787 --name 'node-1#1' --nthreads 4 --nprocs 2 --log-dir '/tmp/dcluster logs'"
	if got := b.Worker("head:8787", spec); got != want {
		t.Errorf("Worker() = %q, want %q", got, want)
	}

	if got := (CommandBuilder{}).Coordinator(plan); got != "dcluster scheduler --port 8787 --host head" {
		t.Errorf("default binary: %q", got)
	}
}

func TestShellQuote(t *testing.T) {
	tests := map[string]string{
		"":           "''",
		"plain":      "plain",
		"a b":        "'a b'",
		"it's":       `'it'"'"'s'`,
		"$HOME":      "'$HOME'",
		"host:8787":  "host:8787",
		"node#0":     "'node#0'",
		"/var/log/x": "/var/log/x",
	}
	for in, want := range tests {
		if got := ShellQuote(in); got != want {
			t.Errorf("ShellQuote(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseAdvertisedAddress(t *testing.T) {
	tests := []struct {
		line string
		host string
		port int
		ok   bool
	}{
		{"scheduler ready at tcp://node-1:8788", "node-1", 8788, true},
		{"ready tcp://10.0.0.5:9000 (pid 12)", "10.0.0.5", 9000, true},
		{"ready at tcp://[::1]:8787", "::1", 8787, true},
		{"scheduler ready", "", 0, false},
		{"tcp://host:99999", "", 0, false},
	}
	for _, tt := range tests {
		host, port, ok := ParseAdvertisedAddress(tt.line)
		if host != tt.host || port != tt.port || ok != tt.ok {
			t.Errorf("ParseAdvertisedAddress(%q) = (%q, %d, %v), want (%q, %d, %v)",
				tt.line, host, port, ok, tt.host, tt.port, tt.ok)
		}
	}
}

func TestLifecycle_ForwardOnly(t *testing.T) {
	if !LifecycleStarting.canTransition(LifecycleShuttingDown) {
		t.Error("Starting -> ShuttingDown should be allowed")
	}
	if LifecycleMonitoring.canTransition(LifecycleStarting) {
		t.Error("Monitoring -> Starting should be rejected")
	}
	if !LifecycleStarting.canTransition(LifecycleMonitoring) || !LifecycleShuttingDown.canTransition(LifecycleClosed) {
		t.Error("forward edges should be allowed")
	}
	if LifecycleStarting.canTransition(LifecycleClosed) {
		t.Error("Starting -> Closed skips ShuttingDown")
	}
	if LifecycleMonitoring.canTransition(LifecycleClosed) {
		t.Error("Monitoring -> Closed skips ShuttingDown")
	}
	if LifecycleClosed.canTransition(LifecycleClosed) {
		t.Error("Closed -> Closed is not a transition")
	}
	if LifecycleShuttingDown.String() != "shutting_down" {
		t.Errorf("String() = %q", LifecycleShuttingDown.String())
	}
}
