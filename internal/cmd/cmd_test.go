package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/dcluster/internal/config"
	"github.com/Iron-Ham/dcluster/internal/errors"
	"github.com/Iron-Ham/dcluster/internal/hostplan"
	"github.com/Iron-Ham/dcluster/internal/logging"
	"github.com/Iron-Ham/dcluster/internal/session"
	"github.com/Iron-Ham/dcluster/internal/testutil"
	"github.com/Iron-Ham/dcluster/internal/transport"
)

// syncBuffer is a bytes.Buffer safe for a command writing while the test reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// setupTestEnvironment isolates config and session state for one test and
// returns the session base directory.
func setupTestEnvironment(t *testing.T) string {
	t.Helper()

	viper.Reset()
	resetFlags(rootCmd)
	t.Cleanup(func() {
		viper.Reset()
		resetFlags(rootCmd)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})

	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	base := t.TempDir()
	t.Setenv("DCLUSTER_SESSION_DIR", base)
	return base
}

// executeCommand runs the root command with args and returns captured output
func executeCommand(ctx context.Context, args ...string) (string, error) {
	buf := new(syncBuffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := Execute(ctx)
	return buf.String(), err
}

func TestRootCommand(t *testing.T) {
	if rootCmd.Use != "dcluster" {
		t.Errorf("rootCmd.Use = %q, want %q", rootCmd.Use, "dcluster")
	}

	expectedCmds := []string{"launch", "plan", "scheduler", "worker", "logs", "sessions", "config", "version"}
	cmdMap := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		cmdMap[c.Name()] = true
	}
	for _, expected := range expectedCmds {
		if !cmdMap[expected] {
			t.Errorf("expected subcommand %q not found", expected)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	setupTestEnvironment(t)

	output, err := executeCommand(context.Background(), "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(output, "dcluster "+Version) {
		t.Errorf("output = %q, want version line", output)
	}
}

func TestPlanCommand(t *testing.T) {
	setupTestEnvironment(t)

	output, err := executeCommand(context.Background(), "plan", "a", "b", "--nprocs", "2", "--log-dir", "/var/log/dc")
	if err != nil {
		t.Fatalf("plan failed: %v\n%s", err, output)
	}

	var doc struct {
		Plan     hostplan.LaunchPlan `yaml:"plan"`
		Commands struct {
			Coordinator string            `yaml:"coordinator"`
			Workers     map[string]string `yaml:"workers"`
		} `yaml:"commands"`
	}
	if err := yaml.Unmarshal([]byte(output), &doc); err != nil {
		t.Fatalf("plan output is not YAML: %v\n%s", err, output)
	}
	if doc.Plan.CoordinatorHost != "a" {
		t.Errorf("coordinator host = %q, want a", doc.Plan.CoordinatorHost)
	}
	if len(doc.Plan.Workers) != 4 {
		t.Errorf("workers = %d, want 4", len(doc.Plan.Workers))
	}
	if !strings.Contains(doc.Commands.Coordinator, "scheduler --port 8787") {
		t.Errorf("coordinator command = %q", doc.Commands.Coordinator)
	}
	if !strings.Contains(doc.Commands.Coordinator, "--log-dir") {
		t.Errorf("coordinator command %q is missing --log-dir", doc.Commands.Coordinator)
	}
	if got := doc.Commands.Workers["b#1"]; !strings.Contains(got, "worker a:8787") {
		t.Errorf("worker b#1 command = %q", got)
	}
}

func TestLaunchWithoutHostsPrintsUsage(t *testing.T) {
	setupTestEnvironment(t)

	output, err := executeCommand(context.Background(), "launch")
	if !errors.Is(err, errors.ErrEmptyHostSet) {
		t.Fatalf("launch error = %v, want ErrEmptyHostSet", err)
	}
	if errors.ExitCode(err) != errors.ExitUsage {
		t.Errorf("ExitCode = %d, want %d", errors.ExitCode(err), errors.ExitUsage)
	}
	if !strings.Contains(output, "Usage:") {
		t.Errorf("output should include usage, got:\n%s", output)
	}
}

func TestLaunchInvalidReadyPattern(t *testing.T) {
	setupTestEnvironment(t)

	_, err := executeCommand(context.Background(), "launch", "a", "--ready-pattern", "[")
	if errors.ExitCode(err) != errors.ExitUsage {
		t.Fatalf("launch error = %v, want a usage error", err)
	}
}

func TestLaunchRunsUntilInterrupted(t *testing.T) {
	base := setupTestEnvironment(t)

	fake := testutil.NewFakeTransport(func(host, command string) testutil.Script {
		if strings.Contains(command, " scheduler ") {
			return testutil.Script{Lines: []string{"scheduler ready at tcp://" + host + ":8787"}}
		}
		return testutil.Script{Lines: []string{"worker ready"}}
	})
	orig := newTransport
	newTransport = func(*config.Config, *hostplan.LaunchPlan, *logging.Logger) (transport.Transport, error) {
		return fake, nil
	}
	t.Cleanup(func() { newTransport = orig })

	buf := new(syncBuffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs([]string{"launch", "a", "b", "--shutdown-timeout", "2s"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- Execute(ctx) }()

	testutil.Eventually(t, 5*time.Second, func() bool {
		return strings.Contains(buf.String(), "cluster up")
	}, "launch never reported the cluster up:\n%s", buf.String())

	if n := fake.CountExecutes(" worker "); n != 2 {
		t.Errorf("worker executes = %d, want 2", n)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("launch returned %v after interrupt, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("launch did not return after interrupt")
	}

	output := buf.String()
	for _, want := range []string{"coordinator: a:8787", "[coordinator a]", "all processes stopped"} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
	for _, ch := range fake.Channels() {
		if !ch.Exited() {
			t.Errorf("%s on %s still running after launch returned", ch.Command, ch.Host)
		}
	}

	sessions, err := session.List(base)
	if err != nil || len(sessions) != 1 {
		t.Fatalf("List() = %v, %v; want one session", sessions, err)
	}
	if sessions[0].IsActive {
		t.Error("session lock should be released after launch returns")
	}
	if _, err := os.Stat(filepath.Join(sessions[0].SessionDir, logging.LogFileName)); err != nil {
		t.Errorf("session log missing: %v", err)
	}
}

func TestSessionsCommand(t *testing.T) {
	base := setupTestEnvironment(t)

	output, err := executeCommand(context.Background(), "sessions")
	if err != nil {
		t.Fatalf("sessions failed: %v", err)
	}
	if !strings.Contains(output, "No sessions found") {
		t.Errorf("output = %q, want no sessions", output)
	}

	plan, err := hostplan.Build(hostplan.Options{Hosts: []string{"a", "b"}, ProcessesPerHost: 1})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	m, _, err := session.Create(base, plan)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	viper.Reset()
	resetFlags(rootCmd)
	output, err = executeCommand(context.Background(), "sessions")
	if err != nil {
		t.Fatalf("sessions failed: %v", err)
	}
	for _, want := range []string{m.ID, "Workers: 2 on a, b", "finished"} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
}

func writeSessionLog(t *testing.T, base string) string {
	t.Helper()
	plan, err := hostplan.Build(hostplan.Options{Hosts: []string{"a"}, ProcessesPerHost: 1})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	m, dir, err := session.Create(base, plan)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	lines := []string{
		`{"time":"` + now + `","level":"INFO","msg":"launching cluster","session_id":"` + m.ID + `"}`,
		`{"time":"` + now + `","level":"WARN","msg":"worker exited","host":"a","role":"worker","handle_id":"worker@a#0"}`,
		`{"time":"` + now + `","level":"DEBUG","msg":"poll","host":"a","role":"coordinator"}`,
	}
	if err := os.WriteFile(filepath.Join(dir, logging.LogFileName), []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	return m.ID
}

func TestLogsCommandFilters(t *testing.T) {
	base := setupTestEnvironment(t)
	id := writeSessionLog(t, base)

	output, err := executeCommand(context.Background(), "logs", "--level", "warn")
	if err != nil {
		t.Fatalf("logs failed: %v", err)
	}
	if !strings.Contains(output, "worker exited") {
		t.Errorf("warn entry missing:\n%s", output)
	}
	if strings.Contains(output, "launching cluster") || strings.Contains(output, "poll") {
		t.Errorf("entries below warn should be filtered:\n%s", output)
	}

	resetFlags(rootCmd)
	output, err = executeCommand(context.Background(), "logs", "-s", id, "--role", "coordinator")
	if err != nil {
		t.Fatalf("logs failed: %v", err)
	}
	if !strings.Contains(output, "poll") || strings.Contains(output, "worker exited") {
		t.Errorf("role filter output:\n%s", output)
	}
}

func TestLogsCommandExport(t *testing.T) {
	base := setupTestEnvironment(t)
	writeSessionLog(t, base)
	out := filepath.Join(t.TempDir(), "out.csv")

	if _, err := executeCommand(context.Background(), "logs", "--export", out, "--format", "csv", "--grep", "exited"); err != nil {
		t.Fatalf("logs export failed: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if !strings.Contains(string(data), "worker exited") || strings.Contains(string(data), "launching cluster") {
		t.Errorf("export content:\n%s", data)
	}
}

func TestLogsCommandInvalidSince(t *testing.T) {
	base := setupTestEnvironment(t)
	writeSessionLog(t, base)

	_, err := executeCommand(context.Background(), "logs", "--since", "yesterday")
	if !errors.Is(err, errors.ErrInvalidInput) {
		t.Fatalf("logs error = %v, want ErrInvalidInput", err)
	}
}

func TestConfigShow(t *testing.T) {
	setupTestEnvironment(t)
	t.Setenv("DCLUSTER_CLUSTER_PORT", "9000")

	output, err := executeCommand(context.Background(), "config")
	if err != nil {
		t.Fatalf("config failed: %v", err)
	}
	var doc map[string]map[string]any
	if err := yaml.Unmarshal([]byte(output), &doc); err != nil {
		t.Fatalf("config output is not YAML: %v\n%s", err, output)
	}
	if doc["cluster"]["port"] != 9000 {
		t.Errorf("cluster.port = %v, want 9000 from the environment", doc["cluster"]["port"])
	}
	if doc["remote"]["binary"] != "dcluster" {
		t.Errorf("remote.binary = %v, want default", doc["remote"]["binary"])
	}
}

func TestConfigInit(t *testing.T) {
	setupTestEnvironment(t)

	if _, err := executeCommand(context.Background(), "config", "init"); err != nil {
		t.Fatalf("config init failed: %v", err)
	}
	if _, err := os.Stat(config.ConfigFile()); err != nil {
		t.Fatalf("config file not created: %v", err)
	}

	resetFlags(rootCmd)
	if _, err := executeCommand(context.Background(), "config", "init"); err == nil {
		t.Error("second config init should refuse to overwrite")
	}
}

func TestSessionsClean(t *testing.T) {
	base := setupTestEnvironment(t)
	plan, err := hostplan.Build(hostplan.Options{Hosts: []string{"a"}, ProcessesPerHost: 1})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	m, _, err := session.Create(base, plan)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	output, err := executeCommand(context.Background(), "sessions", "clean", "--session", m.ID)
	if err != nil {
		t.Fatalf("sessions clean failed: %v", err)
	}
	if !strings.Contains(output, "Removed session: "+m.ID) {
		t.Errorf("output = %q", output)
	}
	if session.Exists(base, m.ID) {
		t.Error("session still exists after clean")
	}

	resetFlags(rootCmd)
	output, err = executeCommand(context.Background(), "sessions", "clean")
	if err != nil {
		t.Fatalf("sessions clean failed: %v", err)
	}
	if !strings.Contains(output, "No stale resources to clean") {
		t.Errorf("output = %q", output)
	}
}
