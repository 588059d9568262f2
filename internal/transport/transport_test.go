package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"testing"
	"time"
)

type recordingTransport struct {
	hosts []string
}

func (r *recordingTransport) Execute(_ context.Context, host, _ string) (Channel, error) {
	r.hosts = append(r.hosts, host)
	return nil, nil
}

func TestRouter(t *testing.T) {
	local := &recordingTransport{}
	remote := &recordingTransport{}
	r := &Router{Local: local, Remote: remote, LocalHosts: []string{"localhost", "127.0.0.1"}}

	for _, h := range []string{"LOCALHOST", "node-1", "127.0.0.1", "node-2"} {
		if _, err := r.Execute(context.Background(), h, "true"); err != nil {
			t.Fatalf("Execute(%s) error = %v", h, err)
		}
	}
	if strings.Join(local.hosts, ",") != "LOCALHOST,127.0.0.1" {
		t.Errorf("local hosts = %v", local.hosts)
	}
	if strings.Join(remote.hosts, ",") != "node-1,node-2" {
		t.Errorf("remote hosts = %v", remote.hosts)
	}

	noRemote := &Router{Local: local, LocalHosts: []string{"localhost"}}
	if _, err := noRemote.Execute(context.Background(), "node-1", "true"); err == nil {
		t.Error("expected error without a remote transport")
	}
}

func TestExitCode(t *testing.T) {
	if ExitCode(nil) != 0 {
		t.Error("nil error should be exit 0")
	}
	if ExitCode(&ExitError{Code: 3}) != 3 {
		t.Error("ExitError code not extracted")
	}
	if ExitCode(errors.New("connection lost")) != -1 {
		t.Error("unknown error should be -1")
	}
	if got := (&ExitError{Code: -1, Signal: "terminated"}).Error(); !strings.Contains(got, "terminated") {
		t.Errorf("Error() = %q", got)
	}
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestLocal_OutputAndExitCode(t *testing.T) {
	requireShell(t)

	ch, err := NewLocal(nil).Execute(context.Background(), "localhost", "echo hello; echo world; exit 3")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	defer func() { _ = ch.Close() }()

	var lines []string
	scanner := bufio.NewScanner(ch.Stdout())
	for scanner.Scan() {
		lines = append(lines, strings.TrimRight(scanner.Text(), "\r"))
	}
	if strings.Join(lines, ",") != "hello,world" {
		t.Errorf("lines = %q", lines)
	}

	if code := ExitCode(ch.Wait()); code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}
	if _, err := io.ReadAll(ch.Stderr()); err != nil {
		t.Errorf("Stderr() read error = %v", err)
	}
}

func TestLocal_Terminate(t *testing.T) {
	requireShell(t)

	ch, err := NewLocal(nil).Execute(context.Background(), "localhost", "echo up; sleep 30")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	defer func() { _ = ch.Close() }()

	go func() { _, _ = io.Copy(io.Discard, ch.Stdout()) }()

	done := make(chan error, 1)
	go func() { done <- ch.Wait() }()

	if err := ch.Terminate(); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}
	select {
	case err := <-done:
		var exitErr *ExitError
		if !errors.As(err, &exitErr) {
			t.Errorf("Wait() = %v, want ExitError", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("process did not stop after Terminate")
	}

	if err := ch.Close(); err != nil {
		t.Logf("Close() after exit: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Logf("second Close(): %v", err)
	}
}

func TestNewSSH_MissingKey(t *testing.T) {
	_, err := NewSSH(SSHConfig{PrivateKeyPath: "/nonexistent/key", InsecureIgnoreHostKey: true}, nil)
	if err == nil {
		t.Fatal("expected error for missing private key")
	}
}
