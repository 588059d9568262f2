// Package testutil provides test doubles shared by dcluster package tests.
package testutil

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/dcluster/internal/transport"
)

// Script describes how a fake process behaves.
type Script struct {
	// Lines are written to stdout, in order, once the process starts.
	Lines []string
	// Exit makes the process exit with ExitCode after writing Lines.
	Exit     bool
	ExitCode int
	// IgnoreTerminate keeps the process running after Terminate; only
	// Close stops it.
	IgnoreTerminate bool
	// Err makes Execute fail.
	Err error
}

// Call records one interaction with the fake transport. Seq orders calls
// across Execute, Terminate and Close.
type Call struct {
	Seq     int
	Host    string
	Command string
}

// FakeTransport implements transport.Transport with scripted processes.
type FakeTransport struct {
	script func(host, command string) Script

	mu         sync.Mutex
	seq        int
	executes   []Call
	terminates []Call
	closes     []Call
	channels   []*FakeChannel
}

var _ transport.Transport = (*FakeTransport)(nil)

// NewFakeTransport creates a FakeTransport. script picks the behavior for
// each command; nil runs every command until it is terminated.
func NewFakeTransport(script func(host, command string) Script) *FakeTransport {
	if script == nil {
		script = func(string, string) Script { return Script{} }
	}
	return &FakeTransport{script: script}
}

// Execute implements transport.Transport.
func (f *FakeTransport) Execute(ctx context.Context, host, command string) (transport.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := f.script(host, command)

	f.mu.Lock()
	f.executes = append(f.executes, f.nextCall(host, command))
	f.mu.Unlock()

	if s.Err != nil {
		return nil, s.Err
	}

	ch := newFakeChannel(f, host, command, s)
	f.mu.Lock()
	f.channels = append(f.channels, ch)
	f.mu.Unlock()

	go ch.run(s)
	return ch, nil
}

// nextCall must be called with f.mu held.
func (f *FakeTransport) nextCall(host, command string) Call {
	f.seq++
	return Call{Seq: f.seq, Host: host, Command: command}
}

func (f *FakeTransport) record(list *[]Call, host, command string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	*list = append(*list, f.nextCall(host, command))
}

// Executes returns every Execute call, including failed ones.
func (f *FakeTransport) Executes() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.executes...)
}

// Terminates returns every Terminate call in order.
func (f *FakeTransport) Terminates() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.terminates...)
}

// Closes returns every Close call in order.
func (f *FakeTransport) Closes() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.closes...)
}

// Channels returns the channels opened so far.
func (f *FakeTransport) Channels() []*FakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeChannel(nil), f.channels...)
}

// Channel returns the first channel whose host is host and whose command
// contains substr, or nil.
func (f *FakeTransport) Channel(host, substr string) *FakeChannel {
	for _, ch := range f.Channels() {
		if ch.Host == host && strings.Contains(ch.Command, substr) {
			return ch
		}
	}
	return nil
}

// CountExecutes returns how many Execute calls had a command containing substr.
func (f *FakeTransport) CountExecutes(substr string) int {
	n := 0
	for _, c := range f.Executes() {
		if strings.Contains(c.Command, substr) {
			n++
		}
	}
	return n
}

// FakeChannel is a scripted process.
type FakeChannel struct {
	Host    string
	Command string

	owner           *FakeTransport
	ignoreTerminate bool

	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	writeMu    sync.Mutex
	finishOnce sync.Once
	done       chan struct{}
	waitErr    error
	closed     bool
	closedMu   sync.Mutex
}

var _ transport.Channel = (*FakeChannel)(nil)

func newFakeChannel(owner *FakeTransport, host, command string, s Script) *FakeChannel {
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	return &FakeChannel{
		Host:            host,
		Command:         command,
		owner:           owner,
		ignoreTerminate: s.IgnoreTerminate,
		stdoutR:         outR,
		stdoutW:         outW,
		stderrR:         errR,
		stderrW:         errW,
		done:            make(chan struct{}),
	}
}

func (c *FakeChannel) run(s Script) {
	for _, line := range s.Lines {
		if err := c.Emit(line); err != nil {
			return
		}
	}
	if s.Exit {
		c.Exit(s.ExitCode)
	}
}

// Emit writes a line to stdout. It blocks until the line is read or the
// process finishes.
func (c *FakeChannel) Emit(line string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := io.WriteString(c.stdoutW, line+"\n")
	return err
}

// EmitStderr writes a line to stderr.
func (c *FakeChannel) EmitStderr(line string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := io.WriteString(c.stderrW, line+"\n")
	return err
}

// Exit makes the process exit with code.
func (c *FakeChannel) Exit(code int) {
	var err error
	if code != 0 {
		err = &transport.ExitError{Code: code}
	}
	c.finish(err)
}

func (c *FakeChannel) finish(err error) {
	c.finishOnce.Do(func() {
		c.waitErr = err
		_ = c.stdoutW.Close()
		_ = c.stderrW.Close()
		close(c.done)
	})
}

// Exited reports whether the process has finished.
func (c *FakeChannel) Exited() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Closed reports whether Close was called.
func (c *FakeChannel) Closed() bool {
	c.closedMu.Lock()
	defer c.closedMu.Unlock()
	return c.closed
}

func (c *FakeChannel) Stdout() io.Reader { return c.stdoutR }
func (c *FakeChannel) Stderr() io.Reader { return c.stderrR }

func (c *FakeChannel) Wait() error {
	<-c.done
	return c.waitErr
}

func (c *FakeChannel) Terminate() error {
	c.owner.record(&c.owner.terminates, c.Host, c.Command)
	if !c.ignoreTerminate {
		c.finish(&transport.ExitError{Code: -1, Signal: "terminated"})
	}
	return nil
}

func (c *FakeChannel) Close() error {
	c.closedMu.Lock()
	already := c.closed
	c.closed = true
	c.closedMu.Unlock()
	if already {
		return nil
	}
	c.owner.record(&c.owner.closes, c.Host, c.Command)
	c.finish(&transport.ExitError{Code: -1, Signal: "killed"})
	_ = c.stdoutR.Close()
	_ = c.stderrR.Close()
	return nil
}

// Eventually polls cond until it returns true or timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, fmt.Sprintf(format, args...))
}
