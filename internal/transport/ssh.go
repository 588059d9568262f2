package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/Iron-Ham/dcluster/internal/logging"
)

// SSHConfig holds the credentials used to reach remote hosts.
type SSHConfig struct {
	User           string
	Port           int
	PrivateKeyPath string
	// KnownHostsPath defaults to ~/.ssh/known_hosts.
	KnownHostsPath        string
	InsecureIgnoreHostKey bool
	ConnectTimeout        time.Duration
}

// SSH runs commands over golang.org/x/crypto/ssh, one connection per
// command. A PTY is requested so that closing the session hangs up the
// remote process group.
type SSH struct {
	config   SSHConfig
	client   *ssh.ClientConfig
	logger   *logging.Logger
	dialer   net.Dialer
	addrPort string
}

// NewSSH loads the private key and host key policy described by cfg.
func NewSSH(cfg SSHConfig, logger *logging.Logger) (*SSH, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if cfg.User == "" {
		cfg.User = os.Getenv("USER")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	auth, err := authMethods(cfg.PrivateKeyPath)
	if err != nil {
		return nil, err
	}
	hostKeys, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, err
	}

	return &SSH{
		config: cfg,
		client: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            auth,
			HostKeyCallback: hostKeys,
			Timeout:         cfg.ConnectTimeout,
		},
		logger:   logger,
		dialer:   net.Dialer{Timeout: cfg.ConnectTimeout},
		addrPort: strconv.Itoa(cfg.Port),
	}, nil
}

func authMethods(keyPath string) ([]ssh.AuthMethod, error) {
	if keyPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locate default ssh key: %w", err)
		}
		keyPath = home + "/.ssh/id_rsa"
	}
	pem, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", keyPath, err)
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

func hostKeyCallback(cfg SSHConfig) (ssh.HostKeyCallback, error) {
	if cfg.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path := cfg.KnownHostsPath
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locate known_hosts: %w", err)
		}
		path = home + "/.ssh/known_hosts"
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts %s: %w", path, err)
	}
	return cb, nil
}

// Execute dials host, opens a session with a PTY and starts command.
func (s *SSH) Execute(ctx context.Context, host, command string) (Channel, error) {
	addr := net.JoinHostPort(host, s.addrPort)
	conn, err := s.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	// The handshake has no context of its own; bound it with a deadline.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(s.config.ConnectTimeout))
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, s.client)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})
	client := ssh.NewClient(sshConn, chans, reqs)

	session, err := client.NewSession()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("open ssh session on %s: %w", host, err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("dumb", 40, 200, modes); err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, fmt.Errorf("request pty on %s: %w", host, err)
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, fmt.Errorf("stdout pipe on %s: %w", host, err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, fmt.Errorf("stderr pipe on %s: %w", host, err)
	}

	if err := session.Start(command); err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, fmt.Errorf("start command on %s: %w", host, err)
	}

	s.logger.Debug("ssh command started", "host", host, "user", s.config.User)
	return &sshChannel{
		client:  client,
		session: session,
		stdout:  stdout,
		stderr:  stderr,
	}, nil
}

type sshChannel struct {
	client  *ssh.Client
	session *ssh.Session
	stdout  io.Reader
	stderr  io.Reader

	closeOnce sync.Once
	closeErr  error
}

func (c *sshChannel) Stdout() io.Reader { return c.stdout }
func (c *sshChannel) Stderr() io.Reader { return c.stderr }

func (c *sshChannel) Wait() error {
	err := c.session.Wait()
	switch e := err.(type) {
	case nil:
		return nil
	case *ssh.ExitError:
		return &ExitError{Code: e.ExitStatus(), Signal: e.Signal()}
	case *ssh.ExitMissingError:
		return &ExitError{Code: -1}
	default:
		return err
	}
}

// Terminate sends SIGTERM and hangs up the session. Servers that ignore
// signal requests still stop the process through the PTY hangup.
func (c *sshChannel) Terminate() error {
	_ = c.session.Signal(ssh.SIGTERM)
	if err := c.session.Close(); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func (c *sshChannel) Close() error {
	c.closeOnce.Do(func() {
		_ = c.session.Close()
		c.closeErr = c.client.Close()
	})
	return c.closeErr
}
