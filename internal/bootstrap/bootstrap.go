// Package bootstrap runs the coordinator side of a cluster: optional sync
// with an existing center, port negotiation, readiness announcement and
// serving until interrupted.
package bootstrap

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/Iron-Ham/dcluster/internal/errors"
	"github.com/Iron-Ham/dcluster/internal/logging"
	"github.com/Iron-Ham/dcluster/internal/portalloc"
)

// DefaultGracePeriod bounds how long Run waits for the service to stop.
const DefaultGracePeriod = 5 * time.Second

// Service is the scheduling service hosted by the coordinator.
type Service interface {
	// SyncTo performs the handshake with an existing center at addr.
	SyncTo(ctx context.Context, addr string) error
	// Serve handles connections on ln until ctx is cancelled.
	Serve(ctx context.Context, ln net.Listener) error
}

// listen opens the real listener after probing. Tests replace it.
var listen = net.Listen

// Options configures Run.
type Options struct {
	// CenterAddr, when set, is synced with before any listener opens.
	CenterAddr string
	// RequestedPort is where port probing starts.
	RequestedPort int
	// ListenHost is the interface to bind. Empty means all interfaces.
	ListenHost string
	// AdvertiseHost is the host printed in the readiness line. Empty means
	// the machine's hostname.
	AdvertiseHost string
	// MaxPortAttempts bounds port probing. 0 means the allocator default.
	MaxPortAttempts int
	GracePeriod     time.Duration
	// Out receives the readiness line. nil means os.Stdout.
	Out    io.Writer
	Logger *logging.Logger
}

// ReadyLine formats the readiness announcement for address host:port.
func ReadyLine(host string, port int) string {
	return fmt.Sprintf("scheduler ready at tcp://%s", net.JoinHostPort(host, strconv.Itoa(port)))
}

// Run bootstraps svc and blocks until ctx is cancelled or the service
// fails. A cancelled ctx is a clean stop and returns nil.
//
// Failures are classified for the caller: a failed center handshake
// matches errors.ErrCenterSyncFailed, failed port probing matches
// errors.ErrPortBindFailed and a failed real bind matches
// errors.ErrCoordinatorStartFailed.
func Run(ctx context.Context, svc Service, opts Options) error {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	grace := opts.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	if opts.CenterAddr != "" {
		logger.Info("syncing with center", "center", opts.CenterAddr)
		if err := svc.SyncTo(ctx, opts.CenterAddr); err != nil {
			return errors.NewSyncError(opts.CenterAddr, err)
		}
	}

	port, err := portalloc.New(opts.ListenHost, opts.MaxPortAttempts, logger).Acquire(opts.RequestedPort)
	if err != nil {
		return err
	}

	ln, err := listen("tcp", net.JoinHostPort(opts.ListenHost, strconv.Itoa(port)))
	if err != nil {
		// Another process took the port between probing and binding.
		return errors.NewLaunchError("listen failed", fmt.Errorf("%w: %w", errors.ErrCoordinatorStartFailed, err)).
			WithRole("scheduler")
	}
	port = ln.Addr().(*net.TCPAddr).Port

	host := opts.AdvertiseHost
	if host == "" {
		if host, err = os.Hostname(); err != nil {
			host = "localhost"
		}
	}

	serveCtx, stopServe := context.WithCancel(context.Background())
	defer stopServe()
	serveErr := make(chan error, 1)
	go func() { serveErr <- svc.Serve(serveCtx, ln) }()

	logger.Info("scheduler listening", "address", ln.Addr().String(), "requested_port", opts.RequestedPort, "port", port)
	if _, err := fmt.Fprintln(out, ReadyLine(host, port)); err != nil {
		logger.Warn("failed to announce readiness", "error", err)
	}

	select {
	case err := <-serveErr:
		_ = ln.Close()
		if err != nil {
			logger.Error("scheduler stopped unexpectedly", "error", err)
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("stopping scheduler", "grace_period", grace.String())
	stopServe()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case err := <-serveErr:
		if err != nil {
			logger.Warn("scheduler stopped with error", "error", err)
		}
		logger.Info("scheduler stopped")
	case <-timer.C:
		_ = ln.Close()
		logger.Warn("scheduler did not stop within grace period, closing listener", "grace_period", grace.String())
	}
	return nil
}
