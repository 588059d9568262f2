// Package portalloc finds a free local TCP port for the coordinator.
//
// Probing is inherently racy: the port is released as soon as it is found
// free, and the later real bind is authoritative.
package portalloc

import (
	"fmt"
	"net"
	"strconv"
	"syscall"

	"github.com/Iron-Ham/dcluster/internal/errors"
	"github.com/Iron-Ham/dcluster/internal/logging"
)

// DefaultMaxAttempts bounds the number of consecutive ports probed.
const DefaultMaxAttempts = 1000

const maxPort = 65535

// Allocator probes ports upward from a preferred port.
type Allocator struct {
	// Host is the interface to probe. Empty means all interfaces.
	Host string
	// MaxAttempts bounds the probe. Zero means DefaultMaxAttempts.
	MaxAttempts int

	logger *logging.Logger
	listen func(network, address string) (net.Listener, error)
}

// New creates an Allocator. A nil logger discards output.
func New(host string, maxAttempts int, logger *logging.Logger) *Allocator {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Allocator{
		Host:        host,
		MaxAttempts: maxAttempts,
		logger:      logger,
		listen:      net.Listen,
	}
}

// Acquire returns the first port >= preferred that can be bound.
//
// Only "address in use" moves the probe to the next port. Any other bind
// error (e.g. permission denied) is returned immediately as a PortError.
// Port 0 asks the OS for an ephemeral port.
func (a *Allocator) Acquire(preferred int) (int, error) {
	if preferred < 0 || preferred > maxPort {
		return 0, errors.NewPortError(preferred, 0, fmt.Errorf("%w: port out of range", errors.ErrInvalidInput))
	}

	attempts := a.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}

	var lastErr error
	port := preferred
	tried := 0
	for ; tried < attempts && port <= maxPort; tried++ {
		ln, err := a.listen("tcp", net.JoinHostPort(a.Host, strconv.Itoa(port)))
		if err == nil {
			bound := ln.Addr().(*net.TCPAddr).Port
			_ = ln.Close()
			if bound != preferred {
				a.logger.Debug("preferred port busy, using next free port",
					"preferred", preferred, "port", bound, "attempts", tried+1)
			}
			return bound, nil
		}
		if !IsAddrInUse(err) {
			return 0, errors.NewPortError(port, tried+1, err)
		}
		lastErr = err
		port++
	}

	return 0, errors.NewPortError(preferred, tried, lastErr)
}

// Acquire probes with default settings on all interfaces.
func Acquire(preferred int) (int, error) {
	return New("", DefaultMaxAttempts, nil).Acquire(preferred)
}

// IsAddrInUse reports whether err is a bind failure caused by the address
// already being in use.
func IsAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}
