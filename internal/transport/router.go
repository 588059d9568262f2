package transport

import (
	"context"
	"fmt"
	"strings"
)

// Router sends commands for local hosts to Local and everything else to
// Remote.
type Router struct {
	Local      Transport
	Remote     Transport
	LocalHosts []string
}

// IsLocal reports whether host names this machine.
func (r *Router) IsLocal(host string) bool {
	for _, h := range r.LocalHosts {
		if strings.EqualFold(h, host) {
			return true
		}
	}
	return false
}

// Execute implements Transport.
func (r *Router) Execute(ctx context.Context, host, command string) (Channel, error) {
	if r.IsLocal(host) {
		return r.Local.Execute(ctx, host, command)
	}
	if r.Remote == nil {
		return nil, fmt.Errorf("no remote transport configured for host %s", host)
	}
	return r.Remote.Execute(ctx, host, command)
}
