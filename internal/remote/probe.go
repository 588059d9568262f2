package remote

import (
	"fmt"

	"github.com/gobwas/glob"
)

// DefaultReadyPattern matches any line mentioning readiness.
const DefaultReadyPattern = "*ready*"

// ReadinessProbe decides whether an output line means the process is ready.
type ReadinessProbe interface {
	Ready(line string) bool
}

// ProbeFunc adapts a function to ReadinessProbe.
type ProbeFunc func(line string) bool

func (f ProbeFunc) Ready(line string) bool { return f(line) }

// GlobProbe matches lines against a glob pattern.
type GlobProbe struct {
	pattern string
	g       glob.Glob
}

// NewGlobProbe compiles pattern. An empty pattern uses DefaultReadyPattern.
func NewGlobProbe(pattern string) (*GlobProbe, error) {
	if pattern == "" {
		pattern = DefaultReadyPattern
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid ready pattern %q: %w", pattern, err)
	}
	return &GlobProbe{pattern: pattern, g: g}, nil
}

func (p *GlobProbe) Ready(line string) bool { return p.g.Match(line) }

func (p *GlobProbe) String() string { return p.pattern }
