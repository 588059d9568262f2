// Package display renders operator-facing output: the launch banner,
// relayed process lines and shutdown progress. Colors are used only when
// the output is a terminal, so the stream stays pipeable.
package display

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/Iron-Ham/dcluster/internal/hostplan"
	"github.com/Iron-Ham/dcluster/internal/remote"
)

const defaultWidth = 60

// Console writes operator output. Methods are safe for concurrent use.
type Console struct {
	mu     sync.Mutex
	out    io.Writer
	width  int
	styles styles
	hosts  map[string]int
}

// New creates a Console writing to w. Colors follow the terminal
// capabilities of w.
func New(w io.Writer) *Console {
	r := lipgloss.NewRenderer(w)
	return &Console{
		out:    w,
		width:  terminalWidth(w),
		styles: newStyles(r),
		hosts:  make(map[string]int),
	}
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func terminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return defaultWidth
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		return defaultWidth
	}
	return min(width, 100)
}

func (c *Console) println(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintln(c.out, s)
}

// Banner prints the coordinator address and the enumerated worker hosts.
func (c *Console) Banner(plan *hostplan.LaunchPlan, coordinatorAddr string) {
	var sb strings.Builder
	rule := c.styles.label.Render(strings.Repeat("─", c.width))

	sb.WriteString(rule + "\n")
	sb.WriteString(c.styles.title.Render("dcluster") + "\n")
	sb.WriteString(fmt.Sprintf("%s %s\n", c.styles.label.Render("coordinator:"), coordinatorAddr))
	sb.WriteString(fmt.Sprintf("%s %d on %d host(s)\n",
		c.styles.label.Render("workers:    "), len(plan.Workers), len(plan.Hosts())))
	for i, host := range plan.Hosts() {
		n := 0
		for _, w := range plan.Workers {
			if w.Host == host {
				n++
			}
		}
		sb.WriteString(fmt.Sprintf("  %2d. %s %s\n", i+1, c.hostStyle(host).Render(host),
			c.styles.muted.Render(fmt.Sprintf("(%d process(es))", n))))
	}
	sb.WriteString(rule)
	c.println(sb.String())
}

// Line prints one relayed output line with a [role host#idx] prefix.
func (c *Console) Line(l remote.Line) {
	prefix := Prefix(l)
	style := c.styles.coordinator
	if l.Role != remote.RoleCoordinator {
		style = c.hostStyle(l.Host)
	}
	text := l.Text
	if l.Stream == remote.StreamStderr {
		text = c.styles.warning.Render(text)
	}
	c.println(style.Render(prefix) + " " + text)
}

// Prefix returns the [role host#idx] label for l.
func Prefix(l remote.Line) string {
	label := l.Host
	if _, after, ok := strings.Cut(l.HandleID, "@"); ok && after != "" {
		label = after
	}
	return fmt.Sprintf("[%s %s]", l.Role, label)
}

// Progress prints a status message.
func (c *Console) Progress(format string, args ...any) {
	c.println(c.styles.progress.Render("==> ") + fmt.Sprintf(format, args...))
}

// Warn prints a non-fatal problem.
func (c *Console) Warn(format string, args ...any) {
	c.println(c.styles.warning.Render("warning: ") + fmt.Sprintf(format, args...))
}

// Error prints a fatal error.
func (c *Console) Error(err error) {
	if err == nil {
		return
	}
	c.println(c.styles.err.Render("error: ") + err.Error())
}

// Tail prints the last output lines of a process.
func (c *Console) Tail(handleID string, lines []string) {
	if len(lines) == 0 {
		return
	}
	var sb strings.Builder
	sb.WriteString(c.styles.label.Render(fmt.Sprintf("last %d line(s) from %s:", len(lines), handleID)))
	for _, l := range lines {
		sb.WriteString("\n  ")
		sb.WriteString(c.styles.muted.Render(l))
	}
	c.println(sb.String())
}

func (c *Console) hostStyle(host string) lipgloss.Style {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.hosts[host]
	if !ok {
		idx = len(c.hosts)
		c.hosts[host] = idx
	}
	return c.styles.hosts[idx%len(c.styles.hosts)]
}
