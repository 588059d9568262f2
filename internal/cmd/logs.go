package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/dcluster/internal/errors"
	"github.com/Iron-Ham/dcluster/internal/logging"
	"github.com/Iron-Ham/dcluster/internal/session"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View session logs",
	Long: `View and filter the debug log of a launch session.

By default, shows logs from the most recent session.

Examples:
  # Show last 50 lines from most recent session
  dcluster logs

  # Show all logs from a specific session
  dcluster logs -s 20261018-150405-a1b2c3 -n 0

  # Follow logs in real-time
  dcluster logs -f

  # Only warnings and errors about one host
  dcluster logs --level warn --host node-2

  # Export the last hour as CSV
  dcluster logs --since 1h --export out.csv --format csv`,
	Args: cobra.NoArgs,
	RunE: runLogs,
}

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().StringP("session", "s", "", "Session ID (default: most recent)")
	logsCmd.Flags().IntP("tail", "n", 50, "Number of lines to show (0 for all)")
	logsCmd.Flags().BoolP("follow", "f", false, "Follow log output (like tail -f)")
	logsCmd.Flags().String("level", "", "Filter by minimum level (debug/info/warn/error)")
	logsCmd.Flags().String("since", "", "Show logs since duration ago (e.g., 1h, 30m)")
	logsCmd.Flags().String("host", "", "Only entries about this host")
	logsCmd.Flags().String("role", "", "Only entries about this role (coordinator/worker)")
	logsCmd.Flags().String("handle", "", "Only entries about this handle")
	logsCmd.Flags().String("grep", "", "Filter logs matching pattern (regex)")
	logsCmd.Flags().String("export", "", "Write matching entries to this file instead of the terminal")
	logsCmd.Flags().String("format", "text", "Export format (json/text/csv)")
}

// logsQuery is the parsed form of the logs flags.
type logsQuery struct {
	filter logging.LogFilter
	grep   *regexp.Regexp
}

func (q logsQuery) match(e logging.LogEntry) bool {
	if !q.filter.Match(e) {
		return false
	}
	if q.grep == nil {
		return true
	}
	return q.grep.MatchString(logging.FormatText(e))
}

func parseLogsQuery(cmd *cobra.Command, now time.Time) (logsQuery, error) {
	var q logsQuery
	flags := cmd.Flags()

	if level, _ := flags.GetString("level"); level != "" {
		q.filter.Level = logging.ParseLevel(level)
	}
	if since, _ := flags.GetString("since"); since != "" {
		d, err := time.ParseDuration(since)
		if err != nil {
			return q, fmt.Errorf("%w: invalid duration format: %w", errors.ErrInvalidInput, err)
		}
		q.filter.Since = now.Add(-d)
	}
	q.filter.Host, _ = flags.GetString("host")
	q.filter.Role, _ = flags.GetString("role")
	q.filter.HandleID, _ = flags.GetString("handle")
	if pattern, _ := flags.GetString("grep"); pattern != "" {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return q, fmt.Errorf("%w: invalid grep pattern: %w", errors.ErrInvalidInput, err)
		}
		q.grep = re
	}
	return q, nil
}

func runLogs(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	sessionID, _ := cmd.Flags().GetString("session")
	if sessionID == "" {
		latest, err := session.Latest(cfg.Session.Dir)
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}
		if latest == nil {
			fmt.Fprintln(out, "No sessions found.")
			return nil
		}
		sessionID = latest.ID
	}

	sessionDir := session.GetSessionDir(cfg.Session.Dir, sessionID)
	logPath := filepath.Join(sessionDir, logging.LogFileName)
	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		fmt.Fprintf(out, "No logs found for session %s\n", sessionID)
		fmt.Fprintln(out, "Logs are stored at:", logPath)
		return nil
	}

	q, err := parseLogsQuery(cmd, time.Now())
	if err != nil {
		return err
	}
	render := levelRenderer(out)

	if follow, _ := cmd.Flags().GetBool("follow"); follow {
		fmt.Fprintf(out, "Following %s... (Ctrl+C to stop)\n\n", logPath)
		return followLogs(cmd.Context(), out, logPath, q, render)
	}

	entries, err := logging.AggregateLogs(sessionDir)
	if err != nil {
		return err
	}
	var matched []logging.LogEntry
	for _, e := range entries {
		if q.match(e) {
			matched = append(matched, e)
		}
	}

	if path, _ := cmd.Flags().GetString("export"); path != "" {
		format, _ := cmd.Flags().GetString("format")
		return exportLogs(path, matched, format)
	}

	if tail, _ := cmd.Flags().GetInt("tail"); tail > 0 && len(matched) > tail {
		matched = matched[len(matched)-tail:]
	}
	if len(matched) == 0 {
		fmt.Fprintln(out, "No matching log entries found.")
		return nil
	}
	for _, e := range matched {
		fmt.Fprintln(out, render(e))
	}
	return nil
}

func exportLogs(path string, entries []logging.LogEntry, format string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}
	if err := logging.ExportLogEntries(f, entries, format); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// levelRenderer formats entries with the level colored when out is a
// terminal.
func levelRenderer(out io.Writer) func(logging.LogEntry) string {
	r := lipgloss.NewRenderer(out)
	colors := map[string]lipgloss.Style{
		logging.LevelDebug: r.NewStyle().Foreground(lipgloss.Color("#9CA3AF")),
		logging.LevelInfo:  r.NewStyle().Foreground(lipgloss.Color("#60A5FA")),
		logging.LevelWarn:  r.NewStyle().Foreground(lipgloss.Color("#F59E0B")),
		logging.LevelError: r.NewStyle().Foreground(lipgloss.Color("#F87171")).Bold(true),
	}
	return func(e logging.LogEntry) string {
		line := logging.FormatText(e)
		style, ok := colors[strings.ToUpper(e.Level)]
		if !ok {
			return line
		}
		return strings.Replace(line, " "+e.Level+" ", " "+style.Render(e.Level)+" ", 1)
	}
}

// followLogs prints entries appended to logPath until ctx is done. The
// file is reopened when rotation replaces it.
func followLogs(ctx context.Context, out io.Writer, logPath string, q logsQuery, render func(logging.LogEntry) string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	// Watch the directory: rotation renames the file away.
	if err := watcher.Add(filepath.Dir(logPath)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(logPath), err)
	}

	t := &logTailer{path: logPath, out: out, query: q, render: render}
	if err := t.open(true); err != nil {
		return err
	}
	defer t.close()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(logPath) {
				continue
			}
			switch {
			case ev.Op&fsnotify.Create != 0:
				t.drain()
				if err := t.open(false); err != nil {
					return err
				}
				t.drain()
			case ev.Op&fsnotify.Write != 0:
				t.drain()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(out, "watch error: %v\n", err)
		}
	}
}

// logTailer reads complete lines appended to a log file.
type logTailer struct {
	path    string
	out     io.Writer
	query   logsQuery
	render  func(logging.LogEntry) string
	file    *os.File
	reader  *bufio.Reader
	partial string
}

func (t *logTailer) open(atEnd bool) error {
	t.close()
	f, err := os.Open(t.path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	if atEnd {
		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			_ = f.Close()
			return fmt.Errorf("failed to seek to end: %w", err)
		}
	}
	t.file = f
	t.reader = bufio.NewReader(f)
	t.partial = ""
	return nil
}

func (t *logTailer) close() {
	if t.file != nil {
		_ = t.file.Close()
		t.file = nil
	}
}

func (t *logTailer) drain() {
	if t.reader == nil {
		return
	}
	for {
		chunk, err := t.reader.ReadString('\n')
		if err != nil {
			// Keep the incomplete line until the rest is written.
			t.partial += chunk
			return
		}
		line := strings.TrimSpace(t.partial + chunk)
		t.partial = ""
		if line == "" {
			continue
		}
		entry, perr := logging.ParseEntry(line)
		if perr != nil {
			fmt.Fprintln(t.out, line)
			continue
		}
		if t.query.match(entry) {
			fmt.Fprintln(t.out, t.render(entry))
		}
	}
}
