package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/dcluster/internal/session"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage launch sessions",
	Long: `List every recorded launch session with its creation time, worker
layout and whether a launch is still supervising it.`,
	Args: cobra.NoArgs,
	RunE: runSessionsList,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List launch sessions",
	Args:  cobra.NoArgs,
	RunE:  runSessionsList,
}

var sessionsCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Clean up stale session data",
	Long: `Clean up locks left by launches that died without releasing them.

Use --session to remove one finished session, or --all to remove every
finished session. Sessions still held by a running launch are kept.`,
	Args: cobra.NoArgs,
	RunE: runSessionsClean,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsCleanCmd)

	sessionsCleanCmd.Flags().Bool("all", false, "Remove all finished sessions")
	sessionsCleanCmd.Flags().String("session", "", "Remove a specific session by ID")
}

func runSessionsList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	sessions, err := session.List(cfg.Session.Dir)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions found.")
		fmt.Fprintln(out, "Run 'dcluster launch <hosts...>' to start one.")
		return nil
	}

	fmt.Fprintf(out, "Found %d session(s):\n\n", len(sessions))
	for _, s := range sessions {
		status := "finished"
		if s.IsActive {
			status = fmt.Sprintf("RUNNING (PID %d on %s)", s.LockInfo.PID, s.LockInfo.Hostname)
		}
		fmt.Fprintf(out, "  Session: %s\n", s.ID)
		fmt.Fprintf(out, "    Created: %s\n", s.Created.Format(time.RFC822))
		fmt.Fprintf(out, "    Workers: %d on %s\n", s.Workers, strings.Join(s.Hosts, ", "))
		fmt.Fprintf(out, "    Status:  %s\n\n", status)
	}
	fmt.Fprintln(out, "To view a session's log: dcluster logs -s <session-id>")
	return nil
}

func runSessionsClean(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	base := cfg.Session.Dir

	cleaned, err := session.CleanupStaleLocks(base)
	if err != nil {
		fmt.Fprintf(out, "Warning: failed to clean stale locks: %v\n", err)
	}
	if len(cleaned) > 0 {
		fmt.Fprintf(out, "Cleaned %d stale lock(s)\n", len(cleaned))
		for _, id := range cleaned {
			fmt.Fprintf(out, "  - %s\n", id)
		}
	}

	removed := 0
	if id, _ := cmd.Flags().GetString("session"); id != "" {
		if err := session.Remove(base, id); err != nil {
			return fmt.Errorf("failed to remove session %s: %w", id, err)
		}
		fmt.Fprintf(out, "Removed session: %s\n", id)
		removed++
	}

	if all, _ := cmd.Flags().GetBool("all"); all {
		sessions, err := session.List(base)
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}
		for _, s := range sessions {
			if s.IsActive {
				fmt.Fprintf(out, "Skipping running session: %s\n", s.ID)
				continue
			}
			if err := session.Remove(base, s.ID); err != nil {
				fmt.Fprintf(out, "Warning: failed to remove %s: %v\n", s.ID, err)
				continue
			}
			removed++
		}
		fmt.Fprintf(out, "Removed %d session(s)\n", removed)
	}

	if len(cleaned) == 0 && removed == 0 {
		fmt.Fprintln(out, "No stale resources to clean")
	}
	return nil
}
