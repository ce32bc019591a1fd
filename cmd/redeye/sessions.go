package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/redeyes-project/redeye/internal/session"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect recorded sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		metas, err := session.ListSessions(cfg.Session.LogDir)
		if err != nil {
			return err
		}
		if len(metas) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no sessions recorded")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTARTED\tSTATUS\tPHASE\tOBJECTIVE")
		for _, meta := range metas {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				meta.ID,
				meta.StartedAt.Format(time.RFC3339),
				meta.Status,
				meta.Phase,
				meta.Objective)
		}
		return w.Flush()
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-dir>",
	Short: "Replay the event log of one session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dir := args[0]
		if !strings.ContainsRune(dir, filepath.Separator) {
			dir = filepath.Join(cfg.Session.LogDir, dir)
		}
		meta, err := session.ReadMeta(dir)
		if err != nil {
			return fmt.Errorf("read session: %w", err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "session %s (%s)\n", meta.ID, meta.Status)
		fmt.Fprintf(out, "objective: %s\n", meta.Objective)
		fmt.Fprintf(out, "phase: %s\n\n", meta.Phase)

		events, err := session.ReadEvents(dir)
		if err != nil {
			return fmt.Errorf("read events: %w", err)
		}
		for _, event := range events {
			fmt.Fprintf(out, "%4d  %s  %-12s  %s\n",
				event.Seq,
				event.Timestamp.Format("15:04:05"),
				event.Type,
				string(event.Payload))
		}
		return nil
	},
}

func init() {
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	rootCmd.AddCommand(sessionCmd)
}
