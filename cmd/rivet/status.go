package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/danshapiro/rivet/internal/rivet/runstate"
)

func newStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status <run-dir>",
		Short: "Show the state of a run from its bookkeeping directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := runstate.LoadSnapshot(args[0])
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}
			printSnapshot(cmd.OutOrStdout(), snap)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the snapshot as JSON")
	return cmd
}

func printSnapshot(w io.Writer, s *runstate.Snapshot) {
	fmt.Fprintf(w, "state=%s\n", s.State)
	fmt.Fprintf(w, "logs_root=%s\n", s.LogsRoot)
	writeIf(w, "run_id", s.RunID)
	writeIf(w, "url", s.URL)
	writeIf(w, "last_status", s.LastStatus)
	writeIf(w, "current_node", s.CurrentNode)
	writeIf(w, "last_event", s.LastEvent)
	if !s.LastEventAt.IsZero() {
		fmt.Fprintf(w, "last_event_at=%s\n", s.LastEventAt.Format(time.RFC3339))
	}
	writeIf(w, "failure_reason", s.FailureReason)
	writeIf(w, "fault_category", s.FaultCategory)
	fmt.Fprintf(w, "artifact_retries=%d\n", s.ArtifactRetries)
	fmt.Fprintf(w, "test_retries=%d\n", s.TestRetries)
	writeIf(w, "output_dir", s.OutputDir)
	if s.PID > 0 {
		fmt.Fprintf(w, "pid=%d\n", s.PID)
		fmt.Fprintf(w, "pid_alive=%t\n", s.PIDAlive)
	}
}

func writeIf(w io.Writer, key, val string) {
	if val != "" {
		fmt.Fprintf(w, "%s=%s\n", key, val)
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
