package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/danshapiro/rivet/internal/history"
)

func newHistoryCmd(root *rootOptions) *cobra.Command {
	var limit int
	var dbPath string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be a positive integer")
			}
			path := dbPath
			if path == "" {
				cfg, err := root.loadConfig()
				if err != nil {
					return err
				}
				if cfg.History.Disabled {
					return fmt.Errorf("run history is disabled in %s", root.configPath)
				}
				path = historyPath(cfg)
			}
			store, err := history.Open(path)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			runs, err := store.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			printHistory(cmd.OutOrStdout(), runs)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum runs to list")
	cmd.Flags().StringVar(&dbPath, "db", "", "history database (default: history.db_path or the state dir)")
	return cmd
}

func printHistory(w io.Writer, runs []history.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "no runs recorded")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tSTATUS\tSTARTED\tDURATION\tRETRIES\tFAULT\tURL")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			r.RunID, r.Status, r.StartedAt.Format(time.RFC3339), r.Duration.Round(time.Millisecond),
			r.ArtifactRetries, r.TestRetries, dash(r.FaultCategory), r.URL)
	}
	_ = tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
