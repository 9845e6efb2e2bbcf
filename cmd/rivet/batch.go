package main

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/danshapiro/rivet/internal/rivet/engine"
	"github.com/danshapiro/rivet/internal/rivet/ingest"
	"github.com/danshapiro/rivet/internal/rivet/runtime"
)

type batchOptions struct {
	generateOptions
	parallel int
}

func newBatchCmd(root *rootOptions) *cobra.Command {
	o := &batchOptions{}
	cmd := &cobra.Command{
		Use:   "batch <spec-url>...",
		Short: "Generate clients for several specs concurrently",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd, root, o, args)
		},
	}
	o.addFlags(cmd)
	cmd.Flags().Lookup("output").Usage = "parent directory; each spec gets its own subdirectory"
	cmd.Flags().IntVarP(&o.parallel, "parallel", "p", 2, "runs in flight at once")
	return cmd
}

func runBatch(cmd *cobra.Command, root *rootOptions, o *batchOptions, urls []string) error {
	for _, u := range urls {
		if err := ingest.CheckURL(u); err != nil {
			return err
		}
	}
	if o.parallel <= 0 {
		return fmt.Errorf("--parallel must be a positive integer")
	}
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}

	runs := make([]engine.RunOptions, len(urls))
	for i, u := range urls {
		ropts := o.runOptions(cmd, cfg, u)
		if *ropts.MaxArtifactRetries < 0 || *ropts.MaxTestRetries < 0 {
			return fmt.Errorf("retry ceilings must be >= 0")
		}
		ropts.OutputDir = filepath.Join(ropts.OutputDir, batchDirName(i, u))
		runs[i] = ropts
	}

	logger := root.logger(cfg, cmd.ErrOrStderr())
	eng, closeEngine, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer closeEngine()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	results, err := eng.RunBatch(ctx, runs, o.parallel)
	if err != nil {
		return err
	}
	if failed := printBatch(cmd.OutOrStdout(), results); failed > 0 {
		return &exitError{code: 1, msg: fmt.Sprintf("%d of %d runs failed", failed, len(results))}
	}
	return nil
}

// printBatch writes one row per run and returns how many did not succeed.
func printBatch(w io.Writer, results []engine.BatchResult) int {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "URL\tSTATUS\tRUN ID\tOUTPUT\tREASON")
	failed := 0
	for _, r := range results {
		status, runID, reason := string(runtime.FinalFail), "", ""
		if r.Result != nil {
			status, runID = string(r.Result.FinalStatus), r.Result.RunID
			if r.Result.Final != nil {
				reason = firstLine(r.Result.Final.FailureReason)
			}
		}
		if r.Err != nil {
			status, reason = string(runtime.FinalFail), firstLine(r.Err.Error())
		}
		if status != string(runtime.FinalSuccess) {
			failed++
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Options.URL, status, runID, r.Options.OutputDir, reason)
	}
	_ = tw.Flush()
	return failed
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// batchDirName names the output subdirectory of the i-th spec after its
// host, or its file name for local specs.
func batchDirName(i int, raw string) string {
	name := ""
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		name = u.Hostname()
	} else {
		base := filepath.Base(raw)
		name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	name = strings.Trim(unsafeNameChars.ReplaceAllString(name, "-"), "-.")
	if name == "" {
		name = "spec"
	}
	return fmt.Sprintf("%02d-%s", i+1, name)
}
