package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/danshapiro/rivet/internal/rivet/engine"
	"github.com/danshapiro/rivet/internal/rivet/ingest"
	"github.com/danshapiro/rivet/internal/rivet/runtime"
)

type generateOptions struct {
	requirement        string
	output             string
	runsRoot           string
	runID              string
	maxArtifactRetries int
	maxTestRetries     int
}

func newGenerateCmd(root *rootOptions) *cobra.Command {
	o := &generateOptions{}
	cmd := &cobra.Command{
		Use:   "generate <spec-url>",
		Short: "Generate a tested Python client for one OpenAPI spec",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerate(cmd, root, o, args[0])
		},
	}
	o.addFlags(cmd)
	cmd.Flags().StringVar(&o.runID, "run-id", "", "run id (default: new ULID)")
	return cmd
}

// addFlags registers the flags shared by generate and batch.
func (o *generateOptions) addFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&o.requirement, "req", "", `what the client must do ("full_sdk" keeps the whole spec)`)
	f.StringVarP(&o.output, "output", "o", "", "directory for client.py, test_client.py and logs.txt")
	f.StringVar(&o.runsRoot, "runs-root", "", "parent directory for run bookkeeping")
	f.IntVar(&o.maxArtifactRetries, "max-artifact-retries", engine.DefaultMaxArtifactRetries, "client fix ceiling")
	f.IntVar(&o.maxTestRetries, "max-test-retries", engine.DefaultMaxTestRetries, "test fix ceiling")
}

// runOptions merges config values with the flags the user set explicitly.
func (o *generateOptions) runOptions(cmd *cobra.Command, cfg *engine.RunConfigFile, url string) engine.RunOptions {
	art, tests := cfg.MaxArtifactRetries(), cfg.MaxTestRetries()
	ropts := engine.RunOptions{
		RunID:              o.runID,
		URL:                url,
		Requirement:        o.requirement,
		OutputDir:          cfg.Output.Dir,
		RunsRoot:           cfg.Output.RunsRoot,
		MaxArtifactRetries: &art,
		MaxTestRetries:     &tests,
	}
	flags := cmd.Flags()
	if flags.Changed("output") {
		ropts.OutputDir = o.output
	}
	if flags.Changed("runs-root") {
		ropts.RunsRoot = o.runsRoot
	}
	if flags.Changed("max-artifact-retries") {
		ropts.MaxArtifactRetries = &o.maxArtifactRetries
	}
	if flags.Changed("max-test-retries") {
		ropts.MaxTestRetries = &o.maxTestRetries
	}
	return ropts
}

func runGenerate(cmd *cobra.Command, root *rootOptions, o *generateOptions, url string) error {
	if err := ingest.CheckURL(url); err != nil {
		return err
	}
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}
	ropts := o.runOptions(cmd, cfg, url)
	if *ropts.MaxArtifactRetries < 0 || *ropts.MaxTestRetries < 0 {
		return fmt.Errorf("retry ceilings must be >= 0")
	}

	logger := root.logger(cfg, cmd.ErrOrStderr())
	eng, closeEngine, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer closeEngine()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := eng.Run(ctx, ropts)
	if res != nil {
		printResult(cmd.OutOrStdout(), res)
	}
	if err != nil {
		return err
	}
	if res.FinalStatus != runtime.FinalSuccess {
		return &exitError{code: 1}
	}
	return nil
}

// printResult writes one key=value line per field.
func printResult(w io.Writer, res *engine.Result) {
	fmt.Fprintf(w, "run_id=%s\n", res.RunID)
	fmt.Fprintf(w, "logs_root=%s\n", res.LogsRoot)
	fmt.Fprintf(w, "output_dir=%s\n", res.OutputDir)
	fmt.Fprintf(w, "final_status=%s\n", res.FinalStatus)
	fmt.Fprintf(w, "steps=%d\n", res.Steps)
	if res.Final != nil {
		fmt.Fprintf(w, "artifact_retries=%d\n", res.Final.ArtifactRetries)
		fmt.Fprintf(w, "test_retries=%d\n", res.Final.TestRetries)
		if res.Final.FailureReason != "" {
			fmt.Fprintf(w, "failure_reason=%s\n", firstLine(res.Final.FailureReason))
		}
		if res.Final.FaultCategory != "" {
			fmt.Fprintf(w, "fault_category=%s\n", res.Final.FaultCategory)
		}
	}
	for _, key := range res.Published {
		fmt.Fprintf(w, "published=%s\n", key)
	}
	for _, warn := range res.Warnings {
		fmt.Fprintf(w, "warning=%s\n", firstLine(warn))
	}
}
