package main

import (
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/danshapiro/rivet/internal/observability"
	"github.com/danshapiro/rivet/internal/rivet/engine"
)

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "rivet",
		Short: "Generate, test and repair Python API clients from OpenAPI specs",
		Long: `rivet turns an OpenAPI/Swagger document into a Python client and a
pytest suite, runs the suite in a disposable container and feeds
classified failures back to the model until the suite passes or a
retry ceiling is reached.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "run config file (.yaml or .json)")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newGenerateCmd(opts),
		newBatchCmd(opts),
		newStatusCmd(),
		newHistoryCmd(opts),
		newValidateCmd(),
		newClassifyCmd(),
	)
	return root
}

// loadConfig reads --config, or returns the defaults when it is unset.
func (o *rootOptions) loadConfig() (*engine.RunConfigFile, error) {
	if strings.TrimSpace(o.configPath) == "" {
		return engine.DefaultRunConfig(), nil
	}
	return engine.LoadRunConfigFile(o.configPath)
}

func (o *rootOptions) logger(cfg *engine.RunConfigFile, w io.Writer) *slog.Logger {
	level := cfg.Telemetry.LogLevel
	if o.verbose {
		level = "debug"
	}
	return observability.NewLogger("cli", observability.LogConfig{
		Level:  level,
		Format: cfg.Telemetry.LogFormat,
		Output: w,
	})
}
