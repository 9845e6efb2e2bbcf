package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/danshapiro/rivet/internal/rivet/fault"
	"github.com/danshapiro/rivet/internal/rivet/validate"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file.py>",
		Short: "Statically check a generated client without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			res := validate.Python(cmd.Context(), string(src))
			out := cmd.OutOrStdout()
			for _, w := range res.Warnings {
				fmt.Fprintf(out, "warning: %s\n", w)
			}
			if res.Valid {
				fmt.Fprintln(out, "valid")
				return nil
			}
			if res.Fault != nil {
				fmt.Fprintf(out, "invalid: %s (%s)\n", res.Message, res.Fault.Category)
				if res.Fault.Line > 0 {
					fmt.Fprintf(out, "line: %d\n", res.Fault.Line)
				}
			} else {
				fmt.Fprintf(out, "invalid: %s\n", res.Message)
			}
			return &exitError{code: 1}
		},
	}
}

func newClassifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify <log-file>",
		Short: `Classify a sandbox log ("-" reads stdin)`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var b []byte
			var err error
			if args[0] == "-" {
				b, err = io.ReadAll(cmd.InOrStdin())
			} else {
				b, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}
			rec := fault.Classify(string(b))
			if rec == nil {
				return &exitError{code: 1, msg: "log is empty"}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		},
	}
}
