package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gridwaydb/gridway/internal/document"
)

// NewExplainCommand creates the "explain" subcommand: run a command in
// explain mode and print the execution-plan report.
func NewExplainCommand(opts *RootOptions) *cobra.Command {
	var verbosity string

	cmd := &cobra.Command{
		Use:   "explain <db> <command-name> <command-json>",
		Short: "Report per-shard timing and plans instead of the real result",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := buildRouter(opts)
			if err != nil {
				return err
			}

			body, err := document.Decode([]byte(args[2]))
			if err != nil {
				return fmt.Errorf("parse command body: %w", err)
			}

			outcome := r.Explain(cmd.Context(), args[1], args[0], body, verbosity)
			return printOutcome(cmd, opts, outcome)
		},
	}

	cmd.Flags().StringVar(&verbosity, "verbosity", "queryPlanner", "explain verbosity level")
	return cmd
}
