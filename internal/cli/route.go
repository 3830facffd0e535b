package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gridwaydb/gridway/internal/dispatch"
	"github.com/gridwaydb/gridway/internal/document"
	"github.com/gridwaydb/gridway/internal/reduce"
	"github.com/gridwaydb/gridway/internal/router"
	"github.com/gridwaydb/gridway/internal/topology"
)

// NewRouteCommand creates the "route" subcommand: run one command against
// the cluster described by the routing table.
func NewRouteCommand(opts *RootOptions) *cobra.Command {
	var options int32

	cmd := &cobra.Command{
		Use:   "route <db> <command-name> <command-json>",
		Short: "Route a command to its shards and print the merged result",
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

			outcome := r.Run(cmd.Context(), args[1], args[0], body, options)
			return printOutcome(cmd, opts, outcome)
		},
	}

	cmd.Flags().Int32Var(&options, "options", 0, "query option bitmask forwarded to shards")
	return cmd
}

// buildRouter loads the routing table and wires the HTTP dispatcher.
func buildRouter(opts *RootOptions) (*router.Router, error) {
	cat, err := topology.LoadFile(opts.TopologyPath)
	if err != nil {
		return nil, err
	}
	return router.New(cat, dispatch.NewHTTP(nil)), nil
}

// printOutcome renders an outcome in the selected format. Stale-topology
// outcomes exit nonzero so a wrapping script can refresh and retry.
func printOutcome(cmd *cobra.Command, opts *RootOptions, outcome router.Outcome) error {
	switch outcome.Status {
	case router.StatusStaleTopology:
		return fmt.Errorf("stale topology, refresh the routing table and retry: %v", outcome.Err)
	case router.StatusError:
		return outcome.Err
	}
	return printResult(cmd, opts, outcome.Result)
}

func printResult(cmd *cobra.Command, opts *RootOptions, result reduce.Result) error {
	if opts.Format == "text" {
		if !result.OK {
			fmt.Fprintf(cmd.OutOrStdout(), "FAILED (%d): %s\n", result.Code, result.ErrMsg)
		}
		for field, value := range result.Body {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", field, value)
		}
		return nil
	}

	out := result.Body.Clone()
	if out == nil {
		out = document.Doc{}
	}
	if result.OK {
		out["ok"] = 1.0
	} else {
		out["ok"] = 0.0
		if result.ErrMsg != "" {
			out["errmsg"] = result.ErrMsg
		}
		if result.Code != 0 {
			out["code"] = result.Code
		}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any(out))
}
