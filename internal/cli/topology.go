package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gridwaydb/gridway/internal/topology"
)

// NewTopologyCommand creates the "topology" subcommand: validate a routing
// table file and list the shards it declares.
func NewTopologyCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "topology",
		Short: "Validate the routing table and list its shards",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := topology.LoadFile(opts.TopologyPath)
			if err != nil {
				return err
			}
			shards, err := cat.AllShards()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d shard(s)\n", len(shards))
			for _, s := range shards {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\t%s\n", s.ID, s.Addr)
			}
			return nil
		},
	}
}
