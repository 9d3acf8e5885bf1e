package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/birdayz/dagstream/internal/config"
	"github.com/birdayz/dagstream/internal/pipeline"
)

func newCmdValidate(o *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config and print the nodes it resolves to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(o.configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %d sources, %d endpoints\n", cfg.AppName, len(cfg.Sources), len(cfg.Endpoints))
			for _, id := range pipeline.NodeIDs(cfg) {
				fmt.Fprintf(out, "  %s\n", id)
			}
			return nil
		},
	}
}
