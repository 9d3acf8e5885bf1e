package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/birdayz/dagstream/internal/config"
	"github.com/birdayz/dagstream/internal/pipeline"
	"github.com/birdayz/dagstream/kcheckpoint"
)

var errResetNotConfirmed = errors.New("reset deletes all checkpoints and caches; pass --yes to confirm")

func newCmdCheckpoint(o *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect or reset the checkpoint store",
	}
	cmd.AddCommand(newCmdCheckpointInspect(o), newCmdCheckpointReset(o))
	return cmd
}

func newCmdCheckpointInspect(o *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Print committed epochs and the latest checkpoint of every node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(o.configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := pipeline.OpenStore(ctx, cfg, logr.Discard())
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			last, ok, err := store.LastCommittedEpoch(ctx)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(out, "no committed epoch")
				return nil
			}
			epochs, err := store.CommittedEpochs(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "last committed epoch: %d\nretained epochs: %v\n", last, epochs)

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NODE\tEPOCH\tSTATE\tOFFSET\tCREATED")
			for _, id := range pipeline.NodeIDs(cfg) {
				cp, err := store.Latest(ctx, id)
				if errors.Is(err, kcheckpoint.ErrNotFound) {
					fmt.Fprintf(w, "%s\t-\t-\t-\t-\n", id)
					continue
				}
				if err != nil {
					return fmt.Errorf("node %s: %w", id, err)
				}
				fmt.Fprintf(w, "%s\t%d\t%dB\t%x\t%s\n", id, cp.Epoch, len(cp.State), []byte(cp.SourceOffset), cp.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

func newCmdCheckpointReset(o *globalOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete the local checkpoint store and caches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errResetNotConfirmed
			}
			cfg, err := config.Load(o.configPath)
			if err != nil {
				return err
			}
			paths := []string{filepath.Join(cfg.HomeDir, "cache")}
			switch cfg.Checkpoint.Kind {
			case config.StoreFile, config.StorePebble, config.StoreSQLite:
				paths = append(paths, pipeline.CheckpointPath(cfg))
			case config.StoreS3:
				return fmt.Errorf("reset of %s checkpoint stores is not supported", cfg.Checkpoint.Kind)
			}
			for _, p := range paths {
				if err := os.RemoveAll(p); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", p)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the reset")
	return cmd
}
