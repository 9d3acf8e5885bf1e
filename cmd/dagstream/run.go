package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/birdayz/dagstream/internal/config"
	"github.com/birdayz/dagstream/internal/controlplane"
	"github.com/birdayz/dagstream/internal/pipeline"
)

type runOptions struct {
	*globalOptions
	listen string
}

func (o *runOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.listen, "listen", "", "Override api.listen of the config")
}

func (o *runOptions) run(cmd *cobra.Command) error {
	log, zl, err := o.logger()
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()

	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	addr := cfg.API.Listen
	if o.listen != "" {
		addr = o.listen
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	sup := pipeline.NewSupervisor(
		func() (config.Config, error) { return config.Load(o.configPath) },
		pipeline.WithLogger(log),
		pipeline.WithMetrics(registry),
	)
	server := controlplane.New(sup, registry, log)

	g, gctx := errgroup.WithContext(ctx)
	serveCtx, stopServing := context.WithCancel(gctx)
	defer stopServing()
	g.Go(func() error {
		defer stopServing()
		return sup.Run(gctx)
	})
	g.Go(func() error {
		return server.ListenAndServe(serveCtx, addr)
	})
	if err := g.Wait(); err != nil {
		log.Error(err, "Pipeline failed", "app", cfg.AppName)
		return err
	}
	log.Info("Pipeline finished", "app", cfg.AppName)
	return nil
}

func newCmdRun(g *globalOptions) *cobra.Command {
	o := &runOptions{globalOptions: g}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline described by the config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.run(cmd)
		},
	}
	o.addFlags(cmd)
	return cmd
}
