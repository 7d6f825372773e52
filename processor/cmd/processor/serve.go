package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/telhawk-systems/telhawk-triage/processor/internal/dlq"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/server"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/worker"
	"github.com/telhawk-systems/telhawk-triage/processor/migrations"
)

func newServeCmd(a *app) *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the worker pool and the health server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply pending migrations before starting")
	return cmd
}

func (a *app) serve(ctx context.Context, migrate bool) error {
	if migrate {
		if err := migrations.Up(a.cfg.Database.Postgres.ConnString()); err != nil {
			return err
		}
		a.logger.Info("Migrations applied")
	}

	wc, err := worker.NewContext(ctx, a.cfg, a.logger)
	if err != nil {
		return err
	}
	defer wc.Close()

	js, err := a.openJetStream()
	if err != nil {
		return err
	}
	defer js.Close()

	wcfg := a.cfg.Processor.Worker
	if err := worker.SetupStreams(ctx, js, wcfg); err != nil {
		return err
	}

	deps := server.Deps{Repo: wc.Repo, Index: wc.Index, Broker: js, Logger: a.logger}
	if wc.Detector != nil {
		deps.Detector = wc.Detector
	}
	var deadLetter worker.DeadLetter
	if a.cfg.Processor.DLQ.Enabled {
		q, err := dlq.NewJetStreamQueue(ctx, js, a.cfg.Processor.DLQ.MaxAge, a.logger)
		if err != nil {
			return err
		}
		deadLetter = q
		deps.DLQ = q
	}

	pool := worker.NewPool(wcfg, wc.Pipeline, wc.Repo, wc.Locker, deadLetter, a.logger)
	srv := server.New(a.cfg.Server, server.NewRouter(server.NewHandler(deps)), a.logger)

	a.logger.Info("Processor starting",
		"pool_size", wcfg.PoolSize, "detection", wc.Detector != nil, "dlq", deadLetter != nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx, js) })
	g.Go(func() error { return srv.Run(gctx) })
	err = g.Wait()
	a.logger.Info("Processor stopped")
	return err
}
