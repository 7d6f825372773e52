package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-triage/common/config"
	"github.com/telhawk-systems/telhawk-triage/common/logging"
	"github.com/telhawk-systems/telhawk-triage/common/messaging/nats"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/coordinator"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/repository"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/storage"
)

// app is the state shared by every command: flags, loaded config and logger.
type app struct {
	cfgFile string
	output  string
	cfg     *config.Config
	logger  *logging.Logger
	out     io.Writer
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "processor",
		Short: "TelHawk triage file processor",
		Long: `processor ingests security log files into per-case indexes, runs
detection rules and IOC hunts over them, and manages re-processing.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
	}
	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default: $TELHAWK_CONFIG_DIR/processor.yaml)")
	root.PersistentFlags().StringVarP(&a.output, "output", "o", "table", "output format: table, json")

	root.AddCommand(
		newServeCmd(a),
		newMigrateCmd(a),
		newIngestCmd(a),
		newDispatchCmd(a),
		newBulkCmd(a),
		newDeleteCmd(a),
		newFilesCmd(a),
		newRulesCmd(a),
		newIOCsCmd(a),
		newTagCmd(a),
		newExportCmd(a),
		newDLQCmd(a),
	)
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	switch a.output {
	case "table", "json":
	default:
		return fmt.Errorf("unknown output format %q", a.output)
	}
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)
	logging.SetDefault(a.logger)
	a.out = cmd.OutOrStdout()
	return nil
}

func (a *app) openRepo(ctx context.Context) (*repository.PostgresRepository, error) {
	repo, err := repository.NewPostgresRepository(ctx, a.cfg.Database.Postgres.ConnString())
	if err != nil {
		return nil, fmt.Errorf("connect metadata store: %w", err)
	}
	return repo, nil
}

func (a *app) openIndex() (*storage.OpenSearchIndex, error) {
	idx, err := storage.NewOpenSearchIndex(a.cfg.OpenSearch, a.logger)
	if err != nil {
		return nil, fmt.Errorf("connect index: %w", err)
	}
	return idx, nil
}

func (a *app) openJetStream() (*nats.JetStreamClient, error) {
	nc := nats.DefaultConfig()
	nc.Name = "telhawk-triage-processor"
	if a.cfg.NATS.URL != "" {
		nc.URL = a.cfg.NATS.URL
	}
	if a.cfg.NATS.MaxReconnects != 0 {
		nc.MaxReconnects = a.cfg.NATS.MaxReconnects
	}
	if a.cfg.NATS.ReconnectWait > 0 {
		nc.ReconnectWait = a.cfg.NATS.ReconnectWait
	}
	nc.Logger = a.logger.Logger
	js, err := nats.NewJetStreamClient(nc)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return js, nil
}

// session is a coordinator over live clients.
type session struct {
	repo  *repository.PostgresRepository
	index *storage.OpenSearchIndex
	js    *nats.JetStreamClient
	coord *coordinator.Coordinator
}

func (s *session) Close() {
	if s.js != nil {
		_ = s.js.Close()
	}
	if s.repo != nil {
		_ = s.repo.Close()
	}
}

func (a *app) openSession(ctx context.Context) (*session, error) {
	s := &session{}
	var err error
	if s.repo, err = a.openRepo(ctx); err != nil {
		return nil, err
	}
	if s.index, err = a.openIndex(); err != nil {
		s.Close()
		return nil, err
	}
	if s.js, err = a.openJetStream(); err != nil {
		s.Close()
		return nil, err
	}
	s.coord = coordinator.New(s.repo, s.index, coordinator.NewTaskPublisher(s.js), coordinator.Options{
		StagingDir: a.cfg.Processor.Pipeline.StagingDir,
		TaskLease:  a.cfg.Processor.Worker.TaskLease,
		Logger:     a.logger,
	})
	return s, nil
}
