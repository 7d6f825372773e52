package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/telhawk-systems/telhawk-triage/common/config"
	"github.com/telhawk-systems/telhawk-triage/common/logging"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/detection"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/ioc"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/lock"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/parser"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/pipeline"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/repository"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/retry"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/storage"
)

// Context holds the clients a worker process creates once and shares across
// every task it runs.
type Context struct {
	Config   *config.Config
	Repo     repository.Repository
	Index    storage.Index
	Locker   lock.Locker
	Detector *detection.Adapter // Nil when detection is disabled
	Pipeline *pipeline.Pipeline
	Logger   *logging.Logger

	closers []func() error
}

// NewContext connects the metadata store, the index and, when enabled, Redis,
// and assembles the pipeline over them.
func NewContext(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*Context, error) {
	wc := &Context{Config: cfg, Logger: logger}

	repo, err := repository.NewPostgresRepository(ctx, cfg.Database.Postgres.ConnString())
	if err != nil {
		return nil, fmt.Errorf("connect metadata store: %w", err)
	}
	wc.Repo = repo
	wc.closers = append(wc.closers, repo.Close)

	index, err := storage.NewOpenSearchIndex(cfg.OpenSearch, logger)
	if err != nil {
		wc.Close()
		return nil, fmt.Errorf("connect index: %w", err)
	}
	wc.Index = index

	if cfg.Redis.Enabled {
		client, err := lock.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			wc.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		wc.closers = append(wc.closers, client.Close)
		wc.Locker = lock.NewRedisLocker(client, cfg.Processor.Worker.LockTTL)
	} else {
		logger.Warn("Redis disabled, file locks are local to this process")
		wc.Locker = lock.NewLocalLocker()
	}

	pc := cfg.Processor
	deps := pipeline.Deps{
		Repo:  repo,
		Index: index,
		Parsers: parser.NewRegistry(parser.DecoderConfig{
			Command: pc.Decoder.EVTXCommand,
			Args:    pc.Decoder.EVTXArgs,
			Timeout: pc.Decoder.Timeout,
		}),
		Hunter:    ioc.NewHunter(pc.IOC, repo, index, logger),
		Locker:    wc.Locker,
		Retry:     retry.FromConfig(pc.Pipeline),
		BatchSize: pc.Pipeline.BatchSize,
		Logger:    logger,
	}
	if pc.Detection.Enabled {
		engine := detection.NewExecEngine(pc.Detection, logger)
		workDir := filepath.Join(pc.Pipeline.StagingDir, "detection")
		wc.Detector = detection.NewAdapter(pc.Detection, repo, index, engine, workDir, logger)
		deps.Detector = wc.Detector
	}
	wc.Pipeline = pipeline.New(deps)
	return wc, nil
}

// Close releases every client in reverse order of creation.
func (c *Context) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
