// Package worker runs file tasks from the durable queue on a fixed number of
// slots, keeping the delivery, the file claim and the file lock alive while a
// task runs.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/telhawk-systems/telhawk-triage/common/config"
	"github.com/telhawk-systems/telhawk-triage/common/logging"
	"github.com/telhawk-systems/telhawk-triage/common/messaging"
	"github.com/telhawk-systems/telhawk-triage/common/messaging/nats"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/coordinator"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/lock"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/models"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/repository"
)

const defaultHeartbeat = 15 * time.Second

// Processor runs one task to a handled outcome or returns an error asking for
// redelivery.
type Processor interface {
	Process(ctx context.Context, task models.Task) (*models.Result, error)
}

// Claims is the part of the file store that holds task leases. The pool
// extends a lease while its task runs and gives it up once the task
// exhausted its deliveries.
type Claims interface {
	GetFile(ctx context.Context, id int64) (*models.FileRecord, error)
	TouchTask(ctx context.Context, fileID int64, taskID string) error
	ReleaseTask(ctx context.Context, fileID int64, taskID string) error
	UpdateStatus(ctx context.Context, fileID, version int64, upd models.StatusUpdate) (*models.FileRecord, error)
}

// DeadLetter keeps tasks that could not be processed.
type DeadLetter interface {
	Write(ctx context.Context, task models.Task, res *models.Result, reason string) error
}

// Consumer delivers queue messages to a handler on bounded concurrency.
type Consumer interface {
	ConsumeConcurrent(ctx context.Context, streamName, consumerName string, concurrency int, handler messaging.MessageHandler) (func(), error)
}

type Pool struct {
	processor Processor
	claims    Claims
	locker    lock.Locker
	dlq       DeadLetter
	cfg       config.WorkerConfig
	logger    *logging.Logger
}

// NewPool builds a pool. dlq may be nil.
func NewPool(cfg config.WorkerConfig, processor Processor, claims Claims, locker lock.Locker, dlq DeadLetter, logger *logging.Logger) *Pool {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Pool{
		processor: processor,
		claims:    claims,
		locker:    locker,
		dlq:       dlq,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run consumes file tasks until ctx is cancelled, then waits for in-flight
// tasks to return.
func (p *Pool) Run(ctx context.Context, consumer Consumer) error {
	stop, err := consumer.ConsumeConcurrent(ctx, nats.FileTasksStream.Name, messaging.ConsumerFileWorkers, p.cfg.PoolSize, p.Handle)
	if err != nil {
		return fmt.Errorf("start consuming file tasks: %w", err)
	}
	p.logger.Info("Worker pool started", "pool_size", p.cfg.PoolSize)

	<-ctx.Done()
	p.logger.Info("Worker pool stopping")
	stop()
	return nil
}

// Handle processes one delivered task. A nil return acks the message; an
// interrupted task returns its error so the broker redelivers it, except on
// the final delivery where it is dead-lettered instead.
func (p *Pool) Handle(ctx context.Context, msg *messaging.Message) error {
	task, err := coordinator.DecodeTask(msg.Data)
	if err != nil {
		p.logger.WithContext(ctx).Error("Dropping undecodable task", "subject", msg.Subject, logging.Error(err))
		return fmt.Errorf("%w: %v", messaging.ErrTerminal, err)
	}
	logger := p.logger.WithContext(ctx).With(
		logging.TaskID(task.TaskID),
		logging.FileID(task.FileID),
		logging.Mode(string(task.Mode)),
		"delivery", msg.NumDelivered)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.heartbeat(hbCtx, msg, task)
	}()
	res, err := p.processor.Process(ctx, task)
	stopHeartbeat()
	<-done

	if err != nil {
		if p.cfg.MaxDeliver > 0 && msg.NumDelivered >= uint64(p.cfg.MaxDeliver) {
			logger.Error("Task exhausted its deliveries", logging.Error(err))
			p.abandon(ctx, task, err)
			p.deadLetter(ctx, task, res, "max_deliver")
			return fmt.Errorf("%w: %v", messaging.ErrTerminal, err)
		}
		logger.Warn("Task interrupted, requesting redelivery", logging.Error(err))
		return err
	}

	if res.Outcome == models.OutcomeFailed {
		p.deadLetter(ctx, task, res, "file_failed")
	}
	return nil
}

// heartbeat keeps the delivery, the file claim and the lock alive until ctx ends.
func (p *Pool) heartbeat(ctx context.Context, msg *messaging.Message, task models.Task) {
	ticker := time.NewTicker(p.cfg.Heartbeat)
	defer ticker.Stop()
	logger := p.logger.WithContext(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := msg.InProgress(); err != nil {
			logger.Warn("Failed to extend delivery", logging.TaskID(task.TaskID), logging.Error(err))
		}
		if p.claims != nil {
			err := p.claims.TouchTask(ctx, task.FileID, task.TaskID)
			if errors.Is(err, repository.ErrConflict) {
				// The task released the file or lost it; nothing left to extend
				return
			}
			if err != nil && ctx.Err() == nil {
				logger.Warn("Failed to extend task lease", logging.TaskID(task.TaskID), logging.Error(err))
			}
		}
		if p.locker != nil {
			if err := p.locker.Refresh(ctx, task.FileID, task.TaskID); err != nil && ctx.Err() == nil {
				logger.Debug("Failed to refresh file lock", logging.TaskID(task.TaskID), logging.Error(err))
			}
		}
	}
}

// abandon fails a file still claimed by a task that exhausted its deliveries
// and releases the claim, so the file can be dispatched again.
func (p *Pool) abandon(ctx context.Context, task models.Task, cause error) {
	if p.claims == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	logger := p.logger.WithContext(ctx).With(logging.TaskID(task.TaskID), logging.FileID(task.FileID))

	f, err := p.claims.GetFile(ctx, task.FileID)
	if err != nil {
		logger.Warn("Failed to load abandoned file", logging.Error(err))
		return
	}
	if f.TaskID != task.TaskID {
		return
	}
	if models.ValidateTransition(f.Status, models.StatusFailed) == nil {
		msg := fmt.Sprintf("abandoned after %d deliveries: %v", p.cfg.MaxDeliver, cause)
		if _, err := p.claims.UpdateStatus(ctx, f.ID, f.Version, models.StatusUpdate{
			Status:    models.StatusFailed,
			Note:      &msg,
			LastError: &msg,
		}); err != nil {
			logger.Warn("Failed to mark abandoned file failed", logging.Error(err))
		}
	}
	if err := p.claims.ReleaseTask(ctx, task.FileID, task.TaskID); err != nil {
		logger.Warn("Failed to release abandoned task", logging.Error(err))
	}
}

func (p *Pool) deadLetter(ctx context.Context, task models.Task, res *models.Result, reason string) {
	if p.dlq == nil {
		return
	}
	if err := p.dlq.Write(context.WithoutCancel(ctx), task, res, reason); err != nil {
		p.logger.WithContext(ctx).Error("Failed to dead-letter task",
			logging.TaskID(task.TaskID), logging.FileID(task.FileID), logging.Error(err))
	}
}

// Streams is the part of the JetStream client used to declare the task streams.
type Streams interface {
	CreateOrUpdateStream(ctx context.Context, cfg nats.StreamConfig) (jetstream.Stream, error)
	CreateOrUpdateConsumer(ctx context.Context, streamName string, cfg nats.ConsumerConfig) (jetstream.Consumer, error)
}

// SetupStreams declares the file task stream and the shared worker consumer.
// MaxAckPending is the pool size, so tasks beyond the free slots stay in the
// stream where the next free worker picks them up.
func SetupStreams(ctx context.Context, js Streams, cfg config.WorkerConfig) error {
	if _, err := js.CreateOrUpdateStream(ctx, nats.FileTasksStream); err != nil {
		return err
	}
	cc := nats.DefaultConsumerConfig(messaging.ConsumerFileWorkers, messaging.SubjectFileTasksAll)
	if cfg.AckWait > 0 {
		cc.AckWait = cfg.AckWait
	}
	if cfg.MaxDeliver > 0 {
		cc.MaxDeliver = cfg.MaxDeliver
	}
	if cfg.PoolSize > 0 {
		cc.MaxAckPending = cfg.PoolSize
	}
	_, err := js.CreateOrUpdateConsumer(ctx, nats.FileTasksStream.Name, cc)
	return err
}
