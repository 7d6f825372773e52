// Package dlq keeps file tasks that could not be processed in a JetStream
// stream so they can be inspected and replayed.
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/telhawk-systems/telhawk-triage/common/logging"
	"github.com/telhawk-systems/telhawk-triage/common/messaging"
	"github.com/telhawk-systems/telhawk-triage/common/messaging/nats"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/metrics"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/models"
)

// HeaderReason carries the dead-letter reason on each entry.
const HeaderReason = "Triage-DLQ-Reason"

const defaultListLimit = 100

// ErrNotFound is returned for a sequence that holds no entry.
var ErrNotFound = errors.New("dlq entry not found")

// FailedTask is one dead-lettered task.
type FailedTask struct {
	Sequence    uint64              `json:"sequence,omitempty"`
	Timestamp   time.Time           `json:"timestamp"`
	Task        models.Task         `json:"task"`
	Reason      string              `json:"reason"`
	FinalStatus models.FileStatus   `json:"final_status,omitempty"`
	Error       string              `json:"error,omitempty"`
	Steps       []models.StepResult `json:"steps,omitempty"`
}

// Stream is the part of a JetStream stream the queue reads and trims.
type Stream interface {
	Info(ctx context.Context, opts ...jetstream.StreamInfoOpt) (*jetstream.StreamInfo, error)
	GetMsg(ctx context.Context, seq uint64, opts ...jetstream.GetMsgOpt) (*jetstream.RawStreamMsg, error)
	DeleteMsg(ctx context.Context, seq uint64) error
	Purge(ctx context.Context, opts ...jetstream.StreamPurgeOpt) error
}

// Dispatcher starts a fresh task for a file.
type Dispatcher interface {
	Dispatch(ctx context.Context, fileID int64, mode models.Mode) (*models.Result, error)
}

// JetStreamQueue writes failed tasks to the FILE_TASKS_DLQ stream. Safe for
// use across processor instances.
type JetStreamQueue struct {
	pub     messaging.Publisher
	stream  Stream
	written atomic.Uint64
	logger  *logging.Logger
}

// NewJetStreamQueue declares the DLQ stream and returns a queue over it.
// A positive maxAge overrides the stream's retention.
func NewJetStreamQueue(ctx context.Context, js *nats.JetStreamClient, maxAge time.Duration, logger *logging.Logger) (*JetStreamQueue, error) {
	if js == nil {
		return nil, fmt.Errorf("jetstream client is nil")
	}
	cfg := nats.FileTasksDLQStream
	if maxAge > 0 {
		cfg.MaxAge = maxAge
	}
	stream, err := js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create dlq stream: %w", err)
	}
	q := New(js, stream, logger)
	q.logger.Info("DLQ stream ready", "stream", cfg.Name)
	return q, nil
}

// New builds a queue that publishes through pub and reads stream.
func New(pub messaging.Publisher, stream Stream, logger *logging.Logger) *JetStreamQueue {
	if logger == nil {
		logger = logging.Default()
	}
	return &JetStreamQueue{pub: pub, stream: stream, logger: logger}
}

// Write records a failed task. res may be nil when the task never produced a
// result.
func (q *JetStreamQueue) Write(ctx context.Context, task models.Task, res *models.Result, reason string) error {
	if q == nil {
		return nil
	}

	failed := FailedTask{
		Timestamp: time.Now().UTC(),
		Task:      task,
		Reason:    reason,
	}
	if res != nil {
		failed.FinalStatus = res.FinalStatus
		failed.Error = res.Message
		failed.Steps = res.Steps
	}

	data, err := json.Marshal(failed)
	if err != nil {
		return fmt.Errorf("marshal dlq entry: %w", err)
	}
	msg := messaging.NewMessage(messaging.SubjectDLQFileTasks, data,
		messaging.WithHeader(messaging.HeaderTaskID, task.TaskID),
		messaging.WithHeader(messaging.HeaderFileID, strconv.FormatInt(task.FileID, 10)),
		messaging.WithHeader(HeaderReason, reason))
	if err := q.pub.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("publish dlq entry: %w", err)
	}

	q.written.Add(1)
	metrics.DeadLettered.WithLabelValues(reason).Inc()
	q.logger.WithContext(ctx).Warn("Task dead-lettered",
		logging.TaskID(task.TaskID), logging.FileID(task.FileID), "reason", reason)
	return nil
}

// Stats returns DLQ figures from the stream.
func (q *JetStreamQueue) Stats(ctx context.Context) map[string]interface{} {
	if q == nil {
		return map[string]interface{}{
			"enabled": false,
			"backend": "jetstream",
		}
	}

	info, err := q.stream.Info(ctx)
	if err != nil {
		return map[string]interface{}{
			"enabled":       true,
			"backend":       "jetstream",
			"written_local": q.written.Load(),
			"error":         err.Error(),
		}
	}
	return map[string]interface{}{
		"enabled":        true,
		"backend":        "jetstream",
		"written_local":  q.written.Load(),
		"total_messages": info.State.Msgs,
		"total_bytes":    info.State.Bytes,
		"first_seq":      info.State.FirstSeq,
		"last_seq":       info.State.LastSeq,
	}
}

// List returns up to limit entries, oldest first.
func (q *JetStreamQueue) List(ctx context.Context, limit int) ([]FailedTask, error) {
	if q == nil {
		return nil, fmt.Errorf("dlq not enabled")
	}
	if limit <= 0 {
		limit = defaultListLimit
	}

	info, err := q.stream.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("dlq stream info: %w", err)
	}
	if info.State.Msgs == 0 {
		return nil, nil
	}

	var tasks []FailedTask
	for seq := info.State.FirstSeq; seq <= info.State.LastSeq && len(tasks) < limit; seq++ {
		ft, err := q.Get(ctx, seq)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return tasks, err
		}
		tasks = append(tasks, *ft)
	}
	return tasks, nil
}

// Get reads the entry at seq.
func (q *JetStreamQueue) Get(ctx context.Context, seq uint64) (*FailedTask, error) {
	if q == nil {
		return nil, fmt.Errorf("dlq not enabled")
	}
	raw, err := q.stream.GetMsg(ctx, seq)
	if errors.Is(err, jetstream.ErrMsgNotFound) {
		return nil, fmt.Errorf("%w: sequence %d", ErrNotFound, seq)
	}
	if err != nil {
		return nil, fmt.Errorf("get dlq entry %d: %w", seq, err)
	}

	var ft FailedTask
	if err := json.Unmarshal(raw.Data, &ft); err != nil {
		return nil, fmt.Errorf("decode dlq entry %d: %w", seq, err)
	}
	ft.Sequence = raw.Sequence
	return &ft, nil
}

// Replay starts a fresh task for the entry's file and mode, then removes the
// entry. A refused dispatch leaves the entry in place.
func (q *JetStreamQueue) Replay(ctx context.Context, seq uint64, d Dispatcher) (*models.Result, error) {
	ft, err := q.Get(ctx, seq)
	if err != nil {
		return nil, err
	}

	res, err := d.Dispatch(ctx, ft.Task.FileID, ft.Task.Mode)
	if err != nil {
		return res, fmt.Errorf("replay file %d: %w", ft.Task.FileID, err)
	}
	if err := q.stream.DeleteMsg(ctx, seq); err != nil {
		return res, fmt.Errorf("delete replayed dlq entry %d: %w", seq, err)
	}
	q.logger.WithContext(ctx).Info("DLQ entry replayed",
		logging.FileID(ft.Task.FileID), logging.Mode(string(ft.Task.Mode)), logging.TaskID(res.TaskID))
	return res, nil
}

// Purge removes every entry.
func (q *JetStreamQueue) Purge(ctx context.Context) error {
	if q == nil {
		return fmt.Errorf("dlq not enabled")
	}
	if err := q.stream.Purge(ctx); err != nil {
		return fmt.Errorf("purge dlq stream: %w", err)
	}
	q.logger.WithContext(ctx).Info("DLQ purged")
	return nil
}
