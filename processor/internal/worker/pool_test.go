package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-triage/common/config"
	"github.com/telhawk-systems/telhawk-triage/common/logging"
	"github.com/telhawk-systems/telhawk-triage/common/messaging"
	"github.com/telhawk-systems/telhawk-triage/common/messaging/nats"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/dedup"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/models"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/parser"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/pipeline"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/repository"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/storage"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/worker"
)

type fakeProcessor struct {
	delay   time.Duration
	outcome models.Outcome
	err     error
	calls   atomic.Int32
}

func (p *fakeProcessor) Process(ctx context.Context, task models.Task) (*models.Result, error) {
	p.calls.Add(1)
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	return &models.Result{TaskID: task.TaskID, FileID: task.FileID, Outcome: p.outcome}, p.err
}

type countingClaims struct {
	*repository.InMemoryRepository
	touches  atomic.Int32
	releases atomic.Int32
}

func newCountingClaims() *countingClaims {
	return &countingClaims{InMemoryRepository: repository.NewInMemoryRepository()}
}

func (c *countingClaims) TouchTask(ctx context.Context, fileID int64, taskID string) error {
	c.touches.Add(1)
	return nil
}

func (c *countingClaims) ReleaseTask(ctx context.Context, fileID int64, taskID string) error {
	c.releases.Add(1)
	return c.InMemoryRepository.ReleaseTask(ctx, fileID, taskID)
}

type countingLocker struct{ refreshes atomic.Int32 }

func (l *countingLocker) Acquire(ctx context.Context, fileID int64, owner string) error { return nil }
func (l *countingLocker) Release(ctx context.Context, fileID int64, owner string) error { return nil }
func (l *countingLocker) Refresh(ctx context.Context, fileID int64, owner string) error {
	l.refreshes.Add(1)
	return nil
}

type dlqEntry struct {
	task   models.Task
	res    *models.Result
	reason string
}

type memoryDLQ struct {
	mu      sync.Mutex
	entries []dlqEntry
}

func (d *memoryDLQ) Write(ctx context.Context, task models.Task, res *models.Result, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, dlqEntry{task, res, reason})
	return nil
}

func taskMessage(t *testing.T, task models.Task, delivery uint64) (*messaging.Message, *atomic.Int32) {
	t.Helper()
	data, err := json.Marshal(task)
	require.NoError(t, err)
	var progress atomic.Int32
	msg := messaging.NewMessage(messaging.FileTaskSubject(string(task.Mode)), data)
	msg.NumDelivered = delivery
	msg.Progress = func() error {
		progress.Add(1)
		return nil
	}
	return msg, &progress
}

var sampleTask = models.Task{TaskID: "t-1", FileID: 3, CaseID: 7, Mode: models.ModeFull}

func TestHandle_CompletedAcks(t *testing.T) {
	proc := &fakeProcessor{outcome: models.OutcomeCompleted}
	dlq := &memoryDLQ{}
	pool := worker.NewPool(config.WorkerConfig{PoolSize: 2}, proc, nil, nil, dlq, logging.Discard())
	msg, _ := taskMessage(t, sampleTask, 1)

	require.NoError(t, pool.Handle(context.Background(), msg))
	assert.Equal(t, int32(1), proc.calls.Load())
	assert.Empty(t, dlq.entries)
}

func TestHandle_FailedFileIsDeadLettered(t *testing.T) {
	proc := &fakeProcessor{outcome: models.OutcomeFailed}
	dlq := &memoryDLQ{}
	pool := worker.NewPool(config.WorkerConfig{}, proc, nil, nil, dlq, logging.Discard())
	msg, _ := taskMessage(t, sampleTask, 1)

	require.NoError(t, pool.Handle(context.Background(), msg), "a failed file is a handled outcome")
	require.Len(t, dlq.entries, 1)
	assert.Equal(t, "file_failed", dlq.entries[0].reason)
	assert.Equal(t, sampleTask.TaskID, dlq.entries[0].task.TaskID)
}

func TestHandle_UndecodableIsTerminal(t *testing.T) {
	proc := &fakeProcessor{}
	pool := worker.NewPool(config.WorkerConfig{}, proc, nil, nil, nil, logging.Discard())

	err := pool.Handle(context.Background(), messaging.NewMessage("triage.tasks.file.full", []byte("garbage")))

	assert.ErrorIs(t, err, messaging.ErrTerminal)
	assert.Zero(t, proc.calls.Load())
}

func TestHandle_InterruptedTaskIsRedelivered(t *testing.T) {
	ctx := context.Background()
	proc := &fakeProcessor{err: context.Canceled}
	claims := newCountingClaims()
	dlq := &memoryDLQ{}
	pool := worker.NewPool(config.WorkerConfig{MaxDeliver: 3}, proc, claims, nil, dlq, logging.Discard())

	f, err := claims.CreateFile(ctx, &models.NewFile{
		CaseID: 7, OriginalName: "a.json", StoredPath: "/tmp/a.json", ContentHash: "H",
		SourceType: models.SourceGenericJSON, TaskID: sampleTask.TaskID,
	})
	require.NoError(t, err)
	f, err = claims.UpdateStatus(ctx, f.ID, f.Version, models.StatusUpdate{Status: models.StatusIndexing})
	require.NoError(t, err)
	task := sampleTask
	task.FileID = f.ID

	msg, _ := taskMessage(t, task, 1)
	err = pool.Handle(ctx, msg)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, messaging.ErrTerminal)
	assert.Empty(t, dlq.entries)
	assert.Zero(t, claims.releases.Load(), "the claim is kept for redelivery")

	last, _ := taskMessage(t, task, 3)
	err = pool.Handle(ctx, last)
	assert.ErrorIs(t, err, messaging.ErrTerminal)
	require.Len(t, dlq.entries, 1)
	assert.Equal(t, "max_deliver", dlq.entries[0].reason)

	assert.Equal(t, int32(1), claims.releases.Load())
	file, err := claims.GetFile(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, file.Status)
	assert.Contains(t, file.LastError, "abandoned after 3 deliveries")
	assert.Empty(t, file.TaskID, "the file can be dispatched again")
}

func TestHandle_ExhaustedTaskLeavesForeignClaim(t *testing.T) {
	ctx := context.Background()
	claims := newCountingClaims()
	pool := worker.NewPool(config.WorkerConfig{MaxDeliver: 1}, &fakeProcessor{err: errors.New("index down")}, claims, nil, nil, logging.Discard())

	f, err := claims.CreateFile(ctx, &models.NewFile{
		CaseID: 7, OriginalName: "a.json", StoredPath: "/tmp/a.json", ContentHash: "H",
		SourceType: models.SourceGenericJSON, TaskID: "t-newer",
	})
	require.NoError(t, err)
	task := sampleTask
	task.FileID = f.ID

	msg, _ := taskMessage(t, task, 1)
	assert.ErrorIs(t, pool.Handle(ctx, msg), messaging.ErrTerminal)

	file, err := claims.GetFile(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, file.Status)
	assert.Equal(t, "t-newer", file.TaskID)
}

func TestHandle_HeartbeatWhileRunning(t *testing.T) {
	proc := &fakeProcessor{outcome: models.OutcomeCompleted, delay: 80 * time.Millisecond}
	claims := newCountingClaims()
	locker := &countingLocker{}
	pool := worker.NewPool(config.WorkerConfig{Heartbeat: 10 * time.Millisecond}, proc, claims, locker, nil, logging.Discard())
	msg, progress := taskMessage(t, sampleTask, 1)

	require.NoError(t, pool.Handle(context.Background(), msg))

	assert.GreaterOrEqual(t, progress.Load(), int32(2))
	assert.GreaterOrEqual(t, claims.touches.Load(), int32(2))
	assert.GreaterOrEqual(t, locker.refreshes.Load(), int32(2))

	// No heartbeat outlives the task
	settled := progress.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, settled, progress.Load())
}

type fakeConsumer struct {
	concurrency int
	started     chan struct{}
	stopped     chan struct{}
}

func (c *fakeConsumer) ConsumeConcurrent(ctx context.Context, streamName, consumerName string, concurrency int, handler messaging.MessageHandler) (func(), error) {
	if streamName != nats.FileTasksStream.Name || consumerName != messaging.ConsumerFileWorkers {
		return nil, errors.New("unexpected consumer")
	}
	c.concurrency = concurrency
	close(c.started)
	return func() { close(c.stopped) }, nil
}

func TestRun_StopsOnCancel(t *testing.T) {
	pool := worker.NewPool(config.WorkerConfig{PoolSize: 4}, &fakeProcessor{}, nil, nil, nil, logging.Discard())
	consumer := &fakeConsumer{started: make(chan struct{}), stopped: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() { errc <- pool.Run(ctx, consumer) }()

	select {
	case <-consumer.started:
	case <-time.After(time.Second):
		t.Fatal("pool did not start consuming")
	}
	assert.Equal(t, 4, consumer.concurrency)
	cancel()
	require.NoError(t, <-errc)
	select {
	case <-consumer.stopped:
	default:
		t.Fatal("consumer was not stopped")
	}
}

type fakeStreams struct {
	stream   nats.StreamConfig
	consumer nats.ConsumerConfig
}

func (s *fakeStreams) CreateOrUpdateStream(ctx context.Context, cfg nats.StreamConfig) (jetstream.Stream, error) {
	s.stream = cfg
	return nil, nil
}

func (s *fakeStreams) CreateOrUpdateConsumer(ctx context.Context, streamName string, cfg nats.ConsumerConfig) (jetstream.Consumer, error) {
	s.consumer = cfg
	return nil, nil
}

func TestSetupStreams(t *testing.T) {
	js := &fakeStreams{}
	require.NoError(t, worker.SetupStreams(context.Background(), js, config.WorkerConfig{
		PoolSize: 6, AckWait: 2 * time.Minute, MaxDeliver: 4,
	}))

	assert.Equal(t, "FILE_TASKS", js.stream.Name)
	assert.Equal(t, jetstream.WorkQueuePolicy, js.stream.Retention)
	assert.Equal(t, messaging.ConsumerFileWorkers, js.consumer.Name)
	assert.Equal(t, messaging.SubjectFileTasksAll, js.consumer.FilterSubject)
	assert.Equal(t, 6, js.consumer.MaxAckPending)
	assert.Equal(t, 2*time.Minute, js.consumer.AckWait)
	assert.Equal(t, 4, js.consumer.MaxDeliver)
}

// A delivered task runs through the real pipeline; a file that fails lands in
// the dead letter queue.
func TestHandle_WithPipeline(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewInMemoryRepository()
	index := storage.NewMemoryIndex()
	p := pipeline.New(pipeline.Deps{
		Repo:    repo,
		Index:   index,
		Parsers: parser.NewRegistry(parser.DecoderConfig{}),
		Logger:  logging.Discard(),
	})
	dlq := &memoryDLQ{}
	pool := worker.NewPool(config.WorkerConfig{}, p, repo, nil, dlq, logging.Discard())

	dir := t.TempDir()
	stage := func(name, content, taskID string) models.Task {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		hash, size, err := dedup.HashFile(path)
		require.NoError(t, err)
		f, err := repo.CreateFile(ctx, &models.NewFile{
			CaseID: 7, OriginalName: name, StoredPath: path, ContentHash: hash, Size: size,
			SourceType: models.SourceGenericJSON, TaskID: taskID,
		})
		require.NoError(t, err)
		return models.Task{TaskID: taskID, FileID: f.ID, CaseID: 7, Mode: models.ModeFull}
	}

	good := stage("good.json", `{"timestamp":"2024-01-01T00:00:00Z","msg":"ok"}`+"\n", "t-good")
	bad := stage("bad.json", "{broken\n{also broken\n", "t-bad")

	for _, task := range []models.Task{good, bad} {
		msg, _ := taskMessage(t, task, 1)
		require.NoError(t, pool.Handle(ctx, msg))
	}

	f, err := repo.GetFile(ctx, good.FileID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, f.Status)
	require.Len(t, dlq.entries, 1)
	assert.Equal(t, bad.FileID, dlq.entries[0].task.FileID)
	assert.Equal(t, models.StatusFailed, dlq.entries[0].res.FinalStatus)
}
