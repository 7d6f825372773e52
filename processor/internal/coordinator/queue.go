package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/telhawk-systems/telhawk-triage/common/messaging"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/models"
)

// Enqueuer hands a claimed task to the durable queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, task models.Task) error
}

// TaskPublisher publishes tasks on the per-mode file task subjects.
type TaskPublisher struct {
	pub messaging.Publisher
}

func NewTaskPublisher(pub messaging.Publisher) *TaskPublisher {
	return &TaskPublisher{pub: pub}
}

// Enqueue publishes task as JSON. The task ID header lets the broker drop a
// retried publish of the same task.
func (p *TaskPublisher) Enqueue(ctx context.Context, task models.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	msg := messaging.NewMessage(messaging.FileTaskSubject(string(task.Mode)), data,
		messaging.WithHeader(messaging.HeaderTaskID, task.TaskID),
		messaging.WithHeader(messaging.HeaderFileID, strconv.FormatInt(task.FileID, 10)),
		messaging.WithHeader(messaging.HeaderMode, string(task.Mode)),
	)
	return p.pub.PublishMsg(ctx, msg)
}

// DecodeTask parses a task published by TaskPublisher.
func DecodeTask(data []byte) (models.Task, error) {
	var task models.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return task, fmt.Errorf("decode task: %w", err)
	}
	if task.TaskID == "" || task.FileID == 0 {
		return task, fmt.Errorf("decode task: missing task or file id")
	}
	if _, err := models.ParseMode(string(task.Mode)); err != nil {
		return task, fmt.Errorf("decode task: %w", err)
	}
	return task, nil
}
