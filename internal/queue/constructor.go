package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"
)

// ErrAlreadyQueued is returned when a task with the same lock key is still queued.
var ErrAlreadyQueued = errors.New("publish task already queued")

type Client interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type Inspector interface {
	DeleteTask(queue, id string) error
	CancelProcessing(id string) error
}

// Publisher puts publish tasks on the asynq queue and takes them back off.
type Publisher struct {
	client    Client
	inspector Inspector
	maxRetry  int
}

func NewPublisher(client Client, inspector Inspector, maxRetry int) *Publisher {
	return &Publisher{client: client, inspector: inspector, maxRetry: maxRetry}
}

// Enqueue schedules payload to run after delay. A zero delay runs it as soon
// as a worker is free.
func (p *Publisher) Enqueue(ctx context.Context, payload PublishPayload, delay time.Duration) error {
	taskPayload, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	task := asynq.NewTask(TaskTypePublish, taskPayload)
	opts := []asynq.Option{
		asynq.TaskID(payload.LockKey),
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(p.maxRetry),
	}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}

	info, err := p.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			return ErrAlreadyQueued
		}
		return err
	}

	log.Info().
		Str("task_id", info.ID).
		Str("flow_id", payload.FlowID).
		Ints64("record_ids", payload.RecordIDs).
		Dur("delay", delay).
		Msg("publish task enqueued")
	return nil
}

// Cancel removes a queued task. A task that is already running is asked to stop;
// the records it holds are protected by their own status checks.
func (p *Publisher) Cancel(taskID string) error {
	err := p.inspector.DeleteTask(QueueDefault, taskID)
	switch {
	case err == nil:
		log.Info().Str("task_id", taskID).Msg("publish task deleted")
		return nil
	case errors.Is(err, asynq.ErrTaskNotFound), errors.Is(err, asynq.ErrQueueNotFound):
		return nil
	}
	if cerr := p.inspector.CancelProcessing(taskID); cerr != nil {
		log.Warn().Err(cerr).Str("task_id", taskID).Msg("cancel running task")
		return err
	}
	return nil
}
