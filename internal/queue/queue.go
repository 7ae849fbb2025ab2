package queue

import (
	"context"
	"time"

	"github.com/maheshrc27/postflow/internal/dispatch"
	"github.com/maheshrc27/postflow/internal/lock"
	"github.com/maheshrc27/postflow/internal/models"
)

const (
	TaskTypePublish = "publish:record"
	QueueDefault    = "default"
)

// PublishPayload names the records one task dispatches. LockKey doubles as the
// asynq task id so a flow can never sit in the queue twice.
type PublishPayload struct {
	FlowID    string  `json:"flow_id"`
	RecordIDs []int64 `json:"record_ids"`
	LockKey   string  `json:"lock_key"`
	JobID     int64   `json:"job_id,omitempty"`
}

type Dispatcher interface {
	Dispatch(ctx context.Context, ids []int64, allowRetry bool) (*dispatch.Report, error)
}

type Records interface {
	ListByIDs(ctx context.Context, ids []int64) ([]*models.PublishRecord, error)
	StartDispatch(ctx context.Context, id int64) (*models.PublishRecord, bool, error)
	Finish(ctx context.Context, id int64, out models.Outcome) error
}

type Jobs interface {
	Transition(ctx context.Context, id int64, to models.JobStatus, from ...models.JobStatus) (bool, error)
}

type Queue struct {
	dispatcher Dispatcher
	records    Records
	jobs       Jobs
	locker     lock.Locker
	lockTTL    time.Duration
}

func NewQueue(dispatcher Dispatcher, records Records, jobs Jobs, locker lock.Locker, lockTTL time.Duration) *Queue {
	return &Queue{
		dispatcher: dispatcher,
		records:    records,
		jobs:       jobs,
		locker:     locker,
		lockTTL:    lockTTL,
	}
}
