package job

import (
	"context"
	"errors"
	"time"

	"github.com/maheshrc27/postflow/internal/lock"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/queue"
	"github.com/rs/zerolog/log"
)

const sweepLockKey = "sweep:scheduled-publish"

type Enqueuer interface {
	Enqueue(ctx context.Context, payload queue.PublishPayload, delay time.Duration) error
}

type DueJobs interface {
	ListDue(ctx context.Context, before time.Time, limit int) ([]*models.ScheduledJob, error)
	Transition(ctx context.Context, id int64, to models.JobStatus, from ...models.JobStatus) (bool, error)
}

// ScheduleSweepJob hands scheduled publishes that fall inside the lookahead
// window to the delayed queue. Only one instance sweeps at a time.
type ScheduleSweepJob struct {
	jobs      DueJobs
	enqueuer  Enqueuer
	locker    lock.Locker
	lookahead time.Duration
	lockTTL   time.Duration
	batch     int
	now       func() time.Time
}

func NewScheduleSweepJob(jobs DueJobs, enqueuer Enqueuer, locker lock.Locker, lookahead, lockTTL time.Duration) *ScheduleSweepJob {
	return &ScheduleSweepJob{
		jobs:      jobs,
		enqueuer:  enqueuer,
		locker:    locker,
		lookahead: lookahead,
		lockTTL:   lockTTL,
		batch:     500,
		now:       time.Now,
	}
}

// Sweep is the cron entry point.
func (c *ScheduleSweepJob) Sweep() {
	ctx := context.Background()
	if _, err := lock.Run(ctx, c.locker, sweepLockKey, c.lockTTL, c.sweep); err != nil {
		log.Error().Err(err).Msg("schedule sweep failed")
	}
}

func (c *ScheduleSweepJob) sweep(ctx context.Context) error {
	now := c.now()
	due, err := c.jobs.ListDue(ctx, now.Add(c.lookahead), c.batch)
	if err != nil {
		return err
	}

	var enqueued int
	for _, j := range due {
		logger := log.With().Int64("job_id", j.ID).Str("flow_id", j.FlowID).Logger()

		payload := queue.PublishPayload{
			FlowID:    j.FlowID,
			RecordIDs: j.RecordIDs,
			LockKey:   j.LockKey,
			JobID:     j.ID,
		}
		err := c.enqueuer.Enqueue(ctx, payload, DelayUntil(j.PublishTime, now, c.lookahead))
		if err != nil && !errors.Is(err, queue.ErrAlreadyQueued) {
			logger.Error().Err(err).Msg("enqueue scheduled job")
			continue
		}
		if _, err := c.jobs.Transition(ctx, j.ID, models.JobEnqueued, models.JobPending); err != nil {
			logger.Error().Err(err).Msg("mark scheduled job enqueued")
			continue
		}
		enqueued++
	}

	if len(due) > 0 {
		log.Info().Int("due", len(due)).Int("enqueued", enqueued).Msg("schedule sweep")
	}
	return nil
}

// DelayUntil is how long the queue should hold a task due at publishTime,
// clamped to [0, max].
func DelayUntil(publishTime, now time.Time, max time.Duration) time.Duration {
	d := publishTime.Sub(now)
	if d < 0 {
		return 0
	}
	if max > 0 && d > max {
		return max
	}
	return d
}
