package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/maheshrc27/postflow/internal/dispatch"
	"github.com/maheshrc27/postflow/internal/failure"
	"github.com/maheshrc27/postflow/internal/lock"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/rs/zerolog/log"
)

// retryLater is returned to asynq when some targets were requeued.
type retryLater struct {
	requeued []int64
	after    time.Duration
}

func (e *retryLater) Error() string {
	return fmt.Sprintf("%d publish targets requeued", len(e.requeued))
}

func (j *Queue) HandlePublishTask(ctx context.Context, task *asynq.Task) error {
	var payload PublishPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode publish payload: %v: %w", err, asynq.SkipRetry)
	}
	if len(payload.RecordIDs) == 0 || payload.LockKey == "" {
		return fmt.Errorf("publish payload without records: %w", asynq.SkipRetry)
	}

	logger := log.With().Str("flow_id", payload.FlowID).Str("lock_key", payload.LockKey).Logger()

	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	allowRetry := retried < maxRetry

	var report *dispatch.Report
	ran, err := lock.Run(ctx, j.locker, payload.LockKey, j.lockTTL, func(ctx context.Context) error {
		var err error
		report, err = j.dispatcher.Dispatch(ctx, payload.RecordIDs, allowRetry)
		return err
	})
	if err != nil {
		if !allowRetry {
			j.abandon(ctx, payload.RecordIDs, err)
			j.finishJob(ctx, payload.JobID)
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}
	if !ran {
		logger.Info().Msg("flow is being dispatched by another worker")
		return nil
	}

	if ids := report.Requeued(); len(ids) > 0 {
		retry := &retryLater{requeued: ids}
		for _, t := range report.Targets {
			if after := failure.RetryAfterOf(t.Err); after > retry.after {
				retry.after = after
			}
		}
		logger.Warn().Ints64("record_ids", ids).Int("retry", retried).Msg("publish targets requeued")
		return retry
	}

	j.finishJob(ctx, payload.JobID)
	logger.Info().Str("status", string(report.Status)).Msg("publish task done")
	return nil
}

// abandon fails records the task could not get to before it ran out of retries.
func (j *Queue) abandon(ctx context.Context, ids []int64, cause error) {
	ctx = context.WithoutCancel(ctx)
	recs, err := j.records.ListByIDs(ctx, ids)
	if err != nil {
		log.Error().Err(err).Msg("list records to abandon")
		return
	}
	for _, rec := range recs {
		if rec.Status != models.StatusQueued && rec.Status != models.StatusUnpublished {
			continue
		}
		if _, ok, err := j.records.StartDispatch(ctx, rec.ID); err != nil || !ok {
			continue
		}
		out := models.Outcome{Status: models.StatusFail, ErrorMsg: failure.Message(cause), ErrorCode: failure.Code(cause)}
		if err := j.records.Finish(ctx, rec.ID, out); err != nil {
			log.Error().Err(err).Int64("record_id", rec.ID).Msg("fail abandoned record")
		}
	}
}

func (j *Queue) finishJob(ctx context.Context, jobID int64) {
	if jobID == 0 {
		return
	}
	if _, err := j.jobs.Transition(context.WithoutCancel(ctx), jobID, models.JobDone, models.JobPending, models.JobEnqueued); err != nil {
		log.Error().Err(err).Int64("job_id", jobID).Msg("mark scheduled job done")
	}
}

// RetryDelay honors a platform Retry-After and otherwise backs off like asynq does.
func RetryDelay(n int, err error, task *asynq.Task) time.Duration {
	var retry *retryLater
	if errors.As(err, &retry) && retry.after > 0 {
		return retry.after
	}
	return asynq.DefaultRetryDelayFunc(n, err, task)
}
