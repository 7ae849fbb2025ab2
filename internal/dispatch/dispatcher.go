// Package dispatch runs one publish flow across its target accounts.
package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/maheshrc27/postflow/internal/adapter"
	"github.com/maheshrc27/postflow/internal/container"
	"github.com/maheshrc27/postflow/internal/failure"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/repository"
	"github.com/rs/zerolog/log"
)

type Records interface {
	ListByIDs(ctx context.Context, ids []int64) ([]*models.PublishRecord, error)
	StartDispatch(ctx context.Context, id int64) (*models.PublishRecord, bool, error)
	Finish(ctx context.Context, id int64, out models.Outcome) error
	Requeue(ctx context.Context, id int64, errMsg string) error
}

type Attempts interface {
	Create(ctx context.Context, a *models.PublishAttempt) (int64, error)
}

// TargetResult is what happened to one record during a Dispatch call.
type TargetResult struct {
	RecordID int64
	Status   models.PublishStatus
	// Skipped records were already taken by another worker, terminal or deleted.
	Skipped bool
	// Requeued records failed transiently and wait for the next attempt.
	Requeued bool
	Err      error
}

type Report struct {
	Status  models.PublishStatus
	Targets []TargetResult
}

// Requeued returns the ids that should be dispatched again.
func (r *Report) Requeued() []int64 {
	var ids []int64
	for _, t := range r.Targets {
		if t.Requeued {
			ids = append(ids, t.RecordID)
		}
	}
	return ids
}

type Dispatcher struct {
	records     Records
	accounts    Accounts
	attempts    Attempts
	registry    *adapter.Registry
	creds       *Credentials
	concurrency int
}

func NewDispatcher(records Records, accounts Accounts, attempts Attempts, registry *adapter.Registry, creds *Credentials, concurrency int) *Dispatcher {
	if concurrency <= 0 {
		concurrency = 10
	}
	return &Dispatcher{
		records:     records,
		accounts:    accounts,
		attempts:    attempts,
		registry:    registry,
		creds:       creds,
		concurrency: concurrency,
	}
}

// Dispatch publishes every record in ids, at most concurrency at a time. One
// target failing never stops the others. When allowRetry is false a retryable
// failure is final.
func (d *Dispatcher) Dispatch(ctx context.Context, ids []int64, allowRetry bool) (*Report, error) {
	results := make([]TargetResult, len(ids))

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, d.concurrency)

	for i, id := range ids {
		wg.Add(1)
		semaphore <- struct{}{}
		go func(i int, id int64) {
			defer wg.Done()
			defer func() { <-semaphore }()
			results[i] = d.dispatchOne(ctx, id, allowRetry)
		}(i, id)
	}
	wg.Wait()

	// aggregate from stored state so records finished elsewhere still count
	stored, err := d.records.ListByIDs(context.WithoutCancel(ctx), ids)
	if err != nil {
		return &Report{Targets: results}, err
	}
	statuses := make([]models.PublishStatus, 0, len(stored))
	for _, rec := range stored {
		statuses = append(statuses, rec.Status)
	}
	return &Report{Status: models.Aggregate(statuses), Targets: results}, nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, id int64, allowRetry bool) TargetResult {
	logger := log.With().Int64("record_id", id).Logger()
	res := TargetResult{RecordID: id}

	rec, ok, err := d.records.StartDispatch(ctx, id)
	if err != nil {
		res.Err = err
		return res
	}
	if !ok {
		logger.Debug().Msg("record not dispatchable, skipping")
		res.Skipped = true
		return res
	}
	logger = logger.With().Str("platform", rec.Platform).Str("flow_id", rec.FlowID).Logger()

	result, err := d.publish(ctx, rec)
	// writes below must land even when the task context is canceled mid publish
	wctx := context.WithoutCancel(ctx)

	var out models.Outcome
	switch {
	case err == nil && result.Pending:
		out = models.Outcome{Status: models.StatusInProgress, DataID: result.DataID, WorkLink: result.WorkLink}
	case err == nil:
		out = models.Outcome{Status: models.StatusReleased, DataID: result.DataID, WorkLink: result.WorkLink}
	case errors.Is(err, container.ErrCanceled):
		logger.Info().Msg("record deleted during publish")
		res.Skipped = true
		return res
	case interrupted(ctx, err):
		// shutdown or CancelProcessing; the task runs again and picks the record up
		logger.Warn().Err(err).Msg("publish interrupted, requeueing")
		if rerr := d.records.Requeue(wctx, id, "interrupted"); rerr != nil {
			logger.Error().Err(rerr).Msg("requeue record")
		}
		d.audit(wctx, rec, models.StatusQueued, err)
		res.Status, res.Requeued, res.Err = models.StatusQueued, true, err
		return res
	case allowRetry && failure.Retryable(err):
		logger.Warn().Err(err).Int("attempt", rec.Attempts).Msg("publish failed, will retry")
		if rerr := d.records.Requeue(wctx, id, failure.Message(err)); rerr != nil {
			logger.Error().Err(rerr).Msg("requeue record")
		}
		d.audit(wctx, rec, models.StatusQueued, err)
		res.Status, res.Requeued, res.Err = models.StatusQueued, true, err
		return res
	default:
		if failure.Is(err, failure.Internal) {
			logger.Error().Bool("fatal", true).Err(err).Msg("publish failed")
		} else {
			logger.Warn().Err(err).Str("kind", string(failure.KindOf(err))).Msg("publish failed")
		}
		out = models.Outcome{Status: models.StatusFail, ErrorMsg: failure.Message(err), ErrorCode: failure.Code(err)}
	}

	if ferr := d.records.Finish(wctx, id, out); ferr != nil {
		if errors.Is(ferr, repository.ErrInvalidTransition) {
			logger.Info().Msg("record changed during publish, outcome dropped")
		} else {
			logger.Error().Err(ferr).Msg("finish record")
		}
	}
	d.audit(wctx, rec, out.Status, err)

	if err == nil {
		logger.Info().Str("data_id", out.DataID).Str("status", string(out.Status)).Msg("published")
	}
	res.Status, res.Err = out.Status, err
	return res
}

func interrupted(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, context.Canceled)
}

func (d *Dispatcher) publish(ctx context.Context, rec *models.PublishRecord) (*adapter.Result, error) {
	acc, err := d.accounts.GetByID(ctx, rec.AccountID)
	if err != nil {
		return nil, failure.Wrap(failure.Transient, err, "load account")
	}
	if acc == nil {
		return nil, failure.Newf(failure.Validation, "account %d not found", rec.AccountID)
	}
	a, err := d.registry.Get(rec.Platform)
	if err != nil {
		return nil, err
	}

	cred, err := d.creds.Resolve(ctx, acc, a)
	if err != nil {
		return nil, err
	}
	target := adapter.Target{RecordID: rec.ID, FlowID: rec.FlowID, AccountID: acc.AccountID, Credential: cred}
	payload := adapter.PayloadFrom(rec)

	result, err := a.Publish(ctx, target, payload)
	if failure.Is(err, failure.AuthExpired) {
		// the platform rejected a token we thought was valid; refresh once and retry
		log.Info().Int64("record_id", rec.ID).Msg("token rejected, refreshing")
		if target.Credential, err = d.creds.Refresh(ctx, acc, a); err != nil {
			return nil, err
		}
		result, err = a.Publish(ctx, target, payload)
	}
	if errors.Is(err, container.ErrCanceled) {
		return nil, err
	}
	if err != nil {
		return nil, failure.WithPlatform(err, rec.Platform)
	}
	return result, nil
}

func (d *Dispatcher) audit(ctx context.Context, rec *models.PublishRecord, status models.PublishStatus, err error) {
	attempt := &models.PublishAttempt{
		RecordID:  rec.ID,
		AccountID: rec.AccountID,
		Attempt:   rec.Attempts,
		Status:    status,
	}
	if err != nil {
		attempt.ErrorKind = string(failure.KindOf(err))
		attempt.ErrorMsg = err.Error()
	}
	if _, aerr := d.attempts.Create(ctx, attempt); aerr != nil {
		log.Error().Err(aerr).Int64("record_id", rec.ID).Msg("save publish attempt")
	}
}
