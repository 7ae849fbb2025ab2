package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/maheshrc27/postflow/internal/adapter"
	"github.com/maheshrc27/postflow/internal/failure"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/queue"
	"github.com/maheshrc27/postflow/internal/repository"
	"github.com/maheshrc27/postflow/internal/transfer"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"
)

var ErrRecordNotFound = errors.New("publish record not found")

type PublishService interface {
	CreatePublish(ctx context.Context, userID int64, req *transfer.CreatePublish) (*transfer.PublishResponse, error)
	FlowStatus(ctx context.Context, userID int64, flowID string) (*transfer.PublishResponse, error)
	Record(ctx context.Context, userID, id int64) (*models.PublishRecord, error)
	Lookup(ctx context.Context, userID int64, platform, dataID string) (*models.PublishRecord, error)
	PublishNow(ctx context.Context, userID, id int64) (*models.PublishRecord, error)
	Remove(ctx context.Context, userID, id int64) error
	Attempts(ctx context.Context, userID, id int64) ([]*models.PublishAttempt, error)
}

type TaskQueue interface {
	Enqueue(ctx context.Context, payload queue.PublishPayload, delay time.Duration) error
	Cancel(taskID string) error
}

type AttemptLister interface {
	ListByRecordID(ctx context.Context, recordID int64) ([]*models.PublishAttempt, error)
}

type AccountLister interface {
	ListByIDs(ctx context.Context, userID int64, ids []int64) ([]*models.SocialAccount, error)
}

type publishService struct {
	inTx      func(ctx context.Context, fn func(tx *sql.Tx) error) error
	pr        repository.PublishRecordRepository
	jr        repository.ScheduledJobRepository
	ar        AttemptLister
	ac        AccountLister
	tasks     TaskQueue
	registry  *adapter.Registry
	immediate time.Duration
	lookahead time.Duration
	now       func() time.Time
}

func NewPublishService(
	db *sql.DB,
	pr repository.PublishRecordRepository,
	jr repository.ScheduledJobRepository,
	ar AttemptLister,
	ac AccountLister,
	tasks TaskQueue,
	registry *adapter.Registry,
	immediateWindow, lookahead time.Duration) PublishService {
	return &publishService{
		inTx:      transaction(db),
		pr:        pr,
		jr:        jr,
		ar:        ar,
		ac:        ac,
		tasks:     tasks,
		registry:  registry,
		immediate: immediateWindow,
		lookahead: lookahead,
		now:       time.Now,
	}
}

func transaction(db *sql.DB) func(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return func(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
		tx, err := db.BeginTx(ctx, &sql.TxOptions{})
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}
		defer func() {
			if p := recover(); p != nil {
				tx.Rollback()
				panic(p)
			} else if err != nil {
				tx.Rollback()
			}
		}()
		if err = fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	}
}

func validateRequest(req *transfer.CreatePublish) error {
	if req == nil {
		return failure.New(failure.Validation, "publish request is empty")
	}
	if len(req.Targets()) == 0 {
		return failure.New(failure.Validation, "no target accounts")
	}
	switch req.Type {
	case models.ContentVideo:
		if req.VideoURL == "" {
			return failure.New(failure.Validation, "videoUrl is required for video")
		}
	case models.ContentImage:
		if len(req.ImgURLList) == 0 {
			return failure.New(failure.Validation, "imgUrlList is required for image")
		}
	case models.ContentArticle:
		if strings.TrimSpace(req.Title) == "" && strings.TrimSpace(req.Desc) == "" {
			return failure.New(failure.Validation, "article needs a title or desc")
		}
	default:
		return failure.Newf(failure.Validation, "unknown content type %q", req.Type)
	}
	switch req.Category {
	case "", models.CategoryPost, models.CategoryReel, models.CategoryStory:
	default:
		return failure.Newf(failure.Validation, "unknown category %q", req.Category)
	}
	return nil
}

func (s *publishService) CreatePublish(ctx context.Context, userID int64, req *transfer.CreatePublish) (*transfer.PublishResponse, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if req.FlowID == "" {
		id, err := gonanoid.New()
		if err != nil {
			return nil, err
		}
		req.FlowID = id
	}
	logger := log.With().Str("flow_id", req.FlowID).Int64("user_id", userID).Logger()

	targets := req.Targets()
	accounts, err := s.ac.ListByIDs(ctx, userID, targets)
	if err != nil {
		return nil, fmt.Errorf("load target accounts: %w", err)
	}
	byID := make(map[int64]*models.SocialAccount, len(accounts))
	for _, acc := range accounts {
		byID[acc.ID] = acc
	}
	for _, id := range targets {
		acc, ok := byID[id]
		if !ok {
			return nil, failure.Newf(failure.Validation, "social account %d does not exist", id)
		}
		if !s.registry.Supports(acc.Platform) {
			return nil, failure.Newf(failure.Validation, "platform %s is not supported", acc.Platform)
		}
		if !s.registry.Accepts(acc.Platform, req.Type) {
			return nil, failure.Newf(failure.Validation, "%s does not publish %s content", acc.Platform, req.Type)
		}
		if id == req.AccountID && req.AccountType != "" && req.AccountType != acc.Platform {
			return nil, failure.Newf(failure.Validation, "account %d is a %s account, not %s", id, acc.Platform, req.AccountType)
		}
	}

	now := s.now()
	publishTime := now
	if req.PublishTime != nil && !req.PublishTime.IsZero() {
		publishTime = *req.PublishTime
	}
	scheduled := publishTime.Sub(now) > s.immediate

	var (
		records []*models.PublishRecord
		fresh   []int64
		jobRow  *models.ScheduledJob
	)
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range targets {
			acc := byID[id]
			rec, created, err := s.pr.Create(ctx, tx, &models.PublishRecord{
				FlowID:      req.FlowID,
				UserID:      userID,
				AccountID:   acc.ID,
				Platform:    acc.Platform,
				ContentType: req.Type,
				Category:    req.Category,
				Title:       req.Title,
				Description: req.Desc,
				Topics:      req.Topics,
				VideoURL:    req.VideoURL,
				CoverURL:    req.CoverURL,
				ImageURLs:   req.ImgURLList,
				PublishTime: publishTime,
				Status:      models.StatusUnpublished,
			})
			if err != nil {
				return fmt.Errorf("error creating publish record: %w", err)
			}
			if created {
				fresh = append(fresh, rec.ID)
			}
			records = append(records, rec)
		}
		if !scheduled || len(fresh) == 0 {
			return nil
		}
		if err := s.pr.MarkQueued(ctx, tx, fresh); err != nil {
			return fmt.Errorf("error queueing publish records: %w", err)
		}
		var err error
		jobRow, err = s.jr.Create(ctx, tx, &models.ScheduledJob{FlowID: req.FlowID, RecordIDs: fresh, PublishTime: publishTime})
		if err != nil {
			return fmt.Errorf("error creating scheduled job: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	resp := &transfer.PublishResponse{FlowID: req.FlowID}
	switch {
	case scheduled && jobRow != nil:
		resp.ScheduledJobID = jobRow.ID
		if delay := publishTime.Sub(now); delay <= s.lookahead {
			s.enqueueJob(ctx, jobRow, delay)
		}
		logger.Info().Time("publish_time", publishTime).Int("targets", len(fresh)).Msg("publish scheduled")
	case !scheduled:
		// replays pick up records a failed enqueue left behind
		var waiting []int64
		for _, rec := range records {
			if rec.Status == models.StatusUnpublished {
				waiting = append(waiting, rec.ID)
			}
		}
		if len(waiting) > 0 {
			// ErrAlreadyQueued here means a live task covers exactly these records
			payload := queue.PublishPayload{FlowID: req.FlowID, RecordIDs: waiting, LockKey: models.BatchLockKey(waiting)}
			if err := s.tasks.Enqueue(ctx, payload, 0); err != nil && !errors.Is(err, queue.ErrAlreadyQueued) {
				return nil, failure.Wrap(failure.Transient, err, "could not queue publish")
			}
			logger.Info().Int("targets", len(waiting)).Msg("publish queued")
		}
	}

	return s.FlowStatus(ctx, userID, req.FlowID)
}

// enqueueJob hands a job due inside the lookahead straight to the queue. On
// failure the sweep picks it up later.
func (s *publishService) enqueueJob(ctx context.Context, j *models.ScheduledJob, delay time.Duration) {
	payload := queue.PublishPayload{FlowID: j.FlowID, RecordIDs: j.RecordIDs, LockKey: j.LockKey, JobID: j.ID}
	err := s.tasks.Enqueue(ctx, payload, delay)
	if err != nil && !errors.Is(err, queue.ErrAlreadyQueued) {
		log.Warn().Err(err).Int64("job_id", j.ID).Msg("enqueue scheduled job, leaving it to the sweep")
		return
	}
	if _, err := s.jr.Transition(ctx, j.ID, models.JobEnqueued, models.JobPending); err != nil {
		log.Error().Err(err).Int64("job_id", j.ID).Msg("mark scheduled job enqueued")
	}
}

func (s *publishService) FlowStatus(ctx context.Context, userID int64, flowID string) (*transfer.PublishResponse, error) {
	if flowID == "" {
		return nil, failure.New(failure.Validation, "flowId is required")
	}
	records, err := s.pr.ListByFlowID(ctx, userID, flowID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrRecordNotFound
	}
	statuses := make([]models.PublishStatus, 0, len(records))
	for _, rec := range records {
		statuses = append(statuses, rec.Status)
	}
	return &transfer.PublishResponse{FlowID: flowID, Status: models.Aggregate(statuses), Records: records}, nil
}

func (s *publishService) Record(ctx context.Context, userID, id int64) (*models.PublishRecord, error) {
	if id == 0 {
		return nil, failure.New(failure.Validation, "record id is not valid")
	}
	rec, err := s.pr.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.UserID != userID {
		return nil, ErrRecordNotFound
	}
	return rec, nil
}

func (s *publishService) Lookup(ctx context.Context, userID int64, platform, dataID string) (*models.PublishRecord, error) {
	if platform == "" || dataID == "" {
		return nil, failure.New(failure.Validation, "accountType and dataId are required")
	}
	rec, err := s.pr.GetByDataID(ctx, platform, dataID)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.UserID != userID {
		return nil, ErrRecordNotFound
	}
	return rec, nil
}

// Attempts returns the dispatch history of a record, oldest first.
func (s *publishService) Attempts(ctx context.Context, userID, id int64) ([]*models.PublishAttempt, error) {
	if _, err := s.Record(ctx, userID, id); err != nil {
		return nil, err
	}
	return s.ar.ListByRecordID(ctx, id)
}

// PublishNow pulls a waiting record out of its schedule and runs it right away.
func (s *publishService) PublishNow(ctx context.Context, userID, id int64) (*models.PublishRecord, error) {
	rec, err := s.Record(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != models.StatusQueued && rec.Status != models.StatusUnpublished {
		return nil, failure.Newf(failure.Validation, "record is %s and cannot be published now", rec.Status)
	}

	if err := s.detach(ctx, rec.ID); err != nil {
		return nil, err
	}

	payload := queue.PublishPayload{FlowID: rec.FlowID, RecordIDs: []int64{rec.ID}, LockKey: models.RecordLockKey(rec.ID)}
	if err := s.tasks.Enqueue(ctx, payload, 0); err != nil && !errors.Is(err, queue.ErrAlreadyQueued) {
		return nil, failure.Wrap(failure.Transient, err, "could not queue publish")
	}
	log.Info().Int64("record_id", rec.ID).Str("flow_id", rec.FlowID).Msg("publish now")
	return rec, nil
}

// Remove deletes a record and takes it out of any schedule. A publish already
// running notices the deletion and stops.
func (s *publishService) Remove(ctx context.Context, userID, id int64) error {
	rec, err := s.Record(ctx, userID, id)
	if err != nil {
		return err
	}
	if err := s.detach(ctx, rec.ID); err != nil {
		return err
	}
	if err := s.pr.Remove(ctx, rec.ID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrRecordNotFound
		}
		return fmt.Errorf("error removing publish record: %w", err)
	}
	log.Info().Int64("record_id", rec.ID).Str("flow_id", rec.FlowID).Msg("publish record removed")
	return nil
}

// detach drops the record from its scheduled job and cancels the job's delayed
// task once the job has nothing left to run.
func (s *publishService) detach(ctx context.Context, recordID int64) error {
	j, err := s.jr.FindActiveByRecordID(ctx, recordID)
	if err != nil {
		return fmt.Errorf("find scheduled job: %w", err)
	}
	if j == nil {
		return nil
	}
	remaining, err := s.jr.DetachRecord(ctx, j.ID, recordID)
	if err != nil {
		return fmt.Errorf("detach record from scheduled job: %w", err)
	}
	if remaining > 0 {
		return nil
	}
	if err := s.tasks.Cancel(j.TaskID); err != nil {
		return failure.Wrap(failure.Transient, err, "could not cancel scheduled publish")
	}
	log.Info().Int64("job_id", j.ID).Str("task_id", j.TaskID).Msg("scheduled publish canceled")
	return nil
}
