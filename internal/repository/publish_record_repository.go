package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/rs/zerolog/log"
)

type PublishRecordRepository interface {
	// Create inserts rec unless (flow_id, account_id) already exists. It returns
	// the stored record and whether it was newly created.
	Create(ctx context.Context, tx *sql.Tx, rec *models.PublishRecord) (*models.PublishRecord, bool, error)
	GetByID(ctx context.Context, id int64) (*models.PublishRecord, error)
	ListByIDs(ctx context.Context, ids []int64) ([]*models.PublishRecord, error)
	ListByFlowID(ctx context.Context, userID int64, flowID string) ([]*models.PublishRecord, error)
	GetByDataID(ctx context.Context, platform, dataID string) (*models.PublishRecord, error)
	MarkQueued(ctx context.Context, tx *sql.Tx, ids []int64) error
	// StartDispatch moves a record from unpublished/queued to in_progress. The
	// bool is false when another worker already took it or it is terminal.
	StartDispatch(ctx context.Context, id int64) (*models.PublishRecord, bool, error)
	Finish(ctx context.Context, id int64, out models.Outcome) error
	FinishByDataID(ctx context.Context, platform, dataID string, out models.Outcome) (bool, error)
	Requeue(ctx context.Context, id int64, errMsg string) error
	// AttachWorkLink fills the work link of a released record that has none yet.
	AttachWorkLink(ctx context.Context, platform, dataID, workLink string) (bool, error)
	Exists(ctx context.Context, id int64) (bool, error)
	Remove(ctx context.Context, id int64) error
}

type publishRecordRepository struct {
	db *sql.DB
}

func NewPublishRecordRepository(db *sql.DB) PublishRecordRepository {
	return &publishRecordRepository{db: db}
}

const publishRecordColumns = `id, flow_id, user_id, account_id, platform, content_type, category, title, description,
	topics, video_url, cover_url, image_urls, publish_time, status, data_id, work_link, error_msg,
	error_code, attempts, created_at, updated_at`

func scanPublishRecord(row rowScanner) (*models.PublishRecord, error) {
	var r models.PublishRecord
	err := row.Scan(&r.ID, &r.FlowID, &r.UserID, &r.AccountID, &r.Platform, &r.ContentType, &r.Category, &r.Title,
		&r.Description, &r.Topics, &r.VideoURL, &r.CoverURL, &r.ImageURLs, &r.PublishTime, &r.Status,
		&r.DataID, &r.WorkLink, &r.ErrorMsg, &r.ErrorCode, &r.Attempts, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *publishRecordRepository) Create(ctx context.Context, tx *sql.Tx, rec *models.PublishRecord) (*models.PublishRecord, bool, error) {
	q := pick(r.db, tx)
	query := `
		INSERT INTO publish_records (
			flow_id, user_id, account_id, platform, content_type, category, title, description,
			topics, video_url, cover_url, image_urls, publish_time, status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (flow_id, account_id) DO NOTHING
		RETURNING ` + publishRecordColumns

	created, err := scanPublishRecord(q.QueryRowContext(ctx, query,
		rec.FlowID, rec.UserID, rec.AccountID, rec.Platform, rec.ContentType, rec.Category, rec.Title, rec.Description,
		rec.Topics, rec.VideoURL, rec.CoverURL, rec.ImageURLs, rec.PublishTime, rec.Status,
	))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		log.Error().Err(err).Str("flow_id", rec.FlowID).Msg("insert publish record")
		return nil, false, err
	}

	existing, err := scanPublishRecord(q.QueryRowContext(ctx,
		`SELECT `+publishRecordColumns+` FROM publish_records WHERE flow_id = $1 AND account_id = $2`,
		rec.FlowID, rec.AccountID))
	if err != nil {
		return nil, false, fmt.Errorf("load existing publish record: %w", err)
	}
	return existing, false, nil
}

func (r *publishRecordRepository) GetByID(ctx context.Context, id int64) (*models.PublishRecord, error) {
	rec, err := scanPublishRecord(r.db.QueryRowContext(ctx,
		`SELECT `+publishRecordColumns+` FROM publish_records WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

func (r *publishRecordRepository) ListByIDs(ctx context.Context, ids []int64) ([]*models.PublishRecord, error) {
	return r.list(ctx, `SELECT `+publishRecordColumns+` FROM publish_records WHERE id = ANY($1) ORDER BY id`, pq.Array(ids))
}

func (r *publishRecordRepository) ListByFlowID(ctx context.Context, userID int64, flowID string) ([]*models.PublishRecord, error) {
	return r.list(ctx, `SELECT `+publishRecordColumns+` FROM publish_records WHERE user_id = $1 AND flow_id = $2 ORDER BY id`, userID, flowID)
}

func (r *publishRecordRepository) list(ctx context.Context, query string, args ...any) ([]*models.PublishRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.PublishRecord
	for rows.Next() {
		rec, err := scanPublishRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *publishRecordRepository) GetByDataID(ctx context.Context, platform, dataID string) (*models.PublishRecord, error) {
	rec, err := scanPublishRecord(r.db.QueryRowContext(ctx,
		`SELECT `+publishRecordColumns+` FROM publish_records WHERE platform = $1 AND data_id = $2`, platform, dataID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

func (r *publishRecordRepository) MarkQueued(ctx context.Context, tx *sql.Tx, ids []int64) error {
	_, err := pick(r.db, tx).ExecContext(ctx, `
		UPDATE publish_records
		SET status = $2, updated_at = NOW()
		WHERE id = ANY($1) AND status = $3`,
		pq.Array(ids), models.StatusQueued, models.StatusUnpublished)
	return err
}

func (r *publishRecordRepository) StartDispatch(ctx context.Context, id int64) (*models.PublishRecord, bool, error) {
	allowed := make([]string, 0, len(models.Dispatchable))
	for _, s := range models.Dispatchable {
		allowed = append(allowed, string(s))
	}
	rec, err := scanPublishRecord(r.db.QueryRowContext(ctx, `
		UPDATE publish_records
		SET status = $2, attempts = attempts + 1, error_msg = '', error_code = 0, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)
		RETURNING `+publishRecordColumns,
		id, models.StatusInProgress, pq.Array(allowed)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		log.Error().Err(err).Int64("record_id", id).Msg("start dispatch")
		return nil, false, err
	}
	return rec, true, nil
}

func (r *publishRecordRepository) Finish(ctx context.Context, id int64, out models.Outcome) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE publish_records
		SET status = $2, data_id = COALESCE(NULLIF($3, ''), data_id), work_link = COALESCE(NULLIF($4, ''), work_link),
			error_msg = $5, error_code = $6, updated_at = NOW()
		WHERE id = $1 AND status = $7`,
		id, out.Status, out.DataID, out.WorkLink, out.ErrorMsg, out.ErrorCode, models.StatusInProgress)
	if err != nil {
		return err
	}
	return expectOne(res, ErrInvalidTransition)
}

func (r *publishRecordRepository) FinishByDataID(ctx context.Context, platform, dataID string, out models.Outcome) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE publish_records
		SET status = $3, work_link = COALESCE(NULLIF($4, ''), work_link), error_msg = $5, error_code = $6, updated_at = NOW()
		WHERE platform = $1 AND data_id = $2 AND status = $7`,
		platform, dataID, out.Status, out.WorkLink, out.ErrorMsg, out.ErrorCode, models.StatusInProgress)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *publishRecordRepository) Requeue(ctx context.Context, id int64, errMsg string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE publish_records SET status = $2, error_msg = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4`,
		id, models.StatusQueued, errMsg, models.StatusInProgress)
	if err != nil {
		return err
	}
	return expectOne(res, ErrInvalidTransition)
}

func (r *publishRecordRepository) AttachWorkLink(ctx context.Context, platform, dataID, workLink string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE publish_records SET work_link = $3, updated_at = NOW()
		WHERE platform = $1 AND data_id = $2 AND status = $4 AND work_link = ''`,
		platform, dataID, workLink, models.StatusReleased)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *publishRecordRepository) Exists(ctx context.Context, id int64) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM publish_records WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *publishRecordRepository) Remove(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM publish_records WHERE id = $1`, id)
	if err != nil {
		log.Error().Err(err).Int64("record_id", id).Msg("remove publish record")
		return err
	}
	return expectOne(res, ErrNotFound)
}

func expectOne(res sql.Result, otherwise error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return otherwise
	}
	return nil
}
