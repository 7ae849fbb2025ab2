package repository

import (
	"context"
	"database/sql"

	"github.com/maheshrc27/postflow/internal/models"
)

type PublishAttemptRepository interface {
	Create(ctx context.Context, a *models.PublishAttempt) (int64, error)
	ListByRecordID(ctx context.Context, recordID int64) ([]*models.PublishAttempt, error)
}

type publishAttemptRepository struct {
	db *sql.DB
}

func NewPublishAttemptRepository(db *sql.DB) PublishAttemptRepository {
	return &publishAttemptRepository{db: db}
}

func (r *publishAttemptRepository) Create(ctx context.Context, a *models.PublishAttempt) (int64, error) {
	query := `
		INSERT INTO publish_attempts (record_id, account_id, attempt, status, error_kind, error_msg)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`

	var id int64
	err := r.db.QueryRowContext(ctx, query, a.RecordID, a.AccountID, a.Attempt, a.Status, a.ErrorKind, a.ErrorMsg).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (r *publishAttemptRepository) ListByRecordID(ctx context.Context, recordID int64) ([]*models.PublishAttempt, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, record_id, account_id, attempt, status, error_kind, error_msg, created_at
		FROM publish_attempts WHERE record_id = $1 ORDER BY id`, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []*models.PublishAttempt
	for rows.Next() {
		var a models.PublishAttempt
		if err := rows.Scan(&a.ID, &a.RecordID, &a.AccountID, &a.Attempt, &a.Status, &a.ErrorKind, &a.ErrorMsg, &a.CreatedAt); err != nil {
			return nil, err
		}
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}
