package repository

import (
	"context"
	"database/sql"
)

type WebhookEventRepository interface {
	// Record stores the event and reports whether it was seen for the first time.
	Record(ctx context.Context, platform, eventKey, event string) (bool, error)
	// Forget drops a recorded event so a redelivery is treated as new.
	Forget(ctx context.Context, platform, eventKey string) error
}

type webhookEventRepository struct {
	db *sql.DB
}

func NewWebhookEventRepository(db *sql.DB) WebhookEventRepository {
	return &webhookEventRepository{db: db}
}

func (r *webhookEventRepository) Record(ctx context.Context, platform, eventKey, event string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO webhook_events (platform, event_key, event)
		VALUES ($1, $2, $3)
		ON CONFLICT (platform, event_key) DO NOTHING`, platform, eventKey, event)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *webhookEventRepository) Forget(ctx context.Context, platform, eventKey string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM webhook_events WHERE platform = $1 AND event_key = $2`, platform, eventKey)
	return err
}
