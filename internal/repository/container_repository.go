package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
	"github.com/maheshrc27/postflow/internal/models"
)

type ContainerRepository interface {
	// Upsert registers a container keyed by (publish_id, platform, item_index).
	// Re-registering the same container id keeps its status; a new container id
	// replaces the row and starts over at created.
	Upsert(ctx context.Context, c *models.MediaContainer) (*models.MediaContainer, error)
	ListUnprocessed(ctx context.Context, publishID int64) ([]*models.MediaContainer, error)
	ListByPublishID(ctx context.Context, publishID int64) ([]*models.MediaContainer, error)
	CountFinished(ctx context.Context, publishID int64) (int, error)
	// Advance applies a forward transition. Backward moves and moves out of a
	// terminal state return ErrInvalidTransition.
	Advance(ctx context.Context, id int64, to models.ContainerStatus, errMsg string) error
	DeleteByPublishID(ctx context.Context, publishID int64) error
}

type containerRepository struct {
	db *sql.DB
}

func NewContainerRepository(db *sql.DB) ContainerRepository {
	return &containerRepository{db: db}
}

const containerColumns = `id, publish_id, platform, item_index, job_id, container_id, category, status, error_msg, created_at, updated_at`

func scanContainer(row rowScanner) (*models.MediaContainer, error) {
	var c models.MediaContainer
	err := row.Scan(&c.ID, &c.PublishID, &c.Platform, &c.ItemIndex, &c.JobID, &c.ContainerID,
		&c.Category, &c.Status, &c.ErrorMsg, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *containerRepository) Upsert(ctx context.Context, c *models.MediaContainer) (*models.MediaContainer, error) {
	query := `
		INSERT INTO media_containers (publish_id, platform, item_index, job_id, container_id, category, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (publish_id, platform, item_index) DO UPDATE SET
			job_id = EXCLUDED.job_id,
			category = EXCLUDED.category,
			status = CASE WHEN media_containers.container_id = EXCLUDED.container_id
				THEN media_containers.status ELSE EXCLUDED.status END,
			error_msg = CASE WHEN media_containers.container_id = EXCLUDED.container_id
				THEN media_containers.error_msg ELSE '' END,
			container_id = EXCLUDED.container_id,
			updated_at = NOW()
		RETURNING ` + containerColumns

	return scanContainer(r.db.QueryRowContext(ctx, query,
		c.PublishID, c.Platform, c.ItemIndex, c.JobID, c.ContainerID, c.Category, models.ContainerCreated))
}

func (r *containerRepository) ListUnprocessed(ctx context.Context, publishID int64) ([]*models.MediaContainer, error) {
	return r.list(ctx, `SELECT `+containerColumns+` FROM media_containers
		WHERE publish_id = $1 AND status = ANY($2) ORDER BY item_index`,
		publishID, pq.Array([]string{string(models.ContainerCreated), string(models.ContainerInProgress)}))
}

func (r *containerRepository) ListByPublishID(ctx context.Context, publishID int64) ([]*models.MediaContainer, error) {
	return r.list(ctx, `SELECT `+containerColumns+` FROM media_containers WHERE publish_id = $1 ORDER BY item_index`, publishID)
}

func (r *containerRepository) list(ctx context.Context, query string, args ...any) ([]*models.MediaContainer, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.MediaContainer
	for rows.Next() {
		c, err := scanContainer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *containerRepository) CountFinished(ctx context.Context, publishID int64) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM media_containers WHERE publish_id = $1 AND status = $2`,
		publishID, models.ContainerFinished).Scan(&n)
	return n, err
}

func (r *containerRepository) Advance(ctx context.Context, id int64, to models.ContainerStatus, errMsg string) error {
	if !to.Valid() {
		return ErrInvalidTransition
	}
	var from []string
	for _, s := range []models.ContainerStatus{models.ContainerCreated, models.ContainerInProgress, models.ContainerFinished, models.ContainerFailed} {
		if s.CanTransitionTo(to) {
			from = append(from, string(s))
		}
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE media_containers SET status = $2, error_msg = $3, updated_at = NOW()
		WHERE id = $1 AND status = ANY($4)`,
		id, to, errMsg, pq.Array(from))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var one int
	err = r.db.QueryRowContext(ctx, `SELECT 1 FROM media_containers WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrInvalidTransition
}

func (r *containerRepository) DeleteByPublishID(ctx context.Context, publishID int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM media_containers WHERE publish_id = $1`, publishID)
	return err
}
