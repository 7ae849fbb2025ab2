package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/maheshrc27/postflow/internal/models"
)

type ScheduledJobRepository interface {
	Create(ctx context.Context, tx *sql.Tx, job *models.ScheduledJob) (*models.ScheduledJob, error)
	GetByID(ctx context.Context, id int64) (*models.ScheduledJob, error)
	// ListDue returns pending jobs whose publish time is at or before before.
	ListDue(ctx context.Context, before time.Time, limit int) ([]*models.ScheduledJob, error)
	// FindActiveByRecordID returns the pending or enqueued job holding recordID.
	FindActiveByRecordID(ctx context.Context, recordID int64) (*models.ScheduledJob, error)
	// Transition moves a job from one of from to to. It returns false if the job was not in from.
	Transition(ctx context.Context, id int64, to models.JobStatus, from ...models.JobStatus) (bool, error)
	// DetachRecord drops recordID from the job and cancels the job once it
	// holds no records. remaining is the record count after the update.
	DetachRecord(ctx context.Context, id, recordID int64) (remaining int, err error)
}

type scheduledJobRepository struct {
	db *sql.DB
}

func NewScheduledJobRepository(db *sql.DB) ScheduledJobRepository {
	return &scheduledJobRepository{db: db}
}

const scheduledJobColumns = `id, flow_id, record_ids, publish_time, lock_key, task_id, status, created_at, updated_at`

func scanScheduledJob(row rowScanner) (*models.ScheduledJob, error) {
	var j models.ScheduledJob
	err := row.Scan(&j.ID, &j.FlowID, &j.RecordIDs, &j.PublishTime, &j.LockKey, &j.TaskID, &j.Status, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *scheduledJobRepository) Create(ctx context.Context, tx *sql.Tx, job *models.ScheduledJob) (*models.ScheduledJob, error) {
	q := pick(r.db, tx)

	var id int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO scheduled_jobs (flow_id, record_ids, publish_time, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		job.FlowID, pq.Array([]int64(job.RecordIDs)), job.PublishTime, models.JobPending).Scan(&id)
	if err != nil {
		return nil, err
	}

	key := models.JobLockKey(id)
	return scanScheduledJob(q.QueryRowContext(ctx, `
		UPDATE scheduled_jobs SET lock_key = $2, task_id = $2 WHERE id = $1
		RETURNING `+scheduledJobColumns, id, key))
}

func (r *scheduledJobRepository) GetByID(ctx context.Context, id int64) (*models.ScheduledJob, error) {
	j, err := scanScheduledJob(r.db.QueryRowContext(ctx, `SELECT `+scheduledJobColumns+` FROM scheduled_jobs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

func (r *scheduledJobRepository) ListDue(ctx context.Context, before time.Time, limit int) ([]*models.ScheduledJob, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+scheduledJobColumns+` FROM scheduled_jobs
		WHERE status = $1 AND publish_time <= $2
		ORDER BY publish_time
		LIMIT $3`, models.JobPending, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.ScheduledJob
	for rows.Next() {
		j, err := scanScheduledJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (r *scheduledJobRepository) FindActiveByRecordID(ctx context.Context, recordID int64) (*models.ScheduledJob, error) {
	j, err := scanScheduledJob(r.db.QueryRowContext(ctx, `
		SELECT `+scheduledJobColumns+` FROM scheduled_jobs
		WHERE $1 = ANY(record_ids) AND status = ANY($2)
		ORDER BY id DESC LIMIT 1`,
		recordID, pq.Array([]string{string(models.JobPending), string(models.JobEnqueued)})))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

func (r *scheduledJobRepository) Transition(ctx context.Context, id int64, to models.JobStatus, from ...models.JobStatus) (bool, error) {
	states := make([]string, 0, len(from))
	for _, s := range from {
		states = append(states, string(s))
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)`, id, to, pq.Array(states))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *scheduledJobRepository) DetachRecord(ctx context.Context, id, recordID int64) (int, error) {
	var remaining int
	err := r.db.QueryRowContext(ctx, `
		UPDATE scheduled_jobs
		SET record_ids = array_remove(record_ids, $2),
			status = CASE WHEN cardinality(array_remove(record_ids, $2)) = 0 THEN $3 ELSE status END,
			updated_at = NOW()
		WHERE id = $1
		RETURNING cardinality(record_ids)`, id, recordID, models.JobCanceled).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return remaining, err
}
