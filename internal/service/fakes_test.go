package service

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/queue"
	"github.com/maheshrc27/postflow/internal/repository"
)

func noTx(_ context.Context, fn func(tx *sql.Tx) error) error { return fn(nil) }

type memAttempts map[int64][]*models.PublishAttempt

func (m memAttempts) ListByRecordID(_ context.Context, recordID int64) ([]*models.PublishAttempt, error) {
	return m[recordID], nil
}

type memRecords struct {
	mu   sync.Mutex
	next int64
	rows map[int64]*models.PublishRecord
}

func newMemRecords() *memRecords {
	return &memRecords{rows: map[int64]*models.PublishRecord{}}
}

func (m *memRecords) Create(_ context.Context, _ *sql.Tx, rec *models.PublishRecord) (*models.PublishRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.FlowID == rec.FlowID && r.AccountID == rec.AccountID {
			cp := *r
			return &cp, false, nil
		}
	}
	m.next++
	row := *rec
	row.ID = m.next
	m.rows[row.ID] = &row
	cp := row
	return &cp, true, nil
}

func (m *memRecords) GetByID(_ context.Context, id int64) (*models.PublishRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *memRecords) ListByIDs(_ context.Context, ids []int64) ([]*models.PublishRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.PublishRecord
	for _, id := range ids {
		if r, ok := m.rows[id]; ok {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memRecords) ListByFlowID(_ context.Context, userID int64, flowID string) ([]*models.PublishRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.PublishRecord
	for id := int64(1); id <= m.next; id++ {
		if r, ok := m.rows[id]; ok && r.FlowID == flowID && r.UserID == userID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memRecords) GetByDataID(_ context.Context, platform, dataID string) (*models.PublishRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.Platform == platform && r.DataID == dataID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memRecords) MarkQueued(_ context.Context, _ *sql.Tx, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if r := m.rows[id]; r != nil && r.Status == models.StatusUnpublished {
			r.Status = models.StatusQueued
		}
	}
	return nil
}

func (m *memRecords) StartDispatch(_ context.Context, id int64) (*models.PublishRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rows[id]
	if r == nil || (r.Status != models.StatusQueued && r.Status != models.StatusUnpublished) {
		return nil, false, nil
	}
	r.Status = models.StatusInProgress
	cp := *r
	return &cp, true, nil
}

func (m *memRecords) Finish(_ context.Context, id int64, out models.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rows[id]
	if r == nil || r.Status != models.StatusInProgress {
		return repository.ErrInvalidTransition
	}
	r.Status, r.ErrorMsg, r.ErrorCode = out.Status, out.ErrorMsg, out.ErrorCode
	if out.DataID != "" {
		r.DataID = out.DataID
	}
	if out.WorkLink != "" {
		r.WorkLink = out.WorkLink
	}
	return nil
}

func (m *memRecords) FinishByDataID(_ context.Context, platform, dataID string, out models.Outcome) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.Platform == platform && r.DataID == dataID && r.Status == models.StatusInProgress {
			r.Status, r.ErrorMsg, r.ErrorCode = out.Status, out.ErrorMsg, out.ErrorCode
			if out.WorkLink != "" {
				r.WorkLink = out.WorkLink
			}
			return true, nil
		}
	}
	return false, nil
}

func (m *memRecords) AttachWorkLink(_ context.Context, platform, dataID, link string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.Platform == platform && r.DataID == dataID && r.Status == models.StatusReleased && r.WorkLink == "" {
			r.WorkLink = link
			return true, nil
		}
	}
	return false, nil
}

func (m *memRecords) Requeue(_ context.Context, id int64, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rows[id]
	if r == nil || r.Status != models.StatusInProgress {
		return repository.ErrInvalidTransition
	}
	r.Status, r.ErrorMsg = models.StatusQueued, msg
	return nil
}

func (m *memRecords) Exists(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rows[id]
	return ok, nil
}

func (m *memRecords) Remove(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[id]; !ok {
		return repository.ErrNotFound
	}
	delete(m.rows, id)
	return nil
}

type memJobs struct {
	mu   sync.Mutex
	next int64
	rows map[int64]*models.ScheduledJob
}

func newMemJobs() *memJobs {
	return &memJobs{rows: map[int64]*models.ScheduledJob{}}
}

func (m *memJobs) Create(_ context.Context, _ *sql.Tx, j *models.ScheduledJob) (*models.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	row := *j
	row.ID = m.next
	row.Status = models.JobPending
	row.LockKey = models.JobLockKey(row.ID)
	row.TaskID = row.LockKey
	m.rows[row.ID] = &row
	cp := row
	return &cp, nil
}

func (m *memJobs) GetByID(_ context.Context, id int64) (*models.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.rows[id]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (m *memJobs) ListDue(_ context.Context, before time.Time, limit int) ([]*models.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ScheduledJob
	for _, j := range m.rows {
		if j.Status == models.JobPending && !j.PublishTime.After(before) && len(out) < limit {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memJobs) FindActiveByRecordID(_ context.Context, recordID int64) (*models.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.rows {
		if j.Status != models.JobPending && j.Status != models.JobEnqueued {
			continue
		}
		for _, id := range j.RecordIDs {
			if id == recordID {
				cp := *j
				cp.RecordIDs = append([]int64(nil), j.RecordIDs...)
				return &cp, nil
			}
		}
	}
	return nil, nil
}

func (m *memJobs) Transition(_ context.Context, id int64, to models.JobStatus, from ...models.JobStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.rows[id]
	if j == nil {
		return false, nil
	}
	for _, s := range from {
		if j.Status == s {
			j.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (m *memJobs) DetachRecord(_ context.Context, id, recordID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.rows[id]
	if j == nil {
		return 0, nil
	}
	kept := make([]int64, 0, len(j.RecordIDs))
	for _, r := range j.RecordIDs {
		if r != recordID {
			kept = append(kept, r)
		}
	}
	j.RecordIDs = kept
	if len(kept) == 0 {
		j.Status = models.JobCanceled
	}
	return len(kept), nil
}

type memAccounts struct {
	rows map[int64]*models.SocialAccount
}

func (m memAccounts) ListByIDs(_ context.Context, userID int64, ids []int64) ([]*models.SocialAccount, error) {
	var out []*models.SocialAccount
	for _, id := range ids {
		if a, ok := m.rows[id]; ok && a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m memAccounts) GetByID(_ context.Context, id int64) (*models.SocialAccount, error) {
	return m.rows[id], nil
}

type enqueuedTask struct {
	payload queue.PublishPayload
	delay   time.Duration
}

// fakeQueue mirrors asynq TaskID semantics: a live task id cannot be reused.
type fakeQueue struct {
	mu       sync.Mutex
	live     map[string]enqueuedTask
	history  []enqueuedTask
	canceled []string
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{live: map[string]enqueuedTask{}}
}

func (f *fakeQueue) Enqueue(_ context.Context, p queue.PublishPayload, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live[p.LockKey]; ok {
		return queue.ErrAlreadyQueued
	}
	t := enqueuedTask{payload: p, delay: delay}
	f.live[p.LockKey] = t
	f.history = append(f.history, t)
	return nil
}

func (f *fakeQueue) Cancel(taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, taskID)
	f.canceled = append(f.canceled, taskID)
	return nil
}
