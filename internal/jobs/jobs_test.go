package job

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/maheshrc27/postflow/internal/adapter"
	"github.com/maheshrc27/postflow/internal/failure"
	"github.com/maheshrc27/postflow/internal/lock"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/queue"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocker(t *testing.T) lock.Locker {
	mr := miniredis.RunT(t)
	return lock.NewRedisLocker(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

type enqueued struct {
	payload queue.PublishPayload
	delay   time.Duration
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks map[string]enqueued
	err   error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, p queue.PublishPayload, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if _, ok := f.tasks[p.LockKey]; ok {
		return queue.ErrAlreadyQueued
	}
	f.tasks[p.LockKey] = enqueued{p, delay}
	return nil
}

type fakeJobs struct {
	mu   sync.Mutex
	rows []*models.ScheduledJob
}

func (f *fakeJobs) ListDue(_ context.Context, before time.Time, limit int) ([]*models.ScheduledJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.ScheduledJob
	for _, j := range f.rows {
		if j.Status == models.JobPending && !j.PublishTime.After(before) && len(out) < limit {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeJobs) Transition(_ context.Context, id int64, to models.JobStatus, from ...models.JobStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.rows {
		if j.ID != id {
			continue
		}
		for _, s := range from {
			if j.Status == s {
				j.Status = to
				return true, nil
			}
		}
		return false, nil
	}
	return false, nil
}

func TestDelayUntil(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, int64(1800000), DelayUntil(now.Add(30*time.Minute), now, time.Hour).Milliseconds())
	assert.Equal(t, time.Duration(0), DelayUntil(now.Add(-time.Minute), now, time.Hour))
	assert.Equal(t, time.Hour, DelayUntil(now.Add(3*time.Hour), now, time.Hour))
}

func TestScheduleSweepEnqueuesDueJobsOnce(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	jobs := &fakeJobs{rows: []*models.ScheduledJob{
		{ID: 1, FlowID: "soon", RecordIDs: []int64{11, 12}, PublishTime: now.Add(30 * time.Minute), LockKey: models.JobLockKey(1), Status: models.JobPending},
		{ID: 2, FlowID: "late", RecordIDs: []int64{21}, PublishTime: now.Add(5 * time.Hour), LockKey: models.JobLockKey(2), Status: models.JobPending},
		{ID: 3, FlowID: "overdue", RecordIDs: []int64{31}, PublishTime: now.Add(-time.Minute), LockKey: models.JobLockKey(3), Status: models.JobPending},
	}}
	enq := &fakeEnqueuer{tasks: map[string]enqueued{}}
	s := NewScheduleSweepJob(jobs, enq, newLocker(t), time.Hour, time.Minute)
	s.now = func() time.Time { return now }

	s.Sweep()
	require.Len(t, enq.tasks, 2)
	soon := enq.tasks["publish-job-1"]
	assert.Equal(t, 30*time.Minute, soon.delay)
	assert.Equal(t, []int64{11, 12}, soon.payload.RecordIDs)
	assert.EqualValues(t, 1, soon.payload.JobID)
	assert.Equal(t, time.Duration(0), enq.tasks["publish-job-3"].delay)

	assert.Equal(t, models.JobEnqueued, jobs.rows[0].Status)
	assert.Equal(t, models.JobPending, jobs.rows[1].Status)

	// a second sweep finds nothing pending
	s.Sweep()
	assert.Len(t, enq.tasks, 2)
}

func TestScheduleSweepTreatsConflictAsEnqueued(t *testing.T) {
	now := time.Now()
	jobs := &fakeJobs{rows: []*models.ScheduledJob{
		{ID: 4, RecordIDs: []int64{1}, PublishTime: now, LockKey: models.JobLockKey(4), Status: models.JobPending},
	}}
	enq := &fakeEnqueuer{tasks: map[string]enqueued{"publish-job-4": {}}}
	NewScheduleSweepJob(jobs, enq, newLocker(t), time.Hour, time.Minute).Sweep()
	assert.Equal(t, models.JobEnqueued, jobs.rows[0].Status)
}

func TestScheduleSweepKeepsJobPendingOnError(t *testing.T) {
	jobs := &fakeJobs{rows: []*models.ScheduledJob{
		{ID: 5, RecordIDs: []int64{1}, PublishTime: time.Now(), LockKey: models.JobLockKey(5), Status: models.JobPending},
	}}
	enq := &fakeEnqueuer{tasks: map[string]enqueued{}, err: errors.New("redis down")}
	NewScheduleSweepJob(jobs, enq, newLocker(t), time.Hour, time.Minute).Sweep()
	assert.Equal(t, models.JobPending, jobs.rows[0].Status)
}

func TestScheduleSweepSkipsWhileAnotherInstanceSweeps(t *testing.T) {
	locker := newLocker(t)
	_, ok, err := locker.TryAcquire(context.Background(), sweepLockKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	jobs := &fakeJobs{rows: []*models.ScheduledJob{
		{ID: 6, RecordIDs: []int64{1}, PublishTime: time.Now(), LockKey: models.JobLockKey(6), Status: models.JobPending},
	}}
	enq := &fakeEnqueuer{tasks: map[string]enqueued{}}
	NewScheduleSweepJob(jobs, enq, locker, time.Hour, time.Minute).Sweep()
	assert.Empty(t, enq.tasks)
}

type fakeExpiring struct{ accounts []*models.SocialAccount }

func (f fakeExpiring) ListExpiring(context.Context, time.Time) ([]*models.SocialAccount, error) {
	return f.accounts, nil
}

type fakeRefresher struct {
	mu        sync.Mutex
	refreshed []int64
}

func (f *fakeRefresher) Refresh(_ context.Context, acc *models.SocialAccount, _ adapter.Adapter) (adapter.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed = append(f.refreshed, acc.ID)
	if acc.ID == 3 {
		return adapter.Credential{}, failure.New(failure.AuthExpired, "revoked")
	}
	return adapter.Credential{AccessToken: "new"}, nil
}

type namedAdapter string

func (n namedAdapter) Platform() string               { return string(n) }
func (n namedAdapter) Capability() adapter.Capability { return adapter.SingleShot }
func (n namedAdapter) Accepts(string) bool            { return true }
func (n namedAdapter) Publish(context.Context, adapter.Target, adapter.Payload) (*adapter.Result, error) {
	return nil, nil
}
func (n namedAdapter) RefreshCredential(context.Context, adapter.Credential) (*adapter.Credential, error) {
	return nil, nil
}

func TestTokenRefreshJob(t *testing.T) {
	accounts := fakeExpiring{accounts: []*models.SocialAccount{
		{ID: 1, Platform: "youtube"},
		{ID: 2, Platform: "tiktok"},
		{ID: 3, Platform: "youtube"},
		{ID: 4, Platform: "myspace"},
	}}
	r := &fakeRefresher{}
	registry := adapter.NewRegistry(namedAdapter("youtube"), namedAdapter("tiktok"))

	NewTokenRefreshJob(accounts, registry, r, newLocker(t), time.Minute).RefreshTokens()
	assert.ElementsMatch(t, []int64{1, 2, 3}, r.refreshed)
}
