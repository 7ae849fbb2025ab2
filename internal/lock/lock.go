// Package lock provides an expiring Redis lease used to guarantee that a
// scheduled side effect runs at most once across worker processes.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var ErrNotHeld = errors.New("lease no longer held")

const keyPrefix = "lock:"

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

type Locker interface {
	// TryAcquire returns ok=false without error when someone else holds key.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lease, bool, error)
}

type Lease struct {
	rdb       redis.UniversalClient
	key       string
	token     string
	ExpiresAt time.Time
}

func (l *Lease) Key() string { return l.key }

// Release deletes the lease if it is still ours.
func (l *Lease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.rdb, []string{keyPrefix + l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Extend pushes the expiry to ttl from now if the lease is still ours.
func (l *Lease) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.rdb, []string{keyPrefix + l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("extend %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	l.ExpiresAt = time.Now().Add(ttl)
	return nil
}

type redisLocker struct {
	rdb redis.UniversalClient
}

func NewRedisLocker(rdb redis.UniversalClient) Locker {
	return &redisLocker{rdb: rdb}
}

func (r *redisLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lease, bool, error) {
	if ttl <= 0 {
		return nil, false, fmt.Errorf("lock %s: ttl must be positive", key)
	}
	token := uuid.NewString()
	ok, err := r.rdb.SetNX(ctx, keyPrefix+key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lease{rdb: r.rdb, key: key, token: token, ExpiresAt: time.Now().Add(ttl)}, true, nil
}

// Run executes fn only if key can be acquired. ran is false when another
// holder owns the lease, in which case fn is skipped. The lease is extended
// every ttl/3 while fn runs; if it is lost, fn's context is canceled.
func Run(ctx context.Context, l Locker, key string, ttl time.Duration, fn func(ctx context.Context) error) (ran bool, err error) {
	lease, ok, err := l.TryAcquire(ctx, key, ttl)
	if err != nil {
		return false, err
	}
	if !ok {
		log.Debug().Str("lock_key", key).Msg("lock held elsewhere, skipping")
		return false, nil
	}

	fnCtx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		keepAlive(fnCtx, lease, ttl, done, cancel)
	}()

	defer func() {
		close(done)
		<-stopped
		cancel(nil)
		if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
			log.Warn().Err(rerr).Str("lock_key", key).Msg("lease release failed")
		}
	}()
	return true, fn(fnCtx)
}

func keepAlive(ctx context.Context, lease *Lease, ttl time.Duration, done <-chan struct{}, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := lease.Extend(context.WithoutCancel(ctx), ttl)
			if errors.Is(err, ErrNotHeld) {
				log.Error().Str("lock_key", lease.key).Msg("lease lost while running")
				cancel(ErrNotHeld)
				return
			}
			if err != nil {
				// transient redis error; the lease is still valid until ExpiresAt
				log.Warn().Err(err).Str("lock_key", lease.key).Msg("lease extend failed")
			}
		}
	}
}
