package chunked

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/maheshrc27/postflow/internal/models"
	"github.com/redis/go-redis/v9"
)

type SessionStore interface {
	// Load returns nil, nil when no session exists for key.
	Load(ctx context.Context, key string) (*models.UploadSession, error)
	Save(ctx context.Context, s *models.UploadSession) error
	Delete(ctx context.Context, key string) error
}

type redisSessionStore struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewRedisSessionStore keeps sessions as JSON blobs that expire after ttl,
// so abandoned uploads clean themselves up.
func NewRedisSessionStore(rdb redis.UniversalClient, ttl time.Duration) SessionStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &redisSessionStore{rdb: rdb, ttl: ttl}
}

func sessionKey(key string) string {
	return "upload-session:" + key
}

func (s *redisSessionStore) Load(ctx context.Context, key string) (*models.UploadSession, error) {
	raw, err := s.rdb.Get(ctx, sessionKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load upload session: %w", err)
	}
	var sess models.UploadSession
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decode upload session: %w", err)
	}
	return &sess, nil
}

func (s *redisSessionStore) Save(ctx context.Context, sess *models.UploadSession) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode upload session: %w", err)
	}
	return s.rdb.Set(ctx, sessionKey(sess.Key), raw, s.ttl).Err()
}

func (s *redisSessionStore) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, sessionKey(key)).Err()
}
