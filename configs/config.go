package config

import (
	"os"
	"time"

	"github.com/spf13/cast"
)

type R2 struct {
	AccountID  string
	AccessKey  string
	SecretKey  string
	BucketName string
	PublicURL  string
	// Endpoint overrides the account derived R2 endpoint. Used for S3 compatible stores.
	Endpoint string
}

type Chunk struct {
	SizeBytes      int64
	ThresholdBytes int64
	MaxRetries     int
	Concurrency    int
	SessionTTL     time.Duration
}

type Container struct {
	PollInterval time.Duration
	PollTimeout  time.Duration
}

type Schedule struct {
	Lookahead       time.Duration
	SweepInterval   time.Duration
	ImmediateWindow time.Duration
	LockTTL         time.Duration
}

type Config struct {
	Env      string
	LogLevel string
	HTTPAddr string

	InstagramClientID     string
	InstagramClientSecret string
	InstagramGraphURL     string
	TiktokClientKey       string
	TiktokClientSecret    string
	TiktokAPIURL          string
	GoogleClientID        string
	GoogleClientSecret    string

	PostgresURI string
	RedisURI    string

	R2             R2
	MediaStorage   string
	MediaUploadURL string

	SecretKey string
	JWTSecret string

	Chunk     Chunk
	Container Container
	Schedule  Schedule

	DispatchConcurrency int
	WorkerConcurrency   int
	PublishMaxRetry     int
	TokenRefreshSkew    time.Duration
	PlatformRPS         float64
}

func LoadConfig() *Config {
	return &Config{
		Env:      getEnv("APP_ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		HTTPAddr: getEnv("HTTP_ADDR", ":3000"),

		InstagramClientID:     getEnv("INSTAGRAM_CLIENT_ID", ""),
		InstagramClientSecret: getEnv("INSTAGRAM_CLIENT_SECRET", ""),
		InstagramGraphURL:     getEnv("INSTAGRAM_GRAPH_URL", "https://graph.instagram.com/v21.0"),
		TiktokClientKey:       getEnv("TIKTOK_CLIENT_KEY", ""),
		TiktokClientSecret:    getEnv("TIKTOK_CLIENT_SECRET", ""),
		TiktokAPIURL:          getEnv("TIKTOK_API_URL", "https://open.tiktokapis.com/v2"),
		GoogleClientID:        getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret:    getEnv("GOOGLE_CLIENT_SECRET", ""),

		PostgresURI: getEnv("POSTGRES_URI", ""),
		RedisURI:    getEnv("REDIS_URI", "localhost:6379"),

		R2: R2{
			AccountID:  getEnv("R2_ACCOUNT_ID", ""),
			AccessKey:  getEnv("R2_ACCESS_KEY", ""),
			SecretKey:  getEnv("R2_SECRET_KEY", ""),
			BucketName: getEnv("R2_BUCKET_NAME", ""),
			PublicURL:  getEnv("R2_PUBLIC_URL", ""),
			Endpoint:   getEnv("R2_ENDPOINT", ""),
		},
		MediaStorage:   getEnv("MEDIA_STORAGE", "r2"),
		MediaUploadURL: getEnv("MEDIA_UPLOAD_URL", ""),

		SecretKey: getEnv("SECRET_KEY", ""),
		JWTSecret: getEnv("JWT_SECRET", ""),

		Chunk: Chunk{
			SizeBytes:      getInt64("CHUNK_SIZE_BYTES", 5*1024*1024),
			ThresholdBytes: getInt64("CHUNK_THRESHOLD_BYTES", 10*1024*1024),
			MaxRetries:     getInt("CHUNK_MAX_RETRIES", 2),
			Concurrency:    getInt("CHUNK_CONCURRENCY", 1),
			SessionTTL:     getDuration("CHUNK_SESSION_TTL", 24*time.Hour),
		},
		Container: Container{
			PollInterval: getDuration("CONTAINER_POLL_INTERVAL", 5*time.Second),
			PollTimeout:  getDuration("CONTAINER_POLL_TIMEOUT", 10*time.Minute),
		},
		Schedule: Schedule{
			Lookahead:       getDuration("SCHEDULE_LOOKAHEAD", time.Hour),
			SweepInterval:   getDuration("SCHEDULE_SWEEP_INTERVAL", time.Minute),
			ImmediateWindow: getDuration("IMMEDIATE_WINDOW", time.Minute),
			LockTTL:         getDuration("LOCK_TTL", 15*time.Minute),
		},

		DispatchConcurrency: getInt("DISPATCH_CONCURRENCY", 10),
		WorkerConcurrency:   getInt("WORKER_CONCURRENCY", 10),
		PublishMaxRetry:     getInt("PUBLISH_MAX_RETRY", 3),
		TokenRefreshSkew:    getDuration("TOKEN_REFRESH_SKEW", 5*time.Minute),
		PlatformRPS:         cast.ToFloat64(getEnv("PLATFORM_RPS", "5")),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	v, err := cast.ToIntE(getEnv(key, ""))
	if err != nil || v <= 0 {
		return defaultValue
	}
	return v
}

func getInt64(key string, defaultValue int64) int64 {
	v, err := cast.ToInt64E(getEnv(key, ""))
	if err != nil || v <= 0 {
		return defaultValue
	}
	return v
}

// getDuration accepts Go duration strings ("90s", "1h") and bare integers as nanoseconds.
func getDuration(key string, defaultValue time.Duration) time.Duration {
	v, err := cast.ToDurationE(getEnv(key, ""))
	if err != nil || v <= 0 {
		return defaultValue
	}
	return v
}
