package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	config "github.com/maheshrc27/postflow/configs"
	"github.com/maheshrc27/postflow/internal/adapter"
	"github.com/maheshrc27/postflow/internal/api/handlers"
	"github.com/maheshrc27/postflow/internal/api/middleware"
	"github.com/maheshrc27/postflow/internal/chunked"
	"github.com/maheshrc27/postflow/internal/container"
	"github.com/maheshrc27/postflow/internal/dispatch"
	job "github.com/maheshrc27/postflow/internal/jobs"
	"github.com/maheshrc27/postflow/internal/lock"
	"github.com/maheshrc27/postflow/internal/queue"
	"github.com/maheshrc27/postflow/internal/repository"
	"github.com/maheshrc27/postflow/internal/service"
	"github.com/maheshrc27/postflow/internal/storage"
	"github.com/maheshrc27/postflow/internal/transport"
	applog "github.com/maheshrc27/postflow/pkg/logger"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

func main() {
	envErr := godotenv.Load()

	cfg := config.LoadConfig()
	applog.Setup(cfg.Env, cfg.LogLevel)
	if envErr != nil {
		log.Warn().Err(envErr).Msg("failed to load .env, using process environment")
	}

	db, err := sql.Open("postgres", cfg.PostgresURI)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}

	if err := db.Ping(); err != nil {
		log.Fatal().Err(err).Msg("database is unreachable")
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisURI})
	defer rdb.Close()
	locker := lock.NewRedisLocker(rdb)

	redisConn := asynq.RedisClientOpt{Addr: cfg.RedisURI}
	client := asynq.NewClient(redisConn)
	defer client.Close()
	inspector := asynq.NewInspector(redisConn)
	defer inspector.Close()

	recordRepo := repository.NewPublishRecordRepository(db)
	jobRepo := repository.NewScheduledJobRepository(db)
	accountRepo := repository.NewSocialAccountRepository(db)
	containerRepo := repository.NewContainerRepository(db)
	attemptRepo := repository.NewPublishAttemptRepository(db)
	eventRepo := repository.NewWebhookEventRepository(db)

	tr := transport.New(2*time.Minute, transport.WithRateLimit(cfg.PlatformRPS))
	machine := container.NewMachine(containerRepo, cfg.Container.PollInterval, cfg.Container.PollTimeout)
	pipeline := chunked.NewPipeline(chunked.Options{
		ChunkSize:   cfg.Chunk.SizeBytes,
		MaxRetries:  cfg.Chunk.MaxRetries,
		Concurrency: cfg.Chunk.Concurrency,
	}, chunked.NewRedisSessionStore(rdb, cfg.Chunk.SessionTTL))

	registry := adapter.NewRegistry(
		adapter.NewYoutube(adapter.YoutubeOptions{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			ChunkSize:    int(cfg.Chunk.SizeBytes),
		}),
		adapter.NewInstagram(tr, machine, recordRepo, cfg.InstagramGraphURL),
		adapter.NewTiktok(tr, pipeline, adapter.TiktokOptions{
			APIURL:         cfg.TiktokAPIURL,
			ClientKey:      cfg.TiktokClientKey,
			ClientSecret:   cfg.TiktokClientSecret,
			ChunkThreshold: cfg.Chunk.ThresholdBytes,
		}),
	)

	var (
		smallPut service.ObjectPutter
		chunks   chunked.Client
	)
	switch cfg.MediaStorage {
	case "r2":
		s3Client, err := storage.NewR2Client(context.Background(), cfg.R2)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to build r2 client")
		}
		store := storage.NewR2Store(s3Client, cfg.R2.BucketName, cfg.R2.PublicURL)
		smallPut, chunks = store, store.Multipart()
	default:
		chunks = chunked.NewHTTPClient(cfg.MediaUploadURL, tr, nil)
	}

	creds := dispatch.NewCredentials(accountRepo, cfg.SecretKey, cfg.TokenRefreshSkew)
	dispatcher := dispatch.NewDispatcher(recordRepo, accountRepo, attemptRepo, registry, creds, cfg.DispatchConcurrency)
	publisher := queue.NewPublisher(client, inspector, cfg.PublishMaxRetry)

	publishService := service.NewPublishService(db, recordRepo, jobRepo, attemptRepo, accountRepo, publisher, registry,
		cfg.Schedule.ImmediateWindow, cfg.Schedule.Lookahead)
	mediaService := service.NewMediaService(smallPut, chunks, pipeline, cfg.Chunk.ThresholdBytes)
	webhookService := service.NewWebhookService(recordRepo, eventRepo, accountRepo, cfg.TiktokClientSecret)

	app := fiber.New(fiber.Config{
		ReadTimeout:  10 * time.Minute,
		WriteTimeout: 10 * time.Minute,
		BodyLimit:    512 * 1024 * 1024,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			log.Error().Err(err).Str("path", c.Path()).Msg("unhandled error")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
		},
	})

	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOriginsFunc: func(origin string) bool {
			return true
		},
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
		AllowCredentials: true,
		MaxAge:           3600,
	}))

	authMiddleware := middleware.NewAuthMiddleware(cfg.JWTSecret)

	webhooks := handlers.NewWebhookHandler(webhookService)
	app.Post("/webhooks/tiktok", webhooks.Tiktok)

	api := app.Group("/api")
	api.Use(authMiddleware.AuthMiddleware())

	publish := handlers.NewPublishHandler(publishService)
	api.Post("/publish", publish.CreatePublish)
	api.Get("/publish/flow/:flowId", publish.FlowStatus)
	api.Get("/publish/lookup", publish.Lookup)
	api.Get("/publish/:id", publish.Record)
	api.Get("/publish/:id/attempts", publish.Attempts)
	api.Post("/publish/:id/now", publish.PublishNow)
	api.Delete("/publish/:id", publish.Remove)

	media := handlers.NewMediaHandler(mediaService)
	api.Post("/media", media.Upload)

	// cron jobs
	sweepJob := job.NewScheduleSweepJob(jobRepo, publisher, locker, cfg.Schedule.Lookahead, cfg.Schedule.LockTTL)
	refreshTokenJob := job.NewTokenRefreshJob(accountRepo, registry, creds, locker, cfg.Schedule.LockTTL)

	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", cfg.Schedule.SweepInterval), sweepJob.Sweep); err != nil {
		log.Fatal().Err(err).Msg("invalid sweep interval")
	}
	if _, err := c.AddFunc("@every 10m", refreshTokenJob.RefreshTokens); err != nil {
		log.Fatal().Err(err).Msg("invalid token refresh interval")
	}
	c.Start()

	//queue
	queueW := queue.NewQueue(dispatcher, recordRepo, jobRepo, locker, cfg.Schedule.LockTTL)

	server := asynq.NewServer(redisConn, asynq.Config{
		Concurrency:    cfg.WorkerConcurrency,
		Queues:         map[string]int{queue.QueueDefault: 1},
		RetryDelayFunc: queue.RetryDelay,
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TaskTypePublish, queueW.HandlePublishTask)

	log.Info().Msg("starting the asynq server")
	if err := server.Start(mux); err != nil {
		log.Fatal().Err(err).Msg("could not start asynq server")
	}

	go func() {
		if err := app.Listen(cfg.HTTPAddr); err != nil {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()
	log.Info().Str("addr", cfg.HTTPAddr).Msg("server is running")

	gracefulShutdown(app, server, c, db)
}

func closeDB(db *sql.DB) {
	fmt.Fprint(os.Stdout, "Closing database connection... ")
	if err := db.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to close database: %v", err)
		return
	}
	fmt.Fprintln(os.Stdout, "Done")
}

func gracefulShutdown(app *fiber.App, server *asynq.Server, c *cron.Cron, db *sql.DB) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	log.Info().Msg("shutting down server")

	<-c.Stop().Done()
	server.Shutdown()

	if err := app.Shutdown(); err != nil {
		log.Error().Err(err).Msg("failed to shut down http server")
	}

	closeDB(db)
	log.Info().Msg("server shutdown complete")
}
