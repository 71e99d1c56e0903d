// Command server runs the conversation batching and dispatch bridge: it
// accepts chat-platform webhooks, accumulates them per chat, and drives
// completed batches through classification, destination resolution, and
// duplicate detection into the task-management backend.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nordja/convobridge/internal/config"
	"github.com/nordja/convobridge/internal/contextmgr"
	"github.com/nordja/convobridge/internal/dispatch"
	"github.com/nordja/convobridge/internal/duplicate"
	"github.com/nordja/convobridge/internal/handlers"
	"github.com/nordja/convobridge/internal/mediarouter"
	"github.com/nordja/convobridge/internal/migrate"
	"github.com/nordja/convobridge/internal/queue"
	"github.com/nordja/convobridge/internal/repository"
	"github.com/nordja/convobridge/internal/resolver"
	"github.com/nordja/convobridge/pkg/classifier"
	"github.com/nordja/convobridge/pkg/taskservice"
	"github.com/nordja/convobridge/pkg/transcription"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := migrate.Up(db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	defer redisClient.Close()

	resolverRepo, err := repository.NewResolverRepository(db, cfg.Database)
	if err != nil {
		return fmt.Errorf("build resolver repository: %w", err)
	}
	auditRepo, err := repository.NewDispatchAuditRepository(db)
	if err != nil {
		return fmt.Errorf("build audit repository: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mappings, err := resolverRepo.LoadFolderMappings(ctx)
	if err != nil {
		return fmt.Errorf("load folder mappings: %w", err)
	}

	resolverTaskClient, err := taskservice.NewHTTPClient(
		cfg.Integrations.TaskServiceEndpoint,
		cfg.Integrations.TaskServiceAPIKey,
		taskservice.Options{Timeout: cfg.Integrations.TaskServiceTimeout},
		logger,
	)
	if err != nil {
		return fmt.Errorf("build task service client: %w", err)
	}

	res := resolver.New(mappings, resolverRepo, resolverTaskClient, cfg.Resolver, logger)

	classifierClient, err := classifier.NewHTTPClient(
		cfg.Integrations.ClassifierEndpoint,
		cfg.Integrations.ClassifierAPIKey,
		classifier.Options{Timeout: cfg.Integrations.ClassifierTimeout},
		logger,
	)
	if err != nil {
		return fmt.Errorf("build classifier client: %w", err)
	}

	transcriptionClient, err := transcription.NewHTTPClient(
		cfg.Integrations.TranscriptionEndpoint,
		cfg.Integrations.TranscriptionAPIKey,
		cfg.Integrations.TranscriptionTimeout,
	)
	if err != nil {
		return fmt.Errorf("build transcription client: %w", err)
	}

	producer := dispatch.NewProducer(redisClient, cfg.Dispatch, logger)

	dupCfg := duplicate.Config{
		TextSimilarityThreshold:    cfg.Dispatch.DuplicateTextSimilarity,
		WindowHours:                cfg.Dispatch.DuplicateWindowHours,
		AsNeededElapsedHours:       cfg.Dispatch.AsNeededElapsedHours,
		RecurringAllowedCategories: cfg.Dispatch.RecurringAllowedCategories,
		AsNeededCategories:         cfg.Dispatch.AsNeededCategories,
	}

	consumer := dispatch.NewConsumer(redisClient, cfg.Dispatch, dupCfg, res, classifierClient, resolverTaskClient, auditRepo, logger)
	if err := consumer.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("ensure dispatch consumer group: %w", err)
	}

	queueMap := queue.New(queue.Config{
		SchedulerInterval: time.Duration(cfg.Queue.SchedulerIntervalSecond) * time.Second,
		ContextConfig: contextmgr.Config{
			MaxMessagesPerChat:      cfg.Queue.MaxMessagesPerChat,
			MaxWaitSeconds:          cfg.Queue.MaxWaitSeconds,
			SilenceThresholdSeconds: cfg.Queue.SilenceThresholdSeconds,
			ClosureMarkers:          cfg.Context.ClosureMarkers,
			TopicShiftThreshold:     cfg.Context.TopicShiftThreshold,
			MinSubstantiveWords:     cfg.Context.MinSubstantiveWords,
		},
	}, producer, logger)
	queueMap.StartScheduler()
	defer queueMap.Stop()

	mediaRouter := mediarouter.New(transcriptionClient, producer, queueMap, mediarouter.NoopAnnotationSink{}, logger)

	webhookHandler := handlers.NewWebhookHandler(cfg.Integrations.WebhookSecret, queueMap, mediaRouter, logger)
	adminHandler := handlers.NewAdminHandler(producer)

	router := newRouter(webhookHandler, adminHandler)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	consumerDone := make(chan error, 1)
	go func() {
		consumerDone <- consumer.Run(ctx)
	}()

	reclaimTicker := time.NewTicker(cfg.Dispatch.ClaimMinIdleTime)
	defer reclaimTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-reclaimTicker.C:
				if err := consumer.ReclaimStale(ctx); err != nil {
					logger.Warn("failed to reclaim stale dispatch messages", zap.Error(err))
				}
			}
		}
	}()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("webhook server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-serverErr:
		logger.Error("http server failed", zap.Error(err))
	case err := <-consumerDone:
		if err != nil {
			logger.Error("dispatch consumer exited", zap.Error(err))
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}

	return nil
}

func newRouter(webhookHandler *handlers.WebhookHandler, adminHandler *handlers.AdminHandler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", handlers.HandleHealth)
	r.POST("/webhook", webhookHandler.HandleWebhook)
	r.POST("/admin/dead-letter/:entry_id/replay", adminHandler.HandleReplayDeadLetter)

	return r
}

func openDatabase(cfg config.DatabaseConfig) (*sql.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Name, cfg.User, cfg.Password, cfg.SSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, err
	}
	return db, nil
}
