package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"rotation-service/internal/api"
	"rotation-service/internal/cache"
	"rotation-service/internal/config"
	"rotation-service/internal/db"
	"rotation-service/internal/dispatch"
	"rotation-service/internal/events"
	"rotation-service/internal/logging"
	"rotation-service/internal/pipeline"
	"rotation-service/internal/scheduler"
	"rotation-service/internal/state"
)

func main() {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Logging.Dir, cfg.Logging.Level)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}

	loc, err := cfg.Location()
	if err != nil {
		log.Fatalf("Failed to resolve rotation time zone: %v", err)
	}

	// Connect to database
	dbConn, err := db.New(cfg.DB.DSN)
	if err != nil {
		logger.Errorf("Failed to connect to database: %v", err)
		log.Fatalf("Database connection failed: %v", err)
	}
	defer dbConn.Close()

	// Optional read-through cache
	var redisClient *redis.Client
	if cfg.Cache.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})
		defer redisClient.Close()
	}
	stateCache := cache.New(redisClient, cfg.Cache.TTL)

	// Chat platform dispatch
	var (
		dispatcher dispatch.Dispatcher
		reporter   dispatch.Reporter
	)
	switch cfg.Chat.Platform {
	case config.PlatformSlack:
		s, err := dispatch.NewSlack(dispatch.SlackOptions{
			Token:           cfg.Chat.SlackToken,
			ChannelID:       cfg.Chat.SlackChannelID,
			GroupID:         cfg.Chat.SlackGroupID,
			OperatorChannel: cfg.Chat.OperatorChannel,
			RatePerSecond:   cfg.Dispatch.RatePerSecond,
			MaxRetries:      cfg.Dispatch.MaxRetries,
			RetryDelay:      cfg.Dispatch.RetryDelay,
			Timeout:         cfg.Dispatch.Timeout,
		}, logger)
		if err != nil {
			log.Fatalf("Failed to init Slack dispatch: %v", err)
		}
		dispatcher, reporter = s, s
	case config.PlatformTelegram:
		t, err := dispatch.NewTelegram(dispatch.TelegramOptions{
			Token:         cfg.Chat.TelegramToken,
			ChatID:        cfg.Chat.TelegramChatID,
			RatePerSecond: cfg.Dispatch.RatePerSecond,
			MaxRetries:    cfg.Dispatch.MaxRetries,
			RetryDelay:    cfg.Dispatch.RetryDelay,
			Timeout:       cfg.Dispatch.Timeout,
		}, logger)
		if err != nil {
			log.Fatalf("Failed to init Telegram dispatch: %v", err)
		}
		dispatcher, reporter = t, t
	default:
		n := &dispatch.Noop{Logger: logger}
		dispatcher, reporter = n, n
	}

	// Optional assignment-change event publisher
	publisher := events.NewPublisher(cfg.Events.Broker, cfg.Events.Topic, logger)
	defer publisher.Close()

	// Current-state store and daily checks
	store := state.NewStore(dbConn, stateCache, logger, loc, cfg.Rotation.CutoverHour, nil)
	checks := scheduler.NewChecks(store, dbConn, dispatcher, reporter, publisher, logger, loc, cfg.Rotation.CutoverHour, nil)

	if cfg.Scheduler.Enabled {
		sched, err := scheduler.New(checks, cfg.Scheduler.StartOfDay, cfg.Scheduler.EndOfDay, loc, logger)
		if err != nil {
			log.Fatalf("Failed to init transition scheduler: %v", err)
		}
		sched.Start()
		defer sched.Stop()
	}

	// Webhook-driven notification pipeline
	pipe := pipeline.New(pipeline.Options{
		Storage:        dbConn,
		Reconciler:     store,
		Dispatcher:     dispatcher,
		Reporter:       reporter,
		Publisher:      publisher,
		Logger:         logger,
		Location:       loc,
		DeliveryHour:   cfg.Rotation.DeliveryHour,
		ReconcileFirst: cfg.Pipeline.ReconcileFirst,
	})

	// Start API server
	stream := api.NewStream(logger)
	handler := api.NewHandler(dbConn, store, pipe, checks, stream, logger)
	router := api.NewRouter(handler, stream, cfg, logger)

	srv := &http.Server{Addr: cfg.API.Port, Handler: router}
	go func() {
		logger.Infof("Starting API server on %s", cfg.API.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("API server failed: %v", err)
		}
	}()

	// Handle graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("API shutdown failed: %v", err)
	}
	stream.Close()
	logger.Info("Service stopped")
}
