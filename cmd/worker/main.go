/**
 * Readout Worker - Main Entry Point
 *
 * Reads numeric displays (seven-segment meters, printed labels) from camera frames.
 *
 * Architecture:
 * - Redis list or asynq consumer for remote recognition requests
 * - HTTP API for direct calls and engine/profile introspection
 * - Backend cascade per instrument profile: ssocr threshold search, tesseract,
 *   libtesseract (gosseract build tag), Google Cloud Vision (optional)
 * - Instrument profiles from PostgreSQL and/or a JSON seed file
 */

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adverant/nexus/readout-worker/internal/api"
	"github.com/adverant/nexus/readout-worker/internal/clients"
	"github.com/adverant/nexus/readout-worker/internal/config"
	"github.com/adverant/nexus/readout-worker/internal/logging"
	"github.com/adverant/nexus/readout-worker/internal/processor"
	"github.com/adverant/nexus/readout-worker/internal/queue"
	"github.com/adverant/nexus/readout-worker/internal/storage"
)

// consumer is the common lifecycle of the queue consumers
type consumer interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// redisConsumer adapts RedisConsumer to the consumer lifecycle
type redisConsumer struct{ *queue.RedisConsumer }

func (r redisConsumer) Start(context.Context) error { return r.RedisConsumer.Start() }
func (r redisConsumer) Stop(context.Context) error  { return r.RedisConsumer.Stop() }

func main() {
	cfg, err := config.LoadConfig(".env")
	if err != nil {
		logging.NewLogger("worker").Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.New("worker", os.Stdout, logging.ParseLevel(cfg.LogLevel))
	if err := run(cfg, logger); err != nil {
		logger.Error("Worker stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Readout worker starting",
		"queue_backend", cfg.QueueBackend, "queue", cfg.QueueName, "http", cfg.HTTPAddr,
		"workers", cfg.WorkerConcurrency, "profiles_db", cfg.DatabaseURL != "", "vision", cfg.VisionEnabled)

	// Engines
	opts := processor.EngineOptions{
		SSOCRPath:      cfg.SSOCRPath,
		TesseractPath:  cfg.TesseractPath,
		TessdataPrefix: cfg.TessdataPrefix,
		TempDir:        cfg.TempDir,
	}
	if cfg.VisionEnabled {
		vision, err := clients.NewGoogleVisionClient(ctx)
		if err != nil {
			return err
		}
		defer vision.Close()
		opts.Vision = vision
	}
	registry, err := processor.NewEngineRegistry(opts)
	if err != nil {
		return err
	}
	for _, info := range registry.Describe(ctx) {
		if info.Error != "" {
			logger.Warn("Engine not usable", "engine", info.Engine, "error", info.Error)
			continue
		}
		logger.Info("Engine ready", "engine", info.Engine, "version", info.Version, "languages", len(info.Languages))
	}

	// Profiles
	profiles, err := storage.NewProfileManager(ctx, storage.ProfileManagerConfig{
		DatabaseURL:  cfg.DatabaseURL,
		Schema:       cfg.DatabaseSchema,
		ProfilesFile: cfg.ProfilesFile,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	defer profiles.Close()
	if _, err := profiles.SeedDatabase(ctx); err != nil {
		logger.Warn("Failed to seed profiles into database", "error", err)
	}

	recognizer, err := processor.NewRecognizer(&processor.RecognizerConfig{
		Backends:           registry,
		Profiles:           profiles,
		Logger:             logger,
		DefaultTimeout:     cfg.DefaultTimeout,
		DefaultCallTimeout: cfg.DefaultCallTimeout,
		MaxImageSize:       cfg.MaxImageSize,
	})
	if err != nil {
		return err
	}

	stats := map[string]api.StatsFunc{
		"profiles": func(ctx context.Context) (interface{}, error) { return profiles.GetStats(ctx), nil },
	}

	// Queue consumer
	var qc consumer
	switch cfg.QueueBackend {
	case config.QueueRedis:
		rc, err := queue.NewRedisConsumer(queue.RedisConsumerConfig{
			RedisURL:    cfg.RedisURL,
			QueueName:   cfg.QueueName,
			Concurrency: cfg.WorkerConcurrency,
			Recognizer:  recognizer,
			ReplyTTL:    cfg.ReplyTTL,
			Logger:      logger,
		})
		if err != nil {
			return err
		}
		qc = redisConsumer{rc}
		stats["queue"] = func(ctx context.Context) (interface{}, error) {
			s, err := rc.GetStats(ctx)
			return s, err
		}
	case config.QueueAsynq:
		ac, err := queue.NewConsumer(queue.ConsumerConfig{
			RedisURL:    cfg.RedisURL,
			QueueName:   cfg.QueueName,
			Concurrency: cfg.WorkerConcurrency,
			Recognizer:  recognizer,
			Retention:   cfg.ReplyTTL,
			Logger:      logger,
		})
		if err != nil {
			return err
		}
		qc = ac
		stats["queue"] = func(ctx context.Context) (interface{}, error) { return ac.GetStatistics(), nil }
	}
	if qc != nil {
		if err := qc.Start(ctx); err != nil {
			return err
		}
	}

	// HTTP API
	var srv *http.Server
	serveErr := make(chan error, 1)
	if cfg.HTTPAddr != "" {
		handler := api.NewHandler(api.HandlerConfig{
			Recognizer:   recognizer,
			Engines:      registry,
			Profiles:     profiles,
			Stats:        stats,
			Logger:       logger,
			MaxImageSize: cfg.MaxImageSize,
		})
		srv = &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           api.NewRouter(handler, logger),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("HTTP API listening", "addr", cfg.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()
	}

	logger.Info("Readout worker is ready")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal, initiating graceful shutdown")
	case runErr = <-serveErr:
		logger.Error("HTTP API failed", "error", runErr)
	}

	// In-flight recognitions are bounded by the recognition timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DefaultTimeout+5*time.Second)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP API", "error", err)
		}
	}
	if qc != nil {
		if err := qc.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping queue consumer", "error", err)
		}
	}

	logger.Info("Shutdown complete")
	return runErr
}
