/**
 * OCR Worker - Main Entry Point
 *
 * Consumes ocr:process jobs from Redis and runs them through the OCR client
 * pipeline:
 * - embedded image extraction + remote OCR per image
 * - first-page render + remote invoice extraction
 * - optional Redis result cache and PostgreSQL persistence
 */

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/adverant/nexus/ocr-client/internal/cache"
	"github.com/adverant/nexus/ocr-client/internal/clients"
	"github.com/adverant/nexus/ocr-client/internal/config"
	"github.com/adverant/nexus/ocr-client/internal/logging"
	"github.com/adverant/nexus/ocr-client/internal/pdf"
	"github.com/adverant/nexus/ocr-client/internal/pipeline"
	"github.com/adverant/nexus/ocr-client/internal/processor"
	"github.com/adverant/nexus/ocr-client/internal/queue"
	"github.com/adverant/nexus/ocr-client/internal/storage"
)

func main() {
	logger := logging.NewLogger("Worker")

	if err := godotenv.Load(); err != nil {
		logger.Debug(".env not found, using system environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	policy, err := pipeline.ParseFailurePolicy(cfg.FailurePolicy)
	if err != nil {
		logger.Error("invalid failure policy", "error", err)
		os.Exit(1)
	}

	logger.Info("OCR worker starting",
		"ocrServer", cfg.OCRServerURL,
		"queue", cfg.QueueName,
		"workers", cfg.WorkerConcurrency,
		"policy", policy,
		"ocrConcurrency", cfg.OCRConcurrency)

	client, err := clients.NewOCRClient(cfg.OCRServerURL,
		clients.WithTimeout(cfg.OCRRequestTimeout),
		clients.WithLogger(logger.With("ocr")))
	if err != nil {
		logger.Error("invalid OCR server address", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := client.HealthCheck(ctx); err != nil {
		logger.Warn("OCR server health check failed; jobs will retry until it is reachable", "error", err)
	} else {
		logger.Info("OCR server reachable", "url", client.BaseURL())
	}
	cancel()

	var ocr pipeline.OCR = client
	if cfg.CacheTTL > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		resultCache, err := cache.NewParsedDocumentCache(ctx, cfg.RedisURL, cfg.CacheTTL)
		cancel()
		if err != nil {
			logger.Warn("result cache disabled", "error", err)
		} else {
			defer resultCache.Close()
			ocr = cache.NewCachingOCR(client, resultCache, logger.With("cache"))
			logger.Info("result cache enabled", "ttl", cfg.CacheTTL)
		}
	}

	procCfg := &processor.ProcessorConfig{
		OCR:            ocr,
		Engine:         pdf.NewEngine(logger.With("pdf")),
		MaxFileSize:    cfg.MaxFileSize,
		FailurePolicy:  policy,
		OCRConcurrency: cfg.OCRConcurrency,
		RenderWidth:    cfg.RenderWidth,
		RenderHeight:   cfg.RenderHeight,
		Logger:         logger.With("processor"),
	}

	var db *storage.PostgresClient
	if cfg.DatabaseURL != "" {
		db, err = storage.NewPostgresClient(cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to PostgreSQL", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = db.Migrate(ctx)
		cancel()
		if err != nil {
			logger.Error("failed to migrate schema", "error", err)
			os.Exit(1)
		}

		procCfg.Jobs = db
		procCfg.Results = storage.NewResultStore(db)
		logger.Info("PostgreSQL persistence enabled")
	} else {
		logger.Warn("DATABASE_URL not set; results will not be persisted")
	}

	proc, err := processor.NewDocumentProcessor(procCfg)
	if err != nil {
		logger.Error("failed to initialize document processor", "error", err)
		os.Exit(1)
	}

	consumer, err := queue.NewConsumer(&queue.ConsumerConfig{
		RedisURL:          cfg.RedisURL,
		QueueName:         cfg.QueueName,
		Concurrency:       cfg.WorkerConcurrency,
		Processor:         proc,
		ProcessingTimeout: cfg.ProcessingTimeout,
		Logger:            logger.With("queue"),
	})
	if err != nil {
		logger.Error("failed to initialize queue consumer", "error", err)
		os.Exit(1)
	}

	if err := consumer.Start(); err != nil {
		logger.Error("failed to start queue consumer", "error", err)
		os.Exit(1)
	}
	logger.Info("waiting for jobs", "queue", cfg.QueueName)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info("received signal, shutting down", "signal", sig.String())

	consumer.Stop()

	logger.Info("shutdown complete")
}
