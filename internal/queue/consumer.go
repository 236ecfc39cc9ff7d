/**
 * Queue Consumer for the OCR worker
 *
 * Consumes ocr:process tasks from Redis through asynq and hands them to the
 * document processor. Failures that retrying cannot fix are marked with
 * asynq.SkipRetry so they go straight to the archive.
 */

package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/adverant/nexus/ocr-client/internal/errors"
	"github.com/adverant/nexus/ocr-client/internal/logging"
	"github.com/adverant/nexus/ocr-client/internal/processor"
	"github.com/adverant/nexus/ocr-client/internal/storage"
)

const defaultProcessingTimeout = 5 * time.Minute

// Consumer handles job consumption from Redis queue
type Consumer struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	processor processor.DocumentProcessorInterface
	config    *ConsumerConfig
	logger    *logging.Logger
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Processor         processor.DocumentProcessorInterface
	ProcessingTimeout time.Duration
	Logger            *logging.Logger
}

// retryDelay backs off 5s, 10s, 20s, ... capped at a minute.
func retryDelay(n int, err error, task *asynq.Task) time.Duration {
	if n > 4 {
		return time.Minute
	}
	delay := time.Duration(5*(1<<uint(n))) * time.Second
	if delay > time.Minute {
		delay = time.Minute
	}
	return delay
}

// NewConsumer creates a new queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}

	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger("QueueConsumer")
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	logger := cfg.Logger
	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10,
				"default":     1,
			},
			RetryDelayFunc: retryDelay,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logger.Error("task processing error",
					"type", task.Type(),
					"retry", retried,
					"maxRetry", maxRetry,
					"error", err)
			}),
			Logger: logger.With("asynq").Entry(),
		},
	)

	consumer := &Consumer{
		server:    server,
		mux:       asynq.NewServeMux(),
		processor: cfg.Processor,
		config:    cfg,
		logger:    logger,
	}

	consumer.mux.HandleFunc(TaskTypeProcess, consumer.handleProcessDocument)

	return consumer, nil
}

// Start runs the asynq server in the background.
func (c *Consumer) Start() error {
	c.logger.Info("starting queue consumer", "concurrency", c.config.Concurrency, "queue", c.config.QueueName)
	return c.server.Start(c.mux)
}

// Stop waits for in-flight jobs, then shuts the server down.
func (c *Consumer) Stop() {
	c.logger.Info("stopping queue consumer")
	c.server.Shutdown()
	c.logger.Info("queue consumer stopped")
}

// handleProcessDocument processes a document processing job
func (c *Consumer) handleProcessDocument(ctx context.Context, task *asynq.Task) error {
	startTime := time.Now()

	var job JobData
	if err := json.Unmarshal(task.Payload(), &job); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if job.JobID == "" {
		return fmt.Errorf("job has no ID: %w", asynq.SkipRetry)
	}

	log := c.logger.With("job")
	log.Info("processing job", "jobId", job.JobID, "filename", job.Filename, "bytes", len(job.FileBuffer))

	if err := c.processor.UpdateJobStatus(ctx, job.JobID, storage.StatusProcessing, 0, map[string]interface{}{
		"filename": job.Filename,
		"mimeType": job.MimeType,
		"fileSize": job.FileSize,
	}); err != nil {
		log.Warn("failed to update status to processing", "jobId", job.JobID, "error", err)
	}

	timeout := c.config.ProcessingTimeout
	if timeout <= 0 {
		timeout = defaultProcessingTimeout
	}

	processCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := c.processor.ProcessDocument(processCtx, job.request())
	duration := time.Since(startTime)

	if err != nil {
		if stderrors.Is(processCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = errors.NewProcessingTimeoutError(job.JobID, timeout, err)
		}
		return c.fail(ctx, &job, err, duration)
	}

	metadata := result.Metadata()
	metadata["processingTime"] = duration.Milliseconds()
	if err := c.processor.UpdateJobStatus(ctx, job.JobID, storage.StatusCompleted, 100, metadata); err != nil {
		log.Warn("failed to update status to completed", "jobId", job.JobID, "error", err)
	}

	if w := task.ResultWriter(); w != nil {
		if _, err := w.Write(mustJSON(result)); err != nil {
			log.Debug("failed to write task result", "jobId", job.JobID, "error", err)
		}
	}

	log.Info("job completed", "jobId", job.JobID, "ms", duration.Milliseconds(),
		"recognized", result.ImagesRecognized, "failed", result.ImagesFailed, "invoice", result.Invoice != nil)
	return nil
}

// fail records the failure and decides whether asynq should retry.
func (c *Consumer) fail(ctx context.Context, job *JobData, err error, duration time.Duration) error {
	// Shutdown: asynq requeues the task itself.
	if ctx.Err() != nil {
		return err
	}

	retryable := errors.IsRetryable(err)
	c.logger.Error("job failed", "jobId", job.JobID, "ms", duration.Milliseconds(),
		"code", errors.CodeOf(err), "retryable", retryable, "error", err)

	status := storage.StatusFailed
	if retryable {
		status = storage.StatusQueued
	}

	metadata := map[string]interface{}{
		"error":          err.Error(),
		"processingTime": duration.Milliseconds(),
	}
	if code := errors.CodeOf(err); code != "" {
		metadata["code"] = code
	}

	if updateErr := c.processor.UpdateJobStatus(ctx, job.JobID, status, 100, metadata); updateErr != nil {
		c.logger.Warn("failed to record job failure", "jobId", job.JobID, "error", updateErr)
	}

	if !retryable {
		return fmt.Errorf("document processing failed: %v: %w", err, asynq.SkipRetry)
	}
	return fmt.Errorf("document processing failed: %w", err)
}

func mustJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}

// GetStatistics returns consumer statistics
func (c *Consumer) GetStatistics() map[string]interface{} {
	return map[string]interface{}{
		"concurrency": c.config.Concurrency,
		"queue":       c.config.QueueName,
		"taskType":    TaskTypeProcess,
	}
}
