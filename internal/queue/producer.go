package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// Producer enqueues OCR jobs.
type Producer struct {
	client    *asynq.Client
	queueName string
	maxRetry  int
	timeout   time.Duration
}

// NewProducer connects to redisURL. timeout bounds a single processing
// attempt on the worker side.
func NewProducer(redisURL, queueName string, maxRetry int, timeout time.Duration) (*Producer, error) {
	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if queueName == "" {
		return nil, fmt.Errorf("queue name is required")
	}

	return &Producer{
		client:    asynq.NewClient(redisOpt),
		queueName: queueName,
		maxRetry:  maxRetry,
		timeout:   timeout,
	}, nil
}

// Enqueue submits job and returns the task info. job.JobID is filled in when
// empty.
func (p *Producer) Enqueue(ctx context.Context, job *JobData) (*asynq.TaskInfo, error) {
	task, err := NewProcessTask(job, p.options()...)
	if err != nil {
		return nil, err
	}

	info, err := p.client.EnqueueContext(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job %s: %w", job.JobID, err)
	}
	return info, nil
}

func (p *Producer) options() []asynq.Option {
	opts := []asynq.Option{
		asynq.Queue(p.queueName),
		asynq.MaxRetry(p.maxRetry),
		asynq.Retention(24 * time.Hour),
	}
	if p.timeout > 0 {
		// Leave headroom over the worker's own deadline.
		opts = append(opts, asynq.Timeout(p.timeout+30*time.Second))
	}
	return opts
}

func (p *Producer) Close() error {
	return p.client.Close()
}
