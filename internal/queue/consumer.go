/**
 * Queue Consumer for the Answer Extraction Worker
 *
 * Consumes "extract-submission" tasks with Asynq and hands them to the
 * submission processor. Also exposes the producer side for the API and CLI.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/adverant/nexus/answer-extraction-worker/internal/logging"
	"github.com/adverant/nexus/answer-extraction-worker/internal/processor"
	"github.com/adverant/nexus/answer-extraction-worker/internal/storage"
)

// TaskTypeExtract is the Asynq task type for one submission
const TaskTypeExtract = "extract-submission"

// Consumer handles task consumption from the Redis-backed Asynq queue
type Consumer struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	runner *runner
	config *ConsumerConfig
	logger *logging.Logger
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Processor         processor.SubmissionProcessorInterface
	Store             storage.Store
	ProcessingTimeout time.Duration
	Logger            *logging.Logger
}

// asynqLogger adapts the worker logger to asynq.Logger
type asynqLogger struct {
	logger *logging.Logger
}

func (a asynqLogger) Debug(args ...interface{}) { a.logger.Debug(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...interface{})  { a.logger.Info(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...interface{})  { a.logger.Warn(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...interface{}) { a.logger.Error(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...interface{}) { a.logger.Error(fmt.Sprint(args...)) }

// retryDelay backs off 5s, 10s, 20s... capped at one minute
func retryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	delay := time.Duration(5*(1<<uint(n))) * time.Second
	if delay > 60*time.Second || delay <= 0 {
		delay = 60 * time.Second
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
	if cfg.Store == nil {
		return nil, fmt.Errorf("Store is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("Consumer")
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues: map[string]int{
			cfg.QueueName: 10,
			"default":     1,
		},
		RetryDelayFunc: retryDelay,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			logger.Error("Task processing error",
				"type", task.Type(),
				"retry", retried,
				"maxRetry", maxRetry,
				"error", err)
		}),
		Logger: asynqLogger{logger: logger.With("asynq")},
	})

	c := &Consumer{
		server: server,
		mux:    asynq.NewServeMux(),
		runner: &runner{
			processor: cfg.Processor,
			store:     cfg.Store,
			timeout:   cfg.ProcessingTimeout,
			logger:    logger,
		},
		config: cfg,
		logger: logger,
	}
	c.mux.HandleFunc(TaskTypeExtract, c.handleExtract)

	return c, nil
}

// Start runs the Asynq server in the background
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("Starting queue consumer", "concurrency", c.config.Concurrency, "queue", c.config.QueueName)
	if err := c.server.Start(c.mux); err != nil {
		return fmt.Errorf("failed to start queue consumer: %w", err)
	}
	return nil
}

// Stop stops the consumer gracefully, waiting for in-flight tasks
func (c *Consumer) Stop(ctx context.Context) error {
	c.logger.Info("Stopping queue consumer")
	c.server.Shutdown()
	c.logger.Info("Queue consumer stopped")
	return nil
}

// handleExtract processes one submission task. Errors that would repeat on
// retry are wrapped with asynq.SkipRetry.
func (c *Consumer) handleExtract(ctx context.Context, task *asynq.Task) error {
	var job SubmissionJob
	if err := json.Unmarshal(task.Payload(), &job); err != nil {
		return fmt.Errorf("failed to unmarshal job data: %v: %w", err, asynq.SkipRetry)
	}

	c.logger.Info("Processing submission",
		"submissionId", job.SubmissionID,
		"questions", len(job.Questions),
		"bytes", len(job.PDF),
		"fileUrl", job.FileURL)

	if _, err := c.runner.run(ctx, &job); err != nil {
		if permanent(err) {
			return fmt.Errorf("submission %s: %v: %w", job.SubmissionID, err, asynq.SkipRetry)
		}
		return fmt.Errorf("submission %s: %w", job.SubmissionID, err)
	}
	return nil
}

// GetStatistics returns consumer statistics
func (c *Consumer) GetStatistics() map[string]interface{} {
	return map[string]interface{}{
		"concurrency": c.config.Concurrency,
		"queue":       c.config.QueueName,
	}
}

// Enqueuer submits extraction tasks through Asynq
type Enqueuer struct {
	client     *asynq.Client
	queueName  string
	maxRetries int
}

// NewEnqueuer creates a producer for queueName
func NewEnqueuer(redisURL, queueName string, maxRetries int) (*Enqueuer, error) {
	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if queueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Enqueuer{client: asynq.NewClient(redisOpt), queueName: queueName, maxRetries: maxRetries}, nil
}

// NewExtractTask builds the task for job. The submission ID doubles as the
// task ID so a duplicate enqueue is rejected.
func NewExtractTask(job *SubmissionJob, queueName string, maxRetries int) (*asynq.Task, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	return asynq.NewTask(TaskTypeExtract, payload,
		asynq.Queue(queueName),
		asynq.MaxRetry(maxRetries),
		asynq.TaskID(job.SubmissionID),
		asynq.Timeout(30*time.Minute),
	), nil
}

// Enqueue submits job and returns the task ID
func (e *Enqueuer) Enqueue(ctx context.Context, job *SubmissionJob) (string, error) {
	task, err := NewExtractTask(job, e.queueName, e.maxRetries)
	if err != nil {
		return "", err
	}
	info, err := e.client.EnqueueContext(ctx, task)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue submission %s: %w", job.SubmissionID, err)
	}
	return info.ID, nil
}

// Close closes the producer connection
func (e *Enqueuer) Close() error {
	return e.client.Close()
}
