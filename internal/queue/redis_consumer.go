/**
 * Direct Redis Queue Consumer for the Answer Extraction Worker
 *
 * Compatible with TypeScript RedisQueue producers: job IDs are pushed onto
 * a LIST and job bodies live in the "<queue>:data" HASH. Status moves
 * through the ":processing", ":completed" and ":failed" SETs, and every
 * transition is published on "<queue>:events".
 */

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/answer-extraction-worker/internal/extraction"
	"github.com/adverant/nexus/answer-extraction-worker/internal/logging"
	"github.com/adverant/nexus/answer-extraction-worker/internal/processor"
	"github.com/adverant/nexus/answer-extraction-worker/internal/storage"
)

var errNoJobs = errors.New("no jobs available")

// RedisJobData represents a job from the Redis queue
type RedisJobData struct {
	ID         string        `json:"id"`
	Type       string        `json:"type"`
	Payload    SubmissionJob `json:"payload"`
	CreatedAt  time.Time     `json:"createdAt"`
	Attempts   int           `json:"attempts"`
	MaxRetries int           `json:"maxRetries"`
}

// JobEvent is published on every status transition
type JobEvent struct {
	Event        string `json:"event"`
	SubmissionID string `json:"submissionId"`
	Timestamp    string `json:"timestamp"`
	Error        string `json:"error,omitempty"`
}

// RedisConsumer handles job consumption from a Redis list
type RedisConsumer struct {
	client *redis.Client
	runner *runner
	config *RedisConsumerConfig
	logger *logging.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// RedisConsumerConfig holds consumer configuration
type RedisConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	PollTimeout       time.Duration
	Processor         processor.SubmissionProcessorInterface
	Store             storage.Store
	ProcessingTimeout time.Duration
	Logger            *logging.Logger
}

// NewRedisConsumer creates a new Redis-based queue consumer
func NewRedisConsumer(cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	c, err := newRedisConsumer(client, cfg)
	if err != nil {
		client.Close()
		return nil, err
	}
	return c, nil
}

func newRedisConsumer(client *redis.Client, cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.QueueName == "" {
		cfg.QueueName = "answer-extraction:jobs"
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
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("RedisConsumer")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &RedisConsumer{
		client: client,
		runner: &runner{
			processor: cfg.Processor,
			store:     cfg.Store,
			timeout:   cfg.ProcessingTimeout,
			logger:    logger,
		},
		config: cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func (c *RedisConsumer) key(suffix string) string {
	return c.config.QueueName + ":" + suffix
}

// Start begins processing jobs from the queue
func (c *RedisConsumer) Start() error {
	c.logger.Info("Starting Redis queue consumer", "concurrency", c.config.Concurrency, "queue", c.config.QueueName)
	for i := 0; i < c.config.Concurrency; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}
	return nil
}

// Stop cancels polling, waits for in-flight jobs and closes the client
func (c *RedisConsumer) Stop() error {
	c.logger.Info("Stopping queue consumer")
	c.cancel()
	c.wg.Wait()
	return c.client.Close()
}

func (c *RedisConsumer) worker(id int) {
	defer c.wg.Done()
	c.logger.Debug("Worker started", "worker", id)

	for {
		select {
		case <-c.ctx.Done():
			c.logger.Debug("Worker stopping", "worker", id)
			return
		default:
		}

		if err := c.processNextJob(c.ctx); err != nil {
			if errors.Is(err, errNoJobs) || c.ctx.Err() != nil {
				continue
			}
			c.logger.Warn("Worker error", "worker", id, "error", err)
			select {
			case <-c.ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
}

// processNextJob blocks up to PollTimeout for a job ID and runs it
func (c *RedisConsumer) processNextJob(ctx context.Context) error {
	result, err := c.client.BRPop(ctx, c.config.PollTimeout, c.config.QueueName).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return errNoJobs
		}
		return fmt.Errorf("failed to fetch job: %w", err)
	}
	if len(result) < 2 {
		return fmt.Errorf("invalid job result")
	}
	jobID := result[1]

	raw, err := c.client.HGet(ctx, c.key("data"), jobID).Result()
	if err != nil {
		return fmt.Errorf("failed to get job data for %s: %w", jobID, err)
	}

	var job RedisJobData
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		c.publish(ctx, jobID, "failed", err)
		c.client.SAdd(ctx, c.key("failed"), jobID)
		return fmt.Errorf("failed to unmarshal job %s: %w", jobID, err)
	}
	if job.Payload.SubmissionID == "" {
		job.Payload.SubmissionID = job.ID
	}
	submissionID := job.Payload.SubmissionID

	c.markProcessing(ctx, submissionID)

	res, runErr := c.runner.run(context.WithoutCancel(ctx), &job.Payload)
	if runErr != nil {
		job.Attempts++
		if job.Attempts < job.MaxRetries && !permanent(runErr) {
			updated, _ := json.Marshal(job)
			pipe := c.client.TxPipeline()
			pipe.HSet(ctx, c.key("data"), job.ID, updated)
			pipe.SRem(ctx, c.key("processing"), submissionID)
			pipe.LPush(ctx, c.config.QueueName, job.ID)
			if _, err := pipe.Exec(ctx); err != nil {
				c.logger.Error("Failed to re-queue job", "submissionId", submissionID, "error", err)
			}
			c.logger.Warn("Job re-queued for retry",
				"submissionId", submissionID,
				"attempt", job.Attempts,
				"maxRetries", job.MaxRetries,
				"error", runErr)
			return nil
		}
		c.markFailed(ctx, submissionID, runErr)
		return nil
	}

	c.markCompleted(ctx, submissionID, res)
	return nil
}

func (c *RedisConsumer) markProcessing(ctx context.Context, submissionID string) {
	c.client.SAdd(ctx, c.key("processing"), submissionID)
	c.publish(ctx, submissionID, "processing", nil)
}

func (c *RedisConsumer) markCompleted(ctx context.Context, submissionID string, result *extraction.SubmissionResult) {
	pipe := c.client.TxPipeline()
	pipe.SRem(ctx, c.key("processing"), submissionID)
	pipe.SAdd(ctx, c.key("completed"), submissionID)
	if data, err := json.Marshal(result); err == nil {
		pipe.HSet(ctx, c.key("results"), submissionID, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("Failed to record completion in Redis", "submissionId", submissionID, "error", err)
	}
	c.publish(ctx, submissionID, "completed", nil)
}

func (c *RedisConsumer) markFailed(ctx context.Context, submissionID string, cause error) {
	errorData, _ := json.Marshal(map[string]string{"error": cause.Error()})
	pipe := c.client.TxPipeline()
	pipe.SRem(ctx, c.key("processing"), submissionID)
	pipe.SAdd(ctx, c.key("failed"), submissionID)
	pipe.HSet(ctx, c.key("errors"), submissionID, errorData)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("Failed to record failure in Redis", "submissionId", submissionID, "error", err)
	}
	c.publish(ctx, submissionID, "failed", cause)
}

func (c *RedisConsumer) publish(ctx context.Context, submissionID, status string, cause error) {
	event := JobEvent{
		Event:        "job:" + status,
		SubmissionID: submissionID,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}
	if cause != nil {
		event.Error = cause.Error()
	}
	data, _ := json.Marshal(event)
	if err := c.client.Publish(ctx, c.key("events"), data).Err(); err != nil {
		c.logger.Debug("Failed to publish event", "submissionId", submissionID, "error", err)
	}
}

// GetStats returns queue statistics
func (c *RedisConsumer) GetStats(ctx context.Context) (map[string]int64, error) {
	pipe := c.client.Pipeline()
	waiting := pipe.LLen(ctx, c.config.QueueName)
	processing := pipe.SCard(ctx, c.key("processing"))
	completed := pipe.SCard(ctx, c.key("completed"))
	failed := pipe.SCard(ctx, c.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}

	return map[string]int64{
		"waiting":    waiting.Val(),
		"processing": processing.Val(),
		"completed":  completed.Val(),
		"failed":     failed.Val(),
	}, nil
}

// RedisProducer pushes jobs in the format RedisConsumer reads
type RedisProducer struct {
	client     *redis.Client
	queueName  string
	maxRetries int
}

// NewRedisProducer wraps an existing client
func NewRedisProducer(client *redis.Client, queueName string, maxRetries int) *RedisProducer {
	if queueName == "" {
		queueName = "answer-extraction:jobs"
	}
	return &RedisProducer{client: client, queueName: queueName, maxRetries: maxRetries}
}

// Enqueue stores the job body and pushes its ID
func (p *RedisProducer) Enqueue(ctx context.Context, job *SubmissionJob) (string, error) {
	if err := job.Validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(RedisJobData{
		ID:         job.SubmissionID,
		Type:       TaskTypeExtract,
		Payload:    *job,
		CreatedAt:  time.Now().UTC(),
		MaxRetries: p.maxRetries,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := p.client.TxPipeline()
	pipe.HSet(ctx, p.queueName+":data", job.SubmissionID, data)
	pipe.LPush(ctx, p.queueName, job.SubmissionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to enqueue submission %s: %w", job.SubmissionID, err)
	}
	return job.SubmissionID, nil
}
