package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/adverant/nexus/answer-extraction-worker/internal/api"
	"github.com/adverant/nexus/answer-extraction-worker/internal/config"
	"github.com/adverant/nexus/answer-extraction-worker/internal/extraction"
	"github.com/adverant/nexus/answer-extraction-worker/internal/logging"
	"github.com/adverant/nexus/answer-extraction-worker/internal/processor"
	"github.com/adverant/nexus/answer-extraction-worker/internal/queue"
)

func newServeCmd() *cobra.Command {
	var noQueue, noAPI bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the queue consumer and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if noQueue && noAPI {
				return errors.New("--no-queue and --no-api leave nothing to run")
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return serve(cfg, !noQueue, !noAPI)
		},
	}
	cmd.Flags().BoolVar(&noQueue, "no-queue", false, "do not consume queued submissions")
	cmd.Flags().BoolVar(&noAPI, "no-api", false, "do not start the HTTP API")
	return cmd
}

func serve(cfg *config.Config, withQueue, withAPI bool) error {
	logger := logging.NewLogger("Main")
	logger.Info("Answer extraction worker starting",
		"queueMode", cfg.QueueMode,
		"queue", cfg.QueueName,
		"workers", cfg.WorkerConcurrency,
		"strategy", cfg.ConsensusStrategy)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := buildPipeline(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer p.Close()

	var stopConsumer func(context.Context) error
	if withQueue {
		stopConsumer, err = startConsumer(ctx, cfg, p, logger)
		if err != nil {
			return err
		}
	}

	serverErr := make(chan error, 1)
	var server *api.Server
	if withAPI {
		apiCfg := api.Config{
			Processor:   p.processor,
			Store:       p.store,
			Strategy:    string(p.strategy),
			EngineCheck: p.registry.HealthCheckAll,
			MaxFileSize: cfg.MaxFileSize,
			SyncTimeout: cfg.ProcessingTimeout,
			Logger:      logger.With("api"),
		}
		if p.index != nil {
			apiCfg.Index = p.index
		}
		if withQueue {
			producer, closeProducer, err := openProducer(cfg)
			if err != nil {
				logger.Warn("Queue producer unavailable; API runs synchronously only", "error", err)
			} else {
				defer closeProducer()
				apiCfg.Queue = producer
			}
		}
		server = api.New(apiCfg)
		go func() {
			serverErr <- server.Listen(cfg.HTTPAddress())
		}()
	}

	logger.Info("Answer extraction worker is ready",
		"engines", p.registry.Len(),
		"queue", withQueue,
		"api", withAPI)

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal, initiating graceful shutdown")
	case err := <-serverErr:
		if err != nil {
			logger.Error("HTTP server stopped", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", "error", err)
		}
	}
	if stopConsumer != nil {
		if err := stopConsumer(shutdownCtx); err != nil {
			logger.Error("Error stopping queue consumer", "error", err)
		}
	}
	logger.Info("Shutdown complete")
	return nil
}

func startConsumer(ctx context.Context, cfg *config.Config, p *pipeline, logger *logging.Logger) (func(context.Context) error, error) {
	switch cfg.QueueMode {
	case config.QueueModeRedis:
		c, err := queue.NewRedisConsumer(&queue.RedisConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			Processor:         p.processor,
			Store:             p.store,
			ProcessingTimeout: cfg.ProcessingTimeout,
			Logger:            logger.With("queue"),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize queue consumer: %w", err)
		}
		if err := c.Start(); err != nil {
			return nil, err
		}
		return func(context.Context) error { return c.Stop() }, nil

	default:
		c, err := queue.NewConsumer(&queue.ConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			Processor:         p.processor,
			Store:             p.store,
			ProcessingTimeout: cfg.ProcessingTimeout,
			Logger:            logger.With("queue"),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize queue consumer: %w", err)
		}
		if err := c.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to start queue consumer: %w", err)
		}
		return c.Stop, nil
	}
}

// openProducer returns an enqueuer matching the configured queue mode
func openProducer(cfg *config.Config) (api.Enqueuer, func() error, error) {
	if cfg.QueueMode == config.QueueModeRedis {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		client := redis.NewClient(opt)
		return queue.NewRedisProducer(client, cfg.QueueName, cfg.MaxRetries), client.Close, nil
	}
	e, err := queue.NewEnqueuer(cfg.RedisURL, cfg.QueueName, cfg.MaxRetries)
	if err != nil {
		return nil, nil, err
	}
	return e, e.Close, nil
}

// submissionFlags are shared by extract and enqueue
type submissionFlags struct {
	questions    string
	hints        string
	submissionID string
	fileURL      string
}

func (f *submissionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.questions, "questions", "q", "", `question numbers, e.g. "1-5,7"`)
	cmd.Flags().StringVar(&f.hints, "hints", "", `JSON object of question hints, e.g. {"3":"fraction"}`)
	cmd.Flags().StringVar(&f.submissionID, "id", "", "submission ID (default: random UUID)")
	cmd.Flags().StringVar(&f.fileURL, "url", "", "fetch the PDF from this URL instead of a file")
	_ = cmd.MarkFlagRequired("questions")
}

func (f *submissionFlags) job(args []string) (*queue.SubmissionJob, error) {
	questions, err := extraction.ParseQuestionList(f.questions)
	if err != nil {
		return nil, err
	}
	job := &queue.SubmissionJob{
		SubmissionID: f.submissionID,
		FileURL:      f.fileURL,
		Questions:    questions,
	}
	if job.SubmissionID == "" {
		job.SubmissionID = uuid.NewString()
	}
	if f.hints != "" {
		var raw map[string]string
		if err := json.Unmarshal([]byte(f.hints), &raw); err != nil {
			return nil, fmt.Errorf("invalid --hints: %w", err)
		}
		job.Hints = make(map[int]string, len(raw))
		for k, v := range raw {
			n, err := strconv.Atoi(k)
			if err != nil {
				return nil, fmt.Errorf("invalid --hints question %q", k)
			}
			job.Hints[n] = v
		}
	}

	switch {
	case len(args) == 1 && f.fileURL != "":
		return nil, errors.New("pass either a file or --url, not both")
	case len(args) == 1:
		pdf, err := os.ReadFile(args[0])
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", args[0], err)
		}
		job.PDF = pdf
	case f.fileURL == "":
		return nil, errors.New("a PDF file argument or --url is required")
	}
	return job, job.Validate()
}

func newExtractCmd() *cobra.Command {
	var flags submissionFlags
	var strategy, output string

	cmd := &cobra.Command{
		Use:   "extract [file.pdf]",
		Short: "Extract answers from one PDF and print the result as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if strategy != "" {
				cfg.ConsensusStrategy = strategy
			}
			job, err := flags.job(args)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, cfg.ProcessingTimeout)
			defer cancel()

			logger := logging.NewLoggerWithWriter("Extract", os.Stderr)
			p, err := buildPipeline(ctx, cfg, logger, false)
			if err != nil {
				return err
			}
			defer p.Close()

			result, err := p.processor.ProcessSubmission(ctx, &processor.ProcessRequest{
				SubmissionID: job.SubmissionID,
				PDF:          job.PDF,
				FileURL:      job.FileURL,
				Questions:    job.Questions,
				Hints:        job.Hints,
			})
			if err != nil {
				return err
			}
			logger.Info("Extraction complete",
				"questions", len(result.Questions),
				"missing", len(result.MissingQuestions),
				"needsReview", result.NeedsReviewCount(),
				"costUsd", result.Metrics.EstimatedCostUSD)

			var out io.Writer = cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&strategy, "strategy", "", "override CONSENSUS_STRATEGY")
	cmd.Flags().StringVarP(&output, "output", "o", "-", "write JSON here instead of stdout")
	return cmd
}

func newEnqueueCmd() *cobra.Command {
	var flags submissionFlags
	var apiURL string

	cmd := &cobra.Command{
		Use:   "enqueue [file.pdf]",
		Short: "Queue one PDF for a running worker",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			job, err := flags.job(args)
			if err != nil {
				return err
			}

			producer, closeProducer, err := openProducer(cfg)
			if err != nil {
				return err
			}
			defer closeProducer()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			taskID, err := producer.Enqueue(ctx, job)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "submission %s queued (task %s)\n", job.SubmissionID, taskID)
			if apiURL != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "status: %s/api/v1/extractions/%s\n", apiURL, job.SubmissionID)
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&apiURL, "api", "", "worker API base URL to print a status link for")
	return cmd
}
