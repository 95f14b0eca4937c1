/**
 * HTTP API for the Answer Extraction Worker
 *
 * POST /api/v1/extractions        submit a PDF (sync or queued)
 * GET  /api/v1/extractions/:id    fetch status and results
 * GET  /api/v1/answers/similar    search indexed answers
 * GET  /health, GET /metrics
 */

package api

import (
	"context"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adverant/nexus/answer-extraction-worker/internal/logging"
	"github.com/adverant/nexus/answer-extraction-worker/internal/processor"
	"github.com/adverant/nexus/answer-extraction-worker/internal/queue"
	"github.com/adverant/nexus/answer-extraction-worker/internal/storage"
)

// ServiceName is reported by /health
const ServiceName = "answer-extraction-worker"

// Enqueuer hands a submission to the background queue
type Enqueuer interface {
	Enqueue(ctx context.Context, job *queue.SubmissionJob) (string, error)
}

// SimilarSearcher serves answer similarity queries
type SimilarSearcher interface {
	SearchSimilar(ctx context.Context, text string, questionNumber int, limit int) ([]storage.SimilarAnswer, error)
}

// Config holds the server's collaborators. Processor and Queue are each
// optional but at least one must be set.
type Config struct {
	Processor   processor.SubmissionProcessorInterface
	Queue       Enqueuer
	Store       storage.Store
	Index       SimilarSearcher
	Strategy    string
	EngineCheck func(ctx context.Context) map[string]error
	MaxFileSize int64
	SyncTimeout time.Duration
	Logger      *logging.Logger
}

// Server is the fiber application plus its handlers
type Server struct {
	app       *fiber.App
	cfg       Config
	validator *validator.Validate
	logger    *logging.Logger
}

// New builds the fiber app and registers routes
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger("API")
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 200 * 1024 * 1024
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = 5 * time.Minute
	}

	s := &Server{
		cfg:       cfg,
		validator: validator.New(validator.WithRequiredStructEnabled()),
		logger:    cfg.Logger,
	}
	s.app = fiber.New(fiber.Config{
		AppName:               ServiceName,
		BodyLimit:             int(cfg.MaxFileSize) + 1<<20,
		DisableStartupMessage: true,
		ReadTimeout:           2 * time.Minute,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			}
			return sendError(c, status, "", err.Error())
		},
	})
	s.app.Use(recover.New())
	s.app.Use(s.requestLogger())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Get("/health", s.health)
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	v1 := s.app.Group("/api/v1")
	v1.Post("/extractions", s.createExtraction)
	v1.Get("/extractions/:id", s.getExtraction)
	v1.Get("/answers/similar", s.similarAnswers)
}

// requestLogger assigns a request ID and logs each request
func (s *Server) requestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		requestID := strings.TrimSpace(c.Get("X-Request-ID"))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("X-Request-ID", requestID)

		start := time.Now()
		err := c.Next()
		s.logger.Debug("HTTP request",
			"requestId", requestID,
			"method", c.Method(),
			"path", c.Path(),
			"status", c.Response().StatusCode(),
			"duration", time.Since(start).String())
		return err
	}
}

// App exposes the fiber app (tests use app.Test)
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves on addr until Shutdown
func (s *Server) Listen(addr string) error {
	s.logger.Info("HTTP API listening", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown stops accepting connections and waits for in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
