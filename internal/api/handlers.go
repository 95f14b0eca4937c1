package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	apperrors "github.com/adverant/nexus/answer-extraction-worker/internal/errors"
	"github.com/adverant/nexus/answer-extraction-worker/internal/extraction"
	"github.com/adverant/nexus/answer-extraction-worker/internal/processor"
	"github.com/adverant/nexus/answer-extraction-worker/internal/queue"
)

func (s *Server) health(c *fiber.Ctx) error {
	payload := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Service:   ServiceName,
		Strategy:  s.cfg.Strategy,
	}
	if s.cfg.EngineCheck != nil {
		ctx, cancel := context.WithTimeout(c.UserContext(), 15*time.Second)
		defer cancel()
		payload.Engines = make(map[string]string)
		healthy := 0
		for engine, err := range s.cfg.EngineCheck(ctx) {
			if err != nil {
				payload.Engines[engine] = err.Error()
				continue
			}
			payload.Engines[engine] = "ok"
			healthy++
		}
		// Unhealthy engines are still dispatched; only a total outage degrades
		if healthy == 0 && len(payload.Engines) > 0 {
			payload.Status = "degraded"
		}
	}
	return sendSuccess(c, fiber.StatusOK, "service healthy", payload)
}

func (s *Server) createExtraction(c *fiber.Ctx) error {
	var req CreateExtractionRequest
	if err := c.BodyParser(&req); err != nil {
		return sendError(c, fiber.StatusBadRequest, string(apperrors.ErrorInvalidRequest), "invalid form body")
	}
	if err := s.validator.Struct(req); err != nil {
		return sendError(c, fiber.StatusBadRequest, string(apperrors.ErrorInvalidRequest), err.Error())
	}

	questions, err := extraction.ParseQuestionList(req.Questions)
	if err != nil {
		return sendError(c, fiber.StatusBadRequest, string(apperrors.ErrorInvalidRequest), err.Error())
	}
	hints, err := parseHints(req.Hints)
	if err != nil {
		return sendError(c, fiber.StatusBadRequest, string(apperrors.ErrorInvalidRequest), err.Error())
	}

	pdf, err := s.readUpload(c)
	if err != nil {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return sendError(c, fe.Code, string(apperrors.ErrorInvalidRequest), fe.Message)
		}
		return sendProcessingError(c, err)
	}
	if len(pdf) == 0 && req.FileURL == "" {
		return sendError(c, fiber.StatusBadRequest, string(apperrors.ErrorInvalidRequest), "a PDF file part or fileUrl is required")
	}

	submissionID := req.SubmissionID
	if submissionID == "" {
		submissionID = uuid.NewString()
	}

	mode := req.Mode
	if mode == "" {
		mode = ModeSync
		if s.cfg.Queue != nil {
			mode = ModeAsync
		}
	}

	job := &queue.SubmissionJob{
		SubmissionID: submissionID,
		FileURL:      req.FileURL,
		PDF:          pdf,
		Questions:    questions,
		Hints:        hints,
	}
	if mode == ModeAsync {
		return s.enqueue(c, job)
	}
	return s.processNow(c, job)
}

// readUpload returns the "file" part, or nil when none was sent
func (s *Server) readUpload(c *fiber.Ctx) ([]byte, error) {
	fh, err := c.FormFile("file")
	if err != nil {
		return nil, nil
	}
	if fh.Size > s.cfg.MaxFileSize {
		return nil, fiber.NewError(fiber.StatusRequestEntityTooLarge,
			fmt.Sprintf("file size exceeds maximum: %d > %d bytes", fh.Size, s.cfg.MaxFileSize))
	}

	f, err := fh.Open()
	if err != nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, "unable to read uploaded file")
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, s.cfg.MaxFileSize+1))
	if err != nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, "unable to read uploaded file")
	}
	if mt := mimetype.Detect(data); !mt.Is("application/pdf") {
		return nil, apperrors.NewInvalidDocumentError(fh.Filename, mt.String(), nil)
	}
	return data, nil
}

func parseHints(raw string) (map[int]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var byKey map[string]string
	if err := json.Unmarshal([]byte(raw), &byKey); err != nil {
		return nil, fmt.Errorf("hints must be a JSON object of question number to text: %w", err)
	}
	hints := make(map[int]string, len(byKey))
	for k, v := range byKey {
		n, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid hint question number %q", k)
		}
		hints[n] = v
	}
	return hints, nil
}

func (s *Server) enqueue(c *fiber.Ctx, job *queue.SubmissionJob) error {
	if s.cfg.Queue == nil {
		return sendError(c, fiber.StatusServiceUnavailable, "", "asynchronous processing is not configured")
	}
	ctx := c.UserContext()

	if err := s.cfg.Store.UpdateStatus(ctx, job.SubmissionID, extraction.SubmissionQueued, ""); err != nil {
		s.logger.Error("Failed to record queued submission", "submissionId", job.SubmissionID, "error", err)
		return sendProcessingError(c, err)
	}
	taskID, err := s.cfg.Queue.Enqueue(ctx, job)
	if err != nil {
		s.logger.Error("Failed to enqueue submission", "submissionId", job.SubmissionID, "error", err)
		_ = s.cfg.Store.UpdateStatus(ctx, job.SubmissionID, extraction.SubmissionFailed, err.Error())
		if errors.Is(err, apperrors.ErrInvalidRequest) {
			return sendProcessingError(c, err)
		}
		return sendError(c, fiber.StatusServiceUnavailable, "", "failed to enqueue submission")
	}

	s.logger.Info("Submission queued", "submissionId", job.SubmissionID, "taskId", taskID, "questions", len(job.Questions))
	return sendSuccess(c, fiber.StatusAccepted, "submission queued", ExtractionAccepted{
		SubmissionID: job.SubmissionID,
		Status:       extraction.SubmissionQueued,
		TaskID:       taskID,
		Questions:    job.Questions,
		QueuedAt:     time.Now().UTC(),
	})
}

func (s *Server) processNow(c *fiber.Ctx, job *queue.SubmissionJob) error {
	if s.cfg.Processor == nil {
		return sendError(c, fiber.StatusServiceUnavailable, "", "synchronous processing is not configured")
	}
	ctx, cancel := context.WithTimeout(c.UserContext(), s.cfg.SyncTimeout)
	defer cancel()

	if err := s.cfg.Store.UpdateStatus(ctx, job.SubmissionID, extraction.SubmissionProcessing, ""); err != nil {
		s.logger.Warn("Failed to record processing status", "submissionId", job.SubmissionID, "error", err)
	}

	result, err := s.cfg.Processor.ProcessSubmission(ctx, &processor.ProcessRequest{
		SubmissionID: job.SubmissionID,
		PDF:          job.PDF,
		FileURL:      job.FileURL,
		Questions:    job.Questions,
		Hints:        job.Hints,
	})
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = apperrors.NewProcessingTimeoutError(job.SubmissionID, s.cfg.SyncTimeout, err)
		}
		_ = s.cfg.Store.UpdateStatus(context.WithoutCancel(ctx), job.SubmissionID, extraction.SubmissionFailed, err.Error())
		return sendProcessingError(c, err)
	}

	if err := s.cfg.Store.SaveSubmission(ctx, result); err != nil {
		s.logger.Error("Failed to save result", "submissionId", job.SubmissionID, "error", err)
	}
	return sendSuccess(c, fiber.StatusOK, "submission processed", result)
}

func (s *Server) getExtraction(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	if id == "" {
		return sendError(c, fiber.StatusBadRequest, string(apperrors.ErrorInvalidRequest), "submission id is required")
	}
	result, err := s.cfg.Store.GetSubmission(c.UserContext(), id)
	if err != nil {
		return sendProcessingError(c, err)
	}
	return sendSuccess(c, fiber.StatusOK, "submission retrieved", result)
}

func (s *Server) similarAnswers(c *fiber.Ctx) error {
	if s.cfg.Index == nil {
		return sendError(c, fiber.StatusNotImplemented, "", "answer index is not configured")
	}
	var q SimilarQuery
	if err := c.QueryParser(&q); err != nil {
		return sendError(c, fiber.StatusBadRequest, string(apperrors.ErrorInvalidRequest), "invalid query")
	}
	if err := s.validator.Struct(q); err != nil {
		return sendError(c, fiber.StatusBadRequest, string(apperrors.ErrorInvalidRequest), err.Error())
	}
	if q.Limit == 0 {
		q.Limit = 10
	}

	answers, err := s.cfg.Index.SearchSimilar(c.UserContext(), q.Text, q.Question, q.Limit)
	if err != nil {
		s.logger.Error("Similarity search failed", "error", err)
		return sendError(c, fiber.StatusBadGateway, "", "similarity search failed")
	}
	return sendSuccess(c, fiber.StatusOK, "similar answers", answers)
}
