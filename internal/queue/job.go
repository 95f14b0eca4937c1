package queue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/adverant/nexus/answer-extraction-worker/internal/errors"
	"github.com/adverant/nexus/answer-extraction-worker/internal/extraction"
	"github.com/adverant/nexus/answer-extraction-worker/internal/logging"
	"github.com/adverant/nexus/answer-extraction-worker/internal/processor"
	"github.com/adverant/nexus/answer-extraction-worker/internal/storage"
)

const defaultProcessingTimeout = 5 * time.Minute

// SubmissionJob is the payload both queue transports carry
type SubmissionJob struct {
	SubmissionID string         `json:"submissionId"`
	FileURL      string         `json:"fileUrl,omitempty"`
	PDF          []byte         `json:"-"`
	Questions    []int          `json:"questions"`
	Hints        map[int]string `json:"hints,omitempty"`
}

// MarshalJSON writes the PDF as a base64 "fileBuffer" string
func (j SubmissionJob) MarshalJSON() ([]byte, error) {
	type Alias SubmissionJob
	aux := struct {
		Alias
		FileBuffer string `json:"fileBuffer,omitempty"`
	}{Alias: Alias(j)}
	if len(j.PDF) > 0 {
		aux.FileBuffer = base64.StdEncoding.EncodeToString(j.PDF)
	}
	return json.Marshal(aux)
}

// UnmarshalJSON accepts "fileBuffer" as a base64 string or as a Node.js
// Buffer object ({"type":"Buffer","data":[...]}) from producers written in
// TypeScript
func (j *SubmissionJob) UnmarshalJSON(data []byte) error {
	type Alias SubmissionJob
	aux := &struct {
		FileBuffer interface{} `json:"fileBuffer,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(j),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to unmarshal submission job: %w", err)
	}

	switch v := aux.FileBuffer.(type) {
	case nil:
	case string:
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return fmt.Errorf("failed to decode base64 fileBuffer: %w", err)
		}
		j.PDF = decoded
	case map[string]interface{}:
		if bufferType, ok := v["type"].(string); !ok || bufferType != "Buffer" {
			return fmt.Errorf("invalid Buffer object format (missing or incorrect 'type' field)")
		}
		dataArray, ok := v["data"].([]interface{})
		if !ok {
			return fmt.Errorf("Buffer object missing 'data' array")
		}
		j.PDF = make([]byte, len(dataArray))
		for i, val := range dataArray {
			byteVal, ok := val.(float64)
			if !ok {
				return fmt.Errorf("invalid byte value in Buffer data array at index %d", i)
			}
			j.PDF[i] = byte(byteVal)
		}
	default:
		return fmt.Errorf("fileBuffer must be either base64 string or Buffer object, got %T", v)
	}
	return nil
}

// Validate checks the fields every transport needs
func (j *SubmissionJob) Validate() error {
	if j.SubmissionID == "" {
		return apperrors.NewInvalidRequestError("submissionId is required")
	}
	if len(j.Questions) == 0 {
		return apperrors.NewInvalidRequestError("at least one question number is required")
	}
	if len(j.PDF) == 0 && j.FileURL == "" {
		return apperrors.NewInvalidRequestError("fileBuffer or fileUrl is required")
	}
	return nil
}

// runner executes one job and records its lifecycle in the store. Shared by
// the asynq and the plain Redis consumers.
type runner struct {
	processor processor.SubmissionProcessorInterface
	store     storage.Store
	timeout   time.Duration
	logger    *logging.Logger
}

func (r *runner) run(ctx context.Context, job *SubmissionJob) (*extraction.SubmissionResult, error) {
	startTime := time.Now()
	jobLog := r.logger.With(job.SubmissionID)

	if err := job.Validate(); err != nil {
		r.markFailed(ctx, job.SubmissionID, err)
		return nil, err
	}

	if err := r.store.UpdateStatus(ctx, job.SubmissionID, extraction.SubmissionProcessing, ""); err != nil {
		jobLog.Warn("Failed to update status to processing", "error", err)
	}

	timeout := r.timeout
	if timeout <= 0 {
		timeout = defaultProcessingTimeout
	}
	processCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := r.processor.ProcessSubmission(processCtx, &processor.ProcessRequest{
		SubmissionID: job.SubmissionID,
		PDF:          job.PDF,
		FileURL:      job.FileURL,
		Questions:    job.Questions,
		Hints:        job.Hints,
	})
	duration := time.Since(startTime)

	if err != nil {
		if errors.Is(processCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = apperrors.NewProcessingTimeoutError(job.SubmissionID, timeout, err)
			jobLog.Error("Processing timed out", "duration", duration.String(), "timeout", timeout.String())
		} else {
			jobLog.Error("Processing failed", "duration", duration.String(), "error", err)
		}
		r.markFailed(ctx, job.SubmissionID, err)
		return nil, err
	}

	if err := r.store.SaveSubmission(ctx, result); err != nil {
		jobLog.Error("Failed to save result", "error", err)
		return nil, err
	}

	jobLog.Info("Submission stored",
		"questions", len(result.Questions),
		"needsReview", result.NeedsReviewCount(),
		"duration", duration.String())
	return result, nil
}

func (r *runner) markFailed(ctx context.Context, submissionID string, cause error) {
	if submissionID == "" {
		return
	}
	if err := r.store.UpdateStatus(ctx, submissionID, extraction.SubmissionFailed, cause.Error()); err != nil {
		r.logger.Warn("Failed to update status to failed", "submissionId", submissionID, "error", err)
	}
}

// permanent reports errors that will fail the same way on every retry
func permanent(err error) bool {
	return errors.Is(err, apperrors.ErrInvalidRequest) ||
		errors.Is(err, apperrors.ErrInvalidDocument) ||
		errors.Is(err, apperrors.ErrNoAssignments)
}
