package errors

import (
	"fmt"
	"time"
)

/**
 * Custom error types for the answer extraction worker
 *
 * Factory functions build structured errors; sentinels allow errors.Is
 * matching by code across package boundaries.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Pipeline-fatal errors
	ErrorRenderFailed    ErrorCode = "RENDER_FAILED"
	ErrorInvalidDocument ErrorCode = "INVALID_DOCUMENT"
	ErrorNoAssignments   ErrorCode = "NO_ASSIGNMENTS"

	// Recoverable extraction errors
	ErrorNoExtraction       ErrorCode = "NO_EXTRACTION"
	ErrorEngineFailed       ErrorCode = "ENGINE_FAILED"
	ErrorArbiterFailed      ErrorCode = "ARBITER_FAILED"
	ErrorArbiterParseFailed ErrorCode = "ARBITER_PARSE_FAILED"
	ErrorNoResults          ErrorCode = "NO_RESULTS"

	// Processing errors
	ErrorProcessingTimeout ErrorCode = "PROCESSING_TIMEOUT"
	ErrorInvalidRequest    ErrorCode = "INVALID_REQUEST"

	// Storage errors
	ErrorStorageFailed ErrorCode = "STORAGE_FAILED"
	ErrorNotFound      ErrorCode = "NOT_FOUND"
)

// Sentinels for errors.Is checks. Any ProcessingError with the same code matches.
var (
	ErrRenderFailed       = &ProcessingError{Code: ErrorRenderFailed, Message: "page rendering failed"}
	ErrInvalidDocument    = &ProcessingError{Code: ErrorInvalidDocument, Message: "document is not a readable PDF"}
	ErrNoAssignments      = &ProcessingError{Code: ErrorNoAssignments, Message: "no question assignments could be built"}
	ErrNoExtraction       = &ProcessingError{Code: ErrorNoExtraction, Message: "all recognition engines failed"}
	ErrArbiterFailed      = &ProcessingError{Code: ErrorArbiterFailed, Message: "arbiter call failed"}
	ErrArbiterParseFailed = &ProcessingError{Code: ErrorArbiterParseFailed, Message: "arbiter returned unparseable output"}
	ErrNoResults          = &ProcessingError{Code: ErrorNoResults, Message: "consensus requires at least one engine result"}
	ErrInvalidRequest     = &ProcessingError{Code: ErrorInvalidRequest, Message: "invalid request"}
	ErrNotFound           = &ProcessingError{Code: ErrorNotFound, Message: "not found"}
)

// ProcessingError represents a structured processing error
type ProcessingError struct {
	Code      ErrorCode
	Message   string
	JobID     string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// Is matches any ProcessingError carrying the same code
func (e *ProcessingError) Is(target error) bool {
	t, ok := target.(*ProcessingError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Factory functions for common errors

func NewRenderFailedError(jobID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorRenderFailed,
		Message:   "Failed to render PDF pages",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewInvalidDocumentError(jobID string, mimeType string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorInvalidDocument,
		Message:   fmt.Sprintf("Document is not a readable PDF (detected %s)", mimeType),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"mime_type": mimeType,
		},
		Cause: cause,
	}
}

func NewNoAssignmentsError(jobID string, pages, questions int) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorNoAssignments,
		Message:   fmt.Sprintf("No question regions found for %d questions across %d pages", questions, pages),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"page_count":     pages,
			"question_count": questions,
		},
	}
}

func NewNoExtractionError(questionNumber int, engines int, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorNoExtraction,
		Message:   fmt.Sprintf("All %d engines failed for question %d", engines, questionNumber),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"question_number": questionNumber,
			"engine_count":    engines,
		},
		Cause: cause,
	}
}

func NewEngineFailedError(engine string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorEngineFailed,
		Message:   fmt.Sprintf("Recognition engine %s failed", engine),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"engine": engine,
		},
		Cause: cause,
	}
}

func NewArbiterFailedError(model string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorArbiterFailed,
		Message:   fmt.Sprintf("Arbiter call to %s failed", model),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"model": model,
		},
		Cause: cause,
	}
}

func NewArbiterParseError(raw string, cause error) *ProcessingError {
	if len(raw) > 200 {
		raw = raw[:200]
	}
	return &ProcessingError{
		Code:      ErrorArbiterParseFailed,
		Message:   "Arbiter response did not match the structured output contract",
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"raw_preview": raw,
		},
		Cause: cause,
	}
}

func NewProcessingTimeoutError(jobID string, duration time.Duration, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorProcessingTimeout,
		Message:   fmt.Sprintf("Processing timed out after %v", duration),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": duration.String(),
		},
		Cause: cause,
	}
}

func NewInvalidRequestError(message string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorInvalidRequest,
		Message:   message,
		Timestamp: time.Now(),
	}
}

func NewStorageFailedError(jobID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorStorageFailed,
		Message:   "Failed to store extraction results",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewNotFoundError(kind, id string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorNotFound,
		Message:   fmt.Sprintf("%s %s not found", kind, id),
		Timestamp: time.Now(),
	}
}

// ToMap converts error to map for database storage
func (e *ProcessingError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
