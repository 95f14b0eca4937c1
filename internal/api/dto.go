package api

import (
	"time"

	"github.com/adverant/nexus/answer-extraction-worker/internal/extraction"
)

// Processing modes for POST /extractions
const (
	ModeSync  = "sync"
	ModeAsync = "async"
)

// CreateExtractionRequest is the multipart form of POST /api/v1/extractions.
// The PDF arrives either as the "file" part or via FileURL.
type CreateExtractionRequest struct {
	SubmissionID string `form:"submissionId" validate:"omitempty,max=128,excludesall=/"`
	Questions    string `form:"questions" validate:"required,max=2048"`
	FileURL      string `form:"fileUrl" validate:"omitempty,url"`
	Mode         string `form:"mode" validate:"omitempty,oneof=sync async"`
	// Hints is a JSON object mapping question number to hint text
	Hints string `form:"hints" validate:"omitempty,json"`
}

// ExtractionAccepted is returned for queued submissions
type ExtractionAccepted struct {
	SubmissionID string                      `json:"submissionId"`
	Status       extraction.SubmissionStatus `json:"status"`
	TaskID       string                      `json:"taskId,omitempty"`
	Questions    []int                       `json:"questions"`
	QueuedAt     time.Time                   `json:"queuedAt"`
}

// SimilarQuery is the query string of GET /api/v1/answers/similar
type SimilarQuery struct {
	Text     string `query:"text" validate:"required,max=2000"`
	Question int    `query:"question" validate:"omitempty,min=1"`
	Limit    int    `query:"limit" validate:"omitempty,min=1,max=100"`
}

// HealthResponse represents the payload returned by the health endpoint
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Service   string            `json:"service"`
	Strategy  string            `json:"strategy,omitempty"`
	Engines   map[string]string `json:"engines,omitempty"`
}
