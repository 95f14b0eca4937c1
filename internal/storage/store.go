package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/adverant/nexus/answer-extraction-worker/internal/errors"
	"github.com/adverant/nexus/answer-extraction-worker/internal/extraction"
)

// Store persists submission results and their lifecycle status
type Store interface {
	SaveSubmission(ctx context.Context, result *extraction.SubmissionResult) error
	GetSubmission(ctx context.Context, submissionID string) (*extraction.SubmissionResult, error)
	UpdateStatus(ctx context.Context, submissionID string, status extraction.SubmissionStatus, errMsg string) error
	Close() error
}

// MemoryStore keeps results in process memory. Used by the CLI and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	results map[string][]byte
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{results: make(map[string][]byte)}
}

// SaveSubmission stores a snapshot of result; later mutation by the caller
// is not visible to readers.
func (m *MemoryStore) SaveSubmission(_ context.Context, result *extraction.SubmissionResult) error {
	if result == nil || result.SubmissionID == "" {
		return fmt.Errorf("submission ID is required")
	}
	data, err := json.Marshal(result)
	if err != nil {
		return apperrors.NewStorageFailedError(result.SubmissionID, err)
	}

	m.mu.Lock()
	m.results[result.SubmissionID] = data
	m.mu.Unlock()
	return nil
}

// GetSubmission returns a copy of the stored result
func (m *MemoryStore) GetSubmission(_ context.Context, submissionID string) (*extraction.SubmissionResult, error) {
	m.mu.RLock()
	data, ok := m.results[submissionID]
	m.mu.RUnlock()
	if !ok {
		return nil, apperrors.NewNotFoundError("submission", submissionID)
	}

	var result extraction.SubmissionResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, apperrors.NewStorageFailedError(submissionID, err)
	}
	return &result, nil
}

// UpdateStatus records a status change, creating a placeholder when the
// submission has not been saved yet
func (m *MemoryStore) UpdateStatus(ctx context.Context, submissionID string, status extraction.SubmissionStatus, errMsg string) error {
	if submissionID == "" {
		return fmt.Errorf("submission ID is required")
	}

	result, err := m.GetSubmission(ctx, submissionID)
	if err != nil {
		result = &extraction.SubmissionResult{SubmissionID: submissionID, CreatedAt: time.Now().UTC()}
	}
	result.Status = status
	result.Error = errMsg
	if status == extraction.SubmissionCompleted || status == extraction.SubmissionFailed {
		result.CompletedAt = time.Now().UTC()
	}
	return m.SaveSubmission(ctx, result)
}

// Close is a no-op
func (m *MemoryStore) Close() error {
	return nil
}
