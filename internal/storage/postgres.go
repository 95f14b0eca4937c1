/**
 * PostgreSQL Store for the answer extraction worker
 *
 * Persists submission status and the full SubmissionResult as JSONB so the
 * API can serve results after the worker that produced them has exited.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	_ "github.com/lib/pq"

	apperrors "github.com/adverant/nexus/answer-extraction-worker/internal/errors"
	"github.com/adverant/nexus/answer-extraction-worker/internal/extraction"
)

const schemaDDL = `
CREATE SCHEMA IF NOT EXISTS answer_extraction;
CREATE TABLE IF NOT EXISTS answer_extraction.submissions (
	submission_id   TEXT PRIMARY KEY,
	status          TEXT NOT NULL,
	strategy        TEXT NOT NULL DEFAULT '',
	question_count  INTEGER NOT NULL DEFAULT 0,
	review_count    INTEGER NOT NULL DEFAULT 0,
	mean_confidence NUMERIC(5,4) NOT NULL DEFAULT 0,
	error_message   TEXT NOT NULL DEFAULT '',
	result          JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS submissions_status_idx ON answer_extraction.submissions (status);
`

var (
	nullEscape    = regexp.MustCompile(`\\u0000`)
	controlEscape = regexp.MustCompile(`\\u00[01][0-9a-fA-F]`)
)

// PostgresStore handles database operations
type PostgresStore struct {
	db *sql.DB
}

// sanitizeConfidence rounds confidence to 4 decimal places and clamps it to
// [0, 1] so it always fits NUMERIC(5,4).
func sanitizeConfidence(confidence float64) float64 {
	if confidence < 0.0 {
		return 0.0
	}
	if confidence > 1.0 {
		return 1.0
	}
	return float64(int(confidence*10000+0.5)) / 10000
}

// sanitizeJSONForPostgres strips \u0000 escapes (rejected by JSONB) and
// replaces other C0 control escapes with a space
func sanitizeJSONForPostgres(jsonBytes []byte) []byte {
	result := nullEscape.ReplaceAll(jsonBytes, []byte{})
	return controlEscape.ReplaceAll(result, []byte(" "))
}

// meanConfidence averages consensus confidence over extracted questions
func meanConfidence(result *extraction.SubmissionResult) float64 {
	var sum float64
	n := 0
	for _, q := range result.Questions {
		if q.Consensus != nil {
			sum += q.Consensus.Confidence
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// NewPostgresStore opens the database, checks connectivity and creates the
// schema if missing
func NewPostgresStore(databaseURL string) (*PostgresStore, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// SaveSubmission upserts the full result
func (p *PostgresStore) SaveSubmission(ctx context.Context, result *extraction.SubmissionResult) error {
	if result == nil || result.SubmissionID == "" {
		return fmt.Errorf("submission ID is required")
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return apperrors.NewStorageFailedError(result.SubmissionID, fmt.Errorf("failed to marshal result: %w", err))
	}
	resultJSON = sanitizeJSONForPostgres(resultJSON)

	query := `
		INSERT INTO answer_extraction.submissions (
			submission_id, status, strategy, question_count, review_count,
			mean_confidence, error_message, result, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (submission_id) DO UPDATE SET
			status          = EXCLUDED.status,
			strategy        = EXCLUDED.strategy,
			question_count  = EXCLUDED.question_count,
			review_count    = EXCLUDED.review_count,
			mean_confidence = EXCLUDED.mean_confidence,
			error_message   = EXCLUDED.error_message,
			result          = EXCLUDED.result,
			updated_at      = NOW()
	`

	createdAt := result.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	confidence := sanitizeConfidence(meanConfidence(result))

	_, err = p.db.ExecContext(ctx, query,
		result.SubmissionID,       // $1
		string(result.Status),     // $2
		result.Strategy,           // $3
		len(result.Questions),     // $4
		result.NeedsReviewCount(), // $5
		confidence,                // $6
		result.Error,              // $7
		resultJSON,                // $8
		createdAt,                 // $9
	)
	if err != nil {
		return apperrors.NewStorageFailedError(result.SubmissionID,
			fmt.Errorf("failed to save submission (status=%s, confidence=%.4f): %w", result.Status, confidence, err))
	}
	return nil
}

// GetSubmission loads a result. Submissions that only have a status row
// come back with an empty question list.
func (p *PostgresStore) GetSubmission(ctx context.Context, submissionID string) (*extraction.SubmissionResult, error) {
	if submissionID == "" {
		return nil, fmt.Errorf("submission ID is required")
	}

	query := `
		SELECT status, strategy, error_message, result, created_at
		FROM answer_extraction.submissions
		WHERE submission_id = $1
	`

	var (
		status, strategy, errMsg string
		resultJSON               []byte
		createdAt                time.Time
	)
	err := p.db.QueryRowContext(ctx, query, submissionID).Scan(&status, &strategy, &errMsg, &resultJSON, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("submission", submissionID)
	}
	if err != nil {
		return nil, apperrors.NewStorageFailedError(submissionID, err)
	}

	result := &extraction.SubmissionResult{}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, result); err != nil {
			return nil, apperrors.NewStorageFailedError(submissionID, fmt.Errorf("failed to decode result: %w", err))
		}
	}
	// Row columns are authoritative; status updates do not rewrite the JSON
	result.SubmissionID = submissionID
	result.Status = extraction.SubmissionStatus(status)
	result.Strategy = strategy
	result.Error = errMsg
	result.CreatedAt = createdAt
	return result, nil
}

// UpdateStatus upserts the status columns without touching the stored result
func (p *PostgresStore) UpdateStatus(ctx context.Context, submissionID string, status extraction.SubmissionStatus, errMsg string) error {
	if submissionID == "" {
		return fmt.Errorf("submission ID is required")
	}
	if status == "" {
		return fmt.Errorf("status is required")
	}

	query := `
		INSERT INTO answer_extraction.submissions (submission_id, status, error_message)
		VALUES ($1, $2, $3)
		ON CONFLICT (submission_id) DO UPDATE SET
			status        = EXCLUDED.status,
			error_message = EXCLUDED.error_message,
			updated_at    = NOW()
	`
	if _, err := p.db.ExecContext(ctx, query, submissionID, string(status), errMsg); err != nil {
		return apperrors.NewStorageFailedError(submissionID, fmt.Errorf("failed to update status to %s: %w", status, err))
	}
	return nil
}

// Stats returns connection pool statistics
func (p *PostgresStore) Stats() sql.DBStats {
	return p.db.Stats()
}

// Ping checks database connectivity
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresStore) Close() error {
	return p.db.Close()
}
