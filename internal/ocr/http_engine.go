/**
 * HTTP Recognition Engine Client
 *
 * Talks to the recognition microservices (PaddleOCR, Surya, Pix2Text, ...).
 * Each service exposes:
 *   POST /ocr     multipart field "file" -> {engine, text, confidence, processingTime, lines, latex?}
 *   GET  /health  -> {status: "healthy", engine, version}
 *
 * Transient failures (connection errors, 429, 5xx) are retried inside the
 * caller's deadline; the dispatcher's per-engine timeout bounds the total.
 */

package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/adverant/nexus/answer-extraction-worker/internal/extraction"
	"github.com/adverant/nexus/answer-extraction-worker/internal/logging"
)

// HTTPEngineConfig configures one recognition microservice
type HTTPEngineConfig struct {
	ID          string
	BaseURL     string
	Timeout     time.Duration
	MaxAttempts uint
	RetryDelay  time.Duration
	HTTPClient  *http.Client
	Logger      *logging.Logger
}

// HTTPRecognizer is a Recognizer backed by a recognition microservice
type HTTPRecognizer struct {
	id          string
	baseURL     string
	timeout     time.Duration
	maxAttempts uint
	retryDelay  time.Duration
	httpClient  *http.Client
	logger      *logging.Logger
}

// ocrResponse is the wire format shared by the recognition services
type ocrResponse struct {
	Engine         string               `json:"engine"`
	Text           string               `json:"text"`
	Confidence     float64              `json:"confidence"`
	ProcessingTime float64              `json:"processingTime"`
	Latex          string               `json:"latex,omitempty"`
	Lines          []extraction.LineBox `json:"lines,omitempty"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Engine  string `json:"engine"`
	Version string `json:"version"`
}

// statusError carries the HTTP status so retry policy can inspect it
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("engine returned status %d: %s", e.code, e.body)
}

// NewHTTPRecognizer creates a client for one recognition service
func NewHTTPRecognizer(cfg HTTPEngineConfig) (*HTTPRecognizer, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("engine id is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required for engine %s", cfg.ID)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.HTTPClient == nil {
		// The dispatcher's context carries the real deadline.
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout + 5*time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger("Engine:" + cfg.ID)
	}

	return &HTTPRecognizer{
		id:          cfg.ID,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		timeout:     cfg.Timeout,
		maxAttempts: cfg.MaxAttempts,
		retryDelay:  cfg.RetryDelay,
		httpClient:  cfg.HTTPClient,
		logger:      cfg.Logger,
	}, nil
}

// ID returns the engine identifier
func (r *HTTPRecognizer) ID() string { return r.id }

// Timeout returns the per-call budget
func (r *HTTPRecognizer) Timeout() time.Duration { return r.timeout }

// Recognize posts the region image to the service
func (r *HTTPRecognizer) Recognize(ctx context.Context, image []byte) (*extraction.EngineResult, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("image buffer is empty")
	}

	start := time.Now()
	var parsed ocrResponse

	err := retry.Do(
		func() error {
			resp, err := r.post(ctx, image)
			if err != nil {
				return err
			}
			parsed = *resp
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(r.maxAttempts),
		retry.Delay(r.retryDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isTransient),
		retry.OnRetry(func(n uint, err error) {
			r.logger.Warn("Retrying engine request", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%s recognition failed: %w", r.id, err)
	}

	elapsed := time.Since(start).Milliseconds()
	processingMs := int64(math.Round(parsed.ProcessingTime))
	if processingMs <= 0 {
		processingMs = elapsed
	}

	return &extraction.EngineResult{
		Engine:           r.id,
		Text:             strings.TrimSpace(parsed.Text),
		Confidence:       clampConfidence(parsed.Confidence),
		ProcessingTimeMs: processingMs,
		Latex:            parsed.Latex,
		BoundingBoxes:    parsed.Lines,
	}, nil
}

func (r *HTTPRecognizer) post(ctx context.Context, image []byte) (*ocrResponse, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "region.png")
	if err != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("failed to create form file part: %w", err))
	}
	if _, err := part.Write(image); err != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("failed to write image to form: %w", err))
	}
	if err := writer.Close(); err != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("failed to close multipart writer: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/ocr", &body)
	if err != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("X-Source", "answer-extraction-worker")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", r.id, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{code: resp.StatusCode, body: truncate(string(respBody), 200)}
	}

	var parsed ocrResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("failed to parse engine response: %w", err))
	}
	return &parsed, nil
}

// HealthCheck verifies the service reports itself healthy
func (r *HTTPRecognizer) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s health check failed: %w", r.id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s health check returned status %d: %s", r.id, resp.StatusCode, truncate(string(body), 200))
	}

	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("failed to parse health response: %w", err)
	}
	if health.Status != "healthy" {
		return fmt.Errorf("%s reports status %q", r.id, health.Status)
	}
	return nil
}

func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	return true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
