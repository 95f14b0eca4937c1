/**
 * Vision Recognizer - MageAgent hosted vision-model transcription
 *
 * MageAgent picks the vision model; this client only forwards the region
 * image and maps the synchronous response onto an EngineResult. It is the
 * most accurate engine available and is usually weighted highest.
 */

package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/adverant/nexus/answer-extraction-worker/internal/extraction"
	"github.com/adverant/nexus/answer-extraction-worker/internal/logging"
)

// VisionEngineConfig configures the MageAgent vision recognizer
type VisionEngineConfig struct {
	ID         string
	BaseURL    string
	Timeout    time.Duration
	Language   string
	HTTPClient *http.Client
	Logger     *logging.Logger
}

// VisionRecognizer handles communication with MageAgent's vision endpoint
type VisionRecognizer struct {
	id         string
	baseURL    string
	timeout    time.Duration
	language   string
	httpClient *http.Client
	logger     *logging.Logger
}

// VisionOCRRequest represents a request to extract text from an image
type VisionOCRRequest struct {
	Image          string                 `json:"image"`          // Base64 encoded image
	Format         string                 `json:"format"`         // "base64"
	PreferAccuracy bool                   `json:"preferAccuracy"` // handwriting always wants the accurate tier
	Language       string                 `json:"language"`
	Metadata       map[string]interface{} `json:"metadata"`
}

// VisionOCRResponse represents a synchronous response from the vision endpoint
type VisionOCRResponse struct {
	Success bool          `json:"success"`
	Data    VisionOCRData `json:"data"`
	Message string        `json:"message"`
}

// VisionOCRData contains the extracted text and metadata
type VisionOCRData struct {
	Text           string  `json:"text"`
	Confidence     float64 `json:"confidence"`
	ModelUsed      string  `json:"modelUsed"`
	ProcessingTime int64   `json:"processingTime"` // milliseconds
}

// NewVisionRecognizer creates a new MageAgent vision recognizer
func NewVisionRecognizer(cfg VisionEngineConfig) (*VisionRecognizer, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("MageAgent base URL is required")
	}
	if cfg.ID == "" {
		cfg.ID = "mageagent"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = MathTimeout
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout + 5*time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger("VisionRecognizer")
	}

	return &VisionRecognizer{
		id:         cfg.ID,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		timeout:    cfg.Timeout,
		language:   cfg.Language,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger,
	}, nil
}

// ID returns the engine identifier
func (v *VisionRecognizer) ID() string { return v.id }

// Timeout returns the per-call budget
func (v *VisionRecognizer) Timeout() time.Duration { return v.timeout }

// Recognize sends the region to MageAgent and waits for the transcription
func (v *VisionRecognizer) Recognize(ctx context.Context, image []byte) (*extraction.EngineResult, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("image buffer is empty")
	}

	req := &VisionOCRRequest{
		Image:          base64.StdEncoding.EncodeToString(image),
		Format:         "base64",
		PreferAccuracy: true,
		Language:       v.language,
		Metadata: map[string]interface{}{
			"content": "handwritten-answer",
		},
	}

	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/internal/vision/extract-text", v.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Source", "answer-extraction-worker")
	httpReq.Header.Set("X-Request-ID", fmt.Sprintf("ocr-%d", time.Now().UnixNano()))

	start := time.Now()
	resp, err := v.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request to MageAgent failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("MageAgent returned error status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var ocrResp VisionOCRResponse
	if err := json.Unmarshal(body, &ocrResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if !ocrResp.Success {
		return nil, fmt.Errorf("MageAgent operation failed: %s", ocrResp.Message)
	}

	processingMs := ocrResp.Data.ProcessingTime
	if processingMs <= 0 {
		processingMs = time.Since(start).Milliseconds()
	}

	v.logger.Debug("Vision transcription complete",
		"modelUsed", ocrResp.Data.ModelUsed,
		"confidence", ocrResp.Data.Confidence,
		"processingTime", processingMs)

	return &extraction.EngineResult{
		Engine:           v.id,
		Text:             strings.TrimSpace(ocrResp.Data.Text),
		Confidence:       clampConfidence(ocrResp.Data.Confidence),
		ProcessingTimeMs: processingMs,
	}, nil
}

// HealthCheck verifies MageAgent is reachable
func (v *VisionRecognizer) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/api/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("MageAgent health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("MageAgent health check returned status %d", resp.StatusCode)
	}
	return nil
}
