/**
 * Artifact Client - archive of region crops that need human review
 *
 * When an answer is flagged for review, the grader needs to see the exact
 * pixels the engines read. The worker uploads the cropped region to the
 * FileProcess artifact API and stores the returned download URL on the
 * question result.
 *
 * Storage backend selection (PostgreSQL buffer, MinIO) is the API's concern;
 * crops are small so they normally land in the buffer.
 */

package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/adverant/nexus/answer-extraction-worker/internal/extraction"
	"github.com/adverant/nexus/answer-extraction-worker/internal/logging"
)

// SourceService identifies this worker to the artifact API
const SourceService = "answer-extraction-worker"

// ArtifactClient handles communication with the FileProcess API for artifact storage
type ArtifactClient struct {
	baseURL    string
	httpClient *http.Client
	ttlDays    int
	logger     *logging.Logger
}

// ArtifactUploadRequest represents a file upload request
type ArtifactUploadRequest struct {
	FileBuffer []byte
	Filename   string
	MimeType   string
	SourceID   string // submission ID
	TTLDays    int
	Metadata   map[string]interface{}
}

// ArtifactUploadResponse represents the response from uploading an artifact
type ArtifactUploadResponse struct {
	Success  bool   `json:"success"`
	Artifact struct {
		ID             string `json:"id"`
		Filename       string `json:"filename"`
		FileSize       int64  `json:"file_size"`
		MimeType       string `json:"mime_type"`
		StorageBackend string `json:"storage_backend"`
		DownloadURL    string `json:"download_url"`
		CreatedAt      string `json:"created_at"`
		ExpiresAt      string `json:"expires_at,omitempty"`
	} `json:"artifact,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// NewArtifactClient creates a new artifact client. ttlDays <= 0 keeps crops
// for 90 days, long enough for a grading cycle.
func NewArtifactClient(baseURL string, ttlDays int, logger *logging.Logger) *ArtifactClient {
	if ttlDays <= 0 {
		ttlDays = 90
	}
	if logger == nil {
		logger = logging.NewLogger("ArtifactClient")
	}
	return &ArtifactClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		ttlDays: ttlDays,
		logger:  logger,
	}
}

// HealthCheck verifies the FileProcess API is available
func (c *ArtifactClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("artifact service health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("artifact service health check returned status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// ArchiveRegion uploads the crop a question was read from and returns its
// download URL
func (c *ArtifactClient) ArchiveRegion(ctx context.Context, submissionID string, a extraction.QuestionAssignment) (string, error) {
	resp, err := c.UploadArtifact(ctx, &ArtifactUploadRequest{
		FileBuffer: a.ImageBuffer,
		Filename:   fmt.Sprintf("%s-q%d.png", submissionID, a.QuestionNumber),
		MimeType:   "image/png",
		SourceID:   submissionID,
		Metadata: map[string]interface{}{
			"questionNumber": a.QuestionNumber,
			"pageIndex":      a.PageIndex,
			"segmentIndex":   a.SegmentIndex,
			"boundingBox":    a.BBox,
			"fallback":       a.Fallback,
		},
	})
	if err != nil {
		return "", err
	}
	return resp.Artifact.DownloadURL, nil
}

// UploadArtifact uploads a file, retrying transport errors and 5xx replies
func (c *ArtifactClient) UploadArtifact(ctx context.Context, req *ArtifactUploadRequest) (*ArtifactUploadResponse, error) {
	if len(req.FileBuffer) == 0 {
		return nil, fmt.Errorf("file buffer is required: received empty buffer")
	}
	if req.Filename == "" {
		return nil, fmt.Errorf("filename is required: received empty string")
	}
	if req.SourceID == "" {
		return nil, fmt.Errorf("source_id is required: identifies the submission creating this artifact")
	}

	body, contentType, err := c.encodeUpload(req)
	if err != nil {
		return nil, err
	}

	startTime := time.Now()
	var result *ArtifactUploadResponse
	err = retry.Do(
		func() error {
			r, err := c.post(ctx, body, contentType)
			if err != nil {
				return err
			}
			result = r
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(250*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Artifact uploaded",
		"id", result.Artifact.ID,
		"storage", result.Artifact.StorageBackend,
		"size", len(req.FileBuffer),
		"duration", time.Since(startTime).String())

	return result, nil
}

func (c *ArtifactClient) encodeUpload(req *ArtifactUploadRequest) ([]byte, string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", req.Filename)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file part: %w", err)
	}
	if _, err := part.Write(req.FileBuffer); err != nil {
		return nil, "", fmt.Errorf("failed to write file data to form: %w", err)
	}

	ttlDays := req.TTLDays
	if ttlDays <= 0 {
		ttlDays = c.ttlDays
	}
	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	fields := map[string]string{
		"source_service": SourceService,
		"source_id":      req.SourceID,
		"mime_type":      mimeType,
		"ttl_days":       strconv.Itoa(ttlDays),
	}
	if len(req.Metadata) > 0 {
		metadataJSON, err := json.Marshal(req.Metadata)
		if err != nil {
			return nil, "", fmt.Errorf("failed to marshal metadata to JSON: %w", err)
		}
		fields["metadata"] = string(metadataJSON)
	}
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("failed to write %s field: %w", k, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return body.Bytes(), writer.FormDataContentType(), nil
}

func (c *ArtifactClient) post(ctx context.Context, body []byte, contentType string) (*ArtifactUploadResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/fileprocess/api/files/upload", bytes.NewReader(body))
	if err != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("failed to create HTTP request: %w", err))
	}
	httpReq.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, retry.Unrecoverable(ctx.Err())
		}
		return nil, fmt.Errorf("HTTP request to artifact storage failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("artifact upload failed with HTTP %d: %s", resp.StatusCode, truncateBody(respBody))
		if resp.StatusCode < 500 {
			return nil, retry.Unrecoverable(err)
		}
		return nil, err
	}

	var result ArtifactUploadResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("failed to parse artifact upload response: %w", err))
	}
	if !result.Success {
		return nil, retry.Unrecoverable(fmt.Errorf("artifact upload returned success=false: %s", result.Error))
	}
	if result.Artifact.ID == "" {
		return nil, retry.Unrecoverable(fmt.Errorf("artifact upload succeeded but returned empty artifact ID"))
	}
	return &result, nil
}

func truncateBody(b []byte) string {
	const limit = 300
	if len(b) <= limit {
		return string(b)
	}
	return string(b[:limit]) + "..."
}
