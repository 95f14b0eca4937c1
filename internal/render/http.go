package render

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	apperrors "github.com/adverant/nexus/answer-extraction-worker/internal/errors"
	"github.com/adverant/nexus/answer-extraction-worker/internal/extraction"
	"github.com/adverant/nexus/answer-extraction-worker/internal/logging"
)

// HTTPRenderer posts the PDF to a rasteriser service:
//
//	POST {base}/render?dpi=&format=  multipart field "file"
//
// and expects the same JSON body the command-line tool prints.
type HTTPRenderer struct {
	baseURL    string
	opts       Options
	httpClient *http.Client
	logger     *logging.Logger
	count      pageCounter
}

// NewHTTPRenderer creates a renderer backed by a service
func NewHTTPRenderer(baseURL string, opts Options, logger *logging.Logger) *HTTPRenderer {
	if logger == nil {
		logger = logging.NewLogger("Renderer")
	}
	return &HTTPRenderer{
		baseURL:    strings.TrimRight(baseURL, "/"),
		opts:       opts.withDefaults(),
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		logger:     logger,
		count:      PageCount,
	}
}

// Render sends the document and decodes the page images, retrying transport
// errors and 5xx replies
func (r *HTTPRenderer) Render(ctx context.Context, jobID string, pdf []byte) ([]extraction.PageImage, error) {
	if err := CheckPDF(jobID, pdf); err != nil {
		return nil, err
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", jobID+".pdf")
	if err != nil {
		return nil, apperrors.NewRenderFailedError(jobID, err)
	}
	if _, err := part.Write(pdf); err != nil {
		return nil, apperrors.NewRenderFailedError(jobID, err)
	}
	if err := writer.Close(); err != nil {
		return nil, apperrors.NewRenderFailedError(jobID, err)
	}
	payload, contentType := body.Bytes(), writer.FormDataContentType()

	q := url.Values{}
	q.Set("dpi", strconv.Itoa(r.opts.DPI))
	q.Set("format", r.opts.Format)
	endpoint := r.baseURL + "/render?" + q.Encode()

	start := time.Now()
	var raw []byte
	err = retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("Content-Type", contentType)

			resp, err := r.httpClient.Do(req)
			if err != nil {
				if ctx.Err() != nil {
					return retry.Unrecoverable(ctx.Err())
				}
				return err
			}
			defer resp.Body.Close()

			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			if resp.StatusCode >= 500 {
				return fmt.Errorf("renderer returned status %d", resp.StatusCode)
			}
			// 4xx bodies still carry {"success":false,"error":...}
			raw = data
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			r.logger.Warn("Retrying renderer request", "jobId", jobID, "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperrors.NewRenderFailedError(jobID, err)
	}

	pages, err := decodeOutput(jobID, raw)
	if err != nil {
		return nil, err
	}
	if _, err := checkAgreement(jobID, pdf, len(pages), r.count); err != nil {
		return nil, err
	}

	r.logger.Info("PDF rendered", "jobId", jobID, "pages", len(pages), "duration", time.Since(start).String())
	return pages, nil
}
