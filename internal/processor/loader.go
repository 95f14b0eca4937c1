package processor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"

	apperrors "github.com/adverant/nexus/answer-extraction-worker/internal/errors"
)

const (
	downloadAttempts   = 5
	downloadBackoff    = time.Second
	downloadMaxBackoff = 32 * time.Second
	downloadTimeout    = 10 * time.Minute
	defaultMaxFileSize = 200 * 1024 * 1024
)

// loadFile returns the request's PDF from its buffer or downloads it from FileURL
func (p *SubmissionProcessor) loadFile(ctx context.Context, id string, req *ProcessRequest) ([]byte, error) {
	if len(req.PDF) > 0 {
		if int64(len(req.PDF)) > p.maxFileSize {
			return nil, apperrors.NewInvalidRequestError(fmt.Sprintf("file size exceeds maximum: %d > %d bytes", len(req.PDF), p.maxFileSize))
		}
		return req.PDF, nil
	}

	if req.FileURL != "" {
		p.logger.Info("Downloading submission", "submissionId", id, "url", req.FileURL)
		data, err := p.download(ctx, id, req.FileURL)
		if err != nil {
			return nil, fmt.Errorf("failed to download file: %w", err)
		}
		return data, nil
	}

	return nil, apperrors.NewInvalidRequestError("no file source provided (buffer or URL)")
}

// download fetches fileURL with exponential backoff on transport errors and
// non-2xx replies, bounded by maxFileSize
func (p *SubmissionProcessor) download(ctx context.Context, submissionID, fileURL string) ([]byte, error) {
	client := p.httpClient
	if client == nil {
		client = &http.Client{Timeout: downloadTimeout}
	}

	var data []byte
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				err := fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
				if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden {
					return retry.Unrecoverable(err)
				}
				return err
			}
			if resp.ContentLength > p.maxFileSize {
				return retry.Unrecoverable(fmt.Errorf("file size exceeds maximum: %d > %d bytes", resp.ContentLength, p.maxFileSize))
			}

			body, err := io.ReadAll(io.LimitReader(resp.Body, p.maxFileSize+1))
			if err != nil {
				return err
			}
			if int64(len(body)) > p.maxFileSize {
				return retry.Unrecoverable(fmt.Errorf("file size exceeds maximum of %d bytes", p.maxFileSize))
			}
			data = body
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(downloadAttempts),
		retry.Delay(downloadBackoff),
		retry.MaxDelay(downloadMaxBackoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Warn("Download attempt failed", "submissionId", submissionID, "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return nil, err
	}
	return data, nil
}
