package render

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/adverant/nexus/answer-extraction-worker/internal/errors"
	"github.com/adverant/nexus/answer-extraction-worker/internal/extraction"
	"github.com/adverant/nexus/answer-extraction-worker/internal/logging"
)

// renderOutput is the JSON contract of the rasteriser, used by both the
// command-line tool (--json) and the HTTP service.
type renderOutput struct {
	Success   bool     `json:"success"`
	PageCount int      `json:"page_count"`
	DPI       int      `json:"dpi"`
	Format    string   `json:"format"`
	Images    []string `json:"images"`
	Error     string   `json:"error,omitempty"`
}

func decodeOutput(jobID string, raw []byte) ([]extraction.PageImage, error) {
	var out renderOutput
	if err := json.Unmarshal(bytes.TrimSpace(raw), &out); err != nil {
		return nil, apperrors.NewRenderFailedError(jobID, fmt.Errorf("invalid renderer output: %w", err))
	}
	if !out.Success {
		return nil, apperrors.NewRenderFailedError(jobID, fmt.Errorf("renderer reported failure: %s", out.Error))
	}
	if out.PageCount != len(out.Images) {
		return nil, apperrors.NewRenderFailedError(jobID,
			fmt.Errorf("renderer reported %d pages but returned %d images", out.PageCount, len(out.Images)))
	}

	format := out.Format
	if format == "" {
		format = DefaultFormat
	}
	pages := make([]extraction.PageImage, 0, len(out.Images))
	for i, enc := range out.Images {
		data, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, apperrors.NewRenderFailedError(jobID, fmt.Errorf("page %d: invalid base64: %w", i, err))
		}
		pages = append(pages, extraction.PageImage{Index: i, Data: data, Format: format})
	}
	return pages, nil
}

// CommandRenderer runs the PDF rasteriser as a subprocess:
//
//	<command...> <pdf> --dpi <dpi> --format <format> --json
type CommandRenderer struct {
	command []string
	opts    Options
	logger  *logging.Logger
	count   pageCounter
}

// NewCommandRenderer splits command on whitespace, e.g.
// "python3 /app/python/pdf_to_image_service.py"
func NewCommandRenderer(command string, opts Options, logger *logging.Logger) (*CommandRenderer, error) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return nil, fmt.Errorf("renderer command is required")
	}
	if logger == nil {
		logger = logging.NewLogger("Renderer")
	}
	return &CommandRenderer{
		command: parts,
		opts:    opts.withDefaults(),
		logger:  logger,
		count:   PageCount,
	}, nil
}

// Render writes the PDF to a temp file and runs the rasteriser on it
func (r *CommandRenderer) Render(ctx context.Context, jobID string, pdf []byte) ([]extraction.PageImage, error) {
	if err := CheckPDF(jobID, pdf); err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp("", "submission-*.pdf")
	if err != nil {
		return nil, apperrors.NewRenderFailedError(jobID, fmt.Errorf("failed to create temp file: %w", err))
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(pdf); err != nil {
		tmp.Close()
		return nil, apperrors.NewRenderFailedError(jobID, fmt.Errorf("failed to write temp file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return nil, apperrors.NewRenderFailedError(jobID, fmt.Errorf("failed to close temp file: %w", err))
	}

	args := append(append([]string{}, r.command[1:]...),
		tmp.Name(),
		"--dpi", strconv.Itoa(r.opts.DPI),
		"--format", r.opts.Format,
		"--json",
	)
	cmd := exec.CommandContext(ctx, r.command[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	// The tool prints a JSON failure object and exits non-zero; prefer that
	// message over the bare exit status.
	pages, err := decodeOutput(jobID, stdout.Bytes())
	if err != nil {
		if runErr != nil {
			r.logger.Error("Renderer command failed", "jobId", jobID, "error", runErr, "stderr", strings.TrimSpace(stderr.String()))
		}
		return nil, err
	}
	if runErr != nil {
		return nil, apperrors.NewRenderFailedError(jobID, fmt.Errorf("renderer exited: %w", runErr))
	}

	expected, err := checkAgreement(jobID, pdf, len(pages), r.count)
	if err != nil {
		return nil, err
	}

	r.logger.Info("PDF rendered",
		"jobId", jobID,
		"pages", len(pages),
		"documentPages", expected,
		"dpi", r.opts.DPI,
		"duration", time.Since(start).String())
	return pages, nil
}
