// Package render turns a submitted PDF into one raster image per page.
package render

import (
	"bytes"
	"context"
	"fmt"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	apperrors "github.com/adverant/nexus/answer-extraction-worker/internal/errors"
	"github.com/adverant/nexus/answer-extraction-worker/internal/extraction"
)

const (
	DefaultDPI    = 300
	DefaultFormat = "png"
	pdfMIME       = "application/pdf"
)

// Renderer rasterises every page of a PDF, in page order
type Renderer interface {
	Render(ctx context.Context, jobID string, pdf []byte) ([]extraction.PageImage, error)
}

// Options are shared by the renderer implementations
type Options struct {
	DPI    int
	Format string
}

func (o Options) withDefaults() Options {
	if o.DPI <= 0 {
		o.DPI = DefaultDPI
	}
	if o.Format == "" {
		o.Format = DefaultFormat
	}
	return o
}

// CheckPDF rejects anything that is not a PDF by content sniffing
func CheckPDF(jobID string, data []byte) error {
	if len(data) == 0 {
		return apperrors.NewInvalidDocumentError(jobID, "empty", fmt.Errorf("document is empty"))
	}
	mime := mimetype.Detect(data)
	if !mime.Is(pdfMIME) {
		return apperrors.NewInvalidDocumentError(jobID, mime.String(), fmt.Errorf("expected %s", pdfMIME))
	}
	return nil
}

// PageCount reads the page tree with pdfcpu in relaxed validation mode
func PageCount(data []byte) (int, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return api.PageCount(bytes.NewReader(data), conf)
}

// pageCounter is swapped in tests
type pageCounter func(data []byte) (int, error)

// checkAgreement compares the rendered page count with the document's own.
// A document pdfcpu cannot parse is not an error here; the rasteriser is the
// authority on what it could read.
func checkAgreement(jobID string, pdf []byte, rendered int, count pageCounter) (expected int, err error) {
	expected, cerr := count(pdf)
	if cerr != nil {
		return 0, nil
	}
	if expected != rendered {
		return expected, apperrors.NewRenderFailedError(jobID,
			fmt.Errorf("renderer returned %d pages, document has %d", rendered, expected))
	}
	return expected, nil
}
