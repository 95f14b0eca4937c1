/**
 * Tesseract Recognizer - local, offline engine
 *
 * Runs in-process through gosseract, so it never fails on network issues and
 * costs nothing. Handwriting accuracy is modest, hence the low default weight.
 * Lives in its own package because it needs cgo and libtesseract.
 */

package tesseract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/otiai10/gosseract/v2"

	"github.com/adverant/nexus/answer-extraction-worker/internal/extraction"
	"github.com/adverant/nexus/answer-extraction-worker/internal/ocr"
)

// Config holds Tesseract configuration
type Config struct {
	Languages []string
	Timeout   time.Duration
	// Whitelist restricts recognised characters, e.g. digits and operators
	// for numeric answer sheets. Empty means no restriction.
	Whitelist string
}

// Recognizer handles OCR using a local Tesseract install
type Recognizer struct {
	languages []string
	timeout   time.Duration
	whitelist string
}

var _ ocr.Recognizer = (*Recognizer)(nil)

// New creates a new Tesseract recognizer
func New(cfg Config) *Recognizer {
	if len(cfg.Languages) == 0 {
		cfg.Languages = []string{"eng"}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = ocr.DefaultTimeout
	}
	return &Recognizer{
		languages: cfg.Languages,
		timeout:   cfg.Timeout,
		whitelist: cfg.Whitelist,
	}
}

// ID returns the engine identifier
func (t *Recognizer) ID() string { return "tesseract" }

// Timeout returns the per-call budget
func (t *Recognizer) Timeout() time.Duration { return t.timeout }

type outcome struct {
	result *extraction.EngineResult
	err    error
}

// Recognize performs OCR using Tesseract. gosseract is not context aware, so
// the call runs on its own goroutine and is abandoned on cancellation.
func (t *Recognizer) Recognize(ctx context.Context, image []byte) (*extraction.EngineResult, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("image buffer is empty")
	}

	done := make(chan outcome, 1)
	go func() {
		res, err := t.run(image)
		done <- outcome{result: res, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("tesseract cancelled: %w", ctx.Err())
	case o := <-done:
		return o.result, o.err
	}
}

func (t *Recognizer) run(image []byte) (*extraction.EngineResult, error) {
	startTime := time.Now()

	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(t.languages...); err != nil {
		return nil, fmt.Errorf("failed to set languages: %w", err)
	}
	if t.whitelist != "" {
		if err := client.SetWhitelist(t.whitelist); err != nil {
			return nil, fmt.Errorf("failed to set whitelist: %w", err)
		}
	}
	if err := client.SetImageFromBytes(image); err != nil {
		return nil, fmt.Errorf("failed to set image: %w", err)
	}

	text, err := client.Text()
	if err != nil {
		return nil, fmt.Errorf("tesseract OCR failed: %w", err)
	}

	boxes, confidence := wordBoxes(client)
	if len(boxes) == 0 {
		confidence = estimateConfidence(text)
	}

	return &extraction.EngineResult{
		Engine:           t.ID(),
		Text:             strings.TrimSpace(text),
		Confidence:       confidence,
		ProcessingTimeMs: time.Since(startTime).Milliseconds(),
		BoundingBoxes:    boxes,
	}, nil
}

// wordBoxes returns word boxes and their mean confidence in [0,1]
func wordBoxes(client *gosseract.Client) ([]extraction.LineBox, float64) {
	boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil || len(boxes) == 0 {
		return nil, 0
	}

	out := make([]extraction.LineBox, 0, len(boxes))
	var sum float64
	for _, b := range boxes {
		conf := b.Confidence / 100.0
		sum += conf
		out = append(out, extraction.LineBox{
			BBox:       []float64{float64(b.Box.Min.X), float64(b.Box.Min.Y), float64(b.Box.Max.X), float64(b.Box.Max.Y)},
			Text:       b.Word,
			Confidence: conf,
		})
	}
	return out, sum / float64(len(out))
}

// estimateConfidence is used when Tesseract reports no word boxes
func estimateConfidence(text string) float64 {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}

	confidence := 0.4
	alnum := 0
	for _, r := range trimmed {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			alnum++
		}
	}
	ratio := float64(alnum) / float64(len([]rune(trimmed)))
	if ratio > 0.5 {
		confidence += 0.2
	}
	if len(strings.Fields(trimmed)) <= 20 {
		confidence += 0.1
	}

	// Cap at reasonable maximum for Tesseract on handwriting
	if confidence > 0.7 {
		confidence = 0.7
	}
	return confidence
}
