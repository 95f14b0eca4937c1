package tesseract

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/answer-extraction-worker/internal/ocr"
)

func TestNewDefaults(t *testing.T) {
	r := New(Config{})
	require.Equal(t, "tesseract", r.ID())
	require.Equal(t, ocr.DefaultTimeout, r.Timeout())
	require.Equal(t, []string{"eng"}, r.languages)

	r = New(Config{Languages: []string{"eng", "equ"}, Timeout: time.Second})
	require.Equal(t, time.Second, r.Timeout())
}

func TestRecognizeRejectsEmptyImage(t *testing.T) {
	_, err := New(Config{}).Recognize(context.Background(), nil)
	require.Error(t, err)
}

func TestEstimateConfidence(t *testing.T) {
	require.Zero(t, estimateConfidence("   "))
	require.InDelta(t, 0.7, estimateConfidence("answer 42"), 1e-9)
	require.InDelta(t, 0.5, estimateConfidence("x = 42"), 1e-9)
	require.InDelta(t, 0.5, estimateConfidence("+-*/ = ()"), 1e-9)
}
