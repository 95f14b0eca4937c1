/**
 * Recognizer - uniform contract over independently failing recognition engines
 *
 * The dispatcher holds a list of Recognizers and never branches on engine
 * identity; each implementation owns its transport, its timeout budget and any
 * retry policy of its own.
 */

package ocr

import (
	"context"
	"math"
	"time"

	"github.com/adverant/nexus/answer-extraction-worker/internal/extraction"
)

const (
	// DefaultTimeout suits general handwriting engines
	DefaultTimeout = 30 * time.Second
	// MathTimeout is for math-specialised engines, which are slower
	MathTimeout = 45 * time.Second
)

// Recognizer reads the text in one region image
type Recognizer interface {
	// ID is the stable engine identifier used for weights and metrics
	ID() string
	// Timeout is the per-call budget the dispatcher applies
	Timeout() time.Duration
	// Recognize returns the engine's reading or an error; it never returns
	// a nil result with a nil error.
	Recognize(ctx context.Context, image []byte) (*extraction.EngineResult, error)
}

// HealthChecker is implemented by recognizers that can report readiness
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// clampConfidence forces engine confidences into [0,1]. Some engines report
// percentages, so values in (1,100] are scaled down.
func clampConfidence(c float64) float64 {
	if math.IsNaN(c) || c < 0 {
		return 0
	}
	if c > 1 && c <= 100 {
		c = c / 100
	}
	if c > 1 {
		return 1
	}
	return c
}
