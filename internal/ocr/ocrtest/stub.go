// Package ocrtest provides scripted recognizers for tests.
package ocrtest

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/adverant/nexus/answer-extraction-worker/internal/extraction"
)

// Stub is a Recognizer that returns a fixed reading after an optional delay
type Stub struct {
	Name       string
	Text       string
	Confidence float64
	Latex      string
	Delay      time.Duration
	Err        error
	Budget     time.Duration
	// Func, when set, replaces the fixed reading
	Func func(ctx context.Context, image []byte) (*extraction.EngineResult, error)

	calls int32
}

// ID returns the stub name
func (s *Stub) ID() string { return s.Name }

// Timeout returns Budget, defaulting to one second
func (s *Stub) Timeout() time.Duration {
	if s.Budget <= 0 {
		return time.Second
	}
	return s.Budget
}

// Calls reports how many times Recognize ran
func (s *Stub) Calls() int {
	return int(atomic.LoadInt32(&s.calls))
}

// Recognize waits for Delay (or ctx) and returns the scripted outcome
func (s *Stub) Recognize(ctx context.Context, image []byte) (*extraction.EngineResult, error) {
	atomic.AddInt32(&s.calls, 1)

	if s.Delay > 0 {
		timer := time.NewTimer(s.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	if s.Func != nil {
		return s.Func(ctx, image)
	}
	if s.Err != nil {
		return nil, s.Err
	}
	return &extraction.EngineResult{
		Engine:           s.Name,
		Text:             s.Text,
		Confidence:       s.Confidence,
		ProcessingTimeMs: s.Delay.Milliseconds(),
		Latex:            s.Latex,
	}, nil
}
