// Package dispatch fans one question region out to every recognition engine.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/adverant/nexus/answer-extraction-worker/internal/errors"
	"github.com/adverant/nexus/answer-extraction-worker/internal/extraction"
	"github.com/adverant/nexus/answer-extraction-worker/internal/logging"
	"github.com/adverant/nexus/answer-extraction-worker/internal/ocr"
)

// Outcome is what the engines produced for one question
type Outcome struct {
	// Results holds only successful readings, in recognizer order
	Results []extraction.EngineResult
	// Failures maps engine ID to the error it returned
	Failures map[string]error
	// EngineTime is the sum of per-engine wall-clock time
	EngineTime time.Duration
}

// Dispatcher invokes all recognizers concurrently with per-engine deadlines
type Dispatcher struct {
	logger *logging.Logger
	tracer trace.Tracer
}

// New creates a dispatcher. A nil logger discards output.
func New(logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Dispatcher{
		logger: logger,
		tracer: otel.Tracer("github.com/adverant/nexus/answer-extraction-worker/internal/dispatch"),
	}
}

type engineCall struct {
	result  *extraction.EngineResult
	err     error
	elapsed time.Duration
}

// Dispatch runs every recognizer against the assignment's region.
//
// One engine failing or timing out never affects the others. When every
// engine fails the Outcome is still returned (for timing) together with an
// error matching apperrors.ErrNoExtraction. If ctx is cancelled the call
// returns ctx.Err() and no results.
func (d *Dispatcher) Dispatch(ctx context.Context, assignment extraction.QuestionAssignment, recognizers []ocr.Recognizer) (*Outcome, error) {
	if len(recognizers) == 0 {
		return nil, fmt.Errorf("no recognition engines configured")
	}

	ctx, span := d.tracer.Start(ctx, "dispatch.question", trace.WithAttributes(
		attribute.Int("question", assignment.QuestionNumber),
		attribute.Int("engines", len(recognizers)),
	))
	defer span.End()

	calls := make([]engineCall, len(recognizers))
	var wg sync.WaitGroup
	for i, rec := range recognizers {
		wg.Add(1)
		go func(i int, rec ocr.Recognizer) {
			defer wg.Done()
			calls[i] = d.invoke(ctx, rec, assignment.ImageBuffer)
		}(i, rec)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, "cancelled")
		return nil, err
	}

	outcome := &Outcome{Failures: make(map[string]error)}
	for i, call := range calls {
		id := recognizers[i].ID()
		outcome.EngineTime += call.elapsed
		if call.err != nil {
			outcome.Failures[id] = call.err
			continue
		}
		outcome.Results = append(outcome.Results, *call.result)
	}

	span.SetAttributes(attribute.Int("succeeded", len(outcome.Results)))

	if len(outcome.Results) == 0 {
		noExtraction.Inc()
		errs := make([]error, 0, len(outcome.Failures))
		for _, rec := range recognizers {
			errs = append(errs, outcome.Failures[rec.ID()])
		}
		err := apperrors.NewNoExtractionError(assignment.QuestionNumber, len(recognizers), errors.Join(errs...))
		span.RecordError(err)
		span.SetStatus(codes.Error, "no extraction")
		d.logger.Error("All engines failed for question",
			"question", assignment.QuestionNumber, "engines", len(recognizers))
		return outcome, err
	}

	d.logger.Debug("Dispatch complete",
		"question", assignment.QuestionNumber,
		"succeeded", len(outcome.Results),
		"failed", len(outcome.Failures),
		"engine_time_ms", outcome.EngineTime.Milliseconds())

	return outcome, nil
}

func (d *Dispatcher) invoke(parent context.Context, rec ocr.Recognizer, image []byte) engineCall {
	id := rec.ID()
	ctx, cancel := context.WithTimeout(parent, rec.Timeout())
	defer cancel()

	ctx, span := d.tracer.Start(ctx, "engine.recognize", trace.WithAttributes(attribute.String("engine", id)))
	defer span.End()

	type reading struct {
		res *extraction.EngineResult
		err error
	}

	// The deadline holds even for engines that ignore ctx; a late reading is
	// dropped into the buffered channel and discarded.
	start := time.Now()
	done := make(chan reading, 1)
	go func() {
		res, err := rec.Recognize(ctx, image)
		done <- reading{res: res, err: err}
	}()

	var res *extraction.EngineResult
	var err error
	select {
	case r := <-done:
		res, err = r.res, r.err
	case <-ctx.Done():
		err = fmt.Errorf("engine %s abandoned: %w", id, ctx.Err())
	}
	elapsed := time.Since(start)

	if err == nil && res == nil {
		err = fmt.Errorf("engine returned no result")
	}

	if err != nil {
		reason := "error"
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason = "timeout"
		} else if parent.Err() != nil {
			reason = "cancelled"
		}
		engineDuration.WithLabelValues(id, reason).Observe(elapsed.Seconds())
		engineFailures.WithLabelValues(id, reason).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
		if reason != "cancelled" {
			d.logger.Warn("Engine excluded from consensus",
				"engine", id, "reason", reason, "elapsed_ms", elapsed.Milliseconds(), "error", err)
		}
		return engineCall{err: apperrors.NewEngineFailedError(id, err), elapsed: elapsed}
	}

	engineDuration.WithLabelValues(id, "ok").Observe(elapsed.Seconds())

	result := *res
	if result.Engine == "" {
		result.Engine = id
	}
	return engineCall{result: &result, elapsed: elapsed}
}
