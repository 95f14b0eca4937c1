/**
 * Submission Processor for the Answer Extraction Worker
 *
 * Orchestrates one scanned submission end to end:
 * - Render the PDF into page images
 * - Assign every requested question to a page region (segmentation with
 *   even-split fallback)
 * - Dispatch each region to all recognition engines in parallel
 * - Reconcile the readings with the configured consensus strategy
 * - Archive crops that need review and index final answers
 *
 * Questions run with bounded concurrency. Cancelling the context abandons
 * the submission; no partial result is returned.
 */

package processor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/adverant/nexus/answer-extraction-worker/internal/assign"
	"github.com/adverant/nexus/answer-extraction-worker/internal/consensus"
	"github.com/adverant/nexus/answer-extraction-worker/internal/dispatch"
	apperrors "github.com/adverant/nexus/answer-extraction-worker/internal/errors"
	"github.com/adverant/nexus/answer-extraction-worker/internal/extraction"
	"github.com/adverant/nexus/answer-extraction-worker/internal/logging"
	"github.com/adverant/nexus/answer-extraction-worker/internal/ocr"
	"github.com/adverant/nexus/answer-extraction-worker/internal/render"
)

// SubmissionProcessorInterface is what the queue consumers and the API depend on
type SubmissionProcessorInterface interface {
	ProcessSubmission(ctx context.Context, req *ProcessRequest) (*extraction.SubmissionResult, error)
}

// RecognizerSource supplies the engines to dispatch to
type RecognizerSource interface {
	Recognizers() []ocr.Recognizer
}

// RegionArchive stores the crop behind a flagged answer and returns its URL
type RegionArchive interface {
	ArchiveRegion(ctx context.Context, submissionID string, a extraction.QuestionAssignment) (string, error)
}

// AnswerIndexer records final answers for cross-submission search
type AnswerIndexer interface {
	IndexSubmission(ctx context.Context, result *extraction.SubmissionResult) error
}

// ProcessorConfig holds processor dependencies and tuning
type ProcessorConfig struct {
	Renderer    render.Renderer
	Builder     *assign.Builder
	Dispatcher  *dispatch.Dispatcher
	Engines     RecognizerSource
	Resolver    consensus.Resolver
	Archive     RegionArchive // optional
	Index       AnswerIndexer // optional
	Logger      *logging.Logger
	HTTPClient  *http.Client
	MaxFileSize int64

	QuestionConcurrency int
	PageCostUSD         float64
	ArbiterCallCostUSD  float64
}

// ProcessRequest represents one submission to extract
type ProcessRequest struct {
	SubmissionID string
	PDF          []byte
	FileURL      string
	Questions    []int
	// Hints are passed to the arbiter per question number
	Hints map[int]string
}

// SubmissionProcessor runs the extraction pipeline
type SubmissionProcessor struct {
	renderer    render.Renderer
	builder     *assign.Builder
	dispatcher  *dispatch.Dispatcher
	engines     RecognizerSource
	resolver    consensus.Resolver
	archive     RegionArchive
	index       AnswerIndexer
	logger      *logging.Logger
	httpClient  *http.Client
	maxFileSize int64

	concurrency int
	pageCost    float64
	arbiterCost float64
}

// NewSubmissionProcessor creates a new submission processor
func NewSubmissionProcessor(cfg *ProcessorConfig) (*SubmissionProcessor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Renderer == nil {
		return nil, fmt.Errorf("renderer is required")
	}
	if cfg.Engines == nil || len(cfg.Engines.Recognizers()) == 0 {
		return nil, fmt.Errorf("at least one recognition engine is required")
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("consensus resolver is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("SubmissionProcessor")
	}
	builder := cfg.Builder
	if builder == nil {
		builder = assign.NewBuilder(assign.Options{}, logger.With("assign"))
	}
	dispatcher := cfg.Dispatcher
	if dispatcher == nil {
		dispatcher = dispatch.New(logger.With("dispatch"))
	}
	concurrency := cfg.QuestionConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	maxFileSize := cfg.MaxFileSize
	if maxFileSize <= 0 {
		maxFileSize = defaultMaxFileSize
	}

	return &SubmissionProcessor{
		renderer:    cfg.Renderer,
		builder:     builder,
		dispatcher:  dispatcher,
		engines:     cfg.Engines,
		resolver:    cfg.Resolver,
		archive:     cfg.Archive,
		index:       cfg.Index,
		logger:      logger,
		httpClient:  cfg.HTTPClient,
		maxFileSize: maxFileSize,
		concurrency: concurrency,
		pageCost:    cfg.PageCostUSD,
		arbiterCost: cfg.ArbiterCallCostUSD,
	}, nil
}

// Strategy reports the configured consensus strategy
func (p *SubmissionProcessor) Strategy() consensus.Strategy {
	return p.resolver.Strategy()
}

// questionOutcome is what one worker goroutine hands back
type questionOutcome struct {
	result       extraction.QuestionResult
	engineTime   time.Duration
	arbiterCalls int
}

// ProcessSubmission processes a submission through the complete pipeline
func (p *SubmissionProcessor) ProcessSubmission(ctx context.Context, req *ProcessRequest) (*extraction.SubmissionResult, error) {
	start := time.Now()
	if len(req.Questions) == 0 {
		return nil, apperrors.NewInvalidRequestError("at least one question number is required")
	}
	id := req.SubmissionID
	if id == "" {
		id = uuid.NewString()
	}
	jobLog := p.logger.With(id)

	jobLog.Info("Starting submission", "questions", len(req.Questions), "strategy", string(p.resolver.Strategy()))

	// Step 1: Load and render
	pdf, err := p.loadFile(ctx, id, req)
	if err != nil {
		return nil, err
	}

	renderStart := time.Now()
	pages, err := p.renderer.Render(ctx, id, pdf)
	if err != nil {
		submissionsTotal.WithLabelValues("render_failed").Inc()
		return nil, err
	}
	if len(pages) == 0 {
		submissionsTotal.WithLabelValues("render_failed").Inc()
		return nil, apperrors.NewRenderFailedError(id, fmt.Errorf("document rendered to zero pages"))
	}
	renderDuration := time.Since(renderStart)
	jobLog.Info("Pages rendered", "pages", len(pages), "duration", renderDuration.String())

	// Step 2: Assign questions to regions
	assignments, err := p.builder.Build(pages, req.Questions)
	if err != nil {
		return nil, err
	}
	if len(assignments) == 0 {
		submissionsTotal.WithLabelValues("no_assignments").Inc()
		return nil, apperrors.NewNoAssignmentsError(id, len(pages), len(req.Questions))
	}

	// Step 3: Dispatch and resolve every question
	recognizers := p.engines.Recognizers()
	outcomes := make([]questionOutcome, len(assignments))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i := range assignments {
		i := i
		g.Go(func() error {
			out, err := p.processQuestion(gctx, id, assignments[i], recognizers, req.Hints)
			if err != nil {
				return err
			}
			outcomes[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		submissionsTotal.WithLabelValues("cancelled").Inc()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	// Step 4: Assemble
	result := &extraction.SubmissionResult{
		SubmissionID: id,
		Status:       extraction.SubmissionCompleted,
		Strategy:     string(p.resolver.Strategy()),
		Questions:    make([]extraction.QuestionResult, 0, len(outcomes)),
		CreatedAt:    start,
	}
	for _, out := range outcomes {
		result.Questions = append(result.Questions, out.result)
		result.Metrics.EngineTime += out.engineTime
		result.Metrics.ArbiterCalls += out.arbiterCalls
	}
	sort.Slice(result.Questions, func(i, j int) bool {
		return result.Questions[i].QuestionNumber < result.Questions[j].QuestionNumber
	})
	result.MissingQuestions = missingQuestions(req.Questions, assignments)

	result.Metrics.PageCount = len(pages)
	result.Metrics.RenderDuration = renderDuration
	result.Metrics.EstimatedCostUSD = float64(len(pages))*p.pageCost + float64(result.Metrics.ArbiterCalls)*p.arbiterCost
	result.CompletedAt = time.Now()
	result.Metrics.TotalDuration = result.CompletedAt.Sub(start)

	// Step 5: Index final answers (non-fatal)
	if p.index != nil {
		if err := p.index.IndexSubmission(ctx, result); err != nil {
			jobLog.Warn("Failed to index answers", "error", err)
		}
	}

	submissionsTotal.WithLabelValues("completed").Inc()
	submissionDuration.Observe(result.Metrics.TotalDuration.Seconds())
	questionsTotal.WithLabelValues(string(extraction.StatusExtracted)).Add(float64(countStatus(result, extraction.StatusExtracted)))
	questionsTotal.WithLabelValues(string(extraction.StatusUnextracted)).Add(float64(countStatus(result, extraction.StatusUnextracted)))

	jobLog.Info("Submission complete",
		"questions", len(result.Questions),
		"needsReview", result.NeedsReviewCount(),
		"missing", len(result.MissingQuestions),
		"arbiterCalls", result.Metrics.ArbiterCalls,
		"costUsd", result.Metrics.EstimatedCostUSD,
		"duration", result.Metrics.TotalDuration.String())

	return result, nil
}

// processQuestion dispatches one region and resolves the readings. The only
// errors it returns are cancellation; engine and arbiter failures are folded
// into the question result.
func (p *SubmissionProcessor) processQuestion(ctx context.Context, submissionID string, a extraction.QuestionAssignment, recognizers []ocr.Recognizer, hints map[int]string) (questionOutcome, error) {
	qr := extraction.QuestionResult{
		QuestionNumber: a.QuestionNumber,
		Source: extraction.Source{
			PageIndex:    a.PageIndex,
			SegmentIndex: a.SegmentIndex,
			BoundingBox:  a.BBox,
			Fallback:     a.Fallback,
		},
	}

	outcome, err := p.dispatcher.Dispatch(ctx, a, recognizers)
	if err != nil {
		if !errors.Is(err, apperrors.ErrNoExtraction) {
			return questionOutcome{}, err
		}
		qr.Status = extraction.StatusUnextracted
		qr.Error = err.Error()
		qr.ArtifactURL = p.archiveRegion(ctx, submissionID, a)
		return questionOutcome{result: qr, engineTime: outcome.EngineTime}, nil
	}

	cons, err := p.resolver.Resolve(ctx, outcome.Results, consensus.ResolveContext{
		QuestionNumber: a.QuestionNumber,
		Hint:           hints[a.QuestionNumber],
	})
	if err != nil {
		return questionOutcome{}, err
	}
	if a.Fallback {
		cons.NeedsReview = true
	}

	qr.Status = extraction.StatusExtracted
	qr.IndividualResults = outcome.Results
	qr.Consensus = &cons
	if cons.NeedsReview {
		qr.ArtifactURL = p.archiveRegion(ctx, submissionID, a)
	}

	return questionOutcome{
		result:       qr,
		engineTime:   outcome.EngineTime,
		arbiterCalls: cons.ArbiterCalls,
	}, nil
}

func (p *SubmissionProcessor) archiveRegion(ctx context.Context, submissionID string, a extraction.QuestionAssignment) string {
	if p.archive == nil {
		return ""
	}
	url, err := p.archive.ArchiveRegion(ctx, submissionID, a)
	if err != nil {
		p.logger.Warn("Failed to archive region crop",
			"submissionId", submissionID, "question", a.QuestionNumber, "error", err)
		return ""
	}
	return url
}

// missingQuestions lists requested question numbers that got no assignment
func missingQuestions(requested []int, assignments []extraction.QuestionAssignment) []int {
	assigned := make(map[int]struct{}, len(assignments))
	for _, a := range assignments {
		assigned[a.QuestionNumber] = struct{}{}
	}
	var missing []int
	seen := make(map[int]struct{}, len(requested))
	for _, q := range requested {
		if _, ok := assigned[q]; ok {
			continue
		}
		if _, dup := seen[q]; dup {
			continue
		}
		seen[q] = struct{}{}
		missing = append(missing, q)
	}
	sort.Ints(missing)
	return missing
}

func countStatus(r *extraction.SubmissionResult, status extraction.QuestionStatus) int {
	n := 0
	for _, q := range r.Questions {
		if q.Status == status {
			n++
		}
	}
	return n
}
