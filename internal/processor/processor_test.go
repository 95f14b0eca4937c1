package processor

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/answer-extraction-worker/internal/consensus"
	apperrors "github.com/adverant/nexus/answer-extraction-worker/internal/errors"
	"github.com/adverant/nexus/answer-extraction-worker/internal/extraction"
	"github.com/adverant/nexus/answer-extraction-worker/internal/logging"
	"github.com/adverant/nexus/answer-extraction-worker/internal/ocr"
	"github.com/adverant/nexus/answer-extraction-worker/internal/ocr/ocrtest"
)

var testPDF = []byte("%PDF-1.4\n%%EOF\n")

type staticRenderer struct {
	pages []extraction.PageImage
	err   error
}

func (r *staticRenderer) Render(_ context.Context, _ string, _ []byte) ([]extraction.PageImage, error) {
	return r.pages, r.err
}

type engineList []ocr.Recognizer

func (l engineList) Recognizers() []ocr.Recognizer { return l }

type recordingArchive struct {
	mu        sync.Mutex
	questions []int
}

func (a *recordingArchive) ArchiveRegion(_ context.Context, submissionID string, qa extraction.QuestionAssignment) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.questions = append(a.questions, qa.QuestionNumber)
	return "https://artifacts.example.com/" + submissionID, nil
}

type recordingIndex struct {
	indexed *extraction.SubmissionResult
}

func (i *recordingIndex) IndexSubmission(_ context.Context, r *extraction.SubmissionResult) error {
	i.indexed = r
	return nil
}

func blankPage(t *testing.T, index, height int) extraction.PageImage {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 600, height))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return extraction.PageImage{Index: index, Data: buf.Bytes(), Format: "png"}
}

func newTestProcessor(t *testing.T, renderer *staticRenderer, engines engineList, mutate func(*ProcessorConfig)) *SubmissionProcessor {
	t.Helper()
	resolver, err := consensus.New(consensus.StrategyWeighted, consensus.DefaultConfig(), nil)
	require.NoError(t, err)

	cfg := &ProcessorConfig{
		Renderer:            renderer,
		Engines:             engines,
		Resolver:            resolver,
		Logger:              logging.Nop(),
		QuestionConcurrency: 2,
		PageCostUSD:         0.01,
		ArbiterCallCostUSD:  0.002,
	}
	if mutate != nil {
		mutate(cfg)
	}
	p, err := NewSubmissionProcessor(cfg)
	require.NoError(t, err)
	return p
}

func agreeingEngines() engineList {
	return engineList{
		&ocrtest.Stub{Name: "paddleocr", Text: "42", Confidence: 0.92},
		&ocrtest.Stub{Name: "surya", Text: "42", Confidence: 0.88},
		&ocrtest.Stub{Name: "pix2text", Text: "42", Confidence: 0.9},
	}
}

func TestNewSubmissionProcessorRequiresCollaborators(t *testing.T) {
	_, err := NewSubmissionProcessor(nil)
	assert.Error(t, err)

	_, err = NewSubmissionProcessor(&ProcessorConfig{Engines: agreeingEngines()})
	assert.Error(t, err)

	_, err = NewSubmissionProcessor(&ProcessorConfig{Renderer: &staticRenderer{}, Engines: engineList{}})
	assert.Error(t, err)
}

func TestProcessSubmissionSortsQuestionsAndTracksCost(t *testing.T) {
	index := &recordingIndex{}
	renderer := &staticRenderer{pages: []extraction.PageImage{blankPage(t, 0, 400), blankPage(t, 1, 400)}}
	p := newTestProcessor(t, renderer, agreeingEngines(), func(c *ProcessorConfig) { c.Index = index })

	result, err := p.ProcessSubmission(context.Background(), &ProcessRequest{
		SubmissionID: "sub-1",
		PDF:          testPDF,
		Questions:    []int{7, 3},
	})
	require.NoError(t, err)

	require.Len(t, result.Questions, 2)
	assert.Equal(t, 3, result.Questions[0].QuestionNumber)
	assert.Equal(t, 7, result.Questions[1].QuestionNumber)
	for _, q := range result.Questions {
		assert.Equal(t, extraction.StatusExtracted, q.Status)
		require.NotNil(t, q.Consensus)
		assert.Equal(t, "42", q.Consensus.FinalText)
		assert.Len(t, q.IndividualResults, 3)
	}

	assert.Equal(t, extraction.SubmissionCompleted, result.Status)
	assert.Equal(t, "weighted", result.Strategy)
	assert.Empty(t, result.MissingQuestions)
	assert.Equal(t, 2, result.Metrics.PageCount)
	assert.InDelta(t, 0.02, result.Metrics.EstimatedCostUSD, 1e-9)
	assert.False(t, result.CompletedAt.Before(result.CreatedAt))
	assert.Same(t, result, index.indexed)
}

func TestProcessSubmissionAllEnginesFailMarksUnextracted(t *testing.T) {
	archive := &recordingArchive{}
	engines := engineList{
		&ocrtest.Stub{Name: "paddleocr", Err: errors.New("503")},
		&ocrtest.Stub{Name: "surya", Err: errors.New("connection refused")},
	}
	renderer := &staticRenderer{pages: []extraction.PageImage{blankPage(t, 0, 400)}}
	p := newTestProcessor(t, renderer, engines, func(c *ProcessorConfig) { c.Archive = archive })

	result, err := p.ProcessSubmission(context.Background(), &ProcessRequest{SubmissionID: "sub-2", PDF: testPDF, Questions: []int{1}})
	require.NoError(t, err)
	require.Len(t, result.Questions, 1)

	q := result.Questions[0]
	assert.Equal(t, extraction.StatusUnextracted, q.Status)
	assert.Nil(t, q.Consensus)
	assert.NotEmpty(t, q.Error)
	assert.Equal(t, "https://artifacts.example.com/sub-2", q.ArtifactURL)
	assert.Equal(t, []int{1}, archive.questions)
}

func TestProcessSubmissionFallbackRegionsForceReview(t *testing.T) {
	archive := &recordingArchive{}
	renderer := &staticRenderer{pages: []extraction.PageImage{blankPage(t, 0, 900)}}
	p := newTestProcessor(t, renderer, agreeingEngines(), func(c *ProcessorConfig) { c.Archive = archive })

	result, err := p.ProcessSubmission(context.Background(), &ProcessRequest{SubmissionID: "sub-3", PDF: testPDF, Questions: []int{1, 2, 3}})
	require.NoError(t, err)
	require.Len(t, result.Questions, 3)

	for _, q := range result.Questions {
		assert.True(t, q.Source.Fallback, "question %d", q.QuestionNumber)
		require.NotNil(t, q.Consensus)
		assert.True(t, q.Consensus.NeedsReview, "question %d", q.QuestionNumber)
		assert.NotEmpty(t, q.ArtifactURL)
	}
	assert.Equal(t, 3, result.NeedsReviewCount())
	assert.ElementsMatch(t, []int{1, 2, 3}, archive.questions)
}

func TestProcessSubmissionRenderFailures(t *testing.T) {
	renderErr := apperrors.NewRenderFailedError("sub-4", errors.New("exit status 1"))
	p := newTestProcessor(t, &staticRenderer{err: renderErr}, agreeingEngines(), nil)
	_, err := p.ProcessSubmission(context.Background(), &ProcessRequest{SubmissionID: "sub-4", PDF: testPDF, Questions: []int{1}})
	assert.ErrorIs(t, err, apperrors.ErrRenderFailed)

	p = newTestProcessor(t, &staticRenderer{}, agreeingEngines(), nil)
	_, err = p.ProcessSubmission(context.Background(), &ProcessRequest{SubmissionID: "sub-5", PDF: testPDF, Questions: []int{1}})
	assert.ErrorIs(t, err, apperrors.ErrRenderFailed)
}

func TestProcessSubmissionNoAssignments(t *testing.T) {
	renderer := &staticRenderer{pages: []extraction.PageImage{{Index: 0, Data: []byte("not an image")}}}
	p := newTestProcessor(t, renderer, agreeingEngines(), nil)

	_, err := p.ProcessSubmission(context.Background(), &ProcessRequest{SubmissionID: "sub-6", PDF: testPDF, Questions: []int{1, 2}})
	assert.ErrorIs(t, err, apperrors.ErrNoAssignments)
}

func TestProcessSubmissionCancellationReturnsNoResult(t *testing.T) {
	engines := engineList{
		&ocrtest.Stub{Name: "slow-a", Text: "1", Confidence: 0.9, Delay: 5 * time.Second, Budget: 10 * time.Second},
		&ocrtest.Stub{Name: "slow-b", Text: "1", Confidence: 0.9, Delay: 5 * time.Second, Budget: 10 * time.Second},
	}
	renderer := &staticRenderer{pages: []extraction.PageImage{blankPage(t, 0, 400)}}
	p := newTestProcessor(t, renderer, engines, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	result, err := p.ProcessSubmission(ctx, &ProcessRequest{SubmissionID: "sub-7", PDF: testPDF, Questions: []int{1}})
	assert.Nil(t, result)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestProcessSubmissionRejectsBadRequests(t *testing.T) {
	renderer := &staticRenderer{pages: []extraction.PageImage{blankPage(t, 0, 400)}}
	p := newTestProcessor(t, renderer, agreeingEngines(), func(c *ProcessorConfig) { c.MaxFileSize = 4 })

	_, err := p.ProcessSubmission(context.Background(), &ProcessRequest{PDF: testPDF})
	assert.ErrorIs(t, err, apperrors.ErrInvalidRequest)

	_, err = p.ProcessSubmission(context.Background(), &ProcessRequest{Questions: []int{1}})
	assert.ErrorIs(t, err, apperrors.ErrInvalidRequest)

	_, err = p.ProcessSubmission(context.Background(), &ProcessRequest{PDF: testPDF, Questions: []int{1}})
	assert.ErrorIs(t, err, apperrors.ErrInvalidRequest)
}

func TestProcessSubmissionDownloadsFileURL(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_, _ = w.Write(testPDF)
	}))
	defer srv.Close()

	renderer := &staticRenderer{pages: []extraction.PageImage{blankPage(t, 0, 400)}}
	p := newTestProcessor(t, renderer, agreeingEngines(), func(c *ProcessorConfig) { c.HTTPClient = srv.Client() })

	result, err := p.ProcessSubmission(context.Background(), &ProcessRequest{FileURL: srv.URL + "/sub.pdf", Questions: []int{1}})
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
	assert.NotEmpty(t, result.SubmissionID)
}

func TestProcessSubmissionLeavesRequestUntouched(t *testing.T) {
	renderer := &staticRenderer{pages: []extraction.PageImage{blankPage(t, 0, 400)}}
	p := newTestProcessor(t, renderer, agreeingEngines(), nil)

	req := &ProcessRequest{PDF: testPDF, Questions: []int{1}}
	first, err := p.ProcessSubmission(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, req.SubmissionID)

	second, err := p.ProcessSubmission(context.Background(), req)
	require.NoError(t, err)
	assert.NotEmpty(t, first.SubmissionID)
	assert.NotEqual(t, first.SubmissionID, second.SubmissionID)
}

func TestDownloadDoesNotRetryNotFound(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	p := newTestProcessor(t, &staticRenderer{}, agreeingEngines(), func(c *ProcessorConfig) { c.HTTPClient = srv.Client() })
	_, err := p.download(context.Background(), "sub-8", srv.URL)
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestMissingQuestions(t *testing.T) {
	assignments := []extraction.QuestionAssignment{{QuestionNumber: 1}, {QuestionNumber: 3}}
	assert.Equal(t, []int{2, 4}, missingQuestions([]int{4, 1, 2, 3, 2}, assignments))
	assert.Nil(t, missingQuestions([]int{1, 3}, assignments))
}
