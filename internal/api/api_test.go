package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/adverant/nexus/answer-extraction-worker/internal/errors"
	"github.com/adverant/nexus/answer-extraction-worker/internal/extraction"
	"github.com/adverant/nexus/answer-extraction-worker/internal/logging"
	"github.com/adverant/nexus/answer-extraction-worker/internal/processor"
	"github.com/adverant/nexus/answer-extraction-worker/internal/queue"
	"github.com/adverant/nexus/answer-extraction-worker/internal/storage"
)

var samplePDF = []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n<< /Root 1 0 R >>\n%%EOF\n")

type fakeProcessor struct {
	got *processor.ProcessRequest
	err error
}

func (f *fakeProcessor) ProcessSubmission(_ context.Context, req *processor.ProcessRequest) (*extraction.SubmissionResult, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	result := &extraction.SubmissionResult{
		SubmissionID: req.SubmissionID,
		Status:       extraction.SubmissionCompleted,
		Strategy:     "weighted",
		CreatedAt:    time.Now().UTC(),
		CompletedAt:  time.Now().UTC(),
	}
	for _, q := range req.Questions {
		result.Questions = append(result.Questions, extraction.QuestionResult{
			QuestionNumber: q,
			Status:         extraction.StatusExtracted,
			Consensus:      &extraction.ConsensusResult{FinalText: "42", Confidence: 0.9, Method: extraction.MethodUnanimous},
		})
	}
	return result, nil
}

type fakeQueue struct {
	jobs []*queue.SubmissionJob
	err  error
}

func (f *fakeQueue) Enqueue(_ context.Context, job *queue.SubmissionJob) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.jobs = append(f.jobs, job)
	return "task-" + job.SubmissionID, nil
}

type fakeSearcher struct {
	text     string
	question int
	limit    int
}

func (f *fakeSearcher) SearchSimilar(_ context.Context, text string, q int, limit int) ([]storage.SimilarAnswer, error) {
	f.text, f.question, f.limit = text, q, limit
	return []storage.SimilarAnswer{{SubmissionID: "s-1", QuestionNumber: 2, Text: text, Score: 0.97}}, nil
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
}

func newTestServer(t *testing.T, cfg Config) (*Server, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	cfg.Store = store
	cfg.Logger = logging.Nop()
	return New(cfg), store
}

func multipartRequest(t *testing.T, fields map[string]string, file []byte) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if file != nil {
		part, err := w.CreateFormFile("file", "submission.pdf")
		require.NoError(t, err)
		_, err = part.Write(file)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/extractions", body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func doRequest(t *testing.T, s *Server, req *http.Request) (int, envelope) {
	t.Helper()
	resp, err := s.App().Test(req, 5000)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var env envelope
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &env), string(raw))
	}
	return resp.StatusCode, env
}

func TestHealthReportsEngines(t *testing.T) {
	s, _ := newTestServer(t, Config{
		Strategy: "weighted",
		EngineCheck: func(context.Context) map[string]error {
			return map[string]error{"paddleocr": nil, "surya": errors.New("connection refused")}
		},
	})

	status, env := doRequest(t, s, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, status)
	assert.True(t, env.Success)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(env.Data, &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, ServiceName, health.Service)
	assert.Equal(t, "weighted", health.Strategy)
	assert.Equal(t, "ok", health.Engines["paddleocr"])
	assert.Contains(t, health.Engines["surya"], "refused")
}

func TestHealthDegradedWhenAllEnginesDown(t *testing.T) {
	s, _ := newTestServer(t, Config{
		EngineCheck: func(context.Context) map[string]error {
			return map[string]error{"paddleocr": errors.New("down")}
		},
	})
	_, env := doRequest(t, s, httptest.NewRequest(http.MethodGet, "/health", nil))

	var health HealthResponse
	require.NoError(t, json.Unmarshal(env.Data, &health))
	assert.Equal(t, "degraded", health.Status)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	resp, err := s.App().Test(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestCreateExtractionSync(t *testing.T) {
	proc := &fakeProcessor{}
	s, store := newTestServer(t, Config{Processor: proc})

	req := multipartRequest(t, map[string]string{
		"submissionId": "sub-1",
		"questions":    "1-3",
		"hints":        `{"2":"show your work"}`,
	}, samplePDF)
	status, env := doRequest(t, s, req)
	require.Equal(t, http.StatusOK, status, env.Message)
	assert.True(t, env.Success)

	require.NotNil(t, proc.got)
	assert.Equal(t, []int{1, 2, 3}, proc.got.Questions)
	assert.Equal(t, "show your work", proc.got.Hints[2])
	assert.Equal(t, samplePDF, proc.got.PDF)

	var result extraction.SubmissionResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Len(t, result.Questions, 3)

	saved, err := store.GetSubmission(context.Background(), "sub-1")
	require.NoError(t, err)
	assert.Equal(t, extraction.SubmissionCompleted, saved.Status)
}

func TestCreateExtractionSyncFailureMapsStatus(t *testing.T) {
	proc := &fakeProcessor{err: apperrors.NewNoAssignmentsError("sub-2", 1, 3)}
	s, store := newTestServer(t, Config{Processor: proc})

	status, env := doRequest(t, s, multipartRequest(t, map[string]string{
		"submissionId": "sub-2",
		"questions":    "1-3",
	}, samplePDF))
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.False(t, env.Success)
	assert.Equal(t, string(apperrors.ErrorNoAssignments), env.Code)

	saved, err := store.GetSubmission(context.Background(), "sub-2")
	require.NoError(t, err)
	assert.Equal(t, extraction.SubmissionFailed, saved.Status)
}

func TestCreateExtractionAsync(t *testing.T) {
	q := &fakeQueue{}
	s, store := newTestServer(t, Config{Processor: &fakeProcessor{}, Queue: q})

	status, env := doRequest(t, s, multipartRequest(t, map[string]string{
		"questions": "2,4",
		"fileUrl":   "https://files.example.com/sub.pdf",
	}, nil))
	require.Equal(t, http.StatusAccepted, status, env.Message)

	var accepted ExtractionAccepted
	require.NoError(t, json.Unmarshal(env.Data, &accepted))
	assert.NotEmpty(t, accepted.SubmissionID)
	assert.Equal(t, "task-"+accepted.SubmissionID, accepted.TaskID)
	assert.Equal(t, extraction.SubmissionQueued, accepted.Status)

	require.Len(t, q.jobs, 1)
	assert.Equal(t, []int{2, 4}, q.jobs[0].Questions)
	assert.Equal(t, "https://files.example.com/sub.pdf", q.jobs[0].FileURL)

	saved, err := store.GetSubmission(context.Background(), accepted.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, extraction.SubmissionQueued, saved.Status)
}

func TestCreateExtractionExplicitSyncWithQueue(t *testing.T) {
	q := &fakeQueue{}
	proc := &fakeProcessor{}
	s, _ := newTestServer(t, Config{Processor: proc, Queue: q})

	status, _ := doRequest(t, s, multipartRequest(t, map[string]string{
		"questions": "1",
		"mode":      ModeSync,
	}, samplePDF))
	assert.Equal(t, http.StatusOK, status)
	assert.Empty(t, q.jobs)
	assert.NotNil(t, proc.got)
}

func TestCreateExtractionEnqueueFailure(t *testing.T) {
	s, _ := newTestServer(t, Config{Queue: &fakeQueue{err: errors.New("redis unavailable")}})

	status, env := doRequest(t, s, multipartRequest(t, map[string]string{"questions": "1"}, samplePDF))
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.False(t, env.Success)
}

func TestCreateExtractionRejectsBadInput(t *testing.T) {
	s, _ := newTestServer(t, Config{Processor: &fakeProcessor{}})

	cases := []struct {
		name   string
		fields map[string]string
		file   []byte
		status int
		code   string
	}{
		{"missing questions", map[string]string{}, samplePDF, http.StatusBadRequest, string(apperrors.ErrorInvalidRequest)},
		{"bad question list", map[string]string{"questions": "5-1"}, samplePDF, http.StatusBadRequest, string(apperrors.ErrorInvalidRequest)},
		{"bad mode", map[string]string{"questions": "1", "mode": "later"}, samplePDF, http.StatusBadRequest, string(apperrors.ErrorInvalidRequest)},
		{"bad hints", map[string]string{"questions": "1", "hints": `{"x":"y"}`}, samplePDF, http.StatusBadRequest, string(apperrors.ErrorInvalidRequest)},
		{"no document", map[string]string{"questions": "1"}, nil, http.StatusBadRequest, string(apperrors.ErrorInvalidRequest)},
		{"not a pdf", map[string]string{"questions": "1"}, []byte("\x89PNG\r\n\x1a\n0000"), http.StatusBadRequest, string(apperrors.ErrorInvalidDocument)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, env := doRequest(t, s, multipartRequest(t, tc.fields, tc.file))
			assert.Equal(t, tc.status, status)
			assert.False(t, env.Success)
			assert.Equal(t, tc.code, env.Code)
		})
	}
}

func TestCreateExtractionRejectsOversizedFile(t *testing.T) {
	s, _ := newTestServer(t, Config{Processor: &fakeProcessor{}, MaxFileSize: 32})

	status, env := doRequest(t, s, multipartRequest(t, map[string]string{"questions": "1"}, samplePDF))
	assert.Equal(t, http.StatusRequestEntityTooLarge, status)
	assert.Contains(t, env.Message, "exceeds maximum")
}

func TestGetExtraction(t *testing.T) {
	s, store := newTestServer(t, Config{Processor: &fakeProcessor{}})

	status, env := doRequest(t, s, httptest.NewRequest(http.MethodGet, "/api/v1/extractions/missing", nil))
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, string(apperrors.ErrorNotFound), env.Code)

	require.NoError(t, store.SaveSubmission(context.Background(), &extraction.SubmissionResult{
		SubmissionID: "sub-9",
		Status:       extraction.SubmissionCompleted,
		Questions:    []extraction.QuestionResult{{QuestionNumber: 1, Status: extraction.StatusExtracted}},
	}))
	status, env = doRequest(t, s, httptest.NewRequest(http.MethodGet, "/api/v1/extractions/sub-9", nil))
	require.Equal(t, http.StatusOK, status)

	var result extraction.SubmissionResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, "sub-9", result.SubmissionID)
	assert.Len(t, result.Questions, 1)
}

func TestSimilarAnswers(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		s, _ := newTestServer(t, Config{})
		status, _ := doRequest(t, s, httptest.NewRequest(http.MethodGet, "/api/v1/answers/similar?text=x", nil))
		assert.Equal(t, http.StatusNotImplemented, status)
	})

	t.Run("search", func(t *testing.T) {
		searcher := &fakeSearcher{}
		s, _ := newTestServer(t, Config{Index: searcher})

		status, env := doRequest(t, s, httptest.NewRequest(http.MethodGet, "/api/v1/answers/similar?text=x%3D4&question=2", nil))
		require.Equal(t, http.StatusOK, status, env.Message)
		assert.Equal(t, "x=4", searcher.text)
		assert.Equal(t, 2, searcher.question)
		assert.Equal(t, 10, searcher.limit)

		var answers []storage.SimilarAnswer
		require.NoError(t, json.Unmarshal(env.Data, &answers))
		require.Len(t, answers, 1)
		assert.Equal(t, "s-1", answers[0].SubmissionID)
	})

	t.Run("missing text", func(t *testing.T) {
		s, _ := newTestServer(t, Config{Index: &fakeSearcher{}})
		status, _ := doRequest(t, s, httptest.NewRequest(http.MethodGet, "/api/v1/answers/similar?limit=500", nil))
		assert.Equal(t, http.StatusBadRequest, status)
	})
}

func TestParseHints(t *testing.T) {
	hints, err := parseHints(`{"1":"a"," 3 ":"c"}`)
	require.NoError(t, err)
	assert.Equal(t, map[int]string{1: "a", 3: "c"}, hints)

	hints, err = parseHints("")
	require.NoError(t, err)
	assert.Nil(t, hints)

	_, err = parseHints(`{"0":"a"}`)
	assert.Error(t, err)
}
