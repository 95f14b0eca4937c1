package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/adverant/nexus/answer-extraction-worker/internal/errors"
	"github.com/adverant/nexus/answer-extraction-worker/internal/extraction"
	"github.com/adverant/nexus/answer-extraction-worker/internal/logging"
	"github.com/adverant/nexus/answer-extraction-worker/internal/processor"
	"github.com/adverant/nexus/answer-extraction-worker/internal/storage"
)

type fakeProcessor struct {
	calls int32
	fn    func(ctx context.Context, req *processor.ProcessRequest) (*extraction.SubmissionResult, error)
}

func (f *fakeProcessor) ProcessSubmission(ctx context.Context, req *processor.ProcessRequest) (*extraction.SubmissionResult, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.fn(ctx, req)
}

func succeed(ctx context.Context, req *processor.ProcessRequest) (*extraction.SubmissionResult, error) {
	return &extraction.SubmissionResult{
		SubmissionID: req.SubmissionID,
		Status:       extraction.SubmissionCompleted,
		Strategy:     "majority",
		Questions: []extraction.QuestionResult{{
			QuestionNumber: req.Questions[0],
			Status:         extraction.StatusExtracted,
			Consensus:      &extraction.ConsensusResult{FinalText: "42", Confidence: 0.9, Method: extraction.MethodUnanimous},
		}},
	}, nil
}

func sampleJob(id string) *SubmissionJob {
	return &SubmissionJob{
		SubmissionID: id,
		PDF:          []byte("%PDF-1.4 fake"),
		Questions:    []int{1, 2},
		Hints:        map[int]string{2: "show units"},
	}
}

func TestSubmissionJobJSON(t *testing.T) {
	data, err := json.Marshal(sampleJob("sub-1"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"fileBuffer":"JVBERi0xLjQgZmFrZQ=="`)

	var back SubmissionJob
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, *sampleJob("sub-1"), back)
}

func TestSubmissionJobNodeBuffer(t *testing.T) {
	raw := `{"submissionId":"s","questions":[3],"fileBuffer":{"type":"Buffer","data":[37,80,68,70]}}`
	var job SubmissionJob
	require.NoError(t, json.Unmarshal([]byte(raw), &job))
	assert.Equal(t, []byte("%PDF"), job.PDF)
	assert.Equal(t, []int{3}, job.Questions)

	bad := []string{
		`{"fileBuffer":{"type":"Blob","data":[1]}}`,
		`{"fileBuffer":{"type":"Buffer"}}`,
		`{"fileBuffer":{"type":"Buffer","data":["x"]}}`,
		`{"fileBuffer":"***"}`,
		`{"fileBuffer":12}`,
	}
	for _, b := range bad {
		var j SubmissionJob
		assert.Error(t, json.Unmarshal([]byte(b), &j), b)
	}
}

func TestSubmissionJobValidate(t *testing.T) {
	require.NoError(t, sampleJob("a").Validate())
	require.NoError(t, (&SubmissionJob{SubmissionID: "a", FileURL: "http://x/y.pdf", Questions: []int{1}}).Validate())

	for _, job := range []*SubmissionJob{
		{Questions: []int{1}, FileURL: "u"},
		{SubmissionID: "a", FileURL: "u"},
		{SubmissionID: "a", Questions: []int{1}},
	} {
		require.ErrorIs(t, job.Validate(), apperrors.ErrInvalidRequest)
	}
}

func TestRunnerStoresResult(t *testing.T) {
	store := storage.NewMemoryStore()
	proc := &fakeProcessor{fn: succeed}
	r := &runner{processor: proc, store: store, logger: logging.Nop()}

	res, err := r.run(context.Background(), sampleJob("sub-ok"))
	require.NoError(t, err)
	assert.Equal(t, "sub-ok", res.SubmissionID)

	stored, err := store.GetSubmission(context.Background(), "sub-ok")
	require.NoError(t, err)
	assert.Equal(t, extraction.SubmissionCompleted, stored.Status)
	require.Len(t, stored.Questions, 1)
}

func TestRunnerTimeout(t *testing.T) {
	store := storage.NewMemoryStore()
	proc := &fakeProcessor{fn: func(ctx context.Context, _ *processor.ProcessRequest) (*extraction.SubmissionResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	r := &runner{processor: proc, store: store, timeout: 20 * time.Millisecond, logger: logging.Nop()}

	_, err := r.run(context.Background(), sampleJob("sub-slow"))
	require.Error(t, err)
	var pe *apperrors.ProcessingError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, apperrors.ErrorProcessingTimeout, pe.Code)

	stored, err := store.GetSubmission(context.Background(), "sub-slow")
	require.NoError(t, err)
	assert.Equal(t, extraction.SubmissionFailed, stored.Status)
	assert.Contains(t, stored.Error, "PROCESSING_TIMEOUT")
}

func TestRunnerInvalidJob(t *testing.T) {
	store := storage.NewMemoryStore()
	proc := &fakeProcessor{fn: succeed}
	r := &runner{processor: proc, store: store, logger: logging.Nop()}

	_, err := r.run(context.Background(), &SubmissionJob{SubmissionID: "bad"})
	require.ErrorIs(t, err, apperrors.ErrInvalidRequest)
	assert.Equal(t, int32(0), atomic.LoadInt32(&proc.calls))

	stored, err := store.GetSubmission(context.Background(), "bad")
	require.NoError(t, err)
	assert.Equal(t, extraction.SubmissionFailed, stored.Status)
}

func TestPermanent(t *testing.T) {
	assert.True(t, permanent(apperrors.NewInvalidRequestError("x")))
	assert.True(t, permanent(fmt.Errorf("wrap: %w", apperrors.NewNoAssignmentsError("j", 1, 3))))
	assert.True(t, permanent(apperrors.NewInvalidDocumentError("j", "image/png", nil)))
	assert.False(t, permanent(apperrors.NewRenderFailedError("j", errors.New("crash"))))
	assert.False(t, permanent(context.DeadlineExceeded))
}

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, 5*time.Second, retryDelay(0, nil, nil))
	assert.Equal(t, 20*time.Second, retryDelay(2, nil, nil))
	assert.Equal(t, 60*time.Second, retryDelay(6, nil, nil))
}

func newTestConsumer(t *testing.T, proc *fakeProcessor, store storage.Store) *Consumer {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := NewConsumer(&ConsumerConfig{
		RedisURL:  "redis://" + mr.Addr(),
		QueueName: "answers",
		Processor: proc,
		Store:     store,
		Logger:    logging.Nop(),
	})
	require.NoError(t, err)
	return c
}

func TestHandleExtract(t *testing.T) {
	store := storage.NewMemoryStore()
	c := newTestConsumer(t, &fakeProcessor{fn: succeed}, store)

	task, err := NewExtractTask(sampleJob("sub-task"), "answers", 3)
	require.NoError(t, err)
	assert.Equal(t, TaskTypeExtract, task.Type())

	require.NoError(t, c.handleExtract(context.Background(), task))
	stored, err := store.GetSubmission(context.Background(), "sub-task")
	require.NoError(t, err)
	assert.Equal(t, extraction.SubmissionCompleted, stored.Status)
}

func TestHandleExtractSkipsRetryOnPermanentFailure(t *testing.T) {
	proc := &fakeProcessor{fn: func(context.Context, *processor.ProcessRequest) (*extraction.SubmissionResult, error) {
		return nil, apperrors.NewNoAssignmentsError("sub", 0, 2)
	}}
	c := newTestConsumer(t, proc, storage.NewMemoryStore())

	task, err := NewExtractTask(sampleJob("sub"), "answers", 3)
	require.NoError(t, err)
	err = c.handleExtract(context.Background(), task)
	require.ErrorIs(t, err, asynq.SkipRetry)

	proc.fn = func(context.Context, *processor.ProcessRequest) (*extraction.SubmissionResult, error) {
		return nil, apperrors.NewRenderFailedError("sub", errors.New("renderer crashed"))
	}
	err = c.handleExtract(context.Background(), task)
	require.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry))
	assert.ErrorIs(t, err, apperrors.ErrRenderFailed)

	err = c.handleExtract(context.Background(), asynq.NewTask(TaskTypeExtract, []byte("{not json")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestNewExtractTaskValidates(t *testing.T) {
	_, err := NewExtractTask(&SubmissionJob{SubmissionID: "x"}, "answers", 1)
	require.ErrorIs(t, err, apperrors.ErrInvalidRequest)
}

func newTestRedisConsumer(t *testing.T, proc *fakeProcessor, store storage.Store) (*RedisConsumer, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c, err := newRedisConsumer(client, &RedisConsumerConfig{
		QueueName:   "answers",
		PollTimeout: time.Second,
		Processor:   proc,
		Store:       store,
		Logger:      logging.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return c, client, mr
}

func TestRedisConsumerCompletesJob(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	c, client, mr := newTestRedisConsumer(t, &fakeProcessor{fn: succeed}, store)

	sub := client.Subscribe(ctx, "answers:events")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	producer := NewRedisProducer(client, "answers", 2)
	id, err := producer.Enqueue(ctx, sampleJob("sub-r1"))
	require.NoError(t, err)
	assert.Equal(t, "sub-r1", id)

	require.NoError(t, c.processNextJob(ctx))

	completed, err := mr.SMembers("answers:completed")
	require.NoError(t, err)
	assert.Equal(t, []string{"sub-r1"}, completed)
	assert.False(t, mr.Exists("answers:processing"))
	assert.NotEmpty(t, mr.HGet("answers:results", "sub-r1"))

	stored, err := store.GetSubmission(ctx, "sub-r1")
	require.NoError(t, err)
	assert.Equal(t, extraction.SubmissionCompleted, stored.Status)

	var events []string
	for i := 0; i < 2; i++ {
		msg, err := sub.ReceiveMessage(ctx)
		require.NoError(t, err)
		var ev JobEvent
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &ev))
		events = append(events, ev.Event)
	}
	assert.Equal(t, []string{"job:processing", "job:completed"}, events)

	stats, err := c.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats["completed"])
	assert.Equal(t, int64(0), stats["waiting"])
}

func mustMembers(t *testing.T, mr *miniredis.Miniredis, key string) []string {
	t.Helper()
	members, err := mr.SMembers(key)
	require.NoError(t, err)
	return members
}

func TestRedisConsumerRetriesThenFails(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	proc := &fakeProcessor{fn: func(context.Context, *processor.ProcessRequest) (*extraction.SubmissionResult, error) {
		return nil, apperrors.NewRenderFailedError("sub-r2", errors.New("renderer crashed"))
	}}
	c, client, mr := newTestRedisConsumer(t, proc, store)

	_, err := NewRedisProducer(client, "answers", 2).Enqueue(ctx, sampleJob("sub-r2"))
	require.NoError(t, err)

	// First attempt re-queues
	require.NoError(t, c.processNextJob(ctx))
	waiting, err := client.LLen(ctx, "answers").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), waiting)

	var job RedisJobData
	require.NoError(t, json.Unmarshal([]byte(mr.HGet("answers:data", "sub-r2")), &job))
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, []byte("%PDF-1.4 fake"), job.Payload.PDF)

	// Second attempt exhausts retries
	require.NoError(t, c.processNextJob(ctx))
	assert.Equal(t, []string{"sub-r2"}, mustMembers(t, mr, "answers:failed"))
	assert.Contains(t, mr.HGet("answers:errors", "sub-r2"), "RENDER_FAILED")
	assert.Equal(t, int32(2), atomic.LoadInt32(&proc.calls))

	stored, err := store.GetSubmission(ctx, "sub-r2")
	require.NoError(t, err)
	assert.Equal(t, extraction.SubmissionFailed, stored.Status)
}

func TestRedisConsumerPermanentFailureNotRetried(t *testing.T) {
	ctx := context.Background()
	proc := &fakeProcessor{fn: func(context.Context, *processor.ProcessRequest) (*extraction.SubmissionResult, error) {
		return nil, apperrors.NewInvalidDocumentError("sub-r3", "text/plain", nil)
	}}
	c, client, mr := newTestRedisConsumer(t, proc, storage.NewMemoryStore())

	_, err := NewRedisProducer(client, "answers", 5).Enqueue(ctx, sampleJob("sub-r3"))
	require.NoError(t, err)
	require.NoError(t, c.processNextJob(ctx))

	assert.Equal(t, []string{"sub-r3"}, mustMembers(t, mr, "answers:failed"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&proc.calls))
}

func TestRedisConsumerEmptyQueue(t *testing.T) {
	c, _, _ := newTestRedisConsumer(t, &fakeProcessor{fn: succeed}, storage.NewMemoryStore())
	err := c.processNextJob(context.Background())
	require.ErrorIs(t, err, errNoJobs)
}

func TestRedisConsumerStartStop(t *testing.T) {
	store := storage.NewMemoryStore()
	c, client, _ := newTestRedisConsumer(t, &fakeProcessor{fn: succeed}, store)

	_, err := NewRedisProducer(client, "answers", 1).Enqueue(context.Background(), sampleJob("sub-bg"))
	require.NoError(t, err)

	require.NoError(t, c.Start())
	require.Eventually(t, func() bool {
		res, err := store.GetSubmission(context.Background(), "sub-bg")
		return err == nil && res.Status == extraction.SubmissionCompleted
	}, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, c.Stop())
}
