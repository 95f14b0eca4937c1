package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/adverant/nexus/answer-extraction-worker/internal/extraction"
	"github.com/adverant/nexus/answer-extraction-worker/internal/logging"
)

// vectorStore is the subset of QdrantClient the index needs
type vectorStore interface {
	UpsertVectors(ctx context.Context, points []*VectorPoint) error
	SearchVectors(ctx context.Context, queryVector []float32, questionNumber int, limit int) ([]*VectorPoint, error)
	Close() error
}

// SimilarAnswer is one search hit
type SimilarAnswer struct {
	SubmissionID   string  `json:"submissionId"`
	QuestionNumber int     `json:"questionNumber"`
	Text           string  `json:"text"`
	Confidence     float64 `json:"confidence"`
	NeedsReview    bool    `json:"needsReview"`
	Method         string  `json:"method"`
	Score          float32 `json:"score"`
}

// AnswerIndex embeds final answers and stores them in Qdrant so the same
// question can be compared across submissions
type AnswerIndex struct {
	vectors  vectorStore
	embedder Embedder
	logger   *logging.Logger
}

// NewAnswerIndex wires an embedder to a vector store
func NewAnswerIndex(vectors *QdrantClient, embedder Embedder, logger *logging.Logger) *AnswerIndex {
	return newAnswerIndex(vectors, embedder, logger)
}

func newAnswerIndex(vectors vectorStore, embedder Embedder, logger *logging.Logger) *AnswerIndex {
	if logger == nil {
		logger = logging.NewLogger("AnswerIndex")
	}
	return &AnswerIndex{vectors: vectors, embedder: embedder, logger: logger}
}

// answerPointID is stable per submission and question, so re-processing a
// submission overwrites its earlier points
func answerPointID(submissionID string, questionNumber int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("answer:"+submissionID+"/"+strconv.Itoa(questionNumber))).String()
}

// IndexSubmission upserts one point per extracted question with a non-blank
// final answer
func (ix *AnswerIndex) IndexSubmission(ctx context.Context, result *extraction.SubmissionResult) error {
	if result == nil {
		return fmt.Errorf("result is required")
	}

	var (
		texts  []string
		points []*VectorPoint
	)
	for _, q := range result.Questions {
		if q.Status != extraction.StatusExtracted || q.Consensus == nil {
			continue
		}
		text := strings.TrimSpace(q.Consensus.FinalText)
		if text == "" {
			continue
		}
		texts = append(texts, text)
		points = append(points, &VectorPoint{
			ID: answerPointID(result.SubmissionID, q.QuestionNumber),
			Metadata: map[string]interface{}{
				"submissionId":   result.SubmissionID,
				"questionNumber": q.QuestionNumber,
				"text":           text,
				"confidence":     q.Consensus.Confidence,
				"needsReview":    q.Consensus.NeedsReview,
				"method":         string(q.Consensus.Method),
				"createdAt":      result.CreatedAt.Unix(),
			},
		})
	}
	if len(points) == 0 {
		return nil
	}

	vectors, err := ix.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to embed answers: %w", err)
	}
	if len(vectors) != len(points) {
		return fmt.Errorf("embedder returned %d vectors for %d answers", len(vectors), len(points))
	}
	for i := range points {
		points[i].Vector = vectors[i]
	}

	if err := ix.vectors.UpsertVectors(ctx, points); err != nil {
		return err
	}

	ix.logger.Debug("Answers indexed", "submissionId", result.SubmissionID, "points", len(points))
	return nil
}

// SearchSimilar finds stored answers close to text. questionNumber <= 0
// searches all questions.
func (ix *AnswerIndex) SearchSimilar(ctx context.Context, text string, questionNumber int, limit int) ([]SimilarAnswer, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("query text is required")
	}

	vectors, err := ix.embedder.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for 1 query", len(vectors))
	}

	hits, err := ix.vectors.SearchVectors(ctx, vectors[0], questionNumber, limit)
	if err != nil {
		return nil, err
	}

	answers := make([]SimilarAnswer, 0, len(hits))
	for _, hit := range hits {
		answers = append(answers, answerFromMetadata(hit.Metadata, hit.Score))
	}
	return answers, nil
}

// Close releases the vector store connection
func (ix *AnswerIndex) Close() error {
	return ix.vectors.Close()
}

func answerFromMetadata(md map[string]interface{}, score float32) SimilarAnswer {
	a := SimilarAnswer{Score: score}
	a.SubmissionID, _ = md["submissionId"].(string)
	a.Text, _ = md["text"].(string)
	a.Method, _ = md["method"].(string)
	a.NeedsReview, _ = md["needsReview"].(bool)
	a.Confidence, _ = md["confidence"].(float64)
	switch n := md["questionNumber"].(type) {
	case int64:
		a.QuestionNumber = int(n)
	case int:
		a.QuestionNumber = n
	}
	return a
}
