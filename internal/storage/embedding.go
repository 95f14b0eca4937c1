/**
 * Embedding Client for the answer index
 *
 * Generates VoyageAI voyage-3 embeddings (1024 dimensions) for final answer
 * texts so similar answers across submissions can be found in Qdrant.
 */

package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/adverant/nexus/answer-extraction-worker/internal/logging"
)

const (
	// EmbeddingDimensions is the voyage-3 vector size
	EmbeddingDimensions = 1024

	voyageModel      = "voyage-3"
	voyageBatchLimit = 100
	maxEmbedChars    = 16000
)

// Embedder turns texts into vectors, one per input, in order
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbeddingClient handles VoyageAI embedding generation
type EmbeddingClient struct {
	apiKey     string
	httpClient *http.Client
	baseURL    string
	logger     *logging.Logger
}

// VoyageBatchEmbeddingRequest represents a batch request to VoyageAI API
type VoyageBatchEmbeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

// VoyageEmbeddingResponse represents the response from VoyageAI API
type VoyageEmbeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// NewEmbeddingClient creates a new embedding client. baseURL may be empty for
// the public VoyageAI endpoint.
func NewEmbeddingClient(apiKey, baseURL string, logger *logging.Logger) (*EmbeddingClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("VoyageAI API key is required")
	}
	if baseURL == "" {
		baseURL = "https://api.voyageai.com/v1/embeddings"
	}
	if logger == nil {
		logger = logging.NewLogger("EmbeddingClient")
	}

	return &EmbeddingClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}, nil
}

// EmbedBatch embeds texts in chunks of 100 (the VoyageAI batch limit)
func (e *EmbeddingClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("no texts provided")
	}

	all := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += voyageBatchLimit {
		end := min(i+voyageBatchLimit, len(texts))
		batch, err := e.embed(ctx, texts[i:end])
		if err != nil {
			return nil, fmt.Errorf("embedding texts %d-%d: %w", i, end-1, err)
		}
		all = append(all, batch...)
	}
	return all, nil
}

func (e *EmbeddingClient) embed(ctx context.Context, texts []string) ([][]float32, error) {
	input := make([]string, len(texts))
	for i, text := range texts {
		if len(text) > maxEmbedChars {
			text = text[:maxEmbedChars]
		}
		// Voyage rejects empty strings; blank answers still get a vector
		if text == "" {
			text = " "
		}
		input[i] = text
	}

	jsonData, err := json.Marshal(VoyageBatchEmbeddingRequest{Input: input, Model: voyageModel})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create batch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	startTime := time.Now()
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("batch request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("VoyageAI API returned status %d: %s", resp.StatusCode, string(body))
	}

	var voyageResp VoyageEmbeddingResponse
	if err := json.Unmarshal(body, &voyageResp); err != nil {
		return nil, fmt.Errorf("failed to parse batch response: %w", err)
	}
	if len(voyageResp.Data) != len(texts) {
		return nil, fmt.Errorf("unexpected number of embeddings: got %d, expected %d", len(voyageResp.Data), len(texts))
	}

	embeddings := make([][]float32, len(texts))
	for _, data := range voyageResp.Data {
		if data.Index < 0 || data.Index >= len(texts) {
			return nil, fmt.Errorf("invalid embedding index: %d", data.Index)
		}
		if len(data.Embedding) != EmbeddingDimensions {
			return nil, fmt.Errorf("unexpected embedding dimensions for text %d: got %d, expected %d",
				data.Index, len(data.Embedding), EmbeddingDimensions)
		}
		embeddings[data.Index] = data.Embedding
	}

	e.logger.Debug("Embeddings generated",
		"texts", len(texts),
		"tokens", voyageResp.Usage.TotalTokens,
		"duration", time.Since(startTime).String())

	return embeddings, nil
}
