package service

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/renwei/cvflow/internal/config"
	"github.com/renwei/cvflow/internal/logger"
)

const (
	jinaBaseURL        = "https://api.jina.ai/v1"
	embeddingBatchSize = 32
)

// EmbeddingService produces dense vectors for text chunks using the Jina
// embeddings API.
type EmbeddingService struct {
	client     *resty.Client
	model      string
	dimensions int
	log        *logger.Logger
}

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// NewEmbeddingService creates an embedding client.
func NewEmbeddingService(cfg config.EmbeddingConfig, log *logger.Logger) *EmbeddingService {
	client := resty.New().
		SetBaseURL(jinaBaseURL).
		SetTimeout(60 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second).
		SetHeader("Authorization", "Bearer "+cfg.APIKey).
		SetHeader("Content-Type", "application/json")
	return &EmbeddingService{
		client:     client,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		log:        log.WithField(logger.FieldComponent, "embedding"),
	}
}

// EmbedBatch returns one vector per input text, in input order. Inputs are
// sent in batches to stay under the API's request limits.
func (s *EmbeddingService) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	start := time.Now()
	vectors := make([][]float32, 0, len(texts))

	for offset := 0; offset < len(texts); offset += embeddingBatchSize {
		end := offset + embeddingBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := s.embed(ctx, texts[offset:end])
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)
	}

	s.log.WithFields(logger.Fields{
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
		logger.FieldCount:      len(vectors),
	}).Debug("Embeddings generated")

	return vectors, nil
}

func (s *EmbeddingService) embed(ctx context.Context, texts []string) ([][]float32, error) {
	var result embeddingResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(embeddingRequest{
			Model:      s.model,
			Input:      texts,
			Dimensions: s.dimensions,
		}).
		SetResult(&result).
		Post("/embeddings")
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("embedding API returned %d: %s", resp.StatusCode(), resp.String())
	}
	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: got %d, want %d", len(result.Data), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for _, item := range result.Data {
		if item.Index < 0 || item.Index >= len(vectors) {
			return nil, fmt.Errorf("embedding index %d out of range", item.Index)
		}
		vectors[item.Index] = item.Embedding
	}
	return vectors, nil
}
