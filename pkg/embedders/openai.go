// Package embedders implements embedding providers behind the
// embedder.Embedder interface: OpenAI, Doubao (an OpenAI-compatible
// endpoint) and a factory that builds the configured provider.
package embedders

import (
	"context"
	"fmt"

	"github.com/kadirpekel/memtree/pkg/config"
	"github.com/kadirpekel/memtree/pkg/httpclient"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	defaultOpenAIModel   = "text-embedding-3-small"

	// OpenAI caps embedding batches at 2048 inputs; stay well under.
	maxBatchSize = 100
)

// OpenAIEmbedder calls the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client    *httpclient.Client
	apiKey    string
	baseURL   string
	model     string
	dimension int
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
}

// NewOpenAIEmbedder creates an OpenAI embedder from config.
func NewOpenAIEmbedder(cfg config.EmbeddingConfig) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for openai embedder")
	}

	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}

	dimension := cfg.Dimension
	if dimension == 0 {
		dimension = 1536
	}

	return &OpenAIEmbedder{
		client:    httpclient.New(),
		apiKey:    cfg.APIKey,
		baseURL:   baseURL,
		model:     model,
		dimension: dimension,
	}, nil
}

// Embed converts one text to a vector.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch converts texts to vectors, chunking to the provider limit.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxBatchSize {
		end := start + maxBatchSize
		if end > len(texts) {
			end = len(texts)
		}

		var resp embedResponse
		err := e.client.PostJSON(ctx, e.baseURL+"/embeddings",
			map[string]string{"Authorization": "Bearer " + e.apiKey},
			embedRequest{Model: e.model, Input: texts[start:end]},
			&resp)
		if err != nil {
			return nil, fmt.Errorf("embedding request failed: %w", err)
		}
		if len(resp.Data) != end-start {
			return nil, fmt.Errorf("embedding response has %d vectors, expected %d", len(resp.Data), end-start)
		}
		for _, d := range resp.Data {
			out = append(out, d.Embedding)
		}
	}
	return out, nil
}

// Dimension returns the embedding vector size.
func (e *OpenAIEmbedder) Dimension() int { return e.dimension }

// Model returns the model in use.
func (e *OpenAIEmbedder) Model() string { return e.model }

// Close is a no-op for the HTTP-backed provider.
func (e *OpenAIEmbedder) Close() error { return nil }
