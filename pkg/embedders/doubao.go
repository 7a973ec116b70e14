package embedders

import (
	"fmt"

	"github.com/kadirpekel/memtree/pkg/config"
	"github.com/kadirpekel/memtree/pkg/httpclient"
)

const (
	defaultDoubaoBaseURL = "https://ark.cn-beijing.volces.com/api/v3"
	defaultDoubaoModel   = "doubao-embedding-text-240715"
)

// NewDoubaoEmbedder creates a Doubao (Volcengine Ark) embedder. The API is
// OpenAI-compatible, so it reuses the OpenAI client with different defaults.
func NewDoubaoEmbedder(cfg config.EmbeddingConfig) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for doubao embedder")
	}

	model := cfg.Model
	if model == "" {
		model = defaultDoubaoModel
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultDoubaoBaseURL
	}

	dimension := cfg.Dimension
	if dimension == 0 {
		dimension = 2560
	}

	return &OpenAIEmbedder{
		client:    httpclient.New(),
		apiKey:    cfg.APIKey,
		baseURL:   baseURL,
		model:     model,
		dimension: dimension,
	}, nil
}
