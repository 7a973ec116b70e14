package embedders

import (
	"fmt"

	"github.com/kadirpekel/memtree/pkg/config"
	"github.com/kadirpekel/memtree/pkg/embedder"
	"github.com/kadirpekel/memtree/pkg/registry"
)

// Registry stores named embedder instances.
type Registry struct {
	*registry.BaseRegistry[embedder.Embedder]
}

// NewRegistry creates an empty embedder registry.
func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewBaseRegistry[embedder.Embedder]()}
}

// New builds the embedder selected by the configuration.
func New(cfg config.EmbeddingConfig) (embedder.Embedder, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIEmbedder(cfg)
	case "doubao":
		return NewDoubaoEmbedder(cfg)
	case "mock", "":
		return embedder.NewMock(cfg.Dimension), nil
	default:
		return nil, fmt.Errorf("unsupported embedder type: %s", cfg.Provider)
	}
}
