package chromem

import (
	"fmt"

	"github.com/philippgille/chromem-go"

	"github.com/flarexio/ragvault/embedding"
)

const (
	DefaultOllamaModel = "nomic-embed-text"
	DefaultOpenAIModel = string(chromem.EmbeddingModelOpenAI3Small)
)

// NewEmbedder adapts one of chromem's remote embedding functions to the
// vault's Embedder contract.
func NewEmbedder(cfg embedding.Config) (embedding.Embedder, error) {
	switch cfg.Provider {
	case embedding.ProviderOllama:
		model := cfg.Model
		if model == "" {
			model = DefaultOllamaModel
		}

		// an empty base URL selects chromem's default of localhost:11434/api
		return embedding.Func(chromem.NewEmbeddingFuncOllama(model, cfg.BaseURL)), nil

	case embedding.ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("chromem: openai embeddings need an api key")
		}

		model := cfg.Model
		if model == "" {
			model = DefaultOpenAIModel
		}

		return embedding.Func(chromem.NewEmbeddingFuncOpenAI(cfg.APIKey, chromem.EmbeddingModelOpenAI(model))), nil

	default:
		return nil, fmt.Errorf("chromem: unsupported embedding provider %q", cfg.Provider)
	}
}
