package embedding

import (
	"fmt"
	"os"
	"strings"

	"github.com/hyperjump/teian/internal/config"
	"go.uber.org/zap"
)

// New builds the provider named by cfg.Provider and wraps it with the LRU cache.
// When the ONNX model cannot be loaded the hash embedder is used instead, with a warning.
func New(cfg *config.EmbeddingConfig, logger *zap.Logger) (Embedder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var (
		inner Embedder
		err   error
	)
	switch strings.ToLower(cfg.Provider) {
	case "", "onnx":
		inner, err = NewONNXEmbedder(cfg.ModelPath, cfg.Dimensions, cfg.MaxTokens)
		if err != nil {
			logger.Warn("ONNX embedder unavailable, falling back to hash embedder",
				zap.String("model_path", cfg.ModelPath), zap.Error(err))
			inner = NewHashEmbedder(cfg.Dimensions)
		}
	case "openai":
		apiKeyEnv := cfg.APIKeyEnv
		if apiKeyEnv == "" {
			apiKeyEnv = "OPENAI_API_KEY"
		}
		inner, err = NewOpenAIEmbedder(OpenAIConfig{
			APIKey:     os.Getenv(apiKeyEnv),
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			BatchSize:  cfg.BatchSize,
			MaxRetries: cfg.MaxRetries,
			Timeout:    cfg.Timeout(),
		}, WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("failed to create openai embedder (set %s): %w", apiKeyEnv, err)
		}
	case "hash":
		inner = NewHashEmbedder(cfg.Dimensions)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
	logger.Info("embedding provider ready",
		zap.String("provider", cfg.Provider), zap.Int("dimensions", inner.Dimensions()))
	return NewCachedEmbedder(inner, cfg.CacheSize), nil
}
