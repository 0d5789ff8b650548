package generate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/hyperjump/teian/internal/config"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// ErrGenerator marks failures of the text generation backend.
var ErrGenerator = errors.New("generator failed")

// Generator produces text for a fully rendered prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// EchoGenerator returns the prompt unchanged. It lets the service run without a model.
type EchoGenerator struct{}

// Generate returns prompt.
func (EchoGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return prompt, nil
}

// OpenAIGeneratorConfig configures the chat completion generator.
type OpenAIGeneratorConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
	Timeout     time.Duration
}

// OpenAIGenerator generates text with the OpenAI chat completions API or a compatible server.
type OpenAIGenerator struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
}

// NewOpenAIGenerator creates a chat completion generator. Returns an error if no API key is set.
func NewOpenAIGenerator(cfg OpenAIGeneratorConfig) (*OpenAIGenerator, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai generator: api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	return &OpenAIGenerator{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}, nil
}

// Generate sends prompt as a single user message and returns the first choice.
func (g *OpenAIGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens:   g.maxTokens,
		Temperature: g.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrGenerator, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices returned", ErrGenerator)
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// NewGenerator builds the generator named by cfg.Provider.
func NewGenerator(cfg *config.GenerationConfig, logger *zap.Logger) (Generator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch strings.ToLower(cfg.Provider) {
	case "", "echo":
		logger.Info("generator ready", zap.String("provider", "echo"))
		return EchoGenerator{}, nil
	case "openai":
		apiKeyEnv := cfg.APIKeyEnv
		if apiKeyEnv == "" {
			apiKeyEnv = "OPENAI_API_KEY"
		}
		g, err := NewOpenAIGenerator(OpenAIGeneratorConfig{
			APIKey:      os.Getenv(apiKeyEnv),
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
			Timeout:     cfg.Timeout(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create openai generator (set %s): %w", apiKeyEnv, err)
		}
		logger.Info("generator ready", zap.String("provider", "openai"), zap.String("model", cfg.Model))
		return g, nil
	default:
		return nil, fmt.Errorf("unknown generation provider %q", cfg.Provider)
	}
}
