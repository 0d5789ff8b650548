package generate

import (
	"context"
	"fmt"
	"strings"

	"github.com/hyperjump/teian/internal/models"
	"go.uber.org/zap"
)

// Retriever returns the ranked context for a query.
type Retriever interface {
	Search(ctx context.Context, query string, topK int) (*models.SearchResponse, error)
}

// Service answers generation requests with retrieved context.
type Service struct {
	retriever       Retriever
	templates       *TemplateStore
	generator       Generator
	defaultTemplate string
	logger          *zap.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets a logger for generation events.
func WithLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// NewService creates a generation service. defaultTemplate is used for requests that
// name no template; empty means DefaultTemplateName.
func NewService(retriever Retriever, templates *TemplateStore, generator Generator, defaultTemplate string, opts ...ServiceOption) *Service {
	if defaultTemplate == "" {
		defaultTemplate = DefaultTemplateName
	}
	s := &Service{
		retriever:       retriever,
		templates:       templates,
		generator:       generator,
		defaultTemplate: defaultTemplate,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Templates returns the service's template store.
func (s *Service) Templates() *TemplateStore {
	return s.templates
}

// Generate retrieves context for req.Prompt, renders it into the requested template and
// returns the generator's output together with the contexts and prompt used.
func (s *Service) Generate(ctx context.Context, req models.GenerateRequest) (*models.GenerateResponse, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("%w: prompt cannot be empty", models.ErrInvalidRequest)
	}
	name := req.Template
	if name == "" {
		name = s.defaultTemplate
	}

	resp, err := s.retriever.Search(ctx, req.Prompt, req.TopK)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve context: %w", err)
	}
	used := make([]models.UsedContext, 0, len(resp.Results))
	for _, r := range resp.Results {
		used = append(used, models.UsedContext{Source: r.Chunk.Source, Score: r.Score, Text: r.Text})
	}

	prompt, err := s.templates.Render(name, PromptData{
		UserPrompt: req.Prompt,
		RAGContext: BuildContext(used),
	})
	if err != nil {
		return nil, err
	}
	generated, err := s.generator.Generate(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to generate: %w", err)
	}
	if s.logger != nil {
		s.logger.Debug("generation complete",
			zap.String("template", name), zap.Int("contexts", len(used)), zap.Int("prompt_len", len(prompt)))
	}
	return &models.GenerateResponse{
		Generated:    generated,
		UsedContexts: used,
		Prompt:       prompt,
	}, nil
}

// BuildContext formats retrieved chunks as "Source: <source>" blocks separated by blank lines.
func BuildContext(contexts []models.UsedContext) string {
	parts := make([]string, len(contexts))
	for i, c := range contexts {
		parts[i] = fmt.Sprintf("Source: %s\n\n%s", c.Source, c.Text)
	}
	return strings.Join(parts, "\n\n")
}
