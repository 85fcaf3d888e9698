package extraction

import (
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/Zolokon/business-planner-sub000/internal/business"
	"github.com/Zolokon/business-planner-sub000/internal/config"
)

// NewChatModel builds the OpenAI-compatible chat model described by cfg.
func NewChatModel(cfg config.LLMConfig) (llms.Model, error) {
	if cfg.APIKey.Value() == "" {
		return nil, fmt.Errorf("llm api key required for provider %q", cfg.Provider)
	}
	opts := []openai.Option{
		openai.WithToken(cfg.APIKey.Value()),
		openai.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating chat model: %w", err)
	}
	return model, nil
}

// NewExtractor creates the extractor selected by cfg.Provider.
func NewExtractor(cfg config.LLMConfig, catalog *business.Catalog, logger *zap.Logger) (TextExtractor, error) {
	switch cfg.Provider {
	case "", "heuristic":
		return NewHeuristicExtractor(catalog), nil
	case "openai":
		model, err := NewChatModel(cfg)
		if err != nil {
			return nil, err
		}
		return NewLLMExtractor(model, catalog, LLMConfig{
			RequestsPerMinute: cfg.RequestsPerMinute,
			Burst:             cfg.Burst,
			Timeout:           cfg.Timeout.Duration(),
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown extraction provider: %s", cfg.Provider)
	}
}
