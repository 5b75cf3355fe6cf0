package llmservice

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/noobcakes33/pdf-parsing-gen-ai/internal/config"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// MistralBaseURL is the OpenAI compatible endpoint of the Mistral API.
const MistralBaseURL = "https://api.mistral.ai/v1"

var ErrUnsupportedProvider = errors.New("unsupported llm provider")

// NewModel builds a chat model for the configured provider. Mistral speaks the
// OpenAI chat protocol, so both share the openai client.
func NewModel(cfg config.LLMConfig) (llms.Model, error) {
	log.Debug().Str("provider", cfg.Provider).Str("model", cfg.Model).Str("base_url", cfg.BaseURL).Msg("creating llm client")

	switch cfg.Provider {
	case "openai", "mistral":
		baseURL := cfg.BaseURL
		if baseURL == "" && cfg.Provider == "mistral" {
			baseURL = MistralBaseURL
		}
		opts := []openai.Option{
			openai.WithToken(strings.TrimPrefix(cfg.Key, "Bearer ")),
			openai.WithModel(cfg.Model),
		}
		if baseURL != "" {
			opts = append(opts, openai.WithBaseURL(baseURL))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s client: %w", cfg.Provider, err)
		}
		return llm, nil
	case "ollama":
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		llm, err := ollama.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create ollama client: %w", err)
		}
		return llm, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, cfg.Provider)
}

// GenerateContent calls the model and returns the text of the first choice.
func GenerateContent(ctx context.Context, model llms.Model, messages []llms.MessageContent, options ...llms.CallOption) (string, error) {
	res, err := model.GenerateContent(ctx, messages, options...)
	if err != nil {
		return "", err
	}
	if len(res.Choices) == 0 {
		return "", nil
	}
	return res.Choices[0].Content, nil
}
