package embedding

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/noobcakes33/pdf-parsing-gen-ai/internal/config"

	"github.com/google/generative-ai-go/genai"
	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"google.golang.org/api/option"
)

// MaxEmbedChars caps the text sent to remote embedding models. Longer page
// text is cut at a word boundary.
const MaxEmbedChars = 4000

func noopClose() error { return nil }

// NewEmbeddingFunc returns the embedding function for the configured provider
// and a function releasing its client.
func NewEmbeddingFunc(ctx context.Context, cfg config.LLMConfig) (chromem.EmbeddingFunc, func() error, error) {
	log.Debug().Str("provider", cfg.Provider).Str("model", cfg.Model).Str("base_url", cfg.BaseURL).Msg("creating embedder")

	switch cfg.Provider {
	case "local":
		return NewHashingEmbedder(DefaultDimension).EmbeddingFunc(), noopClose, nil
	case "ollama":
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		llm, err := ollama.New(opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create ollama client: %w", err)
		}
		embedder, err := embeddings.NewEmbedder(llm)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create embedder: %w", err)
		}
		return FromEmbedder(embedder), noopClose, nil
	case "openai":
		opts := []openai.Option{
			openai.WithToken(strings.TrimPrefix(cfg.Key, "Bearer ")),
			openai.WithModel(cfg.Model),
			openai.WithEmbeddingModel(cfg.Model),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create openai client: %w", err)
		}
		embedder, err := embeddings.NewEmbedder(llm)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create embedder: %w", err)
		}
		return FromEmbedder(embedder), noopClose, nil
	case "gemini":
		if cfg.Key == "" {
			return nil, nil, fmt.Errorf("gemini api key is not set")
		}
		client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.Key))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create gemini client: %w", err)
		}
		em := client.EmbeddingModel(cfg.Model)
		fn := func(ctx context.Context, text string) ([]float32, error) {
			res, err := em.EmbedContent(ctx, genai.Text(Truncate(text, MaxEmbedChars)))
			if err != nil {
				return nil, err
			}
			if res.Embedding == nil {
				return nil, fmt.Errorf("gemini returned no embedding")
			}
			return res.Embedding.Values, nil
		}
		return fn, client.Close, nil
	}
	return nil, nil, fmt.Errorf("unsupported embedding provider %q", cfg.Provider)
}

// FromEmbedder adapts a langchaingo embedder to chromem.
func FromEmbedder(e embeddings.Embedder) chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return e.EmbedQuery(ctx, Truncate(text, MaxEmbedChars))
	}
}

// Truncate keeps the leading words of content that fit in maxChars.
func Truncate(content string, maxChars int) string {
	if len(content) <= maxChars {
		return content
	}
	var b strings.Builder
	for _, word := range strings.Split(content, " ") {
		if b.Len()+len(word)+1 > maxChars {
			break
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(word)
	}
	if b.Len() == 0 {
		// a single word longer than maxChars, cut on a rune boundary
		for maxChars > 0 && !utf8.RuneStart(content[maxChars]) {
			maxChars--
		}
		return content[:maxChars]
	}
	return b.String()
}
