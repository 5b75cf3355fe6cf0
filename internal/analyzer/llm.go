package analyzer

import (
	"context"
	"fmt"
	"strings"

	"github.com/noobcakes33/pdf-parsing-gen-ai/internal/llmservice"
	"github.com/noobcakes33/pdf-parsing-gen-ai/internal/models"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
)

// LLMAnalyzer asks a langchaingo chat model to describe an image.
type LLMAnalyzer struct {
	model   llms.Model
	prompt  string
	binary  bool
	options []llms.CallOption
}

type LLMOption func(*LLMAnalyzer)

func WithPrompt(p string) LLMOption {
	return func(a *LLMAnalyzer) { a.prompt = p }
}

// WithBinaryImages sends raw image bytes instead of a data URL. Ollama only
// accepts images this way.
func WithBinaryImages() LLMOption {
	return func(a *LLMAnalyzer) { a.binary = true }
}

func WithCallOptions(opts ...llms.CallOption) LLMOption {
	return func(a *LLMAnalyzer) { a.options = append(a.options, opts...) }
}

func NewLLMAnalyzer(model llms.Model, opts ...LLMOption) *LLMAnalyzer {
	a := &LLMAnalyzer{model: model, prompt: models.ImageAnalysisPrompt}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *LLMAnalyzer) Analyze(ctx context.Context, img ImageData) (Description, error) {
	var imagePart llms.ContentPart = llms.ImageURLPart(EncodeDataURL(img))
	if a.binary {
		imagePart = llms.BinaryPart(MimeType(img.Format), img.Bytes)
	}

	messages := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(a.prompt), imagePart},
		},
	}

	out, err := llmservice.GenerateContent(ctx, a.model, messages, a.options...)
	if err != nil {
		return Description{}, fmt.Errorf("%w: %v", models.ErrAnalysis, err)
	}
	if strings.TrimSpace(out) == "" {
		return Description{}, fmt.Errorf("%w: empty model output", models.ErrAnalysis)
	}
	log.Debug().Str("output", out).Msg("image analysis output")

	return parseDescription(out)
}
