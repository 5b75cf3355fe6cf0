package analyzer

import (
	"context"
	"fmt"
	"strings"

	"github.com/noobcakes33/pdf-parsing-gen-ai/internal/models"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GeminiAnalyzer describes images with a Gemini model.
type GeminiAnalyzer struct {
	client *genai.Client
	model  *genai.GenerativeModel
	prompt string
}

func NewGeminiAnalyzer(ctx context.Context, apiKey, modelName string) (*GeminiAnalyzer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is not set")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.ResponseMIMEType = "application/json"
	model.SetTemperature(0.2)

	return &GeminiAnalyzer{client: client, model: model, prompt: models.ImageAnalysisPrompt}, nil
}

func (g *GeminiAnalyzer) Analyze(ctx context.Context, img ImageData) (Description, error) {
	format := strings.TrimPrefix(MimeType(img.Format), "image/")
	resp, err := g.model.GenerateContent(ctx, genai.ImageData(format, img.Bytes), genai.Text(g.prompt))
	if err != nil {
		return Description{}, fmt.Errorf("%w: gemini request failed: %v", models.ErrAnalysis, err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return Description{}, fmt.Errorf("%w: gemini returned no candidates", models.ErrAnalysis)
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	if strings.TrimSpace(sb.String()) == "" {
		return Description{}, fmt.Errorf("%w: empty model output", models.ErrAnalysis)
	}
	return parseDescription(sb.String())
}

func (g *GeminiAnalyzer) Close() error {
	return g.client.Close()
}
