// Package analyzer describes images with a vision model.
//
// Providers implement Analyzer. Middleware such as WithTimeout, WithRateLimit
// and WithCache wrap any provider, and Describe turns the outcome into the
// string that is spliced into page text.
package analyzer

import (
	"context"
	"encoding/base64"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/noobcakes33/pdf-parsing-gen-ai/internal/config"
	"github.com/noobcakes33/pdf-parsing-gen-ai/internal/llmservice"
	"github.com/noobcakes33/pdf-parsing-gen-ai/internal/models"

	"github.com/rs/zerolog/log"
)

// ImageData is an image as extracted from a document.
type ImageData struct {
	Bytes  []byte
	Format string
}

// Description is the structured answer of a vision model.
type Description struct {
	Description string `json:"description"`
}

type Analyzer interface {
	Analyze(ctx context.Context, img ImageData) (Description, error)
}

// Func adapts a plain function to Analyzer.
type Func func(ctx context.Context, img ImageData) (Description, error)

func (f Func) Analyze(ctx context.Context, img ImageData) (Description, error) {
	return f(ctx, img)
}

// Describe resolves an image to the text stored for it. Any failure, and an
// empty description, resolve to "" so one bad image never aborts a document.
func Describe(ctx context.Context, a Analyzer, img ImageData) string {
	d, err := analyze(ctx, a, img)
	if err != nil {
		log.Warn().Err(err).Str("format", img.Format).Int("bytes", len(img.Bytes)).Msg("image analysis failed")
		return ""
	}
	if strings.TrimSpace(d.Description) == "" {
		return ""
	}
	return models.ImageDescriptionPrefix + d.Description
}

// analyze calls a and reports a panicking provider as an analysis failure.
func analyze(ctx context.Context, a Analyzer, img ImageData) (d Description, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("image analyzer panicked")
			d, err = Description{}, fmt.Errorf("%w: analyzer panicked: %v", models.ErrAnalysis, r)
		}
	}()
	return a.Analyze(ctx, img)
}

// MimeType maps an image format tag to its media type.
func MimeType(format string) string {
	switch f := strings.ToLower(format); f {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "jpx", "jp2":
		return "image/jp2"
	case "":
		return "application/octet-stream"
	default:
		return "image/" + f
	}
}

// EncodeDataURL embeds the image in a base64 data URL.
func EncodeDataURL(img ImageData) string {
	return "data:" + MimeType(img.Format) + ";base64," + base64.StdEncoding.EncodeToString(img.Bytes)
}

// New builds the configured provider wrapped in the configured middleware.
// The returned close function releases provider resources.
func New(ctx context.Context, cfg config.VisionConfig) (Analyzer, func() error, error) {
	var (
		base    Analyzer
		closeFn = func() error { return nil }
	)

	switch cfg.Provider {
	case "gemini":
		g, err := NewGeminiAnalyzer(ctx, cfg.Key, cfg.Model)
		if err != nil {
			return nil, nil, err
		}
		base, closeFn = g, g.Close
	case "mistral", "openai", "ollama":
		model, err := llmservice.NewModel(cfg.LLMConfig)
		if err != nil {
			return nil, nil, err
		}
		var opts []LLMOption
		if cfg.Provider == "ollama" {
			opts = append(opts, WithBinaryImages())
		}
		base = NewLLMAnalyzer(model, opts...)
	default:
		return nil, nil, fmt.Errorf("unsupported vision provider %q", cfg.Provider)
	}

	// cache outermost so hits skip the limiter
	mws := []Middleware{WithTimeout(cfg.Timeout)}
	if cfg.RequestsPerSecond > 0 {
		mws = append(mws, WithRateLimit(cfg.RequestsPerSecond, cfg.Burst))
	}
	if cfg.CacheSize > 0 {
		c, err := WithCache(cfg.CacheSize)
		if err != nil {
			return nil, nil, err
		}
		mws = append(mws, c)
	}

	log.Info().Str("provider", cfg.Provider).Str("model", cfg.Model).Msg("image analyzer ready")
	return Chain(base, mws...), closeFn, nil
}
