package parser

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/noobcakes33/pdf-parsing-gen-ai/internal/models"

	"github.com/rs/zerolog/log"
)

// Extractor turns a document on disk into pages of text and image items in
// reading order.
type Extractor interface {
	Extract(ctx context.Context, path string) ([]models.Page, error)
}

// Registry dispatches extraction by file extension.
type Registry struct {
	extractors map[string]Extractor
}

// New returns a registry with every built-in format registered.
func New() *Registry {
	r := &Registry{extractors: make(map[string]Extractor)}

	pdfExtractor := &PDFExtractor{}
	r.Register(".pdf", pdfExtractor)
	r.Register(".docx", &DOCXExtractor{})
	spreadsheet := &SpreadsheetExtractor{}
	r.Register(".xlsx", spreadsheet)
	r.Register(".xlsm", spreadsheet)
	markdown := &MarkdownExtractor{}
	r.Register(".md", markdown)
	r.Register(".markdown", markdown)
	r.Register(".txt", &TextExtractor{})
	return r
}

// Register binds ext (with the leading dot) to e, replacing any earlier binding.
func (r *Registry) Register(ext string, e Extractor) {
	r.extractors[strings.ToLower(ext)] = e
}

// Supports reports whether path has a registered extension.
func (r *Registry) Supports(path string) bool {
	_, ok := r.extractors[strings.ToLower(filepath.Ext(path))]
	return ok
}

// Extensions lists the registered extensions in sorted order.
func (r *Registry) Extensions() []string {
	exts := make([]string, 0, len(r.extractors))
	for ext := range r.extractors {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

func (r *Registry) Extract(ctx context.Context, path string) ([]models.Page, error) {
	ext := strings.ToLower(filepath.Ext(path))
	e, ok := r.extractors[ext]
	if !ok {
		return nil, fmt.Errorf("%w: %q", models.ErrUnsupportedFormat, ext)
	}

	pages, err := e.Extract(ctx, path)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("path", path).Int("pages", len(pages)).Msg("extracted document")
	return pages, nil
}

func ioError(path string, err error) error {
	return fmt.Errorf("%w: failed to read %s: %v", models.ErrIO, path, err)
}

func extractionError(path string, err error) error {
	return fmt.Errorf("%w: failed to parse %s: %v", models.ErrExtraction, path, err)
}

// paragraphs splits text on blank lines and drops empty paragraphs.
func paragraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var out []string
	for _, p := range strings.Split(text, "\n\n") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
