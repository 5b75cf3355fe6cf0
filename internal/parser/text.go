package parser

import (
	"context"
	"os"

	"github.com/noobcakes33/pdf-parsing-gen-ai/internal/models"
)

// TextExtractor reads plain text as one page, one item per paragraph.
type TextExtractor struct{}

func (e *TextExtractor) Extract(_ context.Context, path string) ([]models.Page, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ioError(path, err)
	}

	var items []models.ContentItem
	for _, p := range paragraphs(string(data)) {
		items = append(items, models.TextItem(p))
	}
	return []models.Page{{PageNumber: 1, Items: items}}, nil
}
