package parser

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/noobcakes33/pdf-parsing-gen-ai/internal/models"

	"github.com/rs/zerolog/log"
	"github.com/xuri/excelize/v2"
)

// SpreadsheetExtractor reads every sheet of a workbook as one page. Rows become
// tab separated text items and pictures are placed at their anchor cell.
type SpreadsheetExtractor struct{}

type cellItem struct {
	row, col int
	item     models.ContentItem
}

func (e *SpreadsheetExtractor) Extract(ctx context.Context, path string) ([]models.Page, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, ioError(path, err)
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, extractionError(path, err)
	}
	defer f.Close()

	var pages []models.Page
	for i, sheet := range f.GetSheetList() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		items, err := sheetItems(f, sheet)
		if err != nil {
			return nil, extractionError(path, err)
		}
		pages = append(pages, models.Page{PageNumber: i + 1, Items: items})
	}
	return pages, nil
}

func sheetItems(f *excelize.File, sheet string) ([]models.ContentItem, error) {
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to read rows of sheet %s: %w", sheet, err)
	}

	var cells []cellItem
	for r, row := range rows {
		first := -1
		for c, v := range row {
			if strings.TrimSpace(v) != "" {
				first = c
				break
			}
		}
		if first < 0 {
			continue
		}
		text := strings.TrimRight(strings.Join(row, "\t"), "\t ")
		cells = append(cells, cellItem{row: r + 1, col: first + 1, item: models.TextItem(text)})
	}

	picCells, err := f.GetPictureCells(sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to list pictures of sheet %s: %w", sheet, err)
	}
	for _, ref := range picCells {
		col, row, err := excelize.CellNameToCoordinates(ref)
		if err != nil {
			continue
		}
		pics, err := f.GetPictures(sheet, ref)
		if err != nil {
			log.Warn().Err(err).Str("sheet", sheet).Str("cell", ref).Msg("failed to read picture")
			continue
		}
		for _, pic := range pics {
			cells = append(cells, cellItem{row: row, col: col, item: models.ImageItem(pic.File, imageFormat(pic.Extension))})
		}
	}

	sort.SliceStable(cells, func(i, j int) bool {
		if cells[i].row != cells[j].row {
			return cells[i].row < cells[j].row
		}
		return cells[i].col < cells[j].col
	})

	items := make([]models.ContentItem, 0, len(cells)+1)
	items = append(items, models.TextItem(fmt.Sprintf("## Sheet: %s", sheet)))
	for _, c := range cells {
		items = append(items, c.item)
	}
	return items, nil
}

// imageFormat normalizes a file extension to the format tag used on image items.
func imageFormat(ext string) string {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	switch ext {
	case "jpg":
		return "jpeg"
	case "tif":
		return "tiff"
	}
	return ext
}
