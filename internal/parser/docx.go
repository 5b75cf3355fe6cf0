package parser

import (
	"context"
	"encoding/xml"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/noobcakes33/pdf-parsing-gen-ai/internal/models"

	"github.com/nguyenthenguyen/docx"
)

// DOCXExtractor reads word documents as a single page with one text item per
// paragraph. DOCX carries no fixed pagination.
type DOCXExtractor struct{}

func (e *DOCXExtractor) Extract(ctx context.Context, path string) ([]models.Page, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, ioError(path, err)
	}

	r, err := docx.ReadDocxFile(path)
	if err != nil {
		return nil, extractionError(path, err)
	}
	defer r.Close()

	paras, err := docxParagraphs(r.Editable().GetContent())
	if err != nil {
		return nil, extractionError(path, err)
	}

	items := make([]models.ContentItem, 0, len(paras))
	for _, p := range paras {
		items = append(items, models.TextItem(p))
	}
	return []models.Page{{PageNumber: 1, Items: items}}, nil
}

// docxParagraphs collects the run text of every w:p element in the document XML.
func docxParagraphs(content string) ([]string, error) {
	dec := xml.NewDecoder(strings.NewReader(content))

	var (
		out    []string
		cur    strings.Builder
		inText bool
		depth  int
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p":
				if depth == 0 {
					cur.Reset()
				}
				depth++
			case "t":
				inText = true
			case "tab":
				cur.WriteByte('\t')
			case "br":
				cur.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "p":
				depth--
				if depth == 0 {
					if s := strings.TrimSpace(cur.String()); s != "" {
						out = append(out, s)
					}
				}
			case "t":
				inText = false
			}
		case xml.CharData:
			if inText {
				cur.Write(t)
			}
		}
	}
	return out, nil
}
