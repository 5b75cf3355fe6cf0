package parser

import (
	"context"
	"encoding/base64"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/noobcakes33/pdf-parsing-gen-ai/internal/models"

	"github.com/rs/zerolog/log"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// MarkdownExtractor reads a markdown document as one page. Each block becomes a
// text item and local or data URL images become image items.
type MarkdownExtractor struct{}

func (e *MarkdownExtractor) Extract(_ context.Context, path string) ([]models.Page, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, ioError(path, err)
	}

	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	doc := md.Parser().Parse(text.NewReader(src))

	w := &mdWalker{src: src, dir: filepath.Dir(path)}
	err = ast.Walk(doc, w.walk)
	if err != nil {
		return nil, extractionError(path, err)
	}
	w.flush()
	return []models.Page{{PageNumber: 1, Items: w.items}}, nil
}

type mdWalker struct {
	src   []byte
	dir   string
	buf   strings.Builder
	items []models.ContentItem
}

func (m *mdWalker) flush() {
	if s := strings.TrimSpace(m.buf.String()); s != "" {
		m.items = append(m.items, models.TextItem(s))
	}
	m.buf.Reset()
}

func (m *mdWalker) walk(n ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}

	switch t := n.(type) {
	case *ast.Heading:
		m.flush()
		m.buf.WriteString(strings.Repeat("#", t.Level) + " ")
		m.inline(t)
		m.flush()
		return ast.WalkSkipChildren, nil
	case *ast.Paragraph, *ast.TextBlock:
		m.inline(n)
		m.flush()
		return ast.WalkSkipChildren, nil
	case *ast.FencedCodeBlock, *ast.CodeBlock:
		lines := n.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			m.buf.Write(seg.Value(m.src))
		}
		m.flush()
		return ast.WalkSkipChildren, nil
	case *east.TableHeader, *east.TableRow:
		var cells []string
		for c := n.FirstChild(); c != nil; c = c.NextSibling() {
			m.inline(c)
			cells = append(cells, strings.TrimSpace(m.buf.String()))
			m.buf.Reset()
		}
		m.buf.WriteString(strings.Join(cells, " | "))
		m.flush()
		return ast.WalkSkipChildren, nil
	case *ast.HTMLBlock:
		return ast.WalkSkipChildren, nil
	}
	return ast.WalkContinue, nil
}

func (m *mdWalker) inline(n ast.Node) {
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch t := c.(type) {
		case *ast.Text:
			m.buf.Write(t.Segment.Value(m.src))
			if t.SoftLineBreak() || t.HardLineBreak() {
				m.buf.WriteByte('\n')
			}
		case *ast.String:
			m.buf.Write(t.Value)
		case *ast.AutoLink:
			m.buf.Write(t.URL(m.src))
		case *ast.RawHTML:
		case *ast.Image:
			m.image(t)
		default:
			m.inline(c)
		}
	}
}

// image emits an image item for local files and data URLs. Remote images are
// not fetched; their alt text stays in the surrounding text.
func (m *mdWalker) image(img *ast.Image) {
	data, format, ok := m.loadImage(string(img.Destination))
	if !ok {
		m.inline(img)
		return
	}
	m.flush()
	m.items = append(m.items, models.ImageItem(data, format))
}

func (m *mdWalker) loadImage(dest string) ([]byte, string, bool) {
	if strings.HasPrefix(dest, "data:") {
		meta, payload, found := strings.Cut(strings.TrimPrefix(dest, "data:"), ",")
		if !found || !strings.HasSuffix(meta, ";base64") {
			return nil, "", false
		}
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, "", false
		}
		return data, imageFormat(strings.TrimPrefix(strings.TrimSuffix(meta, ";base64"), "image/")), true
	}

	u, err := url.Parse(dest)
	if err != nil || u.Scheme != "" {
		return nil, "", false
	}
	p := u.Path
	if !filepath.IsAbs(p) {
		p = filepath.Join(m.dir, p)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		log.Warn().Err(err).Str("image", dest).Msg("failed to read markdown image")
		return nil, "", false
	}
	return data, imageFormat(filepath.Ext(p)), true
}
