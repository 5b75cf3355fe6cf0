package parser

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/noobcakes33/pdf-parsing-gen-ai/internal/models"

	"github.com/ledongthuc/pdf"
	"github.com/rs/zerolog/log"
)

const (
	defaultMaxFormDepth = 8
	// glyph width in 1/1000 em used when a font carries no Widths array
	defaultGlyphWidth = 500
)

// PDFExtractor lays out text lines and placed images of every page.
type PDFExtractor struct {
	// MaxFormDepth bounds recursion into nested form XObjects.
	MaxFormDepth int
}

func (e *PDFExtractor) Extract(ctx context.Context, path string) (pages []models.Page, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ioError(path, err)
	}

	// the pdf package panics on some malformed cross reference data
	defer func() {
		if r := recover(); r != nil {
			pages, err = nil, extractionError(path, fmt.Errorf("%v", r))
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, extractionError(path, err)
	}

	depth := e.MaxFormDepth
	if depth <= 0 {
		depth = defaultMaxFormDepth
	}
	doc := &pdfDocument{
		raw:       data,
		encrypted: !reader.Trailer().Key("Encrypt").IsNull(),
		maxDepth:  depth,
	}

	numPages := reader.NumPage()
	pages = make([]models.Page, 0, numPages)
	for i := 1; i <= numPages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pages = append(pages, models.Page{
			PageNumber: i,
			Items:      doc.pageItems(i, reader.Page(i)),
		})
	}
	return pages, nil
}

type pdfDocument struct {
	raw       []byte
	encrypted bool
	maxDepth  int
}

func (d *pdfDocument) pageItems(num int, page pdf.Page) []models.ContentItem {
	if page.V.IsNull() {
		log.Warn().Int("page", num).Msg("page object not found")
		return nil
	}

	w := &pageWalker{doc: d, page: num}
	state := graphicsState{ctm: identity, text: textState{scale: 1}}

	contents := page.V.Key("Contents")
	switch contents.Kind() {
	case pdf.Stream:
		w.interpret(contents, page.Resources(), &state, 0)
	case pdf.Array:
		// the parts of a contents array form one logical stream
		for i := 0; i < contents.Len(); i++ {
			w.interpret(contents.Index(i), page.Resources(), &state, 0)
		}
	}
	return w.layout()
}

// matrix is a PDF transformation [a b c d e f].
type matrix [6]float64

var identity = matrix{1, 0, 0, 1, 0, 0}

func (m matrix) mul(n matrix) matrix {
	return matrix{
		m[0]*n[0] + m[1]*n[2],
		m[0]*n[1] + m[1]*n[3],
		m[2]*n[0] + m[3]*n[2],
		m[2]*n[1] + m[3]*n[3],
		m[4]*n[0] + m[5]*n[2] + n[4],
		m[4]*n[1] + m[5]*n[3] + n[5],
	}
}

func (m matrix) apply(x, y float64) (float64, float64) {
	return m[0]*x + m[2]*y + m[4], m[1]*x + m[3]*y + m[5]
}

func translate(tx, ty float64) matrix {
	return matrix{1, 0, 0, 1, tx, ty}
}

func matrixFromArgs(args []pdf.Value) matrix {
	var m matrix
	for i := 0; i < 6 && i < len(args); i++ {
		m[i] = args[i].Float64()
	}
	return m
}

type textState struct {
	tm, tlm   matrix
	font      *pdfFont
	size      float64
	leading   float64
	charSpace float64
	wordSpace float64
	scale     float64
	rise      float64
}

type graphicsState struct {
	ctm  matrix
	text textState
}

type pdfFont struct {
	font      pdf.Font
	enc       pdf.TextEncoding
	composite bool
}

// advance returns the unscaled width of raw in 1/1000 text space units.
func (f *pdfFont) advance(raw string) float64 {
	if f == nil || f.composite {
		n := len(raw)
		if f != nil {
			n /= 2
		}
		return float64(n) * defaultGlyphWidth
	}
	var w float64
	for i := 0; i < len(raw); i++ {
		gw := f.font.Width(int(raw[i]))
		if gw == 0 {
			gw = defaultGlyphWidth
		}
		w += gw
	}
	return w
}

func (f *pdfFont) decode(raw string) string {
	if f == nil || f.enc == nil {
		return raw
	}
	return f.enc.Decode(raw)
}

type fragment struct {
	x, y, endX float64
	size       float64
	text       string
	seq        int
}

type placedImage struct {
	top, left float64
	item      models.ContentItem
	seq       int
}

type pageWalker struct {
	doc       *pdfDocument
	page      int
	seq       int
	fragments []fragment
	images    []placedImage
}

func (w *pageWalker) next() int {
	w.seq++
	return w.seq
}

// interpret runs one content stream. A malformed stream is abandoned but the
// items collected before the failure are kept.
func (w *pageWalker) interpret(strm, resources pdf.Value, state *graphicsState, depth int) {
	if strm.Kind() != pdf.Stream {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Int("page", w.page).Interface("cause", r).Msg("skipping rest of malformed content stream")
		}
	}()

	fonts := make(map[string]*pdfFont)
	fontFor := func(name string) *pdfFont {
		if f, ok := fonts[name]; ok {
			return f
		}
		v := resources.Key("Font").Key(name)
		var f *pdfFont
		if !v.IsNull() {
			font := pdf.Font{V: v}
			f = &pdfFont{
				font:      font,
				enc:       font.Encoder(),
				composite: v.Key("Subtype").Name() == "Type0",
			}
		}
		fonts[name] = f
		return f
	}

	var stack []graphicsState
	pdf.Interpret(strm, func(stk *pdf.Stack, op string) {
		n := stk.Len()
		args := make([]pdf.Value, n)
		for i := n - 1; i >= 0; i-- {
			args[i] = stk.Pop()
		}
		ts := &state.text

		switch op {
		case "q":
			stack = append(stack, *state)
		case "Q":
			if len(stack) > 0 {
				*state = stack[len(stack)-1]
				stack = stack[:len(stack)-1]
			}
		case "cm":
			if len(args) == 6 {
				state.ctm = matrixFromArgs(args).mul(state.ctm)
			}
		case "BT":
			ts.tm, ts.tlm = identity, identity
		case "Tf":
			if len(args) == 2 {
				ts.font = fontFor(args[0].Name())
				ts.size = args[1].Float64()
			}
		case "TL":
			if len(args) == 1 {
				ts.leading = args[0].Float64()
			}
		case "Tc":
			if len(args) == 1 {
				ts.charSpace = args[0].Float64()
			}
		case "Tw":
			if len(args) == 1 {
				ts.wordSpace = args[0].Float64()
			}
		case "Tz":
			if len(args) == 1 {
				ts.scale = args[0].Float64() / 100
			}
		case "Ts":
			if len(args) == 1 {
				ts.rise = args[0].Float64()
			}
		case "Tm":
			if len(args) == 6 {
				ts.tm = matrixFromArgs(args)
				ts.tlm = ts.tm
			}
		case "Td", "TD":
			if len(args) == 2 {
				tx, ty := args[0].Float64(), args[1].Float64()
				if op == "TD" {
					ts.leading = -ty
				}
				ts.tlm = translate(tx, ty).mul(ts.tlm)
				ts.tm = ts.tlm
			}
		case "T*":
			w.nextLine(ts)
		case "Tj":
			if len(args) == 1 {
				w.show(state, args[0].RawString())
			}
		case "'":
			if len(args) == 1 {
				w.nextLine(ts)
				w.show(state, args[0].RawString())
			}
		case "\"":
			if len(args) == 3 {
				ts.wordSpace = args[0].Float64()
				ts.charSpace = args[1].Float64()
				w.nextLine(ts)
				w.show(state, args[2].RawString())
			}
		case "TJ":
			if len(args) == 1 {
				w.showArray(state, args[0])
			}
		case "Do":
			if len(args) == 1 {
				w.do(args[0].Name(), resources, state, depth)
			}
		}
	})
}

func (w *pageWalker) nextLine(ts *textState) {
	ts.tlm = translate(0, -ts.leading).mul(ts.tlm)
	ts.tm = ts.tlm
}

func (w *pageWalker) renderMatrix(state *graphicsState) matrix {
	ts := &state.text
	return matrix{ts.size * ts.scale, 0, 0, ts.size, 0, ts.rise}.mul(ts.tm).mul(state.ctm)
}

func (w *pageWalker) show(state *graphicsState, raw string) {
	if raw == "" {
		return
	}
	ts := &state.text
	start := w.renderMatrix(state)

	tx := ts.font.advance(raw)/1000*ts.size + ts.charSpace*float64(len(raw))
	if ts.font == nil || !ts.font.composite {
		tx += ts.wordSpace * float64(strings.Count(raw, " "))
	}
	ts.tm = translate(tx*ts.scale, 0).mul(ts.tm)
	end := w.renderMatrix(state)

	w.fragments = append(w.fragments, fragment{
		x:    start[4],
		y:    start[5],
		endX: end[4],
		size: math.Hypot(start[2], start[3]),
		text: ts.font.decode(raw),
		seq:  w.next(),
	})
}

func (w *pageWalker) showArray(state *graphicsState, arr pdf.Value) {
	ts := &state.text
	for i := 0; i < arr.Len(); i++ {
		v := arr.Index(i)
		switch v.Kind() {
		case pdf.String:
			w.show(state, v.RawString())
		case pdf.Integer, pdf.Real:
			ts.tm = translate(-v.Float64()/1000*ts.size*ts.scale, 0).mul(ts.tm)
		}
	}
}

func (w *pageWalker) do(name string, resources pdf.Value, state *graphicsState, depth int) {
	xobj := resources.Key("XObject").Key(name)
	switch xobj.Key("Subtype").Name() {
	case "Image":
		item, ok := w.doc.imageItem(xobj)
		if !ok {
			log.Debug().Int("page", w.page).Str("xobject", name).Msg("dropping image with unsupported encoding")
			return
		}
		top, left := math.Inf(-1), math.Inf(1)
		for _, c := range [][2]float64{{0, 0}, {1, 0}, {0, 1}, {1, 1}} {
			x, y := state.ctm.apply(c[0], c[1])
			top = math.Max(top, y)
			left = math.Min(left, x)
		}
		w.images = append(w.images, placedImage{top: top, left: left, item: item, seq: w.next()})
	case "Form":
		if depth >= w.doc.maxDepth {
			log.Warn().Int("page", w.page).Str("xobject", name).Msg("form nesting too deep")
			return
		}
		saved := *state
		if m := xobj.Key("Matrix"); m.Len() == 6 {
			var fm matrix
			for i := 0; i < 6; i++ {
				fm[i] = m.Index(i).Float64()
			}
			state.ctm = fm.mul(state.ctm)
		}
		formResources := xobj.Key("Resources")
		if formResources.IsNull() {
			formResources = resources
		}
		w.interpret(xobj, formResources, state, depth+1)
		*state = saved
	}
}

type pdfLine struct {
	baseline float64
	size     float64
	frags    []fragment
}

// layout groups text fragments into lines by baseline and orders lines and
// images top to bottom, then left to right.
func (w *pageWalker) layout() []models.ContentItem {
	frags := append([]fragment(nil), w.fragments...)
	sort.SliceStable(frags, func(i, j int) bool { return frags[i].y > frags[j].y })

	var lines []*pdfLine
	for _, f := range frags {
		if len(lines) > 0 {
			cur := lines[len(lines)-1]
			tol := math.Max(math.Max(cur.size, f.size)*0.5, 1)
			if math.Abs(cur.baseline-f.y) <= tol {
				cur.frags = append(cur.frags, f)
				cur.size = math.Max(cur.size, f.size)
				continue
			}
		}
		lines = append(lines, &pdfLine{baseline: f.y, size: f.size, frags: []fragment{f}})
	}

	type placed struct {
		top, left float64
		seq       int
		item      models.ContentItem
	}
	var all []placed
	for _, l := range lines {
		text, left, seq := l.join()
		if strings.TrimSpace(text) == "" {
			continue
		}
		all = append(all, placed{top: l.baseline + l.size, left: left, seq: seq, item: models.TextItem(text)})
	}
	for _, img := range w.images {
		all = append(all, placed{top: img.top, left: img.left, seq: img.seq, item: img.item})
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].top != all[j].top {
			return all[i].top > all[j].top
		}
		if all[i].left != all[j].left {
			return all[i].left < all[j].left
		}
		return all[i].seq < all[j].seq
	})

	items := make([]models.ContentItem, len(all))
	for i, p := range all {
		items[i] = p.item
	}
	return items
}

// join concatenates the fragments of a line left to right, inserting a space
// where the gap between two fragments is wider than a fraction of the font size.
func (l *pdfLine) join() (string, float64, int) {
	sort.SliceStable(l.frags, func(i, j int) bool { return l.frags[i].x < l.frags[j].x })

	var b strings.Builder
	seq := l.frags[0].seq
	for i, f := range l.frags {
		if f.seq < seq {
			seq = f.seq
		}
		if i > 0 {
			prev := l.frags[i-1]
			gap := f.x - prev.endX
			s := b.String()
			if gap > 0.15*math.Max(f.size, 1) && !strings.HasSuffix(s, " ") && !strings.HasPrefix(f.text, " ") {
				b.WriteByte(' ')
			}
		}
		b.WriteString(f.text)
	}
	return strings.TrimSpace(b.String()), l.frags[0].x, seq
}
