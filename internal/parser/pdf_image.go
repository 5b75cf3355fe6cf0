package parser

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"strconv"
	"strings"

	"github.com/noobcakes33/pdf-parsing-gen-ai/internal/models"

	"github.com/ledongthuc/pdf"
)

var errUnsupportedImage = errors.New("unsupported image encoding")

// imageItem converts an image XObject to bytes an analyzer can read. JPEG and
// JPEG 2000 streams are passed through, 8-bit sample data is re-encoded as PNG.
func (d *pdfDocument) imageItem(xobj pdf.Value) (models.ContentItem, bool) {
	if xobj.Key("ImageMask").Bool() {
		return models.ContentItem{}, false
	}

	filters := streamFilters(xobj)
	switch {
	case len(filters) == 1 && filters[0] == "DCTDecode":
		raw, ok := d.rawStream(xobj)
		return models.ImageItem(raw, "jpeg"), ok
	case len(filters) == 1 && filters[0] == "JPXDecode":
		raw, ok := d.rawStream(xobj)
		return models.ImageItem(raw, "jpx"), ok
	case len(filters) == 0 || len(filters) == 1 && filters[0] == "FlateDecode":
		samples, err := readStream(xobj)
		if err != nil {
			return models.ContentItem{}, false
		}
		encoded, err := samplesToPNG(xobj, samples)
		if err != nil {
			return models.ContentItem{}, false
		}
		return models.ImageItem(encoded, "png"), true
	}
	return models.ContentItem{}, false
}

func streamFilters(v pdf.Value) []string {
	f := v.Key("Filter")
	switch f.Kind() {
	case pdf.Name:
		return []string{f.Name()}
	case pdf.Array:
		out := make([]string, 0, f.Len())
		for i := 0; i < f.Len(); i++ {
			out = append(out, f.Index(i).Name())
		}
		return out
	}
	return nil
}

// rawStream returns the undecoded bytes of a stream. The pdf package only
// decodes Flate and ASCII85, so pass-through formats are sliced from the file
// at the data offset the package reports in the stream's String form.
func (d *pdfDocument) rawStream(v pdf.Value) ([]byte, bool) {
	if d.encrypted {
		return nil, false
	}
	s := v.String()
	at := strings.LastIndex(s, "@")
	if at < 0 {
		return nil, false
	}
	offset, err := strconv.ParseInt(s[at+1:], 10, 64)
	if err != nil {
		return nil, false
	}
	length := v.Key("Length").Int64()
	if offset < 0 || length <= 0 || offset+length > int64(len(d.raw)) {
		return nil, false
	}
	out := make([]byte, length)
	copy(out, d.raw[offset:offset+length])
	return out, true
}

func readStream(v pdf.Value) (data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("failed to decode stream: %v", r)
		}
	}()
	rc := v.Reader()
	defer rc.Close()
	return io.ReadAll(rc)
}

func colorComponents(cs pdf.Value) int {
	switch cs.Kind() {
	case pdf.Name:
		switch cs.Name() {
		case "DeviceGray", "CalGray":
			return 1
		case "DeviceRGB", "CalRGB":
			return 3
		case "DeviceCMYK":
			return 4
		}
	case pdf.Array:
		switch cs.Index(0).Name() {
		case "ICCBased":
			return int(cs.Index(1).Key("N").Int64())
		case "CalGray":
			return 1
		case "CalRGB":
			return 3
		}
	}
	return 0
}

func samplesToPNG(xobj pdf.Value, samples []byte) ([]byte, error) {
	width := int(xobj.Key("Width").Int64())
	height := int(xobj.Key("Height").Int64())
	if width <= 0 || height <= 0 || xobj.Key("BitsPerComponent").Int64() != 8 {
		return nil, errUnsupportedImage
	}
	components := colorComponents(xobj.Key("ColorSpace"))
	need := width * height * components
	if components == 0 || len(samples) < need {
		return nil, errUnsupportedImage
	}

	rect := image.Rect(0, 0, width, height)
	var img image.Image
	switch components {
	case 1:
		g := image.NewGray(rect)
		copy(g.Pix, samples[:need])
		img = g
	case 3:
		rgba := image.NewRGBA(rect)
		for i := 0; i < width*height; i++ {
			rgba.Pix[i*4] = samples[i*3]
			rgba.Pix[i*4+1] = samples[i*3+1]
			rgba.Pix[i*4+2] = samples[i*3+2]
			rgba.Pix[i*4+3] = 0xff
		}
		img = rgba
	case 4:
		cmyk := image.NewCMYK(rect)
		copy(cmyk.Pix, samples[:need])
		img = cmyk
	default:
		return nil, errUnsupportedImage
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
