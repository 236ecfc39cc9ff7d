package pdf

import (
	"bytes"
	"fmt"
	"image"
	"strings"

	"github.com/adverant/nexus/ocr-client/internal/errors"
	"github.com/gen2brain/go-fitz"
	textpdf "github.com/ledongthuc/pdf"
	"golang.org/x/image/draw"
)

// A4 at 200 DPI.
const (
	DefaultRenderWidth  = 1654
	DefaultRenderHeight = 2339
)

// Document is a loaded PDF: its raw bytes plus the images decoded at load.
type Document struct {
	engine    *Engine
	raw       []byte
	images    []image.Image
	pageCount int
}

// Bytes returns a copy of the document bytes.
func (d *Document) Bytes() []byte {
	out := make([]byte, len(d.raw))
	copy(out, d.raw)
	return out
}

// Images returns the decoded embedded images in page order.
func (d *Document) Images() []image.Image {
	return d.images
}

// PageCount returns the number of pages seen at load.
func (d *Document) PageCount() int {
	return d.pageCount
}

// ExtractImages reopens the document and decodes its embedded images again.
func (d *Document) ExtractImages() ([]image.Image, error) {
	ctx, err := d.engine.open(d.raw)
	if err != nil {
		return nil, err
	}
	return d.engine.extractImages(ctx), nil
}

// Search reports whether needle occurs in the text layer of any page.
// The match is case-sensitive. A document that cannot be reopened yields
// false rather than an error.
func (d *Document) Search(needle string) (found bool) {
	defer func() {
		if r := recover(); r != nil {
			d.engine.logger.Warn("text search aborted", "panic", r)
			found = false
		}
	}()

	r, err := textpdf.NewReader(bytes.NewReader(d.raw), int64(len(d.raw)))
	if err != nil {
		d.engine.logger.Debug("text search: reopen failed", "error", err)
		return false
	}

	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}

		// Font resource names are page-scoped.
		fonts := make(map[string]*textpdf.Font)
		for _, name := range p.Fonts() {
			if _, ok := fonts[name]; !ok {
				f := p.Font(name)
				fonts[name] = &f
			}
		}

		text, err := p.GetPlainText(fonts)
		if err != nil {
			d.engine.logger.Debug("text search: page unreadable", "page", i, "error", err)
			continue
		}
		if strings.Contains(text, needle) {
			return true
		}
	}

	return false
}

// RenderFirstPage rasterizes page one to exactly width x height pixels.
// Passing 0 for both uses DefaultRenderWidth x DefaultRenderHeight. The page
// is rendered as-is; rotation is not corrected.
func (d *Document) RenderFirstPage(width, height int) (image.Image, error) {
	if width == 0 && height == 0 {
		width, height = DefaultRenderWidth, DefaultRenderHeight
	}
	if width <= 0 || height <= 0 {
		return nil, errors.NewRenderFailureError(1, fmt.Errorf("invalid target size %dx%d", width, height))
	}

	doc, err := fitz.NewFromMemory(d.raw)
	if err != nil {
		return nil, errors.NewMalformedPDFError(err)
	}
	defer doc.Close()

	if doc.NumPage() == 0 {
		return nil, errors.NewNoPagesError()
	}

	bounds, err := doc.Bound(0)
	if err != nil {
		return nil, errors.NewRenderFailureError(1, err)
	}
	if bounds.Dx() <= 0 {
		return nil, errors.NewRenderFailureError(1, fmt.Errorf("page has empty bounds %v", bounds))
	}

	// Bound is in points (72 per inch).
	dpi := 72 * float64(width) / float64(bounds.Dx())
	rendered, err := doc.ImageDPI(0, dpi)
	if err != nil {
		return nil, errors.NewRenderFailureError(1, err)
	}

	if rendered.Bounds().Dx() == width && rendered.Bounds().Dy() == height {
		return rendered, nil
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), rendered, rendered.Bounds(), draw.Src, nil)
	return dst, nil
}
