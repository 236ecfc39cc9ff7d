/**
 * PDF Engine
 *
 * Thin layer over the PDF libraries the pipeline needs:
 * - pdfcpu      parse + validate, enumerate embedded image objects
 * - ledongthuc  text layer for full-text search
 * - go-fitz     rasterize a page (MuPDF)
 *
 * A Document keeps only its raw bytes. Library handles are opened per call
 * and closed before the call returns; none are held between calls.
 */

package pdf

import (
	"bytes"
	"fmt"
	"image"
	"sort"
	"sync"

	// Decoders for image objects pdfcpu hands back.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/adverant/nexus/ocr-client/internal/errors"
	"github.com/adverant/nexus/ocr-client/internal/logging"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

var initOnce sync.Once

// Engine loads PDF documents.
type Engine struct {
	logger *logging.Logger
}

// NewEngine returns an Engine. The underlying libraries are initialized once
// per process on first call.
func NewEngine(logger *logging.Logger) *Engine {
	initOnce.Do(func() {
		// pdfcpu otherwise creates a config dir under the user's home.
		api.DisableConfigDir()
	})

	if logger == nil {
		logger = logging.NewLogger("PDFEngine")
	}
	return &Engine{logger: logger}
}

func (e *Engine) configuration() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

// open parses and validates raw. Library panics on hostile input are
// reported as MalformedPDF.
func (e *Engine) open(raw []byte) (ctx *model.Context, err error) {
	defer func() {
		if r := recover(); r != nil {
			ctx = nil
			err = errors.NewMalformedPDFError(fmt.Errorf("pdf parser panic: %v", r))
		}
	}()

	if len(raw) == 0 {
		return nil, errors.NewMalformedPDFError(fmt.Errorf("empty input"))
	}

	ctx, err = api.ReadValidateAndOptimize(bytes.NewReader(raw), e.configuration())
	if err != nil {
		return nil, errors.NewMalformedPDFError(err)
	}
	return ctx, nil
}

// Load parses raw and extracts its embedded images. raw is copied; the
// caller may reuse its buffer.
func (e *Engine) Load(raw []byte) (*Document, error) {
	owned := make([]byte, len(raw))
	copy(owned, raw)

	ctx, err := e.open(owned)
	if err != nil {
		return nil, err
	}

	doc := &Document{
		engine:    e,
		raw:       owned,
		pageCount: ctx.PageCount,
	}
	doc.images = e.extractImages(ctx)

	e.logger.Debug("PDF loaded", "pages", doc.pageCount, "images", len(doc.images), "bytes", len(owned))
	return doc, nil
}

// extractImages walks every page, then every image object on it in object
// number order. Objects whose pixels cannot be decoded are skipped.
func (e *Engine) extractImages(ctx *model.Context) (imgs []image.Image) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("image extraction aborted", "panic", r, "extracted", len(imgs))
		}
	}()

	for pageNr := 1; pageNr <= ctx.PageCount; pageNr++ {
		objects, err := pdfcpu.ExtractPageImages(ctx, pageNr, false)
		if err != nil {
			e.logger.Debug("skipping page images", "page", pageNr, "error", err)
			continue
		}

		objNrs := make([]int, 0, len(objects))
		for objNr := range objects {
			objNrs = append(objNrs, objNr)
		}
		sort.Ints(objNrs)

		for _, objNr := range objNrs {
			obj := objects[objNr]
			if obj.Reader == nil {
				continue
			}
			img, format, err := image.Decode(obj.Reader)
			if err != nil {
				e.logger.Debug("skipping undecodable image", "page", pageNr, "obj", objNr, "type", obj.FileType, "error", err)
				continue
			}
			e.logger.Debug("image extracted", "page", pageNr, "obj", objNr, "format", format,
				"width", img.Bounds().Dx(), "height", img.Bounds().Dy())
			imgs = append(imgs, img)
		}
	}

	return imgs
}
