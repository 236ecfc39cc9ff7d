/**
 * PDF <-> OCR orchestration
 *
 * A Document pairs a loaded PDF with the OCR results of its embedded images.
 * Image OCR is resumable: each call only submits images that have not been
 * attempted yet, and an attempted index is never submitted again.
 */

package pipeline

import (
	"context"
	"fmt"
	"image"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/adverant/nexus/ocr-client/internal/document"
	"github.com/adverant/nexus/ocr-client/internal/errors"
	"github.com/adverant/nexus/ocr-client/internal/invoice"
	"github.com/adverant/nexus/ocr-client/internal/logging"
	"github.com/adverant/nexus/ocr-client/internal/pdf"
	"golang.org/x/sync/errgroup"
)

// Source is the PDF side of a Document. *pdf.Document implements it.
type Source interface {
	Images() []image.Image
	Search(needle string) bool
	RenderFirstPage(width, height int) (image.Image, error)
}

// OCR is the remote side. *clients.OCRClient implements it.
type OCR interface {
	SubmitImage(ctx context.Context, img image.Image) (*document.ParsedDocument, error)
	SubmitInvoiceImage(ctx context.Context, img image.Image) (*invoice.Response, error)
}

// FailurePolicy decides what ExtractAllImages does when one image fails.
type FailurePolicy int

const (
	// ContinueOnError records the failure at that index and moves on.
	// The index is never retried.
	ContinueOnError FailurePolicy = iota
	// StopOnError returns at the first failure without recording it, so the
	// next call starts again from the failed index.
	StopOnError
)

func (p FailurePolicy) String() string {
	if p == StopOnError {
		return "stop"
	}
	return "continue"
}

// ParseFailurePolicy accepts "continue" or "stop".
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "continue":
		return ContinueOnError, nil
	case "stop":
		return StopOnError, nil
	}
	return ContinueOnError, fmt.Errorf("unknown failure policy %q", s)
}

// Result is the outcome of OCR for one image: Doc on success, Err otherwise.
type Result struct {
	Doc *document.ParsedDocument
	Err error
}

// Option configures a Document.
type Option func(*Document)

func WithFailurePolicy(p FailurePolicy) Option {
	return func(d *Document) { d.policy = p }
}

// WithConcurrency bounds in-flight image submissions. Results are still
// committed in image order.
func WithConcurrency(n int) Option {
	return func(d *Document) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

// WithRenderSize overrides the first-page render size used for invoices.
func WithRenderSize(width, height int) Option {
	return func(d *Document) {
		d.width, d.height = width, height
	}
}

func WithLogger(l *logging.Logger) Option {
	return func(d *Document) { d.logger = l }
}

// Document is a PDF plus the OCR results of its embedded images.
type Document struct {
	src Source

	// run serializes ExtractAllImages calls; mu guards results only, so
	// readers never wait on network calls.
	run     sync.Mutex
	mu      sync.Mutex
	results []Result

	policy      FailurePolicy
	concurrency int
	width       int
	height      int
	logger      *logging.Logger
}

// New wraps a loaded PDF.
func New(src Source, opts ...Option) *Document {
	d := &Document{
		src:         src,
		policy:      ContinueOnError,
		concurrency: 1,
		width:       pdf.DefaultRenderWidth,
		height:      pdf.DefaultRenderHeight,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = logging.NewLogger("Pipeline")
	}
	return d
}

// Open loads raw with engine and wraps the result.
func Open(engine *pdf.Engine, raw []byte, opts ...Option) (*Document, error) {
	src, err := engine.Load(raw)
	if err != nil {
		return nil, err
	}
	return New(src, opts...), nil
}

// Source returns the underlying PDF.
func (d *Document) Source() Source {
	return d.src
}

// Results returns a copy of the per-image results recorded so far.
func (d *Document) Results() []Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Result(nil), d.results...)
}

// Pending returns how many images have not been attempted.
func (d *Document) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.src.Images()) - len(d.results)
}

// Result returns the OCR outcome for image i. Both return values are nil when
// the image exists but has not been attempted.
func (d *Document) Result(i int) (*document.ParsedDocument, error) {
	n := len(d.src.Images())
	if i < 0 || i >= n {
		return nil, errors.NewIndexOutOfRangeError(i, n)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.results) {
		return nil, nil
	}
	return d.results[i].Doc, d.results[i].Err
}

// ExtractAllImages OCRs every image not attempted yet. Under ContinueOnError
// it returns nil unless ctx ends; under StopOnError it returns the first
// failure. Calling it again with nothing pending is a no-op.
func (d *Document) ExtractAllImages(ctx context.Context, ocr OCR) error {
	d.run.Lock()
	defer d.run.Unlock()

	images := d.src.Images()
	d.mu.Lock()
	start := len(d.results)
	d.mu.Unlock()
	if start >= len(images) {
		return nil
	}

	d.logger.Info("OCR of embedded images started", "from", start, "total", len(images),
		"policy", d.policy, "concurrency", d.concurrency)

	if d.concurrency > 1 && len(images)-start > 1 {
		return d.extractConcurrent(ctx, ocr, images, start)
	}
	return d.extractSequential(ctx, ocr, images, start)
}

func (d *Document) extractSequential(ctx context.Context, ocr OCR, images []image.Image, start int) error {
	for i := start; i < len(images); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		parsed, err := ocr.SubmitImage(ctx, images[i])
		if err := d.commit(ctx, i, parsed, err); err != nil {
			return err
		}
	}
	return nil
}

func (d *Document) extractConcurrent(ctx context.Context, ocr OCR, images []image.Image, start int) error {
	pending := images[start:]
	out := make([]Result, len(pending))
	done := make([]bool, len(pending))

	// Under StopOnError, indices after the lowest failed one are skipped.
	// Earlier ones still run so the prefix before the failure is complete.
	var stopAt atomic.Int64
	stopAt.Store(int64(len(pending)))

	var g errgroup.Group
	g.SetLimit(d.concurrency)

	for j := range pending {
		g.Go(func() error {
			if ctx.Err() != nil || int64(j) > stopAt.Load() {
				return nil
			}
			parsed, err := ocr.SubmitImage(ctx, pending[j])
			out[j] = Result{Doc: parsed, Err: err}
			done[j] = true
			if err != nil && d.policy == StopOnError {
				for {
					cur := stopAt.Load()
					if int64(j) >= cur || stopAt.CompareAndSwap(cur, int64(j)) {
						break
					}
				}
			}
			return nil
		})
	}
	g.Wait()

	// Commit in image order, up to the first gap or stopping failure.
	for j := range pending {
		if !done[j] {
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.policy != StopOnError {
				return nil
			}
			for k := j + 1; k < len(pending); k++ {
				if done[k] && out[k].Err != nil {
					return d.commit(ctx, start+k, nil, out[k].Err)
				}
			}
			return nil
		}
		if err := d.commit(ctx, start+j, out[j].Doc, out[j].Err); err != nil {
			return err
		}
	}
	return nil
}

// commit records the outcome for index i, or returns the error that ends
// the run. Failures caused by ctx ending are not recorded so they can be
// retried.
func (d *Document) commit(ctx context.Context, i int, parsed *document.ParsedDocument, err error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err == nil {
		d.results = append(d.results, Result{Doc: parsed})
		d.logger.Debug("image OCR recorded", "index", i, "texts", len(parsed.Texts))
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	if d.policy == StopOnError {
		d.logger.Warn("image OCR failed, stopping", "index", i, "error", err)
		return fmt.Errorf("image %d: %w", i, err)
	}

	d.logger.Warn("image OCR failed, continuing", "index", i, "error", err, "code", errors.CodeOf(err))
	d.results = append(d.results, Result{Err: err})
	return nil
}

// InvoiceDetails renders the first page, sends it to the invoice endpoint and
// normalizes the answer. Invoice headers are assumed to be on page one.
func (d *Document) InvoiceDetails(ctx context.Context, ocr OCR) (*invoice.Details, error) {
	page, err := d.src.RenderFirstPage(d.width, d.height)
	if err != nil {
		return nil, err
	}
	return ImageInvoiceDetails(ctx, ocr, page)
}

// Contains checks OCR'd text first (case-insensitive), then the PDF's own
// text layer (case-sensitive).
func (d *Document) Contains(needle string) bool {
	d.mu.Lock()
	for _, r := range d.results {
		if r.Doc != nil && r.Doc.ContainsInsensitive(needle) {
			d.mu.Unlock()
			return true
		}
	}
	d.mu.Unlock()

	return d.src.Search(needle)
}

// InvoiceDocument is a PDF that is possibly an invoice.
type InvoiceDocument struct {
	Doc     *Document
	Details *invoice.Details
	Err     error
}

// IntoInvoiceDocument bundles the document with its invoice extraction
// outcome; a failed extraction is kept in Err rather than returned.
func (d *Document) IntoInvoiceDocument(ctx context.Context, ocr OCR) *InvoiceDocument {
	details, err := d.InvoiceDetails(ctx, ocr)
	return &InvoiceDocument{Doc: d, Details: details, Err: err}
}

// OCRImage OCRs a standalone image.
func OCRImage(ctx context.Context, ocr OCR, img image.Image) (*document.ParsedDocument, error) {
	return ocr.SubmitImage(ctx, img)
}

// ImageInvoiceDetails extracts invoice fields from a standalone image.
func ImageInvoiceDetails(ctx context.Context, ocr OCR, img image.Image) (*invoice.Details, error) {
	resp, err := ocr.SubmitInvoiceImage(ctx, img)
	if err != nil {
		return nil, err
	}
	details := invoice.Normalize(*resp)
	return &details, nil
}
