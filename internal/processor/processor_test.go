package processor

import (
	"bytes"
	"context"
	stderrors "errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/adverant/nexus/ocr-client/internal/document"
	"github.com/adverant/nexus/ocr-client/internal/errors"
	"github.com/adverant/nexus/ocr-client/internal/invoice"
	"github.com/adverant/nexus/ocr-client/internal/logging"
	"github.com/adverant/nexus/ocr-client/internal/pdf/pdftest"
	"github.com/adverant/nexus/ocr-client/internal/pipeline"
	"github.com/adverant/nexus/ocr-client/internal/storage"
)

type fakeOCR struct {
	failImages  bool
	failInvoice bool
	images      atomic.Int32
}

func (o *fakeOCR) SubmitImage(ctx context.Context, img image.Image) (*document.ParsedDocument, error) {
	o.images.Add(1)
	if o.failImages {
		return nil, errors.NewTransportError("http://ocr.test/ocr", stderrors.New("connection refused"))
	}
	return &document.ParsedDocument{Texts: []document.TextItem{{PageNumber: 1, Text: "recognized"}}}, nil
}

func (o *fakeOCR) SubmitInvoiceImage(ctx context.Context, img image.Image) (*invoice.Response, error) {
	if o.failInvoice {
		return nil, errors.NewTransportError("http://ocr.test/ocr/invoice", stderrors.New("connection refused"))
	}
	no, total := "INV-100", "$250.00"
	return &invoice.Response{InvoiceNo: &no, Total: &total}, nil
}

type fakeJobs struct {
	mu      sync.Mutex
	updates []storage.JobUpdate
}

func (j *fakeJobs) UpdateJobStatus(ctx context.Context, u *storage.JobUpdate) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.updates = append(j.updates, *u)
	return nil
}

type fakeResults struct {
	invoices map[string]*invoice.Details
	images   map[string][]storage.ImageResult
	err      error
}

func newFakeResults() *fakeResults {
	return &fakeResults{invoices: map[string]*invoice.Details{}, images: map[string][]storage.ImageResult{}}
}

func (r *fakeResults) StoreInvoice(ctx context.Context, jobID string, d *invoice.Details) error {
	if r.err != nil {
		return r.err
	}
	r.invoices[jobID] = d
	return nil
}

func (r *fakeResults) StoreImageResults(ctx context.Context, jobID string, results []storage.ImageResult) error {
	if r.err != nil {
		return r.err
	}
	r.images[jobID] = results
	return nil
}

func newTestProcessor(t *testing.T, cfg ProcessorConfig) *DocumentProcessor {
	t.Helper()
	cfg.Logger = logging.Nop()
	if cfg.RenderWidth == 0 {
		cfg.RenderWidth, cfg.RenderHeight = 200, 300
	}
	p, err := NewDocumentProcessor(&cfg)
	if err != nil {
		t.Fatal(err)
	}
	p.retryBackoff = 0
	return p
}

func pngBytes() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 12, 12))
	img.Set(3, 3, color.Black)
	var buf bytes.Buffer
	png.Encode(&buf, img)
	return buf.Bytes()
}

func invoicePDF() []byte {
	return pdftest.Build(
		pdftest.Page{Text: "Invoice INV-100", Images: [][]byte{pdftest.JPEG(16, 16)}},
		pdftest.Page{Images: [][]byte{pdftest.JPEG(24, 8)}},
	)
}

func TestNewDocumentProcessorRequiresOCR(t *testing.T) {
	if _, err := NewDocumentProcessor(nil); err == nil {
		t.Error("nil config should fail")
	}
	if _, err := NewDocumentProcessor(&ProcessorConfig{}); err == nil {
		t.Error("missing OCR backend should fail")
	}
}

func TestProcessPDF(t *testing.T) {
	ocr := &fakeOCR{}
	jobs, results := &fakeJobs{}, newFakeResults()
	p := newTestProcessor(t, ProcessorConfig{OCR: ocr, Jobs: jobs, Results: results})

	res, err := p.ProcessDocument(context.Background(), &ProcessRequest{
		JobID:      "job-1",
		Filename:   "invoice.bin",
		MimeType:   "application/octet-stream",
		FileBuffer: invoicePDF(),
	})
	if err != nil {
		t.Fatalf("ProcessDocument: %v", err)
	}

	if res.Kind != KindPDF || res.MimeType != "application/pdf" || res.PageCount != 2 {
		t.Errorf("result = %+v", res)
	}
	if res.ImagesFound != 2 || res.ImagesRecognized != 2 || res.ImagesFailed != 0 {
		t.Errorf("image counts = %d/%d/%d", res.ImagesFound, res.ImagesRecognized, res.ImagesFailed)
	}
	if res.Invoice == nil || *res.Invoice.InvoiceNo != "INV-100" {
		t.Fatalf("invoice = %+v", res.Invoice)
	}
	if !res.Persisted || results.invoices["job-1"] == nil || len(results.images["job-1"]) != 2 {
		t.Error("results were not persisted")
	}
	if len(jobs.updates) == 0 || jobs.updates[0].Status != storage.StatusProcessing {
		t.Errorf("progress updates = %+v", jobs.updates)
	}
}

func TestProcessPDFKeepsGoingWhenImagesFail(t *testing.T) {
	ocr := &fakeOCR{failImages: true}
	p := newTestProcessor(t, ProcessorConfig{OCR: ocr})

	res, err := p.ProcessDocument(context.Background(), &ProcessRequest{JobID: "job-2", FileBuffer: invoicePDF()})
	if err != nil {
		t.Fatalf("ProcessDocument: %v", err)
	}
	if res.ImagesFailed != 2 || res.ImagesRecognized != 0 {
		t.Errorf("image counts = %d recognized, %d failed", res.ImagesRecognized, res.ImagesFailed)
	}
	if res.Invoice == nil {
		t.Error("invoice should still be extracted")
	}
	if res.Persisted {
		t.Error("nothing should be persisted without stores")
	}
}

func TestProcessPDFStopPolicyFailsJob(t *testing.T) {
	p := newTestProcessor(t, ProcessorConfig{OCR: &fakeOCR{failImages: true}, FailurePolicy: pipeline.StopOnError})

	_, err := p.ProcessDocument(context.Background(), &ProcessRequest{JobID: "job-3", FileBuffer: invoicePDF()})
	if !errors.HasCode(err, errors.ErrorTransport) {
		t.Fatalf("err = %v, want TRANSPORT", err)
	}
	if !errors.IsRetryable(err) {
		t.Error("transport failure should be retryable")
	}
}

func TestProcessNothingExtractedFails(t *testing.T) {
	p := newTestProcessor(t, ProcessorConfig{OCR: &fakeOCR{failImages: true, failInvoice: true}})

	_, err := p.ProcessDocument(context.Background(), &ProcessRequest{JobID: "job-4", FileBuffer: invoicePDF()})
	if !errors.HasCode(err, errors.ErrorTransport) {
		t.Fatalf("err = %v, want TRANSPORT", err)
	}
}

func TestProcessInvoiceFailureIsRecorded(t *testing.T) {
	p := newTestProcessor(t, ProcessorConfig{OCR: &fakeOCR{failInvoice: true}})

	res, err := p.ProcessDocument(context.Background(), &ProcessRequest{JobID: "job-5", FileBuffer: invoicePDF()})
	if err != nil {
		t.Fatalf("ProcessDocument: %v", err)
	}
	if res.Invoice != nil || res.InvoiceError == "" {
		t.Errorf("invoice = %+v, error = %q", res.Invoice, res.InvoiceError)
	}
	if res.Metadata()["invoiceError"] == nil {
		t.Error("metadata should carry the invoice error")
	}
}

func TestProcessImage(t *testing.T) {
	ocr := &fakeOCR{}
	results := newFakeResults()
	p := newTestProcessor(t, ProcessorConfig{OCR: ocr, Results: results})

	res, err := p.ProcessDocument(context.Background(), &ProcessRequest{JobID: "job-6", Filename: "scan.png", FileBuffer: pngBytes()})
	if err != nil {
		t.Fatalf("ProcessDocument: %v", err)
	}
	if res.Kind != KindImage || res.ImagesRecognized != 1 || res.Invoice == nil {
		t.Errorf("result = %+v", res)
	}
	if total, ok := res.Invoice.Total.Get(); !ok || total != 250 {
		t.Errorf("total = %v, %v", total, ok)
	}
	if ocr.images.Load() != 1 {
		t.Errorf("OCR saw %d images, want 1", ocr.images.Load())
	}
	if len(results.images["job-6"]) != 1 {
		t.Error("image result not persisted")
	}
}

func TestProcessRejectsUnsupported(t *testing.T) {
	p := newTestProcessor(t, ProcessorConfig{OCR: &fakeOCR{}})

	_, err := p.ProcessDocument(context.Background(), &ProcessRequest{JobID: "job-7", Filename: "notes.txt", FileBuffer: []byte("plain text notes")})
	if !errors.HasCode(err, errors.ErrorUnsupportedFormat) {
		t.Fatalf("err = %v, want UNSUPPORTED_FORMAT", err)
	}

	_, err = p.ProcessDocument(context.Background(), &ProcessRequest{JobID: "job-8", MimeType: "image/png", FileBuffer: []byte("not really a png")})
	if !errors.HasCode(err, errors.ErrorUnsupportedFormat) {
		t.Fatalf("err = %v, want UNSUPPORTED_FORMAT", err)
	}
}

func TestProcessRejectsOversizedFile(t *testing.T) {
	p := newTestProcessor(t, ProcessorConfig{OCR: &fakeOCR{}, MaxFileSize: 10})

	if _, err := p.ProcessDocument(context.Background(), &ProcessRequest{JobID: "job-9", FileBuffer: invoicePDF()}); err == nil {
		t.Fatal("expected size error")
	}
}

func TestProcessStorageFailure(t *testing.T) {
	results := newFakeResults()
	results.err = errors.NewStorageFailedError("job-10", stderrors.New("db down"))
	p := newTestProcessor(t, ProcessorConfig{OCR: &fakeOCR{}, Results: results})

	_, err := p.ProcessDocument(context.Background(), &ProcessRequest{JobID: "job-10", FileBuffer: pngBytes()})
	if !errors.HasCode(err, errors.ErrorStorageFailed) {
		t.Fatalf("err = %v, want STORAGE_FAILED", err)
	}
}

func TestProcessDownloadsFromURL(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write(pngBytes())
	}))
	defer srv.Close()

	p := newTestProcessor(t, ProcessorConfig{OCR: &fakeOCR{}})
	res, err := p.ProcessDocument(context.Background(), &ProcessRequest{JobID: "job-11", FileURL: srv.URL + "/scan"})
	if err != nil {
		t.Fatalf("ProcessDocument: %v", err)
	}
	if res.Kind != KindImage || hits.Load() != 2 {
		t.Errorf("kind = %s after %d requests", res.Kind, hits.Load())
	}
}

func TestProcessDownloadNotFoundIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	p := newTestProcessor(t, ProcessorConfig{OCR: &fakeOCR{}})
	_, err := p.ProcessDocument(context.Background(), &ProcessRequest{JobID: "job-12", FileURL: srv.URL})
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.IsRetryable(err) {
		t.Error("404 should not be retryable")
	}
	if hits.Load() != 1 {
		t.Errorf("server hit %d times, want 1", hits.Load())
	}
}

func TestProcessRequiresSource(t *testing.T) {
	p := newTestProcessor(t, ProcessorConfig{OCR: &fakeOCR{}})
	if _, err := p.ProcessDocument(context.Background(), &ProcessRequest{JobID: "job-13"}); err == nil {
		t.Fatal("expected error without buffer or URL")
	}
}

func TestUpdateJobStatusLiftsMetadata(t *testing.T) {
	jobs := &fakeJobs{}
	p := newTestProcessor(t, ProcessorConfig{OCR: &fakeOCR{}, Jobs: jobs})

	err := p.UpdateJobStatus(context.Background(), "job-14", storage.StatusFailed, 100, map[string]interface{}{
		"filename":       "a.pdf",
		"fileSize":       float64(2048),
		"processingTime": int64(1500),
		"error":          "boom",
		"code":           errors.ErrorTransport,
	})
	if err != nil {
		t.Fatal(err)
	}

	u := jobs.updates[0]
	if u.Filename != "a.pdf" || u.FileSize != 2048 || u.ProcessingTimeMs != 1500 {
		t.Errorf("update = %+v", u)
	}
	if u.ErrorMessage != "boom" || u.ErrorCode != string(errors.ErrorTransport) {
		t.Errorf("error fields = %q / %q", u.ErrorCode, u.ErrorMessage)
	}
}

func TestUpdateJobStatusWithoutStore(t *testing.T) {
	p := newTestProcessor(t, ProcessorConfig{OCR: &fakeOCR{}})
	if err := p.UpdateJobStatus(context.Background(), "job-15", storage.StatusCompleted, 100, nil); err != nil {
		t.Errorf("err = %v, want nil", err)
	}
}

func TestResolveMimeType(t *testing.T) {
	tests := []struct {
		declared, filename string
		data               []byte
		want               string
	}{
		{"application/pdf", "", nil, "application/pdf"},
		{"Image/PNG; charset=binary", "", nil, "image/png"},
		{"application/octet-stream", "x", []byte("%PDF-1.4 ..."), "application/pdf"},
		{"", "", []byte{0xFF, 0xD8, 0xFF, 0xE0}, "image/jpeg"},
		{"", "", []byte("GIF89a...."), "image/gif"},
		{"", "", []byte("RIFF\x00\x00\x00\x00WEBPVP8 "), "image/webp"},
		{"", "", []byte{0x49, 0x49, 0x2A, 0x00}, "image/tiff"},
		{"", "scan.TIFF", []byte("????"), "image/tiff"},
		{"", "notes.txt", []byte("hello"), ""},
	}

	for _, tt := range tests {
		if got := resolveMimeType(tt.declared, tt.filename, tt.data); got != tt.want {
			t.Errorf("resolveMimeType(%q, %q) = %q, want %q", tt.declared, tt.filename, got, tt.want)
		}
	}
}
