/**
 * Document Processor for the OCR worker
 *
 * Turns one queued file into OCR results:
 * - PDFs: embedded image OCR, then invoice extraction from the first page
 * - Images: OCR of the image itself, then invoice extraction from it
 *
 * OCR is delegated to the remote service through the pipeline package;
 * results are persisted when stores are configured.
 */

package processor

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"net/http"
	"time"

	// Decoders for standalone image jobs.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/adverant/nexus/ocr-client/internal/errors"
	"github.com/adverant/nexus/ocr-client/internal/invoice"
	"github.com/adverant/nexus/ocr-client/internal/logging"
	"github.com/adverant/nexus/ocr-client/internal/pdf"
	"github.com/adverant/nexus/ocr-client/internal/pipeline"
	"github.com/adverant/nexus/ocr-client/internal/storage"
)

// DocumentProcessorInterface defines the interface for document processing
type DocumentProcessorInterface interface {
	ProcessDocument(ctx context.Context, req *ProcessRequest) (*ProcessResult, error)
	UpdateJobStatus(ctx context.Context, jobID string, status string, progress int, metadata map[string]interface{}) error
}

// JobStore tracks job status. *storage.PostgresClient implements it.
type JobStore interface {
	UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) error
}

// ResultStore persists job output. *storage.ResultStore implements it.
type ResultStore interface {
	StoreInvoice(ctx context.Context, jobID string, details *invoice.Details) error
	StoreImageResults(ctx context.Context, jobID string, results []storage.ImageResult) error
}

// ProcessorConfig holds processor configuration
type ProcessorConfig struct {
	OCR    pipeline.OCR
	Engine *pdf.Engine

	// Optional. Without them nothing is persisted.
	Jobs    JobStore
	Results ResultStore

	MaxFileSize    int64
	FailurePolicy  pipeline.FailurePolicy
	OCRConcurrency int
	RenderWidth    int
	RenderHeight   int

	Logger *logging.Logger
}

// DocumentProcessor handles document processing
type DocumentProcessor struct {
	config       *ProcessorConfig
	ocr          pipeline.OCR
	engine       *pdf.Engine
	httpClient   *http.Client
	retryBackoff time.Duration
	logger       *logging.Logger
}

// NewDocumentProcessor creates a new document processor
func NewDocumentProcessor(cfg *ProcessorConfig) (*DocumentProcessor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	if cfg.OCR == nil {
		return nil, fmt.Errorf("OCR backend is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("Processor")
	}

	engine := cfg.Engine
	if engine == nil {
		engine = pdf.NewEngine(logger.With("pdf"))
	}

	return &DocumentProcessor{
		config:       cfg,
		ocr:          cfg.OCR,
		engine:       engine,
		httpClient:   &http.Client{Timeout: 10 * time.Minute},
		retryBackoff: time.Second,
		logger:       logger,
	}, nil
}

// ProcessDocument processes a document through the complete pipeline
func (p *DocumentProcessor) ProcessDocument(ctx context.Context, req *ProcessRequest) (*ProcessResult, error) {
	start := time.Now()

	fileData, err := p.loadFile(ctx, req)
	if err != nil {
		return nil, err
	}

	if p.config.MaxFileSize > 0 && int64(len(fileData)) > p.config.MaxFileSize {
		return nil, fmt.Errorf("file size exceeds maximum: %d > %d bytes", len(fileData), p.config.MaxFileSize)
	}

	mimeType := resolveMimeType(req.MimeType, req.Filename, fileData)
	p.logger.Info("processing document", "jobId", req.JobID, "filename", req.Filename, "mimeType", mimeType, "bytes", len(fileData))

	result := &ProcessResult{JobID: req.JobID, MimeType: mimeType}

	var images []storage.ImageResult
	switch {
	case isPDF(mimeType):
		images, err = p.processPDF(ctx, req, fileData, result)
	case isImage(mimeType):
		images, err = p.processImage(ctx, req, fileData, result)
	default:
		return nil, errors.NewUnsupportedFormatError(mimeType)
	}
	if err != nil {
		return nil, err
	}

	if err := p.persist(ctx, req.JobID, images, result); err != nil {
		return nil, err
	}

	result.ProcessingTimeMs = time.Since(start).Milliseconds()
	p.logger.Info("document processed",
		"jobId", req.JobID,
		"kind", result.Kind,
		"images", result.ImagesFound,
		"recognized", result.ImagesRecognized,
		"failed", result.ImagesFailed,
		"invoice", result.Invoice != nil,
		"ms", result.ProcessingTimeMs)

	return result, nil
}

func (p *DocumentProcessor) pipelineOptions() []pipeline.Option {
	opts := []pipeline.Option{
		pipeline.WithFailurePolicy(p.config.FailurePolicy),
		pipeline.WithLogger(p.logger.With("pipeline")),
	}
	if p.config.OCRConcurrency > 1 {
		opts = append(opts, pipeline.WithConcurrency(p.config.OCRConcurrency))
	}
	if p.config.RenderWidth > 0 && p.config.RenderHeight > 0 {
		opts = append(opts, pipeline.WithRenderSize(p.config.RenderWidth, p.config.RenderHeight))
	}
	return opts
}

func (p *DocumentProcessor) processPDF(ctx context.Context, req *ProcessRequest, data []byte, result *ProcessResult) ([]storage.ImageResult, error) {
	src, err := p.engine.Load(data)
	if err != nil {
		return nil, err
	}

	result.Kind = KindPDF
	result.PageCount = src.PageCount()
	result.ImagesFound = len(src.Images())
	p.reportProgress(ctx, req.JobID, 20)

	doc := pipeline.New(src, p.pipelineOptions()...)
	if err := doc.ExtractAllImages(ctx, p.ocr); err != nil {
		return nil, err
	}

	images := make([]storage.ImageResult, 0, result.ImagesFound)
	for i, r := range doc.Results() {
		images = append(images, storage.ImageResult{Index: i, Doc: r.Doc, Err: r.Err})
	}
	tally(images, result)
	p.reportProgress(ctx, req.JobID, 70)

	inv := doc.IntoInvoiceDocument(ctx, p.ocr)
	if err := p.applyInvoice(ctx, req.JobID, inv.Details, inv.Err, result); err != nil {
		return nil, err
	}
	p.reportProgress(ctx, req.JobID, 90)

	return images, nil
}

func (p *DocumentProcessor) processImage(ctx context.Context, req *ProcessRequest, data []byte, result *ProcessResult) ([]storage.ImageResult, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.NewUnsupportedFormatError(result.MimeType), err)
	}

	result.Kind = KindImage
	result.ImagesFound = 1
	p.reportProgress(ctx, req.JobID, 20)

	parsed, err := pipeline.OCRImage(ctx, p.ocr, img)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if p.config.FailurePolicy == pipeline.StopOnError {
			return nil, err
		}
		p.logger.Warn("image OCR failed", "jobId", req.JobID, "error", err)
	}

	images := []storage.ImageResult{{Index: 0, Doc: parsed, Err: err}}
	tally(images, result)
	p.reportProgress(ctx, req.JobID, 70)

	details, invErr := pipeline.ImageInvoiceDetails(ctx, p.ocr, img)
	if err := p.applyInvoice(ctx, req.JobID, details, invErr, result); err != nil {
		return nil, err
	}
	p.reportProgress(ctx, req.JobID, 90)

	return images, nil
}

// applyInvoice records the invoice outcome. A failed extraction only fails
// the job when nothing else was recognized either.
func (p *DocumentProcessor) applyInvoice(ctx context.Context, jobID string, details *invoice.Details, err error, result *ProcessResult) error {
	if err == nil {
		result.Invoice = details
		return nil
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	if result.ImagesRecognized == 0 {
		return fmt.Errorf("nothing extracted: %w", err)
	}

	p.logger.Warn("invoice extraction failed", "jobId", jobID, "error", err, "code", errors.CodeOf(err))
	result.InvoiceError = err.Error()
	return nil
}

func tally(images []storage.ImageResult, result *ProcessResult) {
	for _, r := range images {
		if r.Doc != nil {
			result.ImagesRecognized++
		} else if r.Err != nil {
			result.ImagesFailed++
		}
	}
}

func (p *DocumentProcessor) persist(ctx context.Context, jobID string, images []storage.ImageResult, result *ProcessResult) error {
	if p.config.Results == nil {
		return nil
	}

	if err := p.config.Results.StoreImageResults(ctx, jobID, images); err != nil {
		return err
	}
	if result.Invoice != nil {
		if err := p.config.Results.StoreInvoice(ctx, jobID, result.Invoice); err != nil {
			return err
		}
	}

	result.Persisted = true
	return nil
}

func (p *DocumentProcessor) reportProgress(ctx context.Context, jobID string, progress int) {
	if err := p.UpdateJobStatus(ctx, jobID, storage.StatusProcessing, progress, nil); err != nil {
		p.logger.Debug("progress update failed", "jobId", jobID, "progress", progress, "error", err)
	}
}

// UpdateJobStatus updates job status in database. Known metadata keys are
// lifted into their own columns; the rest is stored as JSON.
func (p *DocumentProcessor) UpdateJobStatus(ctx context.Context, jobID string, status string, progress int, metadata map[string]interface{}) error {
	if p.config.Jobs == nil {
		return nil
	}

	update := &storage.JobUpdate{
		JobID:    jobID,
		Status:   status,
		Progress: progress,
		Metadata: metadata,
	}

	if metadata != nil {
		if v, ok := metadata["filename"].(string); ok {
			update.Filename = v
		}
		if v, ok := metadata["mimeType"].(string); ok {
			update.MimeType = v
		}
		switch v := metadata["fileSize"].(type) {
		case int64:
			update.FileSize = v
		case int:
			update.FileSize = int64(v)
		case float64:
			update.FileSize = int64(v)
		}
		if v, ok := metadata["processingTime"].(int64); ok {
			update.ProcessingTimeMs = v
		}
		if v, ok := metadata["error"].(string); ok {
			update.ErrorCode = "PROCESSING_ERROR"
			update.ErrorMessage = v
		}
		if v, ok := metadata["code"].(errors.ErrorCode); ok {
			update.ErrorCode = string(v)
		} else if v, ok := metadata["code"].(string); ok && v != "" {
			update.ErrorCode = v
		}
	}

	return p.config.Jobs.UpdateJobStatus(ctx, update)
}

// loadFile loads file from URL or buffer
func (p *DocumentProcessor) loadFile(ctx context.Context, req *ProcessRequest) ([]byte, error) {
	if len(req.FileBuffer) > 0 {
		return req.FileBuffer, nil
	}

	if req.FileURL != "" {
		p.logger.Info("downloading file", "jobId", req.JobID, "url", req.FileURL)
		return p.downloadFileFromURL(ctx, req.FileURL)
	}

	return nil, fmt.Errorf("no file source provided (buffer or URL)")
}

// downloadFileFromURL fetches fileURL, retrying transport failures and 5xx/429
// answers with exponential backoff.
func (p *DocumentProcessor) downloadFileFromURL(ctx context.Context, fileURL string) ([]byte, error) {
	const (
		maxRetries = 5
		maxBackoff = 32 * time.Second
	)

	var (
		lastErr   error
		retryable bool
	)
	backoff := p.retryBackoff

	for attempt := 1; attempt <= maxRetries; attempt++ {
		data, retry, err := p.download(ctx, fileURL)
		if err == nil {
			return data, nil
		}
		lastErr, retryable = err, retry
		p.logger.Warn("download attempt failed", "url", fileURL, "attempt", attempt, "error", err)

		if !retry || attempt == maxRetries {
			break
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	if !retryable {
		return nil, fmt.Errorf("failed to download file: %w", lastErr)
	}
	return nil, errors.NewTransportError(fileURL, lastErr)
}

func (p *DocumentProcessor) download(ctx context.Context, fileURL string) (data []byte, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, false, err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		retry := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, retry, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	limit := p.config.MaxFileSize
	if limit <= 0 {
		limit = 1 << 30
	}
	if resp.ContentLength > limit {
		return nil, false, fmt.Errorf("file size exceeds maximum: %d > %d bytes", resp.ContentLength, limit)
	}

	data, err = io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, true, err
	}
	if int64(len(data)) > limit {
		return nil, false, fmt.Errorf("file size exceeds maximum: more than %d bytes", limit)
	}
	return data, false, nil
}
