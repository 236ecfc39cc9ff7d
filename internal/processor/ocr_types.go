/**
 * Processor request and result types
 */

package processor

import (
	"github.com/adverant/nexus/ocr-client/internal/invoice"
)

// Document kinds a job can resolve to.
const (
	KindPDF   = "pdf"
	KindImage = "image"
)

// ProcessRequest represents a document processing request
type ProcessRequest struct {
	JobID      string
	Filename   string
	MimeType   string
	FileSize   int64
	FileURL    string
	FileBuffer []byte
	Metadata   map[string]interface{}
}

// ProcessResult summarizes what a job produced.
type ProcessResult struct {
	JobID            string           `json:"jobId"`
	Kind             string           `json:"kind"`
	MimeType         string           `json:"mimeType"`
	PageCount        int              `json:"pageCount,omitempty"`
	ImagesFound      int              `json:"imagesFound"`
	ImagesRecognized int              `json:"imagesRecognized"`
	ImagesFailed     int              `json:"imagesFailed"`
	Invoice          *invoice.Details `json:"invoice,omitempty"`
	InvoiceError     string           `json:"invoiceError,omitempty"`
	Persisted        bool             `json:"persisted"`
	ProcessingTimeMs int64            `json:"processingTimeMs"`
}

// Metadata flattens the summary for the job row.
func (r *ProcessResult) Metadata() map[string]interface{} {
	m := map[string]interface{}{
		"kind":             r.Kind,
		"mimeType":         r.MimeType,
		"imagesFound":      r.ImagesFound,
		"imagesRecognized": r.ImagesRecognized,
		"imagesFailed":     r.ImagesFailed,
		"invoiceExtracted": r.Invoice != nil,
	}
	if r.PageCount > 0 {
		m["pageCount"] = r.PageCount
	}
	if r.InvoiceError != "" {
		m["invoiceError"] = r.InvoiceError
	}
	return m
}
