/**
 * Error types for the OCR client pipeline
 *
 * Every failure that leaves a package is an *OCRError carrying one ErrorCode,
 * so callers can branch on the kind of failure (retry Transport, do not retry
 * RemoteRejected or MalformedPDF without changing the input).
 */

package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// PDF errors
	ErrorMalformedPDF  ErrorCode = "MALFORMED_PDF"
	ErrorNoPages       ErrorCode = "NO_PAGES"
	ErrorRenderFailure ErrorCode = "RENDER_FAILURE"
	ErrorImageEncode   ErrorCode = "IMAGE_ENCODE"

	// Remote OCR errors
	ErrorInvalidEndpoint   ErrorCode = "INVALID_ENDPOINT"
	ErrorTransport         ErrorCode = "TRANSPORT"
	ErrorMalformedResponse ErrorCode = "MALFORMED_RESPONSE"
	ErrorRemoteRejected    ErrorCode = "REMOTE_REJECTED"

	// Orchestration errors
	ErrorIndexOutOfRange ErrorCode = "INDEX_OUT_OF_RANGE"

	// Worker errors
	ErrorProcessingTimeout ErrorCode = "PROCESSING_TIMEOUT"
	ErrorStorageFailed     ErrorCode = "STORAGE_FAILED"
	ErrorUnsupportedFormat ErrorCode = "UNSUPPORTED_FORMAT"
)

// OCRError represents a structured pipeline error
type OCRError struct {
	Code      ErrorCode
	Message   string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *OCRError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *OCRError) Unwrap() error {
	return e.Cause
}

// Is matches any *OCRError with the same code, so a bare sentinel such as
// &OCRError{Code: ErrorTransport} works with errors.Is.
func (e *OCRError) Is(target error) bool {
	t, ok := target.(*OCRError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func newError(code ErrorCode, msg string, cause error, details map[string]interface{}) *OCRError {
	return &OCRError{
		Code:      code,
		Message:   msg,
		Timestamp: time.Now(),
		Details:   details,
		Cause:     cause,
	}
}

// Factory functions for each error kind

func NewMalformedPDFError(cause error) *OCRError {
	return newError(ErrorMalformedPDF, "bytes could not be parsed as a PDF document", cause, nil)
}

func NewNoPagesError() *OCRError {
	return newError(ErrorNoPages, "document has no pages", nil, nil)
}

func NewRenderFailureError(page int, cause error) *OCRError {
	return newError(ErrorRenderFailure, fmt.Sprintf("failed to render page %d", page), cause, map[string]interface{}{
		"page": page,
	})
}

func NewImageEncodeError(format string, cause error) *OCRError {
	return newError(ErrorImageEncode, fmt.Sprintf("failed to encode image as %s", format), cause, map[string]interface{}{
		"format": format,
	})
}

func NewInvalidEndpointError(endpoint string, cause error) *OCRError {
	return newError(ErrorInvalidEndpoint, fmt.Sprintf("invalid OCR endpoint: %q", endpoint), cause, map[string]interface{}{
		"endpoint": endpoint,
	})
}

func NewTransportError(url string, cause error) *OCRError {
	return newError(ErrorTransport, fmt.Sprintf("request to %s failed", url), cause, map[string]interface{}{
		"url": url,
	})
}

func NewMalformedResponseError(url string, status int, cause error) *OCRError {
	return newError(ErrorMalformedResponse, fmt.Sprintf("unexpected response body from %s (HTTP %d)", url, status), cause, map[string]interface{}{
		"url":         url,
		"status_code": status,
	})
}

// NewRemoteRejectedError wraps the server's own error so its message stays
// visible in Error().
func NewRemoteRejectedError(url string, status int, cause error) *OCRError {
	return newError(ErrorRemoteRejected, fmt.Sprintf("server rejected request to %s with HTTP %d", url, status), cause, map[string]interface{}{
		"url":         url,
		"status_code": status,
	})
}

func NewIndexOutOfRangeError(index, length int) *OCRError {
	return newError(ErrorIndexOutOfRange, fmt.Sprintf("image index %d out of range [0,%d)", index, length), nil, map[string]interface{}{
		"index":  index,
		"length": length,
	})
}

func NewProcessingTimeoutError(jobID string, duration time.Duration, cause error) *OCRError {
	return newError(ErrorProcessingTimeout, fmt.Sprintf("processing timed out after %v", duration), cause, map[string]interface{}{
		"job_id":           jobID,
		"timeout_duration": duration.String(),
	})
}

func NewStorageFailedError(jobID string, cause error) *OCRError {
	return newError(ErrorStorageFailed, "failed to store processing results", cause, map[string]interface{}{
		"job_id": jobID,
	})
}

func NewUnsupportedFormatError(mimeType string) *OCRError {
	return newError(ErrorUnsupportedFormat, fmt.Sprintf("unsupported file format: %s", mimeType), nil, map[string]interface{}{
		"mime_type": mimeType,
	})
}

// CodeOf returns the code of the first *OCRError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var oe *OCRError
	if stderrors.As(err, &oe) {
		return oe.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// IsRetryable reports whether retrying the same input can succeed.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case ErrorTransport, ErrorProcessingTimeout, ErrorStorageFailed:
		return true
	}
	return false
}

// ToMap converts error to map for database storage
func (e *OCRError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
