package errors

import (
	stderrors "errors"
	"fmt"
	"io"
	"testing"
	"time"
)

func TestCodeOfWrapped(t *testing.T) {
	base := NewTransportError("http://localhost/ocr/doc", io.ErrUnexpectedEOF)
	wrapped := fmt.Errorf("image 2: %w", base)

	if got := CodeOf(wrapped); got != ErrorTransport {
		t.Fatalf("CodeOf = %q, want %q", got, ErrorTransport)
	}
	if !stderrors.Is(wrapped, io.ErrUnexpectedEOF) {
		t.Error("cause not reachable through Unwrap")
	}
	if !stderrors.Is(wrapped, &OCRError{Code: ErrorTransport}) {
		t.Error("errors.Is should match on code")
	}
	if stderrors.Is(wrapped, &OCRError{Code: ErrorRemoteRejected}) {
		t.Error("errors.Is matched a different code")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{NewTransportError("u", nil), true},
		{NewProcessingTimeoutError("job", time.Second, nil), true},
		{NewRemoteRejectedError("u", 429, nil), false},
		{NewMalformedPDFError(nil), false},
		{NewMalformedResponseError("u", 200, nil), false},
		{stderrors.New("plain"), false},
		{nil, false},
	}

	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestToMap(t *testing.T) {
	err := NewIndexOutOfRangeError(4, 3)
	m := err.ToMap()

	if m["error_code"] != string(ErrorIndexOutOfRange) {
		t.Errorf("error_code = %v", m["error_code"])
	}
	if m["index"] != 4 || m["length"] != 3 {
		t.Errorf("details not flattened: %v", m)
	}
	if _, ok := m["cause"]; ok {
		t.Error("cause present without a cause")
	}
}
