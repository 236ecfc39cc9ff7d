package storage

import (
	"encoding/json"
	stderrors "errors"
	"strings"
	"testing"
	"time"

	"github.com/adverant/nexus/ocr-client/internal/document"
	"github.com/adverant/nexus/ocr-client/internal/errors"
	"github.com/adverant/nexus/ocr-client/internal/invoice"
	"github.com/lib/pq"
)

func TestSanitizeJSONForPostgres(t *testing.T) {
	raw, _ := json.Marshal(map[string]string{"text": "a\x00b\x01c\td"})

	got := string(sanitizeJSONForPostgres(raw))
	if strings.Contains(got, `\u0000`) || strings.Contains(got, `\u0001`) {
		t.Fatalf("escapes survived: %s", got)
	}

	var decoded map[string]string
	if err := json.Unmarshal([]byte(got), &decoded); err != nil {
		t.Fatalf("sanitized JSON no longer parses: %v", err)
	}
	if decoded["text"] != "ab c\td" {
		t.Errorf("text = %q, want %q", decoded["text"], "ab c\td")
	}
}

func TestSanitizeProgress(t *testing.T) {
	for in, want := range map[int]int{-5: 0, 0: 0, 42: 42, 100: 100, 250: 100} {
		if got := sanitizeProgress(in); got != want {
			t.Errorf("sanitizeProgress(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestNewInvoiceRowParsedFields(t *testing.T) {
	no, vendor := "INV-7", "Golden Waffles"
	details := invoice.Normalize(invoice.Response{
		InvoiceNo: &no,
		Vendor:    &vendor,
		InvDate:   strPtr("03/15/2024"),
		DueDate:   strPtr("04/14/2024"),
		Total:     strPtr("$99.95"),
	})

	row := newInvoiceRow(&details)

	if row.InvoiceNo.String != "INV-7" || !row.InvoiceNo.Valid {
		t.Errorf("InvoiceNo = %+v", row.InvoiceNo)
	}
	if row.AccountNo.Valid {
		t.Error("missing account number should be NULL")
	}
	if !row.InvoiceDate.Valid || row.InvoiceDateRaw.Valid {
		t.Errorf("invoice date = %+v / %+v, want parsed only", row.InvoiceDate, row.InvoiceDateRaw)
	}
	if want := time.Date(2024, 4, 14, 0, 0, 0, 0, time.UTC); !row.DueDate.Time.Equal(want) {
		t.Errorf("DueDate = %v, want %v", row.DueDate.Time, want)
	}
	if !row.Total.Valid || row.Total.Float64 != 99.95 || row.TotalRaw.Valid {
		t.Errorf("total = %+v / %+v", row.Total, row.TotalRaw)
	}
}

func TestNewInvoiceRowRawFields(t *testing.T) {
	details := invoice.Normalize(invoice.Response{
		DueDate: strPtr("upon receipt"),
		Total:   strPtr("see attached"),
	})

	row := newInvoiceRow(&details)

	if row.InvoiceDate.Valid || row.InvoiceDateRaw.String != invoice.NoDateAvailable {
		t.Errorf("invoice date = %+v / %+v", row.InvoiceDate, row.InvoiceDateRaw)
	}
	if row.DueDate.Valid || row.DueDateRaw.String != "upon receipt" {
		t.Errorf("due date = %+v / %+v", row.DueDate, row.DueDateRaw)
	}
	if row.Total.Valid || row.TotalRaw.String != "see attached" {
		t.Errorf("total = %+v / %+v", row.Total, row.TotalRaw)
	}
}

func TestNewImageRow(t *testing.T) {
	ok, err := newImageRow(ImageResult{
		Index: 0,
		Doc:   &document.ParsedDocument{Texts: []document.TextItem{{PageNumber: 1, Text: "nul\x00here"}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	texts, _ := ok.Texts.(string)
	if !strings.Contains(texts, "nulhere") || ok.Error.Valid || ok.ErrorCode.Valid {
		t.Errorf("success row = %+v", ok)
	}

	failed, err := newImageRow(ImageResult{Index: 2, Err: errors.NewTransportError("http://ocr", stderrors.New("refused"))})
	if err != nil {
		t.Fatal(err)
	}
	if failed.Texts != nil {
		t.Error("failed image should have NULL texts")
	}
	if failed.ErrorCode.String != string(errors.ErrorTransport) || !strings.Contains(failed.Error.String, "refused") {
		t.Errorf("failed row = %+v", failed)
	}

	plain, _ := newImageRow(ImageResult{Index: 3, Err: stderrors.New("odd")})
	if plain.ErrorCode.Valid {
		t.Error("uncoded error should leave error_code NULL")
	}
}

func TestDescribePQError(t *testing.T) {
	fk := &pq.Error{Code: "23503", Constraint: "image_results_job_id_fkey"}
	got := describePQError(fk)
	if !strings.Contains(got.Error(), "job row missing") || !strings.Contains(got.Error(), "image_results_job_id_fkey") {
		t.Errorf("foreign key error = %v", got)
	}

	var pqErr *pq.Error
	if !stderrors.As(got, &pqErr) {
		t.Error("pq.Error should stay reachable")
	}

	plain := stderrors.New("connection reset")
	if describePQError(plain) != plain {
		t.Error("non-pq errors should pass through")
	}
}

func strPtr(s string) *string { return &s }
