package invoice

import (
	"encoding/json"
	"testing"
	"time"
)

func ptr(s string) *string { return &s }

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in      string
		want    float64
		wantRaw bool
	}{
		{in: "**Total Amount:** $28,496.68", want: 28496.68},
		{in: "1,200", want: 1200},
		{in: " 42.5 USD ", want: 42.5},
		{in: "See attached statement", wantRaw: true},
		{in: "v1.2.3", wantRaw: true},
	}

	for _, tt := range tests {
		v := ParseAmount(tt.in)
		got, ok := v.Get()
		if tt.wantRaw {
			if ok || v.RawText() != tt.in {
				t.Errorf("ParseAmount(%q) = %v/%q, want raw original", tt.in, got, v.RawText())
			}
			continue
		}
		if !ok || got != tt.want {
			t.Errorf("ParseAmount(%q) = %v (parsed=%v), want %v", tt.in, got, ok, tt.want)
		}
	}
}

func TestParseDateFirstTokenWins(t *testing.T) {
	v := ParseDate("Issued 01/15/2024, reissued 02/20/2024")
	got, ok := v.Get()
	if !ok || !got.Equal(date(2024, time.January, 15)) {
		t.Errorf("got %v (parsed=%v), want 2024-01-15", got, ok)
	}
}

func TestParseDateTrailingPunctuation(t *testing.T) {
	v := ParseDate(`**Due Date:** Not explicitly stated, but based on the payment terms "Net 30," the due date is approximately 02/05/2024.`)
	got, ok := v.Get()
	if !ok || !got.Equal(date(2024, time.February, 5)) {
		t.Errorf("got %v (parsed=%v), want 2024-02-05", got, ok)
	}
}

func TestParseDateRejectsImpossibleDates(t *testing.T) {
	for _, in := range []string{"02/30/2024", "13/01/2024", "2024-01-15", "(01/15/2024)", "01/15/20245"} {
		if v := ParseDate(in); v.IsParsed() || v.RawText() != in {
			t.Errorf("ParseDate(%q) parsed, want raw", in)
		}
	}
}

func TestNormalizeAbsentFields(t *testing.T) {
	d := Normalize(Response{})

	if d.InvoiceDate.RawText() != NoDateAvailable || d.InvoiceDate.IsParsed() {
		t.Errorf("InvoiceDate = %+v", d.InvoiceDate)
	}
	if d.DueDate.RawText() != NoDateAvailable || d.DueDate.IsParsed() {
		t.Errorf("DueDate = %+v", d.DueDate)
	}
	if d.Total.RawText() != Unavailable || d.Total.IsParsed() {
		t.Errorf("Total = %+v", d.Total)
	}
	if d.InvoiceNo != nil || d.Vendor != nil || d.AccountNo != nil {
		t.Error("absent pass-through fields should stay nil")
	}
}

func TestNormalizeNetTerms(t *testing.T) {
	d := Normalize(Response{
		InvDate: ptr("Invoice Date: 01/10/2024"),
		DueDate: ptr("Payment due NET30 from invoice date"),
	})

	got, ok := d.DueDate.Get()
	if !ok || !got.Equal(date(2024, time.February, 9)) {
		t.Errorf("DueDate = %v (parsed=%v), want 2024-02-09", got, ok)
	}
}

func TestNormalizeNetTermsWithoutInvoiceDate(t *testing.T) {
	due := "Net 30"
	d := Normalize(Response{InvDate: ptr("unknown"), DueDate: ptr(due)})

	if d.DueDate.IsParsed() || d.DueDate.RawText() != due {
		t.Errorf("DueDate = %+v, want raw %q", d.DueDate, due)
	}
	if d.InvoiceDate.RawText() != "unknown" {
		t.Errorf("InvoiceDate raw = %q", d.InvoiceDate.RawText())
	}
}

func TestNormalizePassThrough(t *testing.T) {
	d := Normalize(Response{
		InvoiceNo: ptr("INV-0042"),
		Vendor:    ptr("Golden Waffles LLC"),
		AcctNo:    ptr("ACCT 991"),
		Total:     ptr("$10.00"),
	})

	if *d.InvoiceNo != "INV-0042" || *d.Vendor != "Golden Waffles LLC" || *d.AccountNo != "ACCT 991" {
		t.Errorf("pass-through fields changed: %+v", d)
	}
	if v, _ := d.Total.Get(); v != 10 {
		t.Errorf("Total = %v", v)
	}
}

func TestDetailsJSON(t *testing.T) {
	d := Normalize(Response{InvDate: ptr("01/10/2024"), Total: ptr("n/a")})

	data, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["total"] != "n/a" {
		t.Errorf("total = %v, want raw string", out["total"])
	}
	if out["due_date"] != NoDateAvailable {
		t.Errorf("due_date = %v", out["due_date"])
	}
	if out["invoice_date"] != "2024-01-10T00:00:00Z" {
		t.Errorf("invoice_date = %v", out["invoice_date"])
	}
}
