/**
 * Invoice normalization
 *
 * Turns the loosely-typed invoice fields returned by the OCR service into
 * typed values. Normalization never fails: a field that cannot be parsed is
 * kept as its raw text so a human can still read it.
 */

package invoice

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	NoDateAvailable = "No Date Available"
	Unavailable     = "Unavailable"
)

// Response is the wire shape of POST ocr/invoice. Every field is optional.
type Response struct {
	InvoiceNo *string `json:"invoice_no,omitempty"`
	Vendor    *string `json:"vendor,omitempty"`
	AcctNo    *string `json:"acct_no,omitempty"`
	InvDate   *string `json:"inv_date,omitempty"`
	DueDate   *string `json:"due_date,omitempty"`
	Total     *string `json:"total,omitempty"`
}

// Value is either a parsed T or the raw text it was read from.
type Value[T any] struct {
	parsed T
	raw    string
	ok     bool
}

// Parsed wraps a successfully interpreted value.
func Parsed[T any](v T) Value[T] {
	return Value[T]{parsed: v, ok: true}
}

// Raw wraps text that could not be interpreted.
func Raw[T any](s string) Value[T] {
	return Value[T]{raw: s}
}

// Get returns the parsed value and true, or the zero value and false.
func (v Value[T]) Get() (T, bool) {
	return v.parsed, v.ok
}

// RawText returns the raw text; empty when the value was parsed.
func (v Value[T]) RawText() string {
	return v.raw
}

// IsParsed reports whether the value was interpreted.
func (v Value[T]) IsParsed() bool {
	return v.ok
}

// MarshalJSON writes the parsed value when present, the raw string otherwise.
func (v Value[T]) MarshalJSON() ([]byte, error) {
	if v.ok {
		return json.Marshal(v.parsed)
	}
	return json.Marshal(v.raw)
}

// Details is the normalized invoice.
type Details struct {
	InvoiceNo   *string          `json:"invoice_no"`
	Vendor      *string          `json:"vendor"`
	AccountNo   *string          `json:"account_no"`
	InvoiceDate Value[time.Time] `json:"invoice_date"`
	DueDate     Value[time.Time] `json:"due_date"`
	Total       Value[float64]   `json:"total"`
}

var (
	dateToken  = regexp.MustCompile(`^(\d{1,2})/(\d{1,2})/(\d{4})(?:\D|$)`)
	netTerms   = regexp.MustCompile(`(?i)net\s*(\d+)`)
	nonNumeric = regexp.MustCompile(`[^0-9.]`)
)

// Normalize converts a server response into typed invoice details.
func Normalize(r Response) Details {
	d := Details{
		InvoiceNo:   r.InvoiceNo,
		Vendor:      r.Vendor,
		AccountNo:   r.AcctNo,
		InvoiceDate: Raw[time.Time](NoDateAvailable),
		DueDate:     Raw[time.Time](NoDateAvailable),
		Total:       Raw[float64](Unavailable),
	}

	if r.InvDate != nil {
		d.InvoiceDate = ParseDate(*r.InvDate)
	}

	if r.DueDate != nil {
		d.DueDate = parseDueDate(*r.DueDate, d.InvoiceDate)
	}

	if r.Total != nil {
		d.Total = ParseAmount(*r.Total)
	}

	return d
}

// ParseDate scans whitespace-separated tokens left to right and returns the
// first one that starts with an MM/DD/YYYY date. Trailing punctuation on the
// token is ignored. Without a match the whole input is returned raw.
func ParseDate(s string) Value[time.Time] {
	for _, word := range strings.Fields(s) {
		if t, ok := parseDateToken(word); ok {
			return Parsed(t)
		}
	}
	return Raw[time.Time](s)
}

func parseDateToken(word string) (time.Time, bool) {
	m := dateToken.FindStringSubmatch(word)
	if m == nil {
		return time.Time{}, false
	}

	month, _ := strconv.Atoi(m[1])
	day, _ := strconv.Atoi(m[2])
	year, _ := strconv.Atoi(m[3])

	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	// time.Date normalizes 02/30 into March; reject instead.
	if t.Year() != year || int(t.Month()) != month || t.Day() != day {
		return time.Time{}, false
	}
	return t, true
}

// parseDueDate tries a direct date first, then "Net N" payment terms relative
// to a parsed invoice date.
func parseDueDate(s string, invoiceDate Value[time.Time]) Value[time.Time] {
	if v := ParseDate(s); v.IsParsed() {
		return v
	}

	if base, ok := invoiceDate.Get(); ok {
		if m := netTerms.FindStringSubmatch(s); m != nil {
			if days, err := strconv.Atoi(m[1]); err == nil {
				return Parsed(base.AddDate(0, 0, days))
			}
		}
	}

	return Raw[time.Time](s)
}

// ParseAmount strips everything except digits and '.', then parses a float.
// On failure the original text, currency symbols included, is kept.
func ParseAmount(s string) Value[float64] {
	stripped := strings.TrimSpace(nonNumeric.ReplaceAllString(s, ""))

	f, err := strconv.ParseFloat(stripped, 64)
	if err != nil {
		return Raw[float64](s)
	}
	return Parsed(f)
}
