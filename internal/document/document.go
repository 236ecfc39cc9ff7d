// Package document holds the text layer returned by the remote OCR service.
package document

import (
	"encoding/json"
	"regexp"
	"strings"
)

// BoundingBox locates a text run on its page. CoordOrigin is passed through
// from the server (e.g. "BOTTOMLEFT").
type BoundingBox struct {
	Top         float64 `json:"t"`
	Left        float64 `json:"l"`
	Right       float64 `json:"r"`
	Bottom      float64 `json:"b"`
	CoordOrigin string  `json:"coord_origin"`
}

// TextItem is one OCR'd text run with its provenance.
type TextItem struct {
	PageNumber int
	BBox       BoundingBox
	CharSpan   [2]uint
	Text       string
}

// ParsedDocument is the result of one OCR request.
type ParsedDocument struct {
	Texts []TextItem
}

// Contains reports whether any text item contains needle.
func (d *ParsedDocument) Contains(needle string) bool {
	for _, t := range d.Texts {
		if strings.Contains(t.Text, needle) {
			return true
		}
	}
	return false
}

// ContainsInsensitive is Contains with Unicode case folding.
func (d *ParsedDocument) ContainsInsensitive(needle string) bool {
	needle = strings.ToLower(needle)
	for _, t := range d.Texts {
		if strings.Contains(strings.ToLower(t.Text), needle) {
			return true
		}
	}
	return false
}

// Match reports whether any text item matches re.
func (d *ParsedDocument) Match(re *regexp.Regexp) bool {
	for _, t := range d.Texts {
		if re.MatchString(t.Text) {
			return true
		}
	}
	return false
}

// FindAll returns the items whose text matches re, in document order.
func (d *ParsedDocument) FindAll(re *regexp.Regexp) []TextItem {
	var out []TextItem
	for _, t := range d.Texts {
		if re.MatchString(t.Text) {
			out = append(out, t)
		}
	}
	return out
}

// Text joins all item texts with newlines.
func (d *ParsedDocument) Text() string {
	parts := make([]string, len(d.Texts))
	for i, t := range d.Texts {
		parts[i] = t.Text
	}
	return strings.Join(parts, "\n")
}

// wire shapes of POST ocr/doc

type wireProv struct {
	PageNo   int         `json:"page_no"`
	BBox     BoundingBox `json:"bbox"`
	CharSpan [2]uint     `json:"charspan"`
}

type wireText struct {
	Prov []wireProv `json:"prov"`
	Text string     `json:"text"`
}

type wireDocument struct {
	Texts []wireText `json:"texts"`
}

// UnmarshalJSON decodes the server's {texts:[{prov:[...],text}]} shape.
// Only the first provenance entry of a text run is kept; runs without
// provenance get a zero one.
func (d *ParsedDocument) UnmarshalJSON(data []byte) error {
	var w wireDocument
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	texts := make([]TextItem, 0, len(w.Texts))
	for _, t := range w.Texts {
		item := TextItem{Text: t.Text}
		if len(t.Prov) > 0 {
			p := t.Prov[0]
			item.PageNumber = p.PageNo
			item.BBox = p.BBox
			item.CharSpan = p.CharSpan
		}
		texts = append(texts, item)
	}
	d.Texts = texts
	return nil
}

// MarshalJSON writes the same wire shape UnmarshalJSON reads, so cached
// documents round-trip.
func (d ParsedDocument) MarshalJSON() ([]byte, error) {
	w := wireDocument{Texts: make([]wireText, len(d.Texts))}
	for i, t := range d.Texts {
		w.Texts[i] = wireText{
			Text: t.Text,
			Prov: []wireProv{{PageNo: t.PageNumber, BBox: t.BBox, CharSpan: t.CharSpan}},
		}
	}
	return json.Marshal(w)
}
