// Package pdftest assembles small, valid PDF files for tests.
package pdftest

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"strings"
)

// Page describes one page. Text is drawn in Helvetica; each entry of Images
// is embedded as a DCTDecode image XObject and may hold any bytes, valid JPEG
// or not.
type Page struct {
	Text   string
	Images [][]byte
}

// JPEG returns a w x h gradient encoded as JPEG.
func JPEG(w, h int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

type object struct {
	dict   string
	stream []byte
	isStrm bool
}

// Build returns a US Letter sized PDF with the given pages.
func Build(pages ...Page) []byte {
	const (
		catalogNr = 1
		pagesNr   = 2
		fontNr    = 3
	)

	objs := map[int]object{}
	next := 4
	var kids []string

	for _, p := range pages {
		pageNr, contentNr := next, next+1
		next += 2

		var xobjs []string
		var content strings.Builder
		if p.Text != "" {
			fmt.Fprintf(&content, "BT /F1 12 Tf 72 720 Td (%s) Tj ET\n", escape(p.Text))
		}
		for i, data := range p.Images {
			imgNr := next
			next++
			name := fmt.Sprintf("Im%d", i+1)
			xobjs = append(xobjs, fmt.Sprintf("/%s %d 0 R", name, imgNr))
			fmt.Fprintf(&content, "q 100 0 0 100 %d 500 cm /%s Do Q\n", 72+i*120, name)

			w, h := 16, 16
			if cfg, err := jpeg.DecodeConfig(bytes.NewReader(data)); err == nil {
				w, h = cfg.Width, cfg.Height
			}
			objs[imgNr] = object{
				dict: fmt.Sprintf("/Type /XObject /Subtype /Image /Width %d /Height %d /ColorSpace /DeviceRGB /BitsPerComponent 8 /Filter /DCTDecode /Length %d",
					w, h, len(data)),
				stream: data,
				isStrm: true,
			}
		}

		resources := fmt.Sprintf("/Font << /F1 %d 0 R >>", fontNr)
		if len(xobjs) > 0 {
			resources += " /XObject << " + strings.Join(xobjs, " ") + " >>"
		}

		objs[pageNr] = object{dict: fmt.Sprintf("/Type /Page /Parent %d 0 R /MediaBox [0 0 612 792] /Resources << %s >> /Contents %d 0 R",
			pagesNr, resources, contentNr)}
		objs[contentNr] = object{
			dict:   fmt.Sprintf("/Length %d", content.Len()),
			stream: []byte(content.String()),
			isStrm: true,
		}
		kids = append(kids, fmt.Sprintf("%d 0 R", pageNr))
	}

	objs[catalogNr] = object{dict: fmt.Sprintf("/Type /Catalog /Pages %d 0 R", pagesNr)}
	objs[pagesNr] = object{dict: fmt.Sprintf("/Type /Pages /Kids [%s] /Count %d", strings.Join(kids, " "), len(kids))}
	objs[fontNr] = object{dict: "/Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding"}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n")

	offsets := make([]int, next)
	for nr := 1; nr < next; nr++ {
		o := objs[nr]
		offsets[nr] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n<< %s >>\n", nr, o.dict)
		if o.isStrm {
			buf.WriteString("stream\n")
			buf.Write(o.stream)
			buf.WriteString("\nendstream\n")
		}
		buf.WriteString("endobj\n")
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", next)
	for nr := 1; nr < next; nr++ {
		fmt.Fprintf(&buf, "%010d 00000 n \n", offsets[nr])
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root %d 0 R >>\nstartxref\n%d\n%%%%EOF\n", next, catalogNr, xref)

	return buf.Bytes()
}

func escape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `(`, `\(`, `)`, `\)`)
	return r.Replace(s)
}
