// Package pdf renders uploaded documents into per-page images that the
// text-extraction and layout-detection collaborators consume.
package pdf

import (
	"bytes"
	"fmt"
	"image/png"

	"github.com/gen2brain/go-fitz"
)

// DefaultDPI is the render resolution used when none is configured.
const DefaultDPI = 150

// Renderer renders the pages of one source document.
type Renderer struct {
	doc *fitz.Document
	dpi float64
}

// Open parses the source bytes into a renderer rendering at the given
// resolution. A non-positive dpi falls back to DefaultDPI. The caller
// must Close it.
func Open(source []byte, dpi int) (*Renderer, error) {
	doc, err := fitz.NewFromMemory(source)
	if err != nil {
		return nil, fmt.Errorf("open document: %w", err)
	}

	if doc.NumPage() == 0 {
		doc.Close()
		return nil, fmt.Errorf("document has no pages")
	}

	if dpi <= 0 {
		dpi = DefaultDPI
	}

	return &Renderer{doc: doc, dpi: float64(dpi)}, nil
}

// PageCount returns the number of pages in the document.
func (r *Renderer) PageCount() int {
	return r.doc.NumPage()
}

// RenderPage renders the zero-based page into a PNG image.
func (r *Renderer) RenderPage(page int) ([]byte, error) {
	if page < 0 || page >= r.doc.NumPage() {
		return nil, fmt.Errorf("page %d out of range", page)
	}

	img, err := r.doc.ImageDPI(page, r.dpi)
	if err != nil {
		return nil, fmt.Errorf("render page %d: %w", page, err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode page %d: %w", page, err)
	}

	return buf.Bytes(), nil
}

// Close releases the underlying document.
func (r *Renderer) Close() error {
	r.doc.Close()
	return nil
}
