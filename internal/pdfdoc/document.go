// Package pdfdoc opens PDF documents and serves page bitmaps and positioned
// embedded text to the text source adapter.
package pdfdoc

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"os"
	"sync"

	"github.com/gen2brain/go-fitz"
	lpdf "github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/rs/zerolog/log"

	"github.com/local/pagereader/internal/source"
)

// RenderOptions controls rasterization.
type RenderOptions struct {
	JPEGQuality int  // 1..100
	Gray        bool // grayscale before encoding
}

// Document is an open PDF. It implements source.Renderer.
type Document struct {
	path  string
	pages int
	opts  RenderOptions

	mu   sync.Mutex // guards fitz and text readers
	fz   *fitz.Document
	file *os.File
	text *lpdf.Reader
}

// Open validates the file type and opens the raster and text readers.
func Open(path string, opts RenderOptions) (*Document, error) {
	if _, err := Detect(path); err != nil {
		return nil, err
	}
	n, err := api.PageCountFile(path)
	if err != nil {
		return nil, fmt.Errorf("pdf page count failed: %w", err)
	}
	if n <= 0 {
		return nil, fmt.Errorf("pdf has no pages: %s", path)
	}
	fz, err := fitz.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}
	d := &Document{path: path, pages: n, opts: opts, fz: fz}
	if d.opts.JPEGQuality <= 0 || d.opts.JPEGQuality > 100 {
		d.opts.JPEGQuality = 92
	}

	// A document without a readable text layer is still usable in scanned mode.
	f, r, err := lpdf.Open(path)
	if err != nil {
		log.Warn().Err(err).Str("file", path).Msg("embedded text layer unavailable")
	} else {
		d.file, d.text = f, r
	}
	return d, nil
}

// Close releases both readers.
func (d *Document) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var err error
	if d.fz != nil {
		err = d.fz.Close()
		d.fz = nil
	}
	if d.file != nil {
		_ = d.file.Close()
		d.file, d.text = nil, nil
	}
	return err
}

func (d *Document) PageCount() int { return d.pages }

func (d *Document) checkPage(page int) error {
	if page < 1 || page > d.pages {
		return fmt.Errorf("page %d out of range (document has %d pages)", page, d.pages)
	}
	return nil
}

// RenderJPEG renders a page at scale (1.0 = 72 DPI) and encodes it as JPEG.
func (d *Document) RenderJPEG(ctx context.Context, page int, scale float64) (source.Image, error) {
	if err := d.checkPage(page); err != nil {
		return source.Image{}, err
	}
	if err := ctx.Err(); err != nil {
		return source.Image{}, err
	}
	if scale <= 0 {
		scale = 2.0
	}

	d.mu.Lock()
	if d.fz == nil {
		d.mu.Unlock()
		return source.Image{}, fmt.Errorf("document closed")
	}
	// go-fitz uses 0-based indexing
	img, err := d.fz.ImageDPI(page-1, 72*scale)
	d.mu.Unlock()
	if err != nil {
		return source.Image{}, fmt.Errorf("failed to render page %d: %w", page, err)
	}

	bounds := img.Bounds()
	var final image.Image = img
	if d.opts.Gray {
		gray := image.NewGray(bounds)
		draw.Draw(gray, bounds, img, image.Point{}, draw.Src)
		final = gray
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, final, &jpeg.Options{Quality: d.opts.JPEGQuality}); err != nil {
		return source.Image{}, fmt.Errorf("failed to encode JPEG: %w", err)
	}

	log.Debug().
		Int("page", page).
		Int("width", bounds.Dx()).
		Int("height", bounds.Dy()).
		Int("jpeg_size", buf.Len()).
		Float64("scale", scale).
		Msg("rendered page to JPEG")

	return source.Image{Data: buf.Bytes(), MIME: "image/jpeg", Width: bounds.Dx(), Height: bounds.Dy()}, nil
}

// TextItems returns the page's embedded glyph runs with PDF-space
// transforms and the page height used to flip Y.
func (d *Document) TextItems(ctx context.Context, page int) (items []source.TextItem, height float64, err error) {
	if err := d.checkPage(page); err != nil {
		return nil, 0, err
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.text == nil {
		return nil, 0, nil
	}
	// ledongthuc/pdf panics on malformed content streams
	defer func() {
		if r := recover(); r != nil {
			items, height, err = nil, 0, fmt.Errorf("read text of page %d: %v", page, r)
		}
	}()

	p := d.text.Page(page)
	if p.V.IsNull() {
		return nil, 0, fmt.Errorf("page %d not found in text layer", page)
	}
	height = pageHeight(p)
	for _, t := range p.Content().Text {
		items = append(items, source.TextItem{
			Str:       t.S,
			Transform: [6]float64{t.FontSize, 0, 0, t.FontSize, t.X, t.Y},
		})
	}
	return items, height, nil
}

func pageHeight(p lpdf.Page) float64 {
	box := p.V.Key("MediaBox")
	if box.Kind() == lpdf.Array && box.Len() == 4 {
		return box.Index(3).Float64() - box.Index(1).Float64()
	}
	// US Letter
	return 792
}

var _ source.Renderer = (*Document)(nil)
