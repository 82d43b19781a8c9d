// Package source turns a document page into plain text, either from the
// embedded text layer or by recognizing a rendered bitmap.
package source

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/pagereader/internal/layout"
	"github.com/local/pagereader/internal/metrics"
	"github.com/local/pagereader/internal/ocr"
)

// Mode selects how page text is obtained. It is decided once per document.
type Mode int

const (
	Scanned Mode = iota
	Embedded
)

func (m Mode) String() string {
	if m == Embedded {
		return "embedded"
	}
	return "scanned"
}

// embeddedMinItems is the number of non-blank items page 1 must exceed for
// the document to be read from its text layer.
const embeddedMinItems = 10

// Image is an encoded page bitmap.
type Image struct {
	Data   []byte
	MIME   string
	Width  int
	Height int
}

// TextItem is an embedded text run. Transform is the PDF text matrix
// [a b c d e f]; e and f are the run origin in page space (origin bottom-left).
type TextItem struct {
	Str       string
	Transform [6]float64
}

// Renderer gives access to a document's pages.
type Renderer interface {
	PageCount() int
	RenderJPEG(ctx context.Context, page int, scale float64) (Image, error)
	// TextItems returns the embedded runs of a page and the page height.
	TextItems(ctx context.Context, page int) ([]TextItem, float64, error)
}

// DetectMode samples page 1. Any error reading the text layer means Scanned.
func DetectMode(ctx context.Context, r Renderer) Mode {
	items, _, err := r.TextItems(ctx, 1)
	if err != nil {
		log.Warn().Err(err).Msg("text layer probe failed, using recognition")
		return Scanned
	}
	n := 0
	for _, it := range items {
		if strings.TrimSpace(it.Str) != "" {
			n++
		}
	}
	mode := Scanned
	if n > embeddedMinItems {
		mode = Embedded
	}
	log.Info().Int("items", n).Str("mode", mode.String()).Msg("detected text mode")
	return mode
}

// Options configures an Adapter.
type Options struct {
	Mode          Mode
	Scale         float64  // render scale for recognition, 2.0 when zero
	LanguageHints []string // passed to the recognizer
}

// Adapter extracts the text of single pages. It is safe for concurrent use
// when the Renderer and Recognizer are.
type Adapter struct {
	renderer   Renderer
	recognizer ocr.Recognizer
	opts       Options
}

// NewAdapter builds an adapter. recognizer may be nil for embedded documents.
func NewAdapter(r Renderer, rec ocr.Recognizer, opts Options) *Adapter {
	if opts.Scale <= 0 {
		opts.Scale = 2.0
	}
	return &Adapter{renderer: r, recognizer: rec, opts: opts}
}

func (a *Adapter) Mode() Mode { return a.opts.Mode }

// ExtractPage returns the page text in vertical reading order.
func (a *Adapter) ExtractPage(ctx context.Context, page int) (string, error) {
	start := time.Now()
	var (
		text string
		err  error
	)
	if a.opts.Mode == Embedded {
		text, err = a.embedded(ctx, page)
	} else {
		text, err = a.scanned(ctx, page)
	}

	result := "ok"
	switch {
	case err != nil:
		result = "error"
	case text == "":
		result = "empty"
	}
	metrics.IncExtraction(a.opts.Mode.String(), result)
	log.Debug().
		Int("page", page).
		Str("mode", a.opts.Mode.String()).
		Str("result", result).
		Int("chars", len([]rune(text))).
		Dur("elapsed", time.Since(start)).
		Msg("page extracted")
	return text, err
}

func (a *Adapter) embedded(ctx context.Context, page int) (string, error) {
	items, height, err := a.renderer.TextItems(ctx, page)
	if err != nil {
		return "", fmt.Errorf("embedded text page %d: %w", page, err)
	}
	return layout.Reconstruct(EmbeddedFragments(items, height), layout.EmbeddedThreshold), nil
}

func (a *Adapter) scanned(ctx context.Context, page int) (string, error) {
	if a.recognizer == nil {
		return "", fmt.Errorf("page %d: no recognizer configured", page)
	}
	img, err := a.renderer.RenderJPEG(ctx, page, a.opts.Scale)
	if err != nil {
		return "", fmt.Errorf("render page %d: %w", page, err)
	}
	ann, err := a.recognizer.Recognize(ctx, ocr.Request{
		Page:          page,
		Image:         img.Data,
		MIME:          img.MIME,
		LanguageHints: a.opts.LanguageHints,
	})
	if err != nil {
		return "", fmt.Errorf("recognize page %d: %w", page, err)
	}
	text := layout.Reconstruct(ParagraphFragments(ann), layout.ImageThreshold(float64(img.Width)))
	if text == "" {
		text = ann.Transcript()
	}
	return text, nil
}

// EmbeddedFragments converts text runs to top-left origin fragments.
func EmbeddedFragments(items []TextItem, pageHeight float64) []layout.Fragment {
	out := make([]layout.Fragment, 0, len(items))
	for _, it := range items {
		out = append(out, layout.Fragment{
			Content: it.Str,
			CenterX: it.Transform[4],
			CenterY: pageHeight - it.Transform[5],
		})
	}
	return out
}

// ParagraphFragments converts recognized paragraphs to fragments at their
// polygon centroids. Paragraphs without a full polygon are skipped.
func ParagraphFragments(ann *ocr.Annotation) []layout.Fragment {
	if ann == nil {
		return nil
	}
	out := make([]layout.Fragment, 0, len(ann.Paragraphs))
	for _, p := range ann.Paragraphs {
		x, y, ok := p.Center()
		if !ok {
			continue
		}
		out = append(out, layout.Fragment{Content: p.Text, CenterX: x, CenterY: y})
	}
	return out
}
