package ocr

import (
	"context"
	"strings"
)

// Request is one page image submitted for recognition.
type Request struct {
	Page          int
	Image         []byte
	MIME          string   // image/jpeg
	LanguageHints []string // e.g. zh-TW, zh
}

// Vertex is a polygon corner in image pixel space.
type Vertex struct {
	X float64
	Y float64
}

// Paragraph is one recognized paragraph with its bounding polygon.
type Paragraph struct {
	Text     string
	Vertices []Vertex
}

// Center returns the centroid of the bounding polygon. ok is false when the
// polygon has fewer than 4 vertices.
func (p Paragraph) Center() (x, y float64, ok bool) {
	if len(p.Vertices) < 4 {
		return 0, 0, false
	}
	for _, v := range p.Vertices {
		x += v.X
		y += v.Y
	}
	n := float64(len(p.Vertices))
	return x / n, y / n, true
}

// Annotation is the provider result for a page.
type Annotation struct {
	Paragraphs []Paragraph
	// FullText is the provider's whole-page transcript, if any.
	FullText string
}

// Transcript returns the trimmed whole-page transcript.
func (a *Annotation) Transcript() string {
	if a == nil {
		return ""
	}
	return strings.TrimSpace(a.FullText)
}

// Recognizer is implemented by recognition providers.
type Recognizer interface {
	Name() string
	Recognize(ctx context.Context, req Request) (*Annotation, error)
}
