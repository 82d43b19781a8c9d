// Package layout rebuilds vertical reading order (columns right-to-left,
// characters top-to-bottom) from positioned text fragments.
package layout

import (
	"math"
	"sort"
	"strings"
)

const (
	// MinImageThreshold is the smallest column tolerance in image pixels.
	MinImageThreshold = 30.0
	// ImageThresholdRatio scales the tolerance with the rendered page width.
	ImageThresholdRatio = 0.04
	// EmbeddedThreshold is the column tolerance in page units for embedded text.
	EmbeddedThreshold = 20.0
)

// Fragment is one positioned unit of text. Coordinates have their origin at
// the top-left corner with X growing rightward and Y growing downward.
type Fragment struct {
	Content string
	CenterX float64
	CenterY float64
}

// Column is a group of fragments sharing a similar horizontal position.
type Column struct {
	Fragments []Fragment
	sumX      float64
}

// CenterX returns the running average CenterX of the column.
func (c *Column) CenterX() float64 {
	if len(c.Fragments) == 0 {
		return 0
	}
	return c.sumX / float64(len(c.Fragments))
}

func (c *Column) add(f Fragment) {
	c.Fragments = append(c.Fragments, f)
	c.sumX += f.CenterX
}

// ImageThreshold returns the column tolerance for a page rendered pageWidth
// pixels wide.
func ImageThreshold(pageWidth float64) float64 {
	return math.Max(MinImageThreshold, pageWidth*ImageThresholdRatio)
}

// Reconstruct returns the fragments' text in vertical reading order.
func Reconstruct(fragments []Fragment, threshold float64) string {
	cols := Columns(fragments, threshold)
	if len(cols) == 0 {
		return ""
	}
	var b strings.Builder
	for _, col := range cols {
		for _, f := range col.Fragments {
			b.WriteString(f.Content)
		}
	}
	return strings.TrimSpace(b.String())
}

// Columns clusters the non-blank fragments into columns ordered right to
// left, each with its fragments ordered top to bottom.
//
// A fragment joins the first column (in creation order) whose running
// average CenterX is strictly closer than threshold, not the nearest one.
func Columns(fragments []Fragment, threshold float64) []Column {
	items := make([]Fragment, 0, len(fragments))
	for _, f := range fragments {
		if strings.TrimSpace(f.Content) == "" {
			continue
		}
		items = append(items, f)
	}
	if len(items) == 0 {
		return nil
	}

	// Rightmost first; ties broken so that input order never matters.
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.CenterX != b.CenterX {
			return a.CenterX > b.CenterX
		}
		if a.CenterY != b.CenterY {
			return a.CenterY < b.CenterY
		}
		return a.Content < b.Content
	})

	var cols []*Column
	for _, f := range items {
		var match *Column
		for _, c := range cols {
			if math.Abs(c.CenterX()-f.CenterX) < threshold {
				match = c
				break
			}
		}
		if match == nil {
			match = &Column{}
			cols = append(cols, match)
		}
		match.add(f)
	}

	sort.SliceStable(cols, func(i, j int) bool {
		return cols[i].CenterX() > cols[j].CenterX()
	})

	out := make([]Column, 0, len(cols))
	for _, c := range cols {
		sort.SliceStable(c.Fragments, func(i, j int) bool {
			return c.Fragments[i].CenterY < c.Fragments[j].CenterY
		})
		out = append(out, *c)
	}
	return out
}
