package compose

import (
	"context"

	"github.com/inkmarklab/inkmark/internal/grading"
)

// PixelsPerInch is the fixed resolution of the overlay coordinate space.
// Overlay geometry is stored as integer pixels at this density with the
// origin at the top-left corner of the page.
const PixelsPerInch = 100

// PointsPerInch is the PDF user-space density.
const PointsPerInch = 72

// RGB is a device colour with components in [0, 1].
type RGB struct {
	R, G, B float64
}

// TextBox describes a comment box to be painted: a filled, bordered
// rectangle with wrapped text. Coordinates are in points with the origin at
// the bottom-left corner of the page; Y is the top edge of the box.
type TextBox struct {
	X, Y  float64
	Width float64
	Text  string
	Fg    RGB
	Bg    RGB
}

// Canvas is one page surface being painted. Implementations are provided by
// the conversion collaborator; coordinates are points, origin bottom-left.
type Canvas interface {
	// Size returns the page extent in points.
	Size() (width, height float64)
	// FillTextBox paints a comment box, wrapping text to the box width.
	FillTextBox(box TextBox)
	// StrokeLine paints a straight line segment.
	StrokeLine(x1, y1, x2, y2 float64, colour RGB, lineWidth float64)
	// StrokeRect paints an unfilled rectangle.
	StrokeRect(x, y, width, height float64, colour RGB, lineWidth float64)
	// StrokeOval paints an unfilled ellipse inscribed in the given bounds.
	StrokeOval(x, y, width, height float64, colour RGB, lineWidth float64)
	// Highlight paints a translucent filled rectangle.
	Highlight(x, y, width, height float64, colour RGB)
	// Pen paints a freehand polyline.
	Pen(points []PenPoint, colour RGB, lineWidth float64)
	// Stamp paints a named stamp within the given bounds.
	Stamp(x, y, width, height float64, name string, colour RGB)
}

// PenPoint is one polyline vertex in point space.
type PenPoint struct {
	X, Y float64
}

// Job is one in-progress composition of a flattened document. Pages are
// rendered in output order and finalized into a single blob.
type Job interface {
	// RenderPage produces the paintable surface for one source page.
	RenderPage(ctx context.Context, file grading.SourceFile, offset int) (Canvas, error)
	// Finalize assembles every rendered page, in order, into document bytes.
	Finalize(ctx context.Context) ([]byte, error)
}

// Converter is the external document-conversion collaborator.
type Converter interface {
	// PageCount determines how many pages the file contributes.
	// Unsupported inputs fail with pageindex.ErrUnsupportedFormat semantics.
	PageCount(ctx context.Context, file grading.SourceFile) (int, error)
	// NewJob starts a composition run.
	NewJob(ctx context.Context) (Job, error)
}

// PxToPt converts a length from overlay pixel space to points.
func PxToPt(px int) float64 {
	return float64(px) * PointsPerInch / PixelsPerInch
}
