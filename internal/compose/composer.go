package compose

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/inkmarklab/inkmark/internal/grading"
	"github.com/inkmarklab/inkmark/internal/overlay"
	"github.com/inkmarklab/inkmark/internal/pageindex"
)

var (
	errMissingConverter = errors.New("converter dependency is required")
	errUnknownSource    = errors.New("page references unknown source file")
	noOpLogger          = zap.NewNop()
)

// CompositionError reports a compose failure together with the logical page
// on which it occurred (0 when the failure was not page-specific).
type CompositionError struct {
	Page int
	err  error
}

func (e *CompositionError) Error() string {
	if e.Page > 0 {
		return fmt.Sprintf("composition failed on page %d: %v", e.Page, e.err)
	}
	return fmt.Sprintf("composition failed: %v", e.err)
}

func (e *CompositionError) Unwrap() error {
	return e.err
}

// Result is a finished flattened document.
type Result struct {
	Content []byte
	Hash    string
	Pages   int
}

// ComposerConfig describes the dependencies of the composer.
type ComposerConfig struct {
	Converter Converter
	Logger    *zap.Logger
}

// Composer produces the flattened feedback document for one attempt. Compose
// is a pure function of its inputs: the same page sequence and overlay set
// always yield byte-identical output, which makes the facade's hash-based
// staleness checks meaningful.
type Composer struct {
	converter Converter
	logger    *zap.Logger
}

// NewComposer constructs a composer.
func NewComposer(cfg ComposerConfig) (*Composer, error) {
	if cfg.Converter == nil {
		return nil, errMissingConverter
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Composer{converter: cfg.Converter, logger: logger}, nil
}

// Compose renders every page in order, paints the page's overlay objects on
// top (comments first, then annotations; within each group in insertion
// order, so later objects paint over earlier ones), and finalizes the result
// into a single document.
//
// Any page failure aborts the whole call with a CompositionError carrying
// the failing page number; no partial document is ever returned.
func (c *Composer) Compose(ctx context.Context, pages []pageindex.Page, files []grading.SourceFile, set overlay.Set) (*Result, error) {
	if len(pages) == 0 {
		return nil, &CompositionError{err: errors.New("empty page sequence")}
	}

	bySource := make(map[int64]grading.SourceFile, len(files))
	for _, file := range files {
		bySource[file.ID] = file
	}

	job, err := c.converter.NewJob(ctx)
	if err != nil {
		return nil, &CompositionError{err: err}
	}

	for _, page := range pages {
		file, ok := bySource[page.FileID]
		if !ok {
			return nil, &CompositionError{Page: page.Number, err: errUnknownSource}
		}
		canvas, err := job.RenderPage(ctx, file, page.Offset)
		if err != nil {
			c.logger.Warn("page render failed",
				zap.Int("page", page.Number),
				zap.String("filename", file.Filename),
				zap.Error(err))
			return nil, &CompositionError{Page: page.Number, err: err}
		}
		paintPage(canvas, set.ForPage(page.Number))
	}

	content, err := job.Finalize(ctx)
	if err != nil {
		return nil, &CompositionError{err: err}
	}

	sum := sha256.Sum256(content)
	return &Result{
		Content: content,
		Hash:    hex.EncodeToString(sum[:]),
		Pages:   len(pages),
	}, nil
}

func paintPage(canvas Canvas, set overlay.Set) {
	for _, comment := range set.Comments {
		paintComment(canvas, comment)
	}
	for _, annotation := range set.Annotations {
		paintAnnotation(canvas, annotation)
	}
}

func paintComment(canvas Canvas, comment overlay.Comment) {
	_, height := canvas.Size()
	fg := rgbOf(comment.FgColour)
	bg := rgbOf(comment.BgColour)
	canvas.FillTextBox(TextBox{
		X:     PxToPt(comment.X),
		Y:     height - PxToPt(comment.Y),
		Width: PxToPt(comment.Width),
		Text:  comment.RawText,
		Fg:    fg,
		Bg:    bg,
	})
}

const annotationLineWidth = 2.0

func paintAnnotation(canvas Canvas, annotation overlay.Annotation) {
	_, height := canvas.Size()
	colour := rgbOf(annotation.Colour)

	x1 := PxToPt(annotation.X)
	y1 := height - PxToPt(annotation.Y)
	x2 := PxToPt(annotation.EndX)
	y2 := height - PxToPt(annotation.EndY)
	left, right := minMax(x1, x2)
	bottom, top := minMax(y2, y1)

	switch annotation.Kind {
	case overlay.KindLine:
		canvas.StrokeLine(x1, y1, x2, y2, colour, annotationLineWidth)
	case overlay.KindRectangle:
		canvas.StrokeRect(left, bottom, right-left, top-bottom, colour, annotationLineWidth)
	case overlay.KindOval:
		canvas.StrokeOval(left, bottom, right-left, top-bottom, colour, annotationLineWidth)
	case overlay.KindHighlight:
		canvas.Highlight(left, bottom, right-left, top-bottom, colour)
	case overlay.KindPen:
		points, err := overlay.ParsePath(annotation.Path)
		if err != nil {
			// Validated on persist; an unreadable stored path paints nothing.
			return
		}
		polyline := make([]PenPoint, len(points))
		for i, p := range points {
			polyline[i] = PenPoint{X: PxToPt(p.X), Y: height - PxToPt(p.Y)}
		}
		canvas.Pen(polyline, colour, annotationLineWidth)
	case overlay.KindStamp:
		canvas.Stamp(left, bottom, right-left, top-bottom, annotation.Path, colour)
	}
}

func rgbOf(colour overlay.Colour) RGB {
	r, g, b := colour.RGB()
	return RGB{R: r, G: g, B: b}
}

func minMax(a, b float64) (float64, float64) {
	if a <= b {
		return a, b
	}
	return b, a
}
