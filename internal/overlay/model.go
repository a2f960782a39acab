package overlay

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Colour is one of the fixed palette values available for overlay objects.
type Colour string

// The palette. Overlay objects may not use arbitrary colours.
const (
	ColourRed    Colour = "red"
	ColourYellow Colour = "yellow"
	ColourGreen  Colour = "green"
	ColourBlue   Colour = "blue"
	ColourWhite  Colour = "white"
	ColourBlack  Colour = "black"
)

// Kind enumerates the supported annotation shapes.
type Kind string

const (
	KindLine      Kind = "line"
	KindRectangle Kind = "rectangle"
	KindOval      Kind = "oval"
	KindHighlight Kind = "highlight"
	KindPen       Kind = "pen"
	KindStamp     Kind = "stamp"
)

// DefaultCommentWidth is the width in pixels of a comment box when the
// caller does not specify one. Geometry uses a fixed 100 pixels per inch.
const DefaultCommentWidth = 120

var (
	// ErrInvalidColor indicates a colour outside the fixed palette.
	ErrInvalidColor = errors.New("overlay: invalid colour")
	// ErrInvalidGeometry indicates a negative position or a non-positive width.
	ErrInvalidGeometry = errors.New("overlay: invalid geometry")
	// ErrInvalidPage indicates a page number outside the attempt's page range.
	ErrInvalidPage = errors.New("overlay: invalid page")
	// ErrInvalidKind indicates an unknown annotation kind.
	ErrInvalidKind = errors.New("overlay: invalid annotation kind")
)

// ParseColour validates raw input against the palette. Empty input selects
// the provided fallback.
func ParseColour(raw string, fallback Colour) (Colour, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" {
		return fallback, nil
	}
	switch Colour(trimmed) {
	case ColourRed, ColourYellow, ColourGreen, ColourBlue, ColourWhite, ColourBlack:
		return Colour(trimmed), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidColor, raw)
}

// RGB returns the palette colour as components in [0, 1].
func (c Colour) RGB() (r, g, b float64) {
	switch c {
	case ColourRed:
		return 0.87, 0.16, 0.08
	case ColourYellow:
		return 1.0, 0.85, 0.35
	case ColourGreen:
		return 0.2, 0.65, 0.29
	case ColourBlue:
		return 0.21, 0.45, 0.85
	case ColourWhite:
		return 1.0, 1.0, 1.0
	default:
		return 0.0, 0.0, 0.0
	}
}

// Comment is a positioned text box on one page of a feedback document.
// Coordinates are integer pixels at 100 pixels per inch, origin at the
// top-left corner of the page. A Comment is only constructed through
// NewComment, so an instance in hand has already been validated.
type Comment struct {
	ID       int64
	GradeID  int64
	PageNo   int
	X        int
	Y        int
	Width    int
	RawText  string
	FgColour Colour
	BgColour Colour
}

// CommentParams carries the raw caller input for NewComment.
type CommentParams struct {
	ID       int64
	GradeID  int64
	PageNo   int
	X        int
	Y        int
	Width    int // 0 selects DefaultCommentWidth
	RawText  string
	FgColour string // empty selects black
	BgColour string // empty selects yellow
}

// NewComment validates params and returns an immutable Comment value.
// Page validity against the attempt's page index is the caller's
// responsibility; everything else is checked here.
func NewComment(params CommentParams) (Comment, error) {
	if params.PageNo < 1 {
		return Comment{}, fmt.Errorf("%w: page %d", ErrInvalidPage, params.PageNo)
	}
	if params.X < 0 || params.Y < 0 {
		return Comment{}, fmt.Errorf("%w: position (%d,%d)", ErrInvalidGeometry, params.X, params.Y)
	}
	width := params.Width
	if width == 0 {
		width = DefaultCommentWidth
	}
	if width < 0 {
		return Comment{}, fmt.Errorf("%w: width %d", ErrInvalidGeometry, params.Width)
	}
	fg, err := ParseColour(params.FgColour, ColourBlack)
	if err != nil {
		return Comment{}, err
	}
	bg, err := ParseColour(params.BgColour, ColourYellow)
	if err != nil {
		return Comment{}, err
	}
	return Comment{
		ID:       params.ID,
		GradeID:  params.GradeID,
		PageNo:   params.PageNo,
		X:        params.X,
		Y:        params.Y,
		Width:    width,
		RawText:  params.RawText,
		FgColour: fg,
		BgColour: bg,
	}, nil
}

// Annotation is a drawn shape on one page: a line, rectangle, oval,
// highlight, freehand pen stroke, or stamp. For pen strokes Path holds the
// polyline as space-separated "x,y" pairs; for stamps it holds the stamp
// asset name.
type Annotation struct {
	ID      int64
	GradeID int64
	PageNo  int
	X       int
	Y       int
	EndX    int
	EndY    int
	Path    string
	Kind    Kind
	Colour  Colour
}

// AnnotationParams carries the raw caller input for NewAnnotation.
type AnnotationParams struct {
	ID      int64
	GradeID int64
	PageNo  int
	X       int
	Y       int
	EndX    int
	EndY    int
	Path    string
	Kind    string
	Colour  string // empty selects red
}

// NewAnnotation validates params and returns an immutable Annotation value.
func NewAnnotation(params AnnotationParams) (Annotation, error) {
	if params.PageNo < 1 {
		return Annotation{}, fmt.Errorf("%w: page %d", ErrInvalidPage, params.PageNo)
	}
	if params.X < 0 || params.Y < 0 || params.EndX < 0 || params.EndY < 0 {
		return Annotation{}, fmt.Errorf("%w: bounds (%d,%d)-(%d,%d)",
			ErrInvalidGeometry, params.X, params.Y, params.EndX, params.EndY)
	}
	kind := Kind(strings.ToLower(strings.TrimSpace(params.Kind)))
	switch kind {
	case KindLine, KindRectangle, KindOval, KindHighlight, KindPen, KindStamp:
	default:
		return Annotation{}, fmt.Errorf("%w: %q", ErrInvalidKind, params.Kind)
	}
	if kind == KindPen {
		if _, err := ParsePath(params.Path); err != nil {
			return Annotation{}, err
		}
	}
	colour, err := ParseColour(params.Colour, ColourRed)
	if err != nil {
		return Annotation{}, err
	}
	return Annotation{
		ID:      params.ID,
		GradeID: params.GradeID,
		PageNo:  params.PageNo,
		X:       params.X,
		Y:       params.Y,
		EndX:    params.EndX,
		EndY:    params.EndY,
		Path:    params.Path,
		Kind:    kind,
		Colour:  colour,
	}, nil
}

// Point is one vertex of a pen stroke, in pixel space.
type Point struct {
	X int
	Y int
}

// ParsePath decodes a pen-stroke path: space-separated "x,y" pairs with
// non-negative integer coordinates.
func ParsePath(raw string) ([]Point, error) {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty pen path", ErrInvalidGeometry)
	}
	points := make([]Point, 0, len(fields))
	for _, field := range fields {
		xy := strings.SplitN(field, ",", 2)
		if len(xy) != 2 {
			return nil, fmt.Errorf("%w: path segment %q", ErrInvalidGeometry, field)
		}
		x, err := strconv.Atoi(xy[0])
		if err != nil {
			return nil, fmt.Errorf("%w: path segment %q", ErrInvalidGeometry, field)
		}
		y, err := strconv.Atoi(xy[1])
		if err != nil {
			return nil, fmt.Errorf("%w: path segment %q", ErrInvalidGeometry, field)
		}
		if x < 0 || y < 0 {
			return nil, fmt.Errorf("%w: path segment %q", ErrInvalidGeometry, field)
		}
		points = append(points, Point{X: x, Y: y})
	}
	return points, nil
}

// Set bundles all overlay objects of one grade record. Comments and
// Annotations are each ordered by page and then by insertion order, which is
// also the painting order within a page.
type Set struct {
	Comments    []Comment
	Annotations []Annotation
}

// Empty reports whether the set contains no overlay objects.
func (s Set) Empty() bool {
	return len(s.Comments) == 0 && len(s.Annotations) == 0
}

// ForPage returns the subset of objects on the given page, preserving order.
func (s Set) ForPage(pageNo int) Set {
	var out Set
	for _, c := range s.Comments {
		if c.PageNo == pageNo {
			out.Comments = append(out.Comments, c)
		}
	}
	for _, a := range s.Annotations {
		if a.PageNo == pageNo {
			out.Annotations = append(out.Annotations, a)
		}
	}
	return out
}

// MaxPage returns the highest page number referenced by the set, or 0.
func (s Set) MaxPage() int {
	max := 0
	for _, c := range s.Comments {
		if c.PageNo > max {
			max = c.PageNo
		}
	}
	for _, a := range s.Annotations {
		if a.PageNo > max {
			max = a.PageNo
		}
	}
	return max
}
