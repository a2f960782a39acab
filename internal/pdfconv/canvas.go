package pdfconv

import (
	"strings"

	"seehuhn.de/go/pdf"
	"seehuhn.de/go/pdf/font/type1"
	"seehuhn.de/go/pdf/graphics"
	"seehuhn.de/go/pdf/graphics/color"
	"seehuhn.de/go/pdf/graphics/content"
	"seehuhn.de/go/pdf/graphics/content/builder"
	"seehuhn.de/go/pdf/graphics/extgstate"

	"github.com/inkmarklab/inkmark/internal/compose"
)

const (
	commentFontSize = 10.0
	commentLeading  = 12.0
	commentPadding  = 4.0

	highlightAlpha = 0.5

	// Bezier circle approximation constant.
	ovalKappa = 0.5523
)

var commentBorder = color.DeviceRGB{0.55, 0.55, 0.55}

// highlightState is shared by all highlight paints so a page accumulates a
// single ExtGState resource entry no matter how many highlights it carries.
var highlightState = &extgstate.ExtGState{
	Set:       graphics.StateFillAlpha,
	FillAlpha: highlightAlpha,
}

// canvas paints overlay objects onto one output page. The imported source
// page is drawn before any overlay operation, so overlay ink always ends up
// on top.
type canvas struct {
	mediaBox *pdf.Rectangle
	res      *content.Resources
	builder  *builder.Builder
	font     *type1.Instance
}

func newCanvas(textFont *type1.Instance, mediaBox *pdf.Rectangle, version pdf.Version) *canvas {
	res := &content.Resources{}
	return &canvas{
		mediaBox: mediaBox,
		res:      res,
		builder:  builder.New(content.Page, res, version),
		font:     textFont,
	}
}

func (c *canvas) Size() (width, height float64) {
	return c.mediaBox.URx - c.mediaBox.LLx, c.mediaBox.URy - c.mediaBox.LLy
}

// FillTextBox paints a bordered, filled rectangle sized to the wrapped text,
// then the text itself. Empty text still paints the box so that a bare
// comment marker remains visible.
func (c *canvas) FillTextBox(box compose.TextBox) {
	lines := c.wrapText(box.Text, box.Width-2*commentPadding)
	if len(lines) == 0 {
		lines = []string{""}
	}
	boxHeight := float64(len(lines))*commentLeading + 2*commentPadding

	b := c.builder
	b.PushGraphicsState()
	b.SetFillColor(deviceRGB(box.Bg))
	b.SetStrokeColor(commentBorder)
	b.SetLineWidth(0.5)
	b.Rectangle(box.X, box.Y-boxHeight, box.Width, boxHeight)
	b.FillAndStroke()

	b.SetFillColor(deviceRGB(box.Fg))
	b.TextBegin()
	b.TextSetFont(c.font, commentFontSize)
	b.TextFirstLine(box.X+commentPadding, box.Y-commentPadding-commentFontSize)
	for i, line := range lines {
		if i > 0 {
			b.TextFirstLine(0, -commentLeading)
		}
		b.TextShowRaw(pdf.String(line))
	}
	b.TextEnd()
	b.PopGraphicsState()
}

// wrapText breaks text into lines no wider than maxWidth. Newlines in the
// input force a break; a single word wider than the box gets its own line.
func (c *canvas) wrapText(text string, maxWidth float64) []string {
	var lines []string
	for _, paragraph := range strings.Split(text, "\n") {
		words := strings.Fields(paragraph)
		if len(words) == 0 {
			lines = append(lines, "")
			continue
		}
		line := words[0]
		for _, word := range words[1:] {
			candidate := line + " " + word
			if c.textWidth(candidate) > maxWidth {
				lines = append(lines, line)
				line = word
				continue
			}
			line = candidate
		}
		lines = append(lines, line)
	}
	return lines
}

func (c *canvas) textWidth(s string) float64 {
	return c.font.Layout(nil, commentFontSize, s).TotalWidth()
}

func (c *canvas) StrokeLine(x1, y1, x2, y2 float64, colour compose.RGB, lineWidth float64) {
	b := c.builder
	b.PushGraphicsState()
	b.SetStrokeColor(deviceRGB(colour))
	b.SetLineWidth(lineWidth)
	b.SetLineCap(graphics.LineCapRound)
	b.MoveTo(x1, y1)
	b.LineTo(x2, y2)
	b.Stroke()
	b.PopGraphicsState()
}

func (c *canvas) StrokeRect(x, y, width, height float64, colour compose.RGB, lineWidth float64) {
	b := c.builder
	b.PushGraphicsState()
	b.SetStrokeColor(deviceRGB(colour))
	b.SetLineWidth(lineWidth)
	b.Rectangle(x, y, width, height)
	b.Stroke()
	b.PopGraphicsState()
}

// StrokeOval approximates the inscribed ellipse with four Bezier segments.
func (c *canvas) StrokeOval(x, y, width, height float64, colour compose.RGB, lineWidth float64) {
	rx := width / 2
	ry := height / 2
	cx := x + rx
	cy := y + ry
	ox := rx * ovalKappa
	oy := ry * ovalKappa

	b := c.builder
	b.PushGraphicsState()
	b.SetStrokeColor(deviceRGB(colour))
	b.SetLineWidth(lineWidth)
	b.MoveTo(cx+rx, cy)
	b.CurveTo(cx+rx, cy+oy, cx+ox, cy+ry, cx, cy+ry)
	b.CurveTo(cx-ox, cy+ry, cx-rx, cy+oy, cx-rx, cy)
	b.CurveTo(cx-rx, cy-oy, cx-ox, cy-ry, cx, cy-ry)
	b.CurveTo(cx+ox, cy-ry, cx+rx, cy-oy, cx+rx, cy)
	b.ClosePath()
	b.Stroke()
	b.PopGraphicsState()
}

func (c *canvas) Highlight(x, y, width, height float64, colour compose.RGB) {
	b := c.builder
	b.PushGraphicsState()
	b.SetExtGState(highlightState)
	b.SetFillColor(deviceRGB(colour))
	b.Rectangle(x, y, width, height)
	b.Fill()
	b.PopGraphicsState()
}

// Pen paints the freehand polyline. A single captured point becomes a dot.
func (c *canvas) Pen(points []compose.PenPoint, colour compose.RGB, lineWidth float64) {
	if len(points) == 0 {
		return
	}
	b := c.builder
	b.PushGraphicsState()
	if len(points) == 1 {
		b.SetFillColor(deviceRGB(colour))
		b.Circle(points[0].X, points[0].Y, lineWidth/2)
		b.Fill()
		b.PopGraphicsState()
		return
	}
	b.SetStrokeColor(deviceRGB(colour))
	b.SetLineWidth(lineWidth)
	b.SetLineCap(graphics.LineCapRound)
	b.SetLineJoin(graphics.LineJoinRound)
	b.MoveTo(points[0].X, points[0].Y)
	for _, p := range points[1:] {
		b.LineTo(p.X, p.Y)
	}
	b.Stroke()
	b.PopGraphicsState()
}

// Stamp paints a bordered marker carrying the stamp name, centred in the
// given bounds. Bounds collapse to a minimum size when the drag was a click.
func (c *canvas) Stamp(x, y, width, height float64, name string, colour compose.RGB) {
	const minStampSize = 28.0
	if width < minStampSize {
		width = minStampSize
	}
	if height < minStampSize {
		height = minStampSize
	}

	b := c.builder
	b.PushGraphicsState()
	b.SetStrokeColor(deviceRGB(colour))
	b.SetLineWidth(1.5)
	b.Rectangle(x, y, width, height)
	b.Stroke()

	label := name
	if label == "" {
		label = "stamp"
	}
	labelWidth := c.textWidth(label)
	b.SetFillColor(deviceRGB(colour))
	b.TextBegin()
	b.TextSetFont(c.font, commentFontSize)
	b.TextFirstLine(x+(width-labelWidth)/2, y+(height-commentFontSize)/2)
	b.TextShowRaw(pdf.String(label))
	b.TextEnd()
	b.PopGraphicsState()
}

func deviceRGB(c compose.RGB) color.Color {
	return color.DeviceRGB{c.R, c.G, c.B}
}
