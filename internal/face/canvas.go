package face

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"

	"github.com/ashureev/replyhelper/internal/domain"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"golang.org/x/image/vector"
)

// Canvas is the overlay surface drawn above the video.
type Canvas interface {
	Size() domain.Dimensions
	Clear()
	DrawDetections(dets []domain.Detection)
	DrawFaceLandmarks(dets []domain.Detection)
	DrawFaceExpressions(dets []domain.Detection, minProbability float64)
	EncodePNG(w io.Writer) error
}

var (
	boxColor      = color.RGBA{R: 0, G: 0, B: 255, A: 255}
	landmarkColor = color.RGBA{R: 0, G: 255, B: 255, A: 255}
	labelBgColor  = color.RGBA{R: 0, G: 0, B: 0, A: 128}
	labelFgColor  = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

const (
	boxLineWidth      = 2
	landmarkLineWidth = 1
	labelPadding      = 2
)

// landmarkContours are the index ranges of the 68-point model that are
// joined into lines, and whether each range is closed.
var landmarkContours = []struct {
	from, to int
	closed   bool
}{
	{0, 16, false},  // jaw
	{17, 21, false}, // left brow
	{22, 26, false}, // right brow
	{27, 30, false}, // nose bridge
	{30, 35, true},  // nose
	{36, 41, true},  // left eye
	{42, 47, true},  // right eye
	{48, 59, true},  // outer lip
	{60, 67, true},  // inner lip
}

// ImageCanvas renders the overlay onto a transparent RGBA image.
type ImageCanvas struct {
	img  *image.RGBA
	face font.Face
}

// NewImageCanvas creates a transparent canvas of the given size.
func NewImageCanvas(dims domain.Dimensions) (*ImageCanvas, error) {
	if !dims.Valid() {
		return nil, fmt.Errorf("invalid canvas size %dx%d", dims.Width, dims.Height)
	}
	return &ImageCanvas{
		img:  image.NewRGBA(image.Rect(0, 0, dims.Width, dims.Height)),
		face: basicfont.Face7x13,
	}, nil
}

// Image returns the backing image.
func (c *ImageCanvas) Image() *image.RGBA { return c.img }

func (c *ImageCanvas) Size() domain.Dimensions {
	b := c.img.Bounds()
	return domain.Dimensions{Width: b.Dx(), Height: b.Dy()}
}

// Clear makes every pixel transparent.
func (c *ImageCanvas) Clear() {
	draw.Draw(c.img, c.img.Bounds(), image.Transparent, image.Point{}, draw.Src)
}

// DrawDetections strokes each face box and labels it with its score.
func (c *ImageCanvas) DrawDetections(dets []domain.Detection) {
	if len(dets) == 0 {
		return
	}
	r := c.rasterizer()
	for _, d := range dets {
		strokeRect(r, d.Box, boxLineWidth)
	}
	c.fill(r, boxColor)

	for _, d := range dets {
		c.drawLabel(d.Box.X, d.Box.Y+d.Box.Height, []string{fmt.Sprintf("%.2f", d.Score)})
	}
}

// DrawFaceLandmarks draws the contours of every complete 68-point landmark set.
func (c *ImageCanvas) DrawFaceLandmarks(dets []domain.Detection) {
	r := c.rasterizer()
	drawn := false
	for _, d := range dets {
		if len(d.Landmarks) != domain.LandmarkCount {
			continue
		}
		for _, contour := range landmarkContours {
			pts := d.Landmarks[contour.from : contour.to+1]
			for i := 0; i+1 < len(pts); i++ {
				strokeLine(r, pts[i], pts[i+1], landmarkLineWidth)
			}
			if contour.closed {
				strokeLine(r, pts[len(pts)-1], pts[0], landmarkLineWidth)
			}
		}
		drawn = true
	}
	if drawn {
		c.fill(r, landmarkColor)
	}
}

// DrawFaceExpressions writes the expressions of each face with at least
// minProbability, most likely first, below its box.
func (c *ImageCanvas) DrawFaceExpressions(dets []domain.Detection, minProbability float64) {
	for _, d := range dets {
		var lines []string
		for _, e := range d.Expressions.Sorted() {
			if e.Probability < minProbability {
				continue
			}
			lines = append(lines, fmt.Sprintf("%s (%.2f)", e.Expression, e.Probability))
		}
		if len(lines) == 0 {
			continue
		}
		lineHeight := float64(c.face.Metrics().Height.Ceil() + labelPadding*2)
		c.drawLabel(d.Box.X, d.Box.Y+d.Box.Height+lineHeight, lines)
	}
}

// EncodePNG writes the canvas as PNG.
func (c *ImageCanvas) EncodePNG(w io.Writer) error {
	if err := png.Encode(w, c.img); err != nil {
		return fmt.Errorf("encode overlay: %w", err)
	}
	return nil
}

func (c *ImageCanvas) rasterizer() *vector.Rasterizer {
	b := c.img.Bounds()
	r := vector.NewRasterizer(b.Dx(), b.Dy())
	r.DrawOp = draw.Over
	return r
}

func (c *ImageCanvas) fill(r *vector.Rasterizer, col color.Color) {
	r.Draw(c.img, c.img.Bounds(), image.NewUniform(col), image.Point{})
}

// drawLabel draws text lines on a translucent background with its top-left at (x, y).
func (c *ImageCanvas) drawLabel(x, y float64, lines []string) {
	metrics := c.face.Metrics()
	lineHeight := metrics.Height.Ceil() + labelPadding*2

	width := 0
	for _, line := range lines {
		if w := font.MeasureString(c.face, line).Ceil(); w > width {
			width = w
		}
	}

	x0, y0 := int(math.Round(x)), int(math.Round(y))
	bg := image.Rect(x0, y0, x0+width+labelPadding*2, y0+lineHeight*len(lines)).Intersect(c.img.Bounds())
	if bg.Empty() {
		return
	}
	draw.Draw(c.img, bg, image.NewUniform(labelBgColor), image.Point{}, draw.Over)

	d := &font.Drawer{Dst: c.img, Src: image.NewUniform(labelFgColor), Face: c.face}
	for i, line := range lines {
		d.Dot = fixed.P(x0+labelPadding, y0+i*lineHeight+labelPadding+metrics.Ascent.Ceil())
		d.DrawString(line)
	}
}

// strokeRect adds the four edges of b as filled bands of the given width.
func strokeRect(r *vector.Rasterizer, b domain.Box, width float64) {
	x0, y0 := float32(b.X), float32(b.Y)
	x1, y1 := float32(b.X+b.Width), float32(b.Y+b.Height)
	w := float32(width)
	fillRect(r, x0, y0, x1, y0+w)
	fillRect(r, x0, y1-w, x1, y1)
	fillRect(r, x0, y0+w, x0+w, y1-w)
	fillRect(r, x1-w, y0+w, x1, y1-w)
}

func fillRect(r *vector.Rasterizer, x0, y0, x1, y1 float32) {
	x0, y0 = clampToRasterizer(r, x0, y0)
	x1, y1 = clampToRasterizer(r, x1, y1)
	if x1 <= x0 || y1 <= y0 {
		return
	}
	r.MoveTo(x0, y0)
	r.LineTo(x1, y0)
	r.LineTo(x1, y1)
	r.LineTo(x0, y1)
	r.ClosePath()
}

// strokeLine adds the segment a-b as a quad of the given width.
func strokeLine(r *vector.Rasterizer, a, b domain.Point, width float64) {
	dx, dy := b.X-a.X, b.Y-a.Y
	length := math.Hypot(dx, dy)
	if length == 0 {
		return
	}
	nx, ny := -dy/length*width/2, dx/length*width/2
	r.MoveTo(clampToRasterizer(r, float32(a.X+nx), float32(a.Y+ny)))
	r.LineTo(clampToRasterizer(r, float32(b.X+nx), float32(b.Y+ny)))
	r.LineTo(clampToRasterizer(r, float32(b.X-nx), float32(b.Y-ny)))
	r.LineTo(clampToRasterizer(r, float32(a.X-nx), float32(a.Y-ny)))
	r.ClosePath()
}

// clampToRasterizer keeps path points inside the rasterizer area.
func clampToRasterizer(r *vector.Rasterizer, x, y float32) (float32, float32) {
	size := r.Size()
	return clampf(x, 0, float32(size.X)), clampf(y, 0, float32(size.Y))
}

func clampf(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

var _ Canvas = (*ImageCanvas)(nil)
