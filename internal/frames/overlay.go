package frames

import (
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/vector"

	"sensorpipe-go/internal/types"
)

const (
	markerRadius   = 3
	markerSegments = 16
	lineHalfWidth  = 0.5
)

var (
	lineColor = color.NRGBA{R: 0, G: 0, B: 255, A: 127}
	prevColor = color.NRGBA{R: 0, G: 255, B: 0, A: 127}
	currColor = color.NRGBA{R: 255, G: 0, B: 255, A: 127}
)

// Annotate draws corr onto an RGBA copy of frame: one line per matched pair
// plus a marker at each end. frame itself is never modified. When corr has
// nothing to draw (empty or mismatched lengths) frame is returned as is.
func Annotate(frame *types.Frame, corr types.Correspondence) *types.Frame {
	if frame == nil || !corr.Drawable() || frame.Width < 1 || frame.Height < 1 {
		return frame
	}

	bounds := image.Rect(0, 0, frame.Width, frame.Height)
	canvas := image.NewRGBA(bounds)
	draw.Draw(canvas, bounds, frame.Image(), image.Point{}, draw.Src)

	p := painter{canvas: canvas, z: vector.NewRasterizer(frame.Width, frame.Height)}
	for i := range corr.Curr {
		p.line(corr.Prev[i], corr.Curr[i], lineColor)
		p.circle(corr.Prev[i], markerRadius, prevColor)
		p.circle(corr.Curr[i], markerRadius, currColor)
	}

	return &types.Frame{
		Kind:   frame.Kind,
		Format: types.RGBA8,
		Width:  frame.Width,
		Height: frame.Height,
		Pix:    canvas.Pix,
		Info:   frame.Info,
		Seq:    frame.Seq,
	}
}

type painter struct {
	canvas *image.RGBA
	z      *vector.Rasterizer
}

func (p *painter) fill(c color.Color) {
	b := p.canvas.Bounds()
	p.z.Draw(p.canvas, b, image.NewUniform(c), image.Point{})
	p.z.Reset(b.Dx(), b.Dy())
}

func (p *painter) line(a, b types.Point, c color.Color) {
	dx, dy := b.X-a.X, b.Y-a.Y
	length := math.Hypot(dx, dy)
	if length < 1e-6 {
		return
	}
	nx, ny := -dy/length*lineHalfWidth, dx/length*lineHalfWidth
	ax, ay := a.X+0.5, a.Y+0.5
	bx, by := b.X+0.5, b.Y+0.5

	p.z.MoveTo(float32(ax+nx), float32(ay+ny))
	p.z.LineTo(float32(bx+nx), float32(by+ny))
	p.z.LineTo(float32(bx-nx), float32(by-ny))
	p.z.LineTo(float32(ax-nx), float32(ay-ny))
	p.z.ClosePath()
	p.fill(c)
}

// circle draws a one pixel wide ring: the outer contour and the reversed
// inner contour cancel inside.
func (p *painter) circle(center types.Point, radius float64, c color.Color) {
	cx, cy := center.X+0.5, center.Y+0.5
	outer, inner := radius+lineHalfWidth, radius-lineHalfWidth

	for i := 0; i <= markerSegments; i++ {
		theta := 2 * math.Pi * float64(i) / markerSegments
		x, y := float32(cx+outer*math.Cos(theta)), float32(cy+outer*math.Sin(theta))
		if i == 0 {
			p.z.MoveTo(x, y)
			continue
		}
		p.z.LineTo(x, y)
	}
	p.z.ClosePath()

	for i := markerSegments; i >= 0; i-- {
		theta := 2 * math.Pi * float64(i) / markerSegments
		x, y := float32(cx+inner*math.Cos(theta)), float32(cy+inner*math.Sin(theta))
		if i == markerSegments {
			p.z.MoveTo(x, y)
			continue
		}
		p.z.LineTo(x, y)
	}
	p.z.ClosePath()
	p.fill(c)
}
