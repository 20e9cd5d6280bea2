package content

import (
	"image"
	"image/color"
	"image/draw"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	colorBackground = color.RGBA{R: 0x12, G: 0x14, B: 0x1c, A: 0xff}
	colorForeground = color.RGBA{R: 0xe8, G: 0xea, B: 0xf0, A: 0xff}
	colorMuted      = color.RGBA{R: 0x80, G: 0x86, B: 0x96, A: 0xff}
	colorAccent     = color.RGBA{R: 0x3d, G: 0xa5, B: 0xf4, A: 0xff}
	colorWarn       = color.RGBA{R: 0xf4, G: 0x7a, B: 0x3d, A: 0xff}
	colorOK         = color.RGBA{R: 0x4c, G: 0xd1, B: 0x7a, A: 0xff}
)

var face = basicfont.Face7x13

// canvas is a fixed-size Surface painted by a callback.
type canvas struct {
	bounds image.Rectangle
	paint  func(dst *image.RGBA)
}

func newCanvas(w, h int, paint func(dst *image.RGBA)) *canvas {
	return &canvas{bounds: image.Rect(0, 0, w, h), paint: paint}
}

func (c *canvas) Bounds() image.Rectangle { return c.bounds }
func (c *canvas) Draw(dst *image.RGBA)    { c.paint(dst) }

func fill(dst draw.Image, r image.Rectangle, c color.Color) {
	draw.Draw(dst, r, image.NewUniform(c), image.Point{}, draw.Src)
}

// textSize returns the unscaled pixel size of s.
func textSize(s string) image.Point {
	w := font.MeasureString(face, s).Ceil()
	return image.Pt(w, face.Metrics().Height.Ceil())
}

// renderText draws s once at 1x into a transparent image.
func renderText(s string, c color.Color) *image.RGBA {
	size := textSize(s)
	img := image.NewRGBA(image.Rectangle{Max: size})
	d := font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(0, face.Metrics().Ascent.Ceil()),
	}
	d.DrawString(s)
	return img
}

// drawText draws s scaled by scale with its top-left corner at pt and
// returns the rectangle it covered.
func drawText(dst draw.Image, s string, pt image.Point, scale int, c color.Color) image.Rectangle {
	if s == "" {
		return image.Rectangle{Min: pt, Max: pt}
	}
	if scale < 1 {
		scale = 1
	}
	src := renderText(s, c)
	r := image.Rectangle{Min: pt, Max: pt.Add(src.Bounds().Size().Mul(scale))}
	xdraw.NearestNeighbor.Scale(dst, r, src, src.Bounds(), draw.Over, nil)
	return r
}

// drawTextCentered centers s horizontally in dst with its top edge at y.
// The scale is reduced until the text fits.
func drawTextCentered(dst draw.Image, s string, y, scale int, c color.Color) image.Rectangle {
	b := dst.Bounds()
	size := textSize(s)
	for scale > 1 && size.X*scale > b.Dx() {
		scale--
	}
	x := b.Min.X + (b.Dx()-size.X*scale)/2
	return drawText(dst, s, image.Pt(x, y), scale, c)
}

// placeholderImage is shown while content is not ready or unavailable.
func placeholderImage(w, h int, title, detail string) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	fill(img, img.Bounds(), colorBackground)
	drawTextCentered(img, title, h/2-20, 2, colorMuted)
	drawTextCentered(img, detail, h/2+12, 1, colorMuted)
	return img
}
