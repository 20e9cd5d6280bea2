package content

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"math"
	"time"

	xdraw "golang.org/x/image/draw"

	"pipcast/internal/types"
)

const (
	spriteSource = 16
	spriteSize   = 48
	orbitPeriod  = 4 * time.Second
)

// Companion is an animated character drawn as layers. It asks for
// compositing so the sprite is scaled on the render device instead of
// being redrawn on the CPU every tick.
type Companion struct {
	cfg     Config
	surface *canvas

	background *image.RGBA
	sprite     *image.RGBA
	label      *image.RGBA
	origin     time.Duration
}

func NewCompanion(cfg Config) *Companion {
	cfg = cfg.withDefaults()
	c := &Companion{
		cfg:        cfg,
		background: gradient(cfg.Width, cfg.Height, colorBackground, color.RGBA{R: 0x22, G: 0x2a, B: 0x44, A: 0xff}),
		sprite:     image.NewRGBA(image.Rect(0, 0, spriteSource, spriteSource)),
		label:      renderText("buddy", colorMuted),
	}
	drawDisc(c.sprite, image.Pt(spriteSource/2, spriteSource/2), spriteSource/2-1, colorOK)
	c.sprite.SetRGBA(5, 6, colorBackground)
	c.sprite.SetRGBA(10, 6, colorBackground)
	c.surface = newCanvas(cfg.Width, cfg.Height, c.paint)
	return c
}

func (c *Companion) Kind() string           { return KindCompanion }
func (c *Companion) PreferredTickRate() int { return 30 }
func (c *Companion) Stop()                  {}
func (c *Companion) Surface() types.Surface { return c.surface }
func (c *Companion) NeedsCompositing() bool { return true }

func (c *Companion) Start(context.Context) error {
	c.origin = c.cfg.Clock.Now()
	return nil
}

func (c *Companion) Layers() []types.Layer {
	b := c.surface.Bounds()
	return []types.Layer{
		{Image: c.background, Dst: b, Op: draw.Src},
		{Image: c.sprite, Dst: c.spriteRect(b), Op: draw.Over},
		{Image: c.label, Dst: c.label.Bounds().Add(image.Pt(6, 6)), Op: draw.Over},
	}
}

// spriteRect places the sprite on an ellipse around the center.
func (c *Companion) spriteRect(b image.Rectangle) image.Rectangle {
	elapsed := c.cfg.Clock.Now() - c.origin
	angle := 2 * math.Pi * float64(elapsed%orbitPeriod) / float64(orbitPeriod)
	rx := float64(b.Dx()-spriteSize) / 2
	ry := float64(b.Dy()-spriteSize) / 2
	x := b.Min.X + int(rx+rx*math.Cos(angle))
	y := b.Min.Y + int(ry+ry*math.Sin(angle))
	return image.Rect(x, y, x+spriteSize, y+spriteSize)
}

func (c *Companion) paint(dst *image.RGBA) {
	for _, l := range c.Layers() {
		if l.Image.Bounds().Size() == l.Dst.Size() {
			draw.Draw(dst, l.Dst, l.Image, l.Image.Bounds().Min, l.Op)
			continue
		}
		xdraw.NearestNeighbor.Scale(dst, l.Dst, l.Image, l.Image.Bounds(), l.Op, nil)
	}
}

// gradient fills a vertical two-color gradient.
func gradient(w, h int, top, bottom color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		t := float64(y) / float64(max(h-1, 1))
		c := color.RGBA{
			R: lerp(top.R, bottom.R, t),
			G: lerp(top.G, bottom.G, t),
			B: lerp(top.B, bottom.B, t),
			A: 0xff,
		}
		fill(img, image.Rect(0, y, w, y+1), c)
	}
	return img
}

func lerp(a, b uint8, t float64) uint8 {
	return uint8(float64(a) + (float64(b)-float64(a))*t)
}
