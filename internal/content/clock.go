package content

import (
	"context"
	"image"

	"pipcast/internal/types"
)

// Clock shows the time of day. One frame per second is enough.
type Clock struct {
	cfg     Config
	surface *canvas
}

func NewClock(cfg Config) *Clock {
	cfg = cfg.withDefaults()
	c := &Clock{cfg: cfg}
	c.surface = newCanvas(cfg.Width, cfg.Height, c.paint)
	return c
}

func (c *Clock) Kind() string                { return KindClock }
func (c *Clock) PreferredTickRate() int      { return 1 }
func (c *Clock) Start(context.Context) error { return nil }
func (c *Clock) Stop()                       {}
func (c *Clock) Surface() types.Surface      { return c.surface }

func (c *Clock) paint(dst *image.RGBA) {
	b := dst.Bounds()
	fill(dst, b, colorBackground)
	now := c.cfg.Now()
	r := drawTextCentered(dst, now.Format("15:04:05"), b.Dy()/2-30, 4, colorForeground)
	drawTextCentered(dst, now.Format("Mon Jan 2"), r.Max.Y+8, 2, colorMuted)
}
