package content

import (
	"context"
	"fmt"
	"image"
	"time"

	"pipcast/internal/types"
)

// Timer counts down a fixed duration. Pausing freezes the remaining time.
type Timer struct {
	cfg     Config
	surface *canvas

	started  bool
	origin   time.Duration
	paused   bool
	pausedAt time.Duration
}

func NewTimer(cfg Config) *Timer {
	cfg = cfg.withDefaults()
	t := &Timer{cfg: cfg}
	t.surface = newCanvas(cfg.Width, cfg.Height, t.paint)
	return t
}

func (t *Timer) Kind() string           { return KindTimer }
func (t *Timer) PreferredTickRate() int { return 10 }
func (t *Timer) Stop()                  {}
func (t *Timer) Surface() types.Surface { return t.surface }

func (t *Timer) Start(context.Context) error {
	t.started = true
	t.origin = t.cfg.Clock.Now()
	return nil
}

func (t *Timer) SetPaused(paused bool) {
	if paused == t.paused {
		return
	}
	now := t.cfg.Clock.Now()
	t.paused = paused
	if paused {
		t.pausedAt = now
		return
	}
	t.origin += now - t.pausedAt
}

// Remaining returns the time left on the countdown.
func (t *Timer) Remaining() time.Duration {
	if !t.started {
		return t.cfg.TimerDuration
	}
	now := t.cfg.Clock.Now()
	if t.paused {
		now = t.pausedAt
	}
	return max(t.cfg.TimerDuration-(now-t.origin), 0)
}

func (t *Timer) paint(dst *image.RGBA) {
	b := dst.Bounds()
	fill(dst, b, colorBackground)

	left := t.Remaining()
	label := formatCountdown(left)
	c := colorForeground
	switch {
	case left == 0:
		c = colorWarn
	case t.paused:
		c = colorMuted
	}
	r := drawTextCentered(dst, label, b.Dy()/2-30, 4, c)

	bar := image.Rect(b.Min.X+16, r.Max.Y+12, b.Max.X-16, r.Max.Y+20)
	fill(dst, bar, colorMuted)
	done := float64(t.cfg.TimerDuration-left) / float64(t.cfg.TimerDuration)
	bar.Max.X = bar.Min.X + int(float64(bar.Dx())*done)
	fill(dst, bar, colorAccent)

	if t.paused {
		drawTextCentered(dst, "paused", bar.Max.Y+8, 1, colorMuted)
	}
}

func formatCountdown(d time.Duration) string {
	tenths := int(d / (100 * time.Millisecond))
	return fmt.Sprintf("%02d:%02d.%d", tenths/600, tenths/10%60, tenths%10)
}
