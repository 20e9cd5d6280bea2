package content

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/gif"
	"log/slog"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"pipcast/internal/types"
)

const (
	generatedFrames   = 90
	generatedFrameDur = time.Second / 30
	// Browsers show GIF frames with a delay of 10ms or less for 100ms.
	gifDefaultDelay = 100 * time.Millisecond
)

// Video plays a looping clip through a Decoder. The clip is decoded in the
// background when the module starts; a placeholder is served until then.
type Video struct {
	cfg     Config
	log     *slog.Logger
	decoder *clipDecoder

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewVideo(cfg Config) *Video {
	cfg = cfg.withDefaults()
	return &Video{
		cfg:     cfg,
		log:     cfg.Log.With("component", "content", "kind", KindVideo),
		decoder: newClipDecoder(cfg.Width, cfg.Height),
	}
}

func (v *Video) Kind() string           { return KindVideo }
func (v *Video) PreferredTickRate() int { return 30 }
func (v *Video) Decoder() types.Decoder { return v.decoder }

func (v *Video) Start(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cancel != nil {
		return nil
	}
	ctx, v.cancel = context.WithCancel(ctx)
	go v.load(ctx)
	return nil
}

func (v *Video) Stop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cancel != nil {
		v.cancel()
		v.cancel = nil
	}
}

func (v *Video) load(ctx context.Context) {
	var (
		c   *clip
		err error
	)
	if v.cfg.ClipPath != "" {
		c, err = loadGIF(ctx, v.cfg.ClipPath)
	} else {
		c, err = generateClip(ctx, v.cfg.Width, v.cfg.Height)
	}
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		v.log.Error("clip load failed", "path", v.cfg.ClipPath, "error", err)
		v.decoder.fail(err)
		return
	}
	v.log.Debug("clip loaded", "frames", len(c.frames), "length", c.length)
	v.decoder.ready(c)
}

// clip is a fully decoded item. starts[i] is when frame i appears.
type clip struct {
	frames []*types.FrameBuffer
	starts []time.Duration
	length time.Duration
}

func (c *clip) add(img *image.RGBA, d time.Duration) {
	b := img.Bounds()
	buf := types.NewFrameBuffer(b.Dx(), b.Dy())
	buf.BlitRGBA(img)
	c.frames = append(c.frames, buf)
	c.starts = append(c.starts, c.length)
	c.length += d
}

// index returns the frame shown at item time at.
func (c *clip) index(at time.Duration) int {
	return sort.Search(len(c.starts), func(i int) bool { return c.starts[i] > at }) - 1
}

const placeholderIndex = -2

// clipDecoder serves frames of a clip that may still be loading. All
// methods are safe to call while the loader finishes.
type clipDecoder struct {
	mu          sync.Mutex
	clip        *clip
	err         error
	placeholder *types.FrameBuffer
	last        int
}

func newClipDecoder(w, h int) *clipDecoder {
	img := placeholderImage(w, h, "loading", "decoding clip")
	ph := types.NewFrameBuffer(w, h)
	ph.BlitRGBA(img)
	return &clipDecoder{placeholder: ph, last: -1}
}

func (d *clipDecoder) ready(c *clip) {
	d.mu.Lock()
	d.clip = c
	d.last = -1
	d.mu.Unlock()
}

func (d *clipDecoder) fail(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *clipDecoder) Next(at time.Duration) (*types.FrameBuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.err != nil {
		return nil, d.err
	}
	if d.clip == nil {
		if d.last == placeholderIndex {
			return nil, nil
		}
		d.last = placeholderIndex
		return d.placeholder, nil
	}
	if at < 0 {
		at = 0
	}
	if at >= d.clip.length {
		return nil, types.ErrEndOfStream
	}
	i := d.clip.index(at)
	if i == d.last {
		return nil, nil
	}
	d.last = i
	return d.clip.frames[i], nil
}

func (d *clipDecoder) Seek(at time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.clip != nil && (at < 0 || at > d.clip.length) {
		return fmt.Errorf("seek %v: outside clip of %v", at, d.clip.length)
	}
	d.last = -1
	return nil
}

func (d *clipDecoder) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.last = -1
	return nil
}

// loadGIF decodes every frame of an animated GIF onto a full canvas,
// honoring each frame's disposal method.
func loadGIF(ctx context.Context, path string) (*clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	g, err := gif.DecodeAll(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if len(g.Image) == 0 {
		return nil, fmt.Errorf("decode %s: no frames", path)
	}

	bounds := image.Rect(0, 0, g.Config.Width, g.Config.Height)
	if bounds.Empty() {
		bounds = g.Image[0].Bounds()
	}
	canvas := image.NewRGBA(bounds)
	c := &clip{}
	for i, frame := range g.Image {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var saved *image.RGBA
		disposal := byte(0)
		if i < len(g.Disposal) {
			disposal = g.Disposal[i]
		}
		if disposal == gif.DisposalPrevious {
			saved = image.NewRGBA(bounds)
			copy(saved.Pix, canvas.Pix)
		}

		draw.Draw(canvas, frame.Bounds(), frame, frame.Bounds().Min, draw.Over)

		delay := gifDefaultDelay
		if i < len(g.Delay) && g.Delay[i] > 1 {
			delay = time.Duration(g.Delay[i]) * 10 * time.Millisecond
		}
		c.add(canvas, delay)

		switch disposal {
		case gif.DisposalBackground:
			draw.Draw(canvas, frame.Bounds(), image.Transparent, image.Point{}, draw.Src)
		case gif.DisposalPrevious:
			canvas = saved
		}
	}
	return c, nil
}

// generateClip renders a bouncing ball for when no clip file is given.
func generateClip(ctx context.Context, w, h int) (*clip, error) {
	c := &clip{}
	r := max(min(w, h)/8, 2)
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < generatedFrames; i++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		phase := float64(i) / generatedFrames
		fill(img, img.Bounds(), colorBackground)
		cx := r + int(float64(w-2*r)*phase)
		cy := h - r - int(float64(h-2*r)*math.Abs(math.Sin(phase*2*math.Pi)))
		drawDisc(img, image.Pt(cx, cy), r, colorAccent)
		drawText(img, fmt.Sprintf("%02d", i), image.Pt(6, 6), 1, colorMuted)
		c.add(img, generatedFrameDur)
	}
	return c, nil
}

func drawDisc(dst *image.RGBA, center image.Point, r int, c color.RGBA) {
	for y := -r; y <= r; y++ {
		for x := -r; x <= r; x++ {
			if x*x+y*y <= r*r {
				p := center.Add(image.Pt(x, y))
				if p.In(dst.Bounds()) {
					dst.SetRGBA(p.X, p.Y, c)
				}
			}
		}
	}
}
